package relay

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// Consume subscribes handler to messages of type T on endpoint. T must be
// registered with the engine's type registry. A handler error or an undecodable
// body negatively acknowledges the message.
func Consume[T any](e *Engine, endpoint contracts.Endpoint, groupName string, priority uint, handler func(*T) error) (messaging.Disposable, error) {
	messageType, err := e.Types().TypeName(new(T))
	if err != nil {
		return nil, err
	}

	return e.Subscribe(endpoint, func(msg *contracts.BinaryMessage, ack messaging.AcknowledgeFunc) {
		v := new(T)
		if err := e.codec.DecodeInto(endpoint.Format(), msg, v); err != nil {
			e.logger.Warn("failed to decode message",
				"destination", endpoint.Destination,
				"messageType", msg.Type,
				"error", err,
			)
			ack(0, false)
			return
		}

		ack(0, handler(v) == nil)
	}, messageType, groupName, priority)
}

// Call sends a typed request and decodes the reply into Resp
func Call[Req, Resp any](ctx context.Context, e *Engine, endpoint contracts.Endpoint, groupName string, request *Req) (*Resp, error) {
	msg, err := e.codec.Encode(endpoint.Format(), request)
	if err != nil {
		return nil, err
	}

	reply, err := e.Request(ctx, endpoint, msg, groupName)
	if err != nil {
		return nil, err
	}

	resp := new(Resp)
	if err := e.codec.DecodeInto(endpoint.Format(), reply, resp); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return resp, nil
}

// Handle answers typed requests of type Req on endpoint with replies of type Resp
func Handle[Req, Resp any](e *Engine, endpoint contracts.Endpoint, groupName string, priority uint, handler func(*Req) (*Resp, error)) (messaging.Disposable, error) {
	messageType, err := e.Types().TypeName(new(Req))
	if err != nil {
		return nil, err
	}

	return e.Serve(endpoint, func(msg *contracts.BinaryMessage) *contracts.BinaryMessage {
		request := new(Req)
		if err := e.codec.DecodeInto(endpoint.Format(), msg, request); err != nil {
			e.logger.Warn("failed to decode request", "destination", endpoint.Destination, "error", err)
			return nil
		}

		response, err := handler(request)
		if err != nil || response == nil {
			if err != nil {
				e.logger.Warn("request handler failed", "destination", endpoint.Destination, "error", err)
			}
			return nil
		}

		reply, err := e.codec.Encode(endpoint.Format(), response)
		if err != nil {
			e.logger.Error("failed to encode reply", "destination", endpoint.Destination, "error", err)
			return nil
		}
		return reply
	}, messageType, groupName, priority)
}
