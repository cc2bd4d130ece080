package messaging

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/google/uuid"
)

// RequestHandle tracks an outstanding request. Disposing it stops listening for
// the reply and removes the temporary reply destination. There is no built-in
// timeout: callers dispose the handle when they stop waiting.
type RequestHandle struct {
	replyTo    string
	disposable Disposable
}

// ReplyTo returns the temporary reply destination
func (h *RequestHandle) ReplyTo() string {
	return h.replyTo
}

// Dispose implements Disposable
func (h *RequestHandle) Dispose() {
	h.disposable.Dispose()
}

// NewRequest implements ProcessingGroup.SendRequest on top of Subscribe, Send and
// the driver's temporary destinations. Every reply received on the temporary
// destination is acknowledged and passed to callback.
func NewRequest(group ProcessingGroup, temps TemporaryDestinations, destination string, msg *contracts.BinaryMessage, callback func(*contracts.BinaryMessage)) (*RequestHandle, error) {
	if msg == nil {
		return nil, errors.New("request message cannot be nil")
	}
	if callback == nil {
		return nil, errors.New("response callback cannot be nil")
	}

	replyTo := uuid.NewString()
	temporary, err := temps.CreateTemporary(replyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply destination %s: %w", replyTo, err)
	}

	subscription, err := group.Subscribe(replyTo, func(response *contracts.BinaryMessage, ack func(bool)) {
		callback(response)
		ack(true)
	}, "")
	if err != nil {
		temporary.Dispose()
		return nil, fmt.Errorf("failed to subscribe to reply destination %s: %w", replyTo, err)
	}

	msg.SetHeader(contracts.HeaderReplyTo, replyTo)
	if err := group.Send(destination, msg, 0); err != nil {
		subscription.Dispose()
		temporary.Dispose()
		return nil, fmt.Errorf("failed to send request to %s: %w", destination, err)
	}

	cleanup := &CompositeDisposable{}
	cleanup.Add(temporary)
	cleanup.Add(subscription)

	return &RequestHandle{replyTo: replyTo, disposable: cleanup}, nil
}

// ServeRequests implements ProcessingGroup.RegisterHandler. Messages without a
// reply address are one-way sends and are ignored. The response carries the
// request's correlation id, or its reply address when the request has none.
func ServeRequests(group ProcessingGroup, destination string, handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, messageType string, logger *slog.Logger) (Disposable, error) {
	if handler == nil {
		return nil, errors.New("request handler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return group.Subscribe(destination, func(request *contracts.BinaryMessage, ack func(bool)) {
		defer ack(true)

		replyTo, ok := ReplyAddress(request)
		if !ok {
			return
		}

		response := invokeRequestHandler(handler, request, destination, logger)
		if response == nil {
			return
		}
		Correlate(request, response)

		if err := group.Send(replyTo, response, 0); err != nil {
			logger.Warn("failed to send response",
				"destination", destination,
				"replyTo", replyTo,
				"error", err,
			)
		}
	}, messageType)
}

// ReplyAddress returns the reply address of request. Requests without one are
// one-way sends.
func ReplyAddress(request *contracts.BinaryMessage) (string, bool) {
	replyTo, ok := request.Header(contracts.HeaderReplyTo)
	return replyTo, ok && replyTo != ""
}

// Correlate stamps response with the correlation id of request: its
// CorrelationId header when present, else its reply address.
func Correlate(request, response *contracts.BinaryMessage) {
	correlationID, ok := request.Header(contracts.HeaderCorrelationID)
	if !ok || correlationID == "" {
		correlationID, _ = request.Header(contracts.HeaderReplyTo)
	}
	response.SetHeader(contracts.HeaderCorrelationID, correlationID)
}

func invokeRequestHandler(handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, request *contracts.BinaryMessage, destination string, logger *slog.Logger) (response *contracts.BinaryMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panicked",
				"destination", destination,
				"messageType", request.Type,
				"panic", r,
			)
			response = nil
		}
	}()
	return handler(request)
}
