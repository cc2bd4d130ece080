package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing maps a message onto an AMQP publishing. A positive ttl becomes
// the per-message expiration in milliseconds.
func toPublishing(msg *contracts.BinaryMessage, ttl time.Duration) amqp.Publishing {
	p := amqp.Publishing{
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         msg.Type,
		Body:         msg.Bytes,
		DeliveryMode: amqp.Persistent,
	}

	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
		if replyTo, ok := msg.Headers[contracts.HeaderReplyTo]; ok {
			p.ReplyTo = replyTo
		}
		if correlationID, ok := msg.Headers[contracts.HeaderCorrelationID]; ok {
			p.CorrelationId = correlationID
		}
		if id, ok := msg.Headers[contracts.HeaderMessageID]; ok && id != "" {
			p.MessageId = id
		}
	}

	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		p.Expiration = strconv.FormatInt(ms, 10)
	}

	return p
}

// fromDelivery maps an AMQP delivery back to a message. Header values that are
// not strings are formatted with fmt.
func fromDelivery(d amqp.Delivery) *contracts.BinaryMessage {
	msg := contracts.NewBinaryMessage(d.Body, d.Type)
	for k, v := range d.Headers {
		switch value := v.(type) {
		case string:
			msg.Headers[k] = value
		case []byte:
			msg.Headers[k] = string(value)
		default:
			msg.Headers[k] = fmt.Sprint(value)
		}
	}
	if _, ok := msg.Headers[contracts.HeaderReplyTo]; !ok && d.ReplyTo != "" {
		msg.Headers[contracts.HeaderReplyTo] = d.ReplyTo
	}
	if _, ok := msg.Headers[contracts.HeaderCorrelationID]; !ok && d.CorrelationId != "" {
		msg.Headers[contracts.HeaderCorrelationID] = d.CorrelationId
	}
	if _, ok := msg.Headers[contracts.HeaderMessageID]; !ok && d.MessageId != "" {
		msg.Headers[contracts.HeaderMessageID] = d.MessageId
	}
	return msg
}
