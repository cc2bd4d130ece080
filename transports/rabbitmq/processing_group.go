package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the part of *amqp.Channel a processing group uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// processingGroup is one AMQP channel shared by the consumers and publishers
// of a group
type processingGroup struct {
	transport *Transport
	channel   channel
	logger    *slog.Logger
	onFailure func()
	failOnce  sync.Once

	publishMu sync.Mutex

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool
}

type consumer struct {
	tag         string
	queue       string
	messageType string
	callback    messaging.DeliveryFunc
}

func newProcessingGroup(t *Transport, ch channel, onFailure func()) *processingGroup {
	g := &processingGroup{
		transport: t,
		channel:   ch,
		logger:    t.logger,
		onFailure: onFailure,
		consumers: make(map[string]*consumer),
	}

	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go g.watch(notifyClose)

	return g
}

// watch reports a channel closed by the broker. A channel closed by Close
// delivers no error.
func (g *processingGroup) watch(notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if !ok || amqpErr == nil {
		return
	}
	g.logger.Error("channel closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
	g.fail()
}

func (g *processingGroup) fail() {
	if g.onFailure == nil {
		return
	}
	g.failOnce.Do(g.onFailure)
}

func (g *processingGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Send implements messaging.ProcessingGroup. Publish errors are returned and
// also reported as a group failure; while the circuit breaker is open publishes
// are refused without touching the broker.
func (g *processingGroup) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if g.isClosed() {
		return messaging.ErrGroupClosed
	}

	publishing := toPublishing(msg, ttl)
	err := g.transport.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), g.transport.cfg.PublishTimeout)
		defer cancel()

		g.publishMu.Lock()
		defer g.publishMu.Unlock()
		return g.channel.PublishWithContext(ctx, "", destination, false, false, publishing)
	})
	if err != nil {
		g.logger.Error("failed to publish",
			"destination", destination,
			"type", msg.Type,
			"error", err,
		)
		g.fail()
		return &rabbitmq.ChannelError{Op: "publish", Target: destination, Err: err, Timestamp: time.Now()}
	}

	return nil
}

// Subscribe implements messaging.ProcessingGroup. The queue is declared durable
// unless it is a temporary queue of this connection. Messages whose type does
// not match messageType are acknowledged and skipped.
func (g *processingGroup) Subscribe(destination string, callback messaging.DeliveryFunc, messageType string) (messaging.Disposable, error) {
	if callback == nil {
		return nil, errors.New("callback cannot be nil")
	}
	if g.isClosed() {
		return nil, messaging.ErrGroupClosed
	}

	if !g.transport.isTemporary(destination) {
		if _, err := g.channel.QueueDeclare(destination, true, false, false, false, nil); err != nil {
			return nil, &rabbitmq.ChannelError{Op: "declare queue", Target: destination, Err: err, Timestamp: time.Now()}
		}
	}

	c := &consumer{
		tag:         "relay-" + uuid.NewString(),
		queue:       destination,
		messageType: messageType,
		callback:    callback,
	}
	deliveries, err := g.channel.Consume(destination, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, &rabbitmq.ChannelError{Op: "consume", Target: destination, Err: err, Timestamp: time.Now()}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		// closed while the consumer was being registered
		if !g.channel.IsClosed() {
			if err := g.channel.Cancel(c.tag, false); err != nil {
				g.logger.Debug("failed to cancel consumer", "consumerTag", c.tag, "error", err)
			}
		}
		go drain(deliveries)
		return nil, messaging.ErrGroupClosed
	}
	g.consumers[c.tag] = c
	g.mu.Unlock()

	go g.consume(c, deliveries)

	g.logger.Debug("consumer started", "queue", destination, "consumerTag", c.tag)

	return messaging.NewDisposable(func() {
		g.cancel(c)
	}), nil
}

func (g *processingGroup) consume(c *consumer, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if c.messageType != "" && d.Type != c.messageType {
			if err := d.Ack(false); err != nil {
				g.logger.Debug("failed to ack skipped delivery", "queue", c.queue, "error", err)
			}
			continue
		}

		delivery := d
		c.callback(fromDelivery(delivery), func(success bool) {
			var err error
			if success {
				err = delivery.Ack(false)
			} else {
				err = delivery.Nack(false, true)
			}
			if err != nil {
				g.logger.Warn("failed to settle delivery",
					"queue", c.queue,
					"success", success,
					"error", err,
				)
			}
		})
	}
}

// drain discards deliveries nobody will settle; the broker requeues them when
// the channel closes
func drain(deliveries <-chan amqp.Delivery) {
	for range deliveries {
	}
}

func (g *processingGroup) cancel(c *consumer) {
	g.mu.Lock()
	if _, ok := g.consumers[c.tag]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.consumers, c.tag)
	closed := g.closed
	g.mu.Unlock()

	if closed || g.channel.IsClosed() {
		return
	}
	if err := g.channel.Cancel(c.tag, false); err != nil {
		g.logger.Debug("failed to cancel consumer", "consumerTag", c.tag, "error", err)
	}
}

// SendRequest implements messaging.ProcessingGroup
func (g *processingGroup) SendRequest(destination string, msg *contracts.BinaryMessage, callback func(*contracts.BinaryMessage)) (*messaging.RequestHandle, error) {
	return messaging.NewRequest(g, g.transport, destination, msg, callback)
}

// RegisterHandler implements messaging.ProcessingGroup
func (g *processingGroup) RegisterHandler(destination string, handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, messageType string) (messaging.Disposable, error) {
	return messaging.ServeRequests(g, destination, handler, messageType, g.logger)
}

// Close implements messaging.ProcessingGroup. Unacknowledged deliveries are
// returned to their queues by the broker.
func (g *processingGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.consumers = make(map[string]*consumer)
	g.mu.Unlock()

	g.transport.removeGroup(g)

	if g.channel.IsClosed() {
		return nil
	}
	if err := g.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}
