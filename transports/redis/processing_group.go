package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/redis/go-redis/v9"
)

// processingGroup owns one PubSub connection per subscription
type processingGroup struct {
	transport *Transport
	logger    *slog.Logger
	onFailure func()
	failOnce  sync.Once

	mu            sync.Mutex
	subscriptions map[*subscription]struct{}
	closed        bool
}

type subscription struct {
	pubsub      *redis.PubSub
	channel     string
	messageType string
	callback    messaging.DeliveryFunc
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
}

func newProcessingGroup(t *Transport, onFailure func()) *processingGroup {
	return &processingGroup{
		transport:     t,
		logger:        t.logger,
		onFailure:     onFailure,
		subscriptions: make(map[*subscription]struct{}),
	}
}

func (g *processingGroup) fail() {
	if g.onFailure != nil {
		g.failOnce.Do(g.onFailure)
	}
}

func (g *processingGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Send implements messaging.ProcessingGroup. ttl is ignored.
func (g *processingGroup) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if g.isClosed() {
		return messaging.ErrGroupClosed
	}

	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	err = g.transport.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), g.transport.cfg.PublishTimeout)
		defer cancel()
		return g.transport.client.Publish(ctx, destination, payload).Err()
	})
	if err != nil {
		g.logger.Error("failed to publish",
			"destination", destination,
			"type", msg.Type,
			"error", err,
		)
		g.fail()
		return err
	}

	return nil
}

// Subscribe implements messaging.ProcessingGroup. The subscription is confirmed
// by the server before Subscribe returns.
func (g *processingGroup) Subscribe(destination string, callback messaging.DeliveryFunc, messageType string) (messaging.Disposable, error) {
	if callback == nil {
		return nil, errors.New("callback cannot be nil")
	}
	if g.isClosed() {
		return nil, messaging.ErrGroupClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := g.transport.client.Subscribe(ctx, destination)

	confirmCtx, confirmCancel := context.WithTimeout(ctx, g.transport.cfg.ConnectTimeout)
	defer confirmCancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	s := &subscription{
		pubsub:      pubsub,
		channel:     destination,
		messageType: messageType,
		callback:    callback,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		s.close()
		return nil, messaging.ErrGroupClosed
	}
	g.subscriptions[s] = struct{}{}
	g.mu.Unlock()

	go g.receive(ctx, s)

	return messaging.NewDisposable(func() {
		g.mu.Lock()
		delete(g.subscriptions, s)
		g.mu.Unlock()
		s.close()
	}), nil
}

func (g *processingGroup) receive(ctx context.Context, s *subscription) {
	defer close(s.done)

	for {
		m, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			g.logger.Error("pub/sub receive failed", "channel", s.channel, "error", err)
			g.fail()
			return
		}

		msg, err := decodeMessage([]byte(m.Payload))
		if err != nil {
			g.logger.Warn("dropping undecodable message", "channel", s.channel, "error", err)
			continue
		}
		if !msg.MatchesType(s.messageType) {
			continue
		}

		s.callback(msg, func(bool) {})
	}
}

// close stops the receive loop. It must not be called from the callback.
func (s *subscription) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.pubsub.Close()
	})
	if s.done != nil {
		<-s.done
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

// Close implements messaging.ProcessingGroup
func (g *processingGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	subs := make([]*subscription, 0, len(g.subscriptions))
	for s := range g.subscriptions {
		subs = append(subs, s)
	}
	g.subscriptions = make(map[*subscription]struct{})
	g.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	g.transport.removeGroup(g)
	return nil
}
