package inmemory

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

type delivery struct {
	msg      *contracts.BinaryMessage
	callback messaging.DeliveryFunc
	expires  time.Time
}

func (d delivery) expired(now time.Time) bool {
	return !d.expires.IsZero() && now.After(d.expires)
}

// processingGroup delivers messages to its subscriptions on one goroutine
type processingGroup struct {
	transport     *Transport
	logger        *slog.Logger
	subscriptions *messaging.CompositeDisposable

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
	done   chan struct{}
}

func newProcessingGroup(t *Transport) *processingGroup {
	g := &processingGroup{
		transport:     t,
		logger:        t.logger,
		subscriptions: &messaging.CompositeDisposable{},
		done:          make(chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	go g.run()
	return g
}

func (g *processingGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Send implements messaging.ProcessingGroup. A positive ttl drops the message if
// it is still undelivered when the ttl expires.
func (g *processingGroup) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if g.isClosed() {
		return messaging.ErrGroupClosed
	}

	d := delivery{msg: msg}
	if ttl > 0 {
		d.expires = time.Now().Add(ttl)
	}
	delivered := g.transport.topic(destination).publish(d)

	g.logger.Debug("message sent",
		"destination", destination,
		"type", msg.Type,
		"subscribers", delivered,
	)
	return nil
}

// Subscribe implements messaging.ProcessingGroup
func (g *processingGroup) Subscribe(destination string, callback messaging.DeliveryFunc, messageType string) (messaging.Disposable, error) {
	if callback == nil {
		return nil, errors.New("callback cannot be nil")
	}
	if g.isClosed() {
		return nil, messaging.ErrGroupClosed
	}

	tp := g.transport.topic(destination)
	id := tp.subscribe(subscriber{group: g, callback: callback, messageType: messageType})
	subscription := messaging.NewDisposable(func() {
		tp.unsubscribe(id)
	})
	g.subscriptions.Add(subscription)

	return subscription, nil
}

// SendRequest implements messaging.ProcessingGroup
func (g *processingGroup) SendRequest(destination string, msg *contracts.BinaryMessage, callback func(*contracts.BinaryMessage)) (*messaging.RequestHandle, error) {
	return messaging.NewRequest(g, g.transport, destination, msg, callback)
}

// RegisterHandler implements messaging.ProcessingGroup
func (g *processingGroup) RegisterHandler(destination string, handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, messageType string) (messaging.Disposable, error) {
	return messaging.ServeRequests(g, destination, handler, messageType, g.logger)
}

func (g *processingGroup) enqueue(d delivery) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.queue = append(g.queue, d)
	g.cond.Signal()
}

func (g *processingGroup) run() {
	defer close(g.done)

	for {
		g.mu.Lock()
		for len(g.queue) == 0 && !g.closed {
			g.cond.Wait()
		}
		if g.closed {
			g.mu.Unlock()
			return
		}
		d := g.queue[0]
		g.queue[0] = delivery{}
		g.queue = g.queue[1:]
		g.mu.Unlock()

		if d.expired(time.Now()) {
			g.logger.Debug("dropping expired message", "type", d.msg.Type)
			continue
		}
		g.dispatch(d)
	}
}

func (g *processingGroup) dispatch(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("subscriber panicked", "type", d.msg.Type, "panic", r)
		}
	}()
	d.callback(d.msg, func(bool) {})
}

// Close implements messaging.ProcessingGroup. Undelivered messages are dropped.
// It waits for a delivery in progress and must not be called from a subscriber.
func (g *processingGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.done
		return nil
	}
	g.closed = true
	g.queue = nil
	g.cond.Broadcast()
	g.mu.Unlock()

	g.subscriptions.Dispose()
	g.transport.removeGroup(g)
	<-g.done
	return nil
}
