package inmemory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// DriverName is the TransportInfo.Driver value served by this package
const DriverName = "InMemory"

// ErrTopicExists is returned when a temporary destination name is already in use
var ErrTopicExists = errors.New("topic already exists")

// Factory creates in-memory transports. Infos with equal fields share one
// transport, so groups created through different registries still see each
// other's messages.
type Factory struct {
	mu         sync.Mutex
	transports map[contracts.TransportInfo]*Transport
	logger     *slog.Logger
}

// FactoryOption configures the Factory
type FactoryOption func(*Factory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates a factory
func NewFactory(options ...FactoryOption) *Factory {
	f := &Factory{
		transports: make(map[contracts.TransportInfo]*Transport),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Name implements messaging.TransportFactory
func (f *Factory) Name() string {
	return DriverName
}

// Create implements messaging.TransportFactory
func (f *Factory) Create(info contracts.TransportInfo, onFailure func()) (messaging.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.transports[info]
	if !ok {
		t = newTransport(f.logger.With("transport", info.Broker))
		f.transports[info] = t
	}
	t.addFailureListener(onFailure)
	return t, nil
}

// Transport returns the transport created for info, if any
func (f *Factory) Transport(info contracts.TransportInfo) (*Transport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transports[info]
	return t, ok
}

// Transport routes messages between the processing groups created from it
type Transport struct {
	logger *slog.Logger

	mu       sync.Mutex
	topics   map[string]*topic
	groups   map[*processingGroup]struct{}
	failures []func()
}

func newTransport(logger *slog.Logger) *Transport {
	return &Transport{
		logger: logger,
		topics: make(map[string]*topic),
		groups: make(map[*processingGroup]struct{}),
	}
}

func (t *Transport) addFailureListener(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, fn)
}

// topic returns the topic for name, creating it on first use
func (t *Transport) topic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[name]
	if !ok {
		tp = newTopic()
		t.topics[name] = tp
	}
	return tp
}

// CreateTemporary implements messaging.TemporaryDestinations. Disposing the
// result forgets the topic.
func (t *Transport) CreateTemporary(name string) (messaging.Disposable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.topics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicExists, name)
	}
	tp := newTopic()
	t.topics[name] = tp

	return messaging.NewDisposable(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.topics[name] == tp {
			delete(t.topics, name)
		}
	}), nil
}

// CreateProcessingGroup implements messaging.Transport. Groups never fail on
// their own; onFailure is unused.
func (t *Transport) CreateProcessingGroup(onFailure func()) (messaging.ProcessingGroup, error) {
	g := newProcessingGroup(t)

	t.mu.Lock()
	t.groups[g] = struct{}{}
	t.mu.Unlock()

	return g, nil
}

func (t *Transport) removeGroup(g *processingGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, g)
}

// Fail emulates a lost connection: every failure callback registered through
// the factory since the last Fail is invoked once
func (t *Transport) Fail() {
	t.mu.Lock()
	listeners := t.failures
	t.failures = nil
	t.mu.Unlock()

	t.logger.Warn("emulating transport failure", "listeners", len(listeners))
	for _, fn := range listeners {
		fn()
	}
}

// Close closes every processing group. Topics are kept, so the factory can hand
// the transport out again.
func (t *Transport) Close() error {
	t.mu.Lock()
	groups := make([]*processingGroup, 0, len(t.groups))
	for g := range t.groups {
		groups = append(groups, g)
	}
	t.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// topic is a broadcast subject
type topic struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	next        uint64
}

type subscriber struct {
	group       *processingGroup
	callback    messaging.DeliveryFunc
	messageType string
}

func newTopic() *topic {
	return &topic{subscribers: make(map[uint64]subscriber)}
}

func (tp *topic) subscribe(s subscriber) uint64 {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.next++
	tp.subscribers[tp.next] = s
	return tp.next
}

func (tp *topic) unsubscribe(id uint64) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	delete(tp.subscribers, id)
}

func (tp *topic) publish(d delivery) int {
	tp.mu.RLock()
	targets := make([]subscriber, 0, len(tp.subscribers))
	for _, s := range tp.subscribers {
		if d.msg.MatchesType(s.messageType) {
			targets = append(targets, s)
		}
	}
	tp.mu.RUnlock()

	for _, s := range targets {
		copied := d
		copied.msg = d.msg.Clone()
		copied.callback = s.callback
		s.group.enqueue(copied)
	}
	return len(targets)
}
