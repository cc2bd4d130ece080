package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

var (
	// ErrManagerClosed is returned by Subscribe after Close
	ErrManagerClosed = errors.New("subscription manager is closed")

	// ErrNilCallback is returned when Subscribe is called without a callback
	ErrNilCallback = errors.New("callback is required")

	// ErrEmptyDestination is returned when the endpoint has no destination
	ErrEmptyDestination = errors.New("endpoint destination is required")
)

// AcknowledgeFunc settles a message. A positive delay defers the transport
// acknowledgement by at least that long; success selects ack or nack.
type AcknowledgeFunc func(delay time.Duration, success bool)

// CallbackFunc processes one message. It must call ack exactly once, either
// before returning or later from another goroutine.
type CallbackFunc func(msg *contracts.BinaryMessage, ack AcknowledgeFunc)

// SubscriptionManager keeps subscriptions alive across transport failures and
// dispatches their messages to per-group worker pools by priority.
type SubscriptionManager struct {
	groups   ProcessingGroupProvider
	interval time.Duration
	policy   reliability.RetryPolicy
	infos    map[string]contracts.ProcessingGroupInfo
	logger   *slog.Logger
	metrics  MetricsCollector
	acks     *ackScheduler

	mu            sync.Mutex
	pools         map[string]*workerPool
	subscriptions map[*subscription]struct{}
	closed        bool
}

// SubscriptionManagerOption configures the SubscriptionManager
type SubscriptionManagerOption func(*SubscriptionManager)

// WithProcessingGroups sets the worker pool configuration per processing group name
func WithProcessingGroups(groups map[string]contracts.ProcessingGroupInfo) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		for name, info := range groups {
			m.infos[name] = info
		}
	}
}

// WithSubscriptionLogger sets the logger
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		m.metrics = metrics
	}
}

// WithResubscriptionPolicy replaces the fixed-interval retry policy
func WithResubscriptionPolicy(policy reliability.RetryPolicy) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		m.policy = policy
	}
}

// NewSubscriptionManager creates a subscription manager. resubscriptionInterval
// is the delay between failed subscribe attempts and must be positive.
func NewSubscriptionManager(groups ProcessingGroupProvider, resubscriptionInterval time.Duration, options ...SubscriptionManagerOption) (*SubscriptionManager, error) {
	if groups == nil {
		return nil, errors.New("processing group provider is required")
	}
	if resubscriptionInterval <= 0 {
		return nil, contracts.NewConfigurationError("resubscriptionInterval",
			fmt.Errorf("must be positive, got %s", resubscriptionInterval))
	}

	m := &SubscriptionManager{
		groups:        groups,
		interval:      resubscriptionInterval,
		infos:         make(map[string]contracts.ProcessingGroupInfo),
		logger:        slog.Default(),
		metrics:       &NoOpMetricsCollector{},
		pools:         make(map[string]*workerPool),
		subscriptions: make(map[*subscription]struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.policy == nil {
		m.policy = reliability.NewFixedDelay(resubscriptionInterval, 0)
	}
	m.logger = m.logger.With("component", "subscription-manager")
	m.acks = newAckScheduler(m.logger)

	return m, nil
}

// Subscribe registers callback for messages of messageType arriving at endpoint.
// It returns as soon as the processing group is resolved; the broker-level
// subscription is established asynchronously and re-established after failures
// until the returned Disposable is disposed.
//
// Only invalid arguments, a closed manager and configuration errors (unknown
// transport or driver) are returned. Everything else is retried.
func (m *SubscriptionManager) Subscribe(endpoint contracts.Endpoint, callback CallbackFunc, messageType, groupName string, priority uint) (Disposable, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	if endpoint.Destination == "" {
		return nil, ErrEmptyDestination
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	pool := m.poolLocked(groupName)
	sub := &subscription{
		manager:     m,
		endpoint:    endpoint,
		messageType: messageType,
		groupName:   groupName,
		priority:    priority,
		callback:    callback,
		pool:        pool,
		scope:       &ackScope{},
		logger: m.logger.With(
			"endpoint", endpoint.String(),
			"group", groupName,
			"messageType", messageType,
		),
	}
	m.subscriptions[sub] = struct{}{}
	m.mu.Unlock()

	if err := sub.start(); err != nil {
		sub.Dispose()
		return nil, err
	}

	return sub, nil
}

func (m *SubscriptionManager) poolLocked(groupName string) *workerPool {
	if pool, ok := m.pools[groupName]; ok {
		return pool
	}
	info, ok := m.infos[groupName]
	if !ok {
		info = contracts.DefaultProcessingGroupInfo
	}
	pool := newWorkerPool(groupName, info, m.logger)
	m.pools[groupName] = pool
	return pool
}

func (m *SubscriptionManager) remove(sub *subscription) {
	m.mu.Lock()
	delete(m.subscriptions, sub)
	m.mu.Unlock()
}

// Stats returns the load of every processing group created so far
func (m *SubscriptionManager) Stats() map[string]WorkerPoolStats {
	m.mu.Lock()
	pools := make(map[string]*workerPool, len(m.pools))
	for name, pool := range m.pools {
		pools[name] = pool
	}
	m.mu.Unlock()

	stats := make(map[string]WorkerPoolStats, len(pools))
	for name, pool := range pools {
		stats[name] = pool.stats()
	}
	return stats
}

// SubscriptionStatus is a snapshot of one live subscription
type SubscriptionStatus struct {
	Endpoint    contracts.Endpoint
	MessageType string
	Group       string
	State       string
	// Failures counts subscribe attempts failed since the last success
	Failures int
	// Stopped is set when no further attempt will be made
	Stopped bool
}

// Subscriptions returns the status of every subscription not yet disposed,
// ordered by endpoint
func (m *SubscriptionManager) Subscriptions() []SubscriptionStatus {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subscriptions))
	for sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	statuses := make([]SubscriptionStatus, 0, len(subs))
	for _, sub := range subs {
		statuses = append(statuses, sub.status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		a, b := statuses[i], statuses[j]
		if a.Endpoint.String() != b.Endpoint.String() {
			return a.Endpoint.String() < b.Endpoint.String()
		}
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.MessageType < b.MessageType
	})
	return statuses
}

// Close disposes every subscription, waits for running callbacks, stops the
// worker pools and executes every deferred acknowledgement still pending
func (m *SubscriptionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.subscriptions))
	for sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	pools := m.pools
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
	for _, pool := range pools {
		pool.close()
	}
	m.acks.close()

	m.logger.Info("subscription manager closed", "subscriptions", len(subs), "groups", len(pools))
	return nil
}
