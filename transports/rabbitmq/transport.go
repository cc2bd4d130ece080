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
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DriverName is the TransportInfo.Driver value served by this package
const DriverName = "RabbitMq"

// TransportConfig holds configuration for transports built by the Factory
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	BreakerOptions    []reliability.CircuitBreakerOption
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	PrefetchCount     int
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithBreakerOptions configures the circuit breaker guarding publishes
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BreakerOptions = append(cfg.BreakerOptions, opts...)
	}
}

// WithConnectTimeout bounds Factory.Create
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishTimeout = timeout
	}
}

// WithPrefetchCount sets the per-channel QoS prefetch
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = count
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// Factory connects to RabbitMQ brokers
type Factory struct {
	cfg TransportConfig
}

// NewFactory creates a factory
func NewFactory(options ...TransportOption) *Factory {
	cfg := TransportConfig{
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		PrefetchCount:  10,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return &Factory{cfg: cfg}
}

// Name implements messaging.TransportFactory
func (f *Factory) Name() string {
	return DriverName
}

// Create implements messaging.TransportFactory
func (f *Factory) Create(info contracts.TransportInfo, onFailure func()) (messaging.Transport, error) {
	url, err := rabbitmq.BuildURL(info.Broker, info.Login, info.Password)
	if err != nil {
		return nil, contracts.NewConfigurationError(rabbitmq.SanitizeURL(info.Broker), err)
	}

	logger := f.cfg.Logger.With("transport", rabbitmq.SanitizeURL(url))
	connOptions := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialTimeout(f.cfg.ConnectTimeout),
	}
	if info.ConnectionMode != "" {
		connOptions = append(connOptions, rabbitmq.WithConnectionName(info.ConnectionMode))
	}
	connOptions = append(connOptions, f.cfg.ConnectionOptions...)

	manager := rabbitmq.NewConnectionManager(url, connOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConnectTimeout)
	defer cancel()
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := newTransport(manager, f.cfg, logger, onFailure)
	manager.AddStateListener(t)
	return t, nil
}

// Transport is one AMQP connection
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	cfg       TransportConfig
	logger    *slog.Logger
	breaker   *reliability.CircuitBreaker
	onFailure func()
	failOnce  sync.Once

	mu          sync.Mutex
	control     *amqp.Channel
	temporaries map[string]struct{}
	groups      map[*processingGroup]struct{}
	closed      bool
}

func newTransport(manager *rabbitmq.ConnectionManager, cfg TransportConfig, logger *slog.Logger, onFailure func()) *Transport {
	breakerOptions := append([]reliability.CircuitBreakerOption{
		reliability.WithName("rabbitmq-publish"),
		reliability.WithStateChangeHandler(func(name string, from, to reliability.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		}),
	}, cfg.BreakerOptions...)

	if onFailure == nil {
		onFailure = func() {}
	}

	return &Transport{
		manager:     manager,
		cfg:         cfg,
		logger:      logger,
		breaker:     reliability.NewCircuitBreaker(breakerOptions...),
		onFailure:   onFailure,
		temporaries: make(map[string]struct{}),
		groups:      make(map[*processingGroup]struct{}),
	}
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("transport lost its connection", "error", err)
	t.fail()
}

func (t *Transport) fail() {
	t.failOnce.Do(t.onFailure)
}

// CreateProcessingGroup implements messaging.Transport
func (t *Transport) CreateProcessingGroup(onFailure func()) (messaging.ProcessingGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, rabbitmq.ErrConnectionClosed
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}
	if t.cfg.PrefetchCount > 0 {
		if err := ch.Qos(t.cfg.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, &rabbitmq.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	g := newProcessingGroup(t, ch, onFailure)
	t.groups[g] = struct{}{}
	return g, nil
}

func (t *Transport) removeGroup(g *processingGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, g)
}

func (t *Transport) isTemporary(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.temporaries[name]
	return ok
}

// controlChannel returns the channel used for temporary queue management
func (t *Transport) controlChannel() (*amqp.Channel, error) {
	if t.control != nil && !t.control.IsClosed() {
		return t.control, nil
	}
	ch, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}
	t.control = ch
	return ch, nil
}

// CreateTemporary implements messaging.TemporaryDestinations. The queue is
// exclusive to this connection and deleted on dispose.
func (t *Transport) CreateTemporary(name string) (messaging.Disposable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, rabbitmq.ErrConnectionClosed
	}

	ch, err := t.controlChannel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(name, false, true, true, false, nil); err != nil {
		return nil, &rabbitmq.ChannelError{Op: "declare temporary queue", Target: name, Err: err, Timestamp: time.Now()}
	}
	t.temporaries[name] = struct{}{}

	return messaging.NewDisposable(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.temporaries, name)
		if t.closed || t.control == nil || t.control.IsClosed() {
			return
		}
		if _, err := t.control.QueueDelete(name, false, false, false); err != nil {
			t.logger.Debug("failed to delete temporary queue", "queue", name, "error", err)
		}
	}), nil
}

// Close closes every processing group and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	groups := make([]*processingGroup, 0, len(t.groups))
	for g := range t.groups {
		groups = append(groups, g)
	}
	control := t.control
	t.control = nil
	t.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if control != nil && !control.IsClosed() {
		if err := control.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.manager.RemoveStateListener(t)
	if err := t.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
