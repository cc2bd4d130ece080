package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/redis/go-redis/v9"
)

// DriverName is the TransportInfo.Driver value served by this package
const DriverName = "Redis"

var (
	// ErrDestinationExists is returned when a temporary destination name is already in use
	ErrDestinationExists = errors.New("redis: destination already exists")

	// ErrTransportClosed is returned after Close
	ErrTransportClosed = errors.New("redis: transport is closed")
)

// TransportConfig holds configuration for transports built by the Factory
type TransportConfig struct {
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	PoolSize       int
	BreakerOptions []reliability.CircuitBreakerOption
	Logger         *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectTimeout bounds dialing and the initial ping
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

// WithPoolSize sets the client connection pool size
func WithPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolSize = size
	}
}

// WithBreakerOptions configures the circuit breaker guarding publishes
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BreakerOptions = append(cfg.BreakerOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// Factory connects to Redis servers
type Factory struct {
	cfg TransportConfig
}

// NewFactory creates a factory
func NewFactory(options ...TransportOption) *Factory {
	cfg := TransportConfig{
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
		PoolSize:       10,
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

// clientOptions turns info into go-redis options
func (f *Factory) clientOptions(info contracts.TransportInfo) (*redis.Options, error) {
	opts, err := redis.ParseURL(info.Broker)
	if err != nil {
		return nil, contracts.NewConfigurationError("redis broker", err)
	}
	if info.Login != "" {
		opts.Username = info.Login
		opts.Password = info.Password
	}
	if info.ConnectionMode != "" {
		opts.ClientName = info.ConnectionMode
	}
	opts.DialTimeout = f.cfg.ConnectTimeout
	if f.cfg.PoolSize > 0 {
		opts.PoolSize = f.cfg.PoolSize
	}
	return opts, nil
}

// Create implements messaging.TransportFactory
func (f *Factory) Create(info contracts.TransportInfo, onFailure func()) (messaging.Transport, error) {
	opts, err := f.clientOptions(info)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger := f.cfg.Logger.With("transport", opts.Addr)
	logger.Info("connected to Redis", "db", opts.DB)

	return newTransport(client, f.cfg, logger, onFailure), nil
}

// Transport is one Redis client
type Transport struct {
	client    *redis.Client
	cfg       TransportConfig
	logger    *slog.Logger
	breaker   *reliability.CircuitBreaker
	onFailure func()
	failOnce  sync.Once

	mu          sync.Mutex
	temporaries map[string]struct{}
	groups      map[*processingGroup]struct{}
	closed      bool
}

func newTransport(client *redis.Client, cfg TransportConfig, logger *slog.Logger, onFailure func()) *Transport {
	breakerOptions := append([]reliability.CircuitBreakerOption{
		reliability.WithName("redis-publish"),
		reliability.WithStateChangeHandler(func(name string, from, to reliability.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		}),
	}, cfg.BreakerOptions...)

	if onFailure == nil {
		onFailure = func() {}
	}

	return &Transport{
		client:      client,
		cfg:         cfg,
		logger:      logger,
		breaker:     reliability.NewCircuitBreaker(breakerOptions...),
		onFailure:   onFailure,
		temporaries: make(map[string]struct{}),
		groups:      make(map[*processingGroup]struct{}),
	}
}

func (t *Transport) fail() {
	t.failOnce.Do(t.onFailure)
}

// CreateProcessingGroup implements messaging.Transport
func (t *Transport) CreateProcessingGroup(onFailure func()) (messaging.ProcessingGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	g := newProcessingGroup(t, onFailure)
	t.groups[g] = struct{}{}
	return g, nil
}

func (t *Transport) removeGroup(g *processingGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, g)
}

// CreateTemporary implements messaging.TemporaryDestinations. Pub/sub channels
// need no server-side setup; the name is reserved within this transport.
func (t *Transport) CreateTemporary(name string) (messaging.Disposable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if _, ok := t.temporaries[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, name)
	}
	t.temporaries[name] = struct{}{}

	return messaging.NewDisposable(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.temporaries, name)
	}), nil
}

// Close closes every processing group and the client
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
	t.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
