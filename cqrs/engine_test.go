package cqrs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/transports/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type CreateOrder struct {
	OrderID string `json:"orderId"`
}

type OrderCreated struct {
	OrderID string `json:"orderId"`
}

type mockComponent struct {
	mock.Mock
	types []any
}

func (m *mockComponent) Handle(ctx context.Context, msg any) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockComponent) MessageTypes() []any {
	return m.types
}

// recorder collects handled messages
type recorder struct {
	types []any
	err   error

	mu       sync.Mutex
	messages []any
}

func (r *recorder) Handle(_ context.Context, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.err
}

func (r *recorder) MessageTypes() []any {
	return r.types
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[len(r.messages)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testContexts = []BoundContext{
	{Name: "orders", CommandsEndpoint: "orders-commands", EventsEndpoint: "orders-events"},
	{Name: "billing", EventsEndpoint: "billing-events"},
}

func newTestEngine(t *testing.T, options ...Option) *Engine {
	t.Helper()

	info := contracts.NewTransportInfo("memory://cqrs", "", "", "", inmemory.DriverName)
	r, err := relay.NewEngine(messaging.MapTransportResolver{"mem": info}, 100*time.Millisecond,
		relay.WithLogger(testLogger()),
		relay.WithFactories(inmemory.NewFactory(inmemory.WithLogger(testLogger()))),
		relay.WithEndpoints(messaging.MapEndpointResolver{
			"orders-commands": contracts.NewEndpoint("mem", "orders.commands"),
			"orders-events":   contracts.NewEndpoint("mem", "orders.events"),
			"billing-events":  contracts.NewEndpoint("mem", "billing.events"),
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	engine, err := NewEngine(r, testContexts, append([]Option{WithLogger(testLogger())}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestNewEngine(t *testing.T) {
	t.Run("unknown endpoint is a configuration error", func(t *testing.T) {
		r, err := relay.NewEngine(messaging.MapTransportResolver{}, time.Second, relay.WithLogger(testLogger()))
		require.NoError(t, err)
		defer r.Close()

		_, err = NewEngine(r, []BoundContext{{Name: "orders", CommandsEndpoint: "missing"}})
		assert.ErrorIs(t, err, contracts.ErrUnknownEndpoint)
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("duplicate bound context", func(t *testing.T) {
		r, err := relay.NewEngine(messaging.MapTransportResolver{}, time.Second, relay.WithLogger(testLogger()))
		require.NoError(t, err)
		defer r.Close()

		_, err = NewEngine(r, []BoundContext{{Name: "orders"}, {Name: "orders"}})
		assert.ErrorContains(t, err, "registered twice")
	})

	t.Run("nil relay engine", func(t *testing.T) {
		_, err := NewEngine(nil, nil)
		assert.Error(t, err)
	})
}

func TestCommands(t *testing.T) {
	t.Run("handler receives commands of its bound context", func(t *testing.T) {
		engine := newTestEngine(t)
		handler := &recorder{types: []any{&CreateOrder{}}}

		require.NoError(t, engine.RegisterCommandHandler("orders", handler))

		require.Eventually(t, func() bool {
			require.NoError(t, engine.SendCommand(&CreateOrder{OrderID: "o-1"}, "orders"))
			return handler.count() > 0
		}, 2*time.Second, 20*time.Millisecond)

		assert.Equal(t, &CreateOrder{OrderID: "o-1"}, handler.last())
	})

	t.Run("handler is called with the engine context", func(t *testing.T) {
		engine := newTestEngine(t)
		handler := &mockComponent{types: []any{&CreateOrder{}}}

		called := make(chan context.Context, 1)
		handler.On("Handle", mock.Anything, &CreateOrder{OrderID: "o-2"}).Return(nil).Run(func(args mock.Arguments) {
			select {
			case called <- args.Get(0).(context.Context):
			default:
			}
		})

		require.NoError(t, engine.RegisterCommandHandler("orders", handler))
		require.Eventually(t, func() bool {
			require.NoError(t, engine.SendCommand(&CreateOrder{OrderID: "o-2"}, "orders"))
			return len(called) > 0
		}, 2*time.Second, 20*time.Millisecond)

		ctx := <-called
		assert.NoError(t, ctx.Err())
		require.NoError(t, engine.Close())
		assert.Error(t, ctx.Err())
	})

	t.Run("unknown bound context", func(t *testing.T) {
		engine := newTestEngine(t)

		err := engine.RegisterCommandHandler("shipping", &recorder{types: []any{&CreateOrder{}}})
		assert.ErrorIs(t, err, ErrUnknownBoundContext)

		err = engine.SendCommand(&CreateOrder{}, "shipping")
		assert.ErrorIs(t, err, ErrUnknownBoundContext)
	})

	t.Run("bound context without commands endpoint", func(t *testing.T) {
		engine := newTestEngine(t)

		err := engine.RegisterCommandHandler("billing", &recorder{types: []any{&CreateOrder{}}})
		assert.ErrorContains(t, err, "no commands endpoint")

		err = engine.SendCommand(&CreateOrder{}, "billing")
		assert.ErrorContains(t, err, "no commands endpoint")
	})

	t.Run("component without message types", func(t *testing.T) {
		engine := newTestEngine(t)
		err := engine.RegisterCommandHandler("orders", &recorder{})
		assert.ErrorContains(t, err, "handles no message types")
	})
}

func TestEvents(t *testing.T) {
	t.Run("listener receives events of every bound context", func(t *testing.T) {
		engine := newTestEngine(t)
		listener := &recorder{types: []any{&OrderCreated{}}}

		require.NoError(t, engine.RegisterEventListener(listener))

		require.Eventually(t, func() bool {
			require.NoError(t, engine.PublishEvent(&OrderCreated{OrderID: "o-1"}, "orders"))
			return listener.count() > 0
		}, 2*time.Second, 20*time.Millisecond)

		before := listener.count()
		require.Eventually(t, func() bool {
			require.NoError(t, engine.PublishEvent(&OrderCreated{OrderID: "o-2"}, "billing"))
			return listener.count() > before
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("listener errors do not stop delivery", func(t *testing.T) {
		engine := newTestEngine(t)
		listener := &recorder{types: []any{&OrderCreated{}}, err: errors.New("projection down")}

		require.NoError(t, engine.RegisterEventListener(listener))
		require.Eventually(t, func() bool {
			require.NoError(t, engine.PublishEvent(&OrderCreated{OrderID: "o-1"}, "orders"))
			return listener.count() > 1
		}, 2*time.Second, 20*time.Millisecond)
	})
}

func TestRoles(t *testing.T) {
	t.Run("component cannot be handler and listener", func(t *testing.T) {
		engine := newTestEngine(t)
		component := &recorder{types: []any{&CreateOrder{}}}

		require.NoError(t, engine.RegisterCommandHandler("orders", component))

		err := engine.RegisterEventListener(component)
		assert.ErrorIs(t, err, ErrConflictingRole)
	})

	t.Run("listener cannot become a handler", func(t *testing.T) {
		engine := newTestEngine(t)
		component := &recorder{types: []any{&OrderCreated{}}}

		require.NoError(t, engine.RegisterEventListener(component))

		err := engine.RegisterCommandHandler("orders", component)
		assert.ErrorIs(t, err, ErrConflictingRole)
	})

	t.Run("uncomparable components are rejected", func(t *testing.T) {
		engine := newTestEngine(t)
		err := engine.RegisterEventListener(funcComponent(func(context.Context, any) error { return nil }))
		assert.ErrorContains(t, err, "must be comparable")
	})

	t.Run("failed registration releases its subscriptions and role", func(t *testing.T) {
		info := contracts.NewTransportInfo("memory://cqrs-partial", "", "", "", inmemory.DriverName)
		r, err := relay.NewEngine(messaging.MapTransportResolver{"mem": info}, 100*time.Millisecond,
			relay.WithLogger(testLogger()),
			relay.WithFactories(inmemory.NewFactory(inmemory.WithLogger(testLogger()))),
			relay.WithEndpoints(messaging.MapEndpointResolver{
				"orders-commands": contracts.NewEndpoint("mem", "orders.commands"),
				"orders-events":   contracts.NewEndpoint("mem", "orders.events"),
				"legacy-events":   contracts.NewEndpoint("decommissioned", "legacy.events"),
			}),
		)
		require.NoError(t, err)
		defer r.Close()

		engine, err := NewEngine(r, []BoundContext{
			{Name: "orders", CommandsEndpoint: "orders-commands", EventsEndpoint: "orders-events"},
			{Name: "legacy", EventsEndpoint: "legacy-events"},
		}, WithLogger(testLogger()))
		require.NoError(t, err)
		defer engine.Close()

		component := &recorder{types: []any{&CreateOrder{}, &OrderCreated{}}}

		err = engine.RegisterEventListener(component)
		assert.ErrorIs(t, err, contracts.ErrUnknownTransport)
		assert.Empty(t, r.Subscriptions().Subscriptions())

		require.NoError(t, engine.RegisterCommandHandler("orders", component))
		assert.Len(t, r.Subscriptions().Subscriptions(), 2)
	})

	t.Run("registration after close", func(t *testing.T) {
		engine := newTestEngine(t)
		require.NoError(t, engine.Close())

		err := engine.RegisterEventListener(&recorder{types: []any{&OrderCreated{}}})
		assert.ErrorIs(t, err, ErrEngineClosed)
	})
}

type funcComponent func(context.Context, any) error

func (f funcComponent) Handle(ctx context.Context, msg any) error { return f(ctx, msg) }

func (f funcComponent) MessageTypes() []any { return []any{&OrderCreated{}} }

func TestInterceptors(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)
	observe := interceptors.NewInterceptorFunc("observe", func(ctx context.Context, msg *contracts.BinaryMessage, next interceptors.MessageHandler) error {
		id, _ := msg.Header(contracts.HeaderMessageID)
		mu.Lock()
		seen[msg.Type] = append(seen[msg.Type], id)
		mu.Unlock()
		return next.Handle(ctx, msg)
	})
	seenCount := func(messageType string) int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[messageType])
	}

	chain := interceptors.NewChain(testLogger()).
		Add(observe).
		Add(interceptors.NewFilteringInterceptor(interceptors.NewMessageTypeFilter("CreateOrder"), interceptors.SkipSilently))
	engine := newTestEngine(t, WithInterceptors(chain))

	handler := &recorder{types: []any{&CreateOrder{}}}
	listener := &recorder{types: []any{&OrderCreated{}}}
	require.NoError(t, engine.RegisterCommandHandler("orders", handler))
	require.NoError(t, engine.RegisterEventListener(listener))

	require.Eventually(t, func() bool {
		require.NoError(t, engine.SendCommand(&CreateOrder{OrderID: "o-1"}, "orders"))
		require.NoError(t, engine.PublishEvent(&OrderCreated{OrderID: "o-1"}, "orders"))
		return handler.count() > 0 && seenCount("OrderCreated") > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Zero(t, listener.count())

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen["CreateOrder"][0])
}
