package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/messaging"
)

var (
	// ErrUnknownBoundContext is returned for a bound context name that was not configured
	ErrUnknownBoundContext = errors.New("unknown bound context")

	// ErrConflictingRole is returned when a component is registered both as a
	// command handler and as an event listener
	ErrConflictingRole = errors.New("component cannot be events listener and commands handler simultaneously")

	// ErrEngineClosed is returned after Close
	ErrEngineClosed = errors.New("cqrs engine is closed")
)

// Handler processes one decoded command or event. The message is a pointer to
// a registered type. Returning an error negatively acknowledges the message.
type Handler interface {
	Handle(ctx context.Context, msg any) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg any) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// Component is an application object wired to bound contexts. MessageTypes
// returns one sample value per handled type; samples are registered with the
// relay type registry under their struct names.
type Component interface {
	Handler
	MessageTypes() []any
}

// BoundContext maps a bound context to logical endpoint names
type BoundContext struct {
	Name             string
	CommandsEndpoint string
	EventsEndpoint   string
	// Group is the processing group of the context's subscriptions. Defaults to Name.
	Group string
	// CommandPriority orders commands before events sharing the group
	CommandPriority uint
	EventPriority   uint
}

type role int

const (
	roleCommandHandler role = iota + 1
	roleEventListener
)

func (r role) String() string {
	if r == roleCommandHandler {
		return "commands handler"
	}
	return "events listener"
}

type boundContext struct {
	BoundContext
	commands *contracts.Endpoint
	events   *contracts.Endpoint
}

// Engine routes commands and events of bound contexts through a relay engine
type Engine struct {
	relay    *relay.Engine
	contexts map[string]*boundContext
	order    []string
	logger   *slog.Logger
	chain    *interceptors.Chain

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	roles         map[Component]role
	subscriptions messaging.CompositeDisposable
	closed        bool
}

// Option configures the engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithInterceptors runs every command and event through chain before its
// handler. Messages the chain short-circuits are acknowledged.
func WithInterceptors(chain *interceptors.Chain) Option {
	return func(e *Engine) {
		e.chain = chain
	}
}

// NewEngine creates an engine. Endpoint names are resolved immediately, so
// unknown endpoints surface as configuration errors here.
func NewEngine(r *relay.Engine, contexts []BoundContext, options ...Option) (*Engine, error) {
	if r == nil {
		return nil, errors.New("relay engine cannot be nil")
	}

	e := &Engine{
		relay:    r,
		contexts: make(map[string]*boundContext),
		logger:   slog.Default(),
		roles:    make(map[Component]role),
	}
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.With("component", "cqrs")
	if e.chain == nil {
		e.chain = interceptors.NewChain(e.logger)
	}

	for _, bc := range contexts {
		if bc.Name == "" {
			return nil, errors.New("bound context name cannot be empty")
		}
		if _, exists := e.contexts[bc.Name]; exists {
			return nil, fmt.Errorf("bound context %s registered twice", bc.Name)
		}
		if bc.Group == "" {
			bc.Group = bc.Name
		}

		entry := &boundContext{BoundContext: bc}
		if bc.CommandsEndpoint != "" {
			endpoint, err := r.Endpoint(bc.CommandsEndpoint)
			if err != nil {
				return nil, fmt.Errorf("bound context %s: %w", bc.Name, err)
			}
			entry.commands = &endpoint
		}
		if bc.EventsEndpoint != "" {
			endpoint, err := r.Endpoint(bc.EventsEndpoint)
			if err != nil {
				return nil, fmt.Errorf("bound context %s: %w", bc.Name, err)
			}
			entry.events = &endpoint
		}

		e.contexts[bc.Name] = entry
		e.order = append(e.order, bc.Name)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) boundContext(name string) (*boundContext, error) {
	bc, ok := e.contexts[name]
	if !ok {
		return nil, contracts.NewConfigurationError(name, ErrUnknownBoundContext)
	}
	return bc, nil
}

// claim records the role of component. It returns a function that undoes a
// first-time claim and does nothing when the role was held already.
func (e *Engine) claim(component Component, r role) (func(), error) {
	if component == nil {
		return nil, errors.New("component cannot be nil")
	}
	if !reflect.TypeOf(component).Comparable() {
		return nil, fmt.Errorf("component of type %T must be comparable", component)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	existing, ok := e.roles[component]
	if ok && existing != r {
		return nil, fmt.Errorf("%w: %T is already a %s", ErrConflictingRole, component, existing)
	}
	if ok {
		return func() {}, nil
	}
	e.roles[component] = r
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.roles, component)
	}, nil
}

// keep hands the subscriptions of a completed registration to the engine
func (e *Engine) keep(wired *messaging.CompositeDisposable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		wired.Dispose()
		return ErrEngineClosed
	}
	e.subscriptions.Add(wired)
	return nil
}

func (e *Engine) registerTypes(component Component) ([]string, error) {
	samples := component.MessageTypes()
	if len(samples) == 0 {
		return nil, fmt.Errorf("component %T handles no message types", component)
	}

	names := make([]string, 0, len(samples))
	for _, sample := range samples {
		name, err := e.typeName(sample)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// typeName returns the tag of v, registering v under its struct name when it
// is not registered yet
func (e *Engine) typeName(v any) (string, error) {
	types := e.relay.Types()
	if name, err := types.TypeName(v); err == nil {
		return name, nil
	}
	if err := types.RegisterType(v); err != nil {
		return "", err
	}
	return types.TypeName(v)
}

// RegisterCommandHandler subscribes handler to the commands of boundContext
func (e *Engine) RegisterCommandHandler(boundContext string, handler Component) error {
	bc, err := e.boundContext(boundContext)
	if err != nil {
		return err
	}
	if bc.commands == nil {
		return fmt.Errorf("bound context %s has no commands endpoint", boundContext)
	}
	release, err := e.claim(handler, roleCommandHandler)
	if err != nil {
		return err
	}

	types, err := e.registerTypes(handler)
	if err != nil {
		release()
		return err
	}

	wired := &messaging.CompositeDisposable{}
	for _, messageType := range types {
		subscription, err := e.subscribe(*bc.commands, handler, messageType, bc.Group, bc.CommandPriority)
		if err != nil {
			wired.Dispose()
			release()
			return fmt.Errorf("failed to wire %T to %s commands: %w", handler, boundContext, err)
		}
		wired.Add(subscription)
	}
	if err := e.keep(wired); err != nil {
		release()
		return err
	}

	e.logger.Info("commands handler wired",
		"boundContext", boundContext,
		"handler", fmt.Sprintf("%T", handler),
		"types", types,
	)
	return nil
}

// RegisterEventListener subscribes listener to the events of every bound
// context that publishes events
func (e *Engine) RegisterEventListener(listener Component) error {
	release, err := e.claim(listener, roleEventListener)
	if err != nil {
		return err
	}

	types, err := e.registerTypes(listener)
	if err != nil {
		release()
		return err
	}

	wired := &messaging.CompositeDisposable{}
	for _, name := range e.order {
		bc := e.contexts[name]
		if bc.events == nil {
			continue
		}
		for _, messageType := range types {
			subscription, err := e.subscribe(*bc.events, listener, messageType, bc.Group, bc.EventPriority)
			if err != nil {
				wired.Dispose()
				release()
				return fmt.Errorf("failed to wire %T to %s events: %w", listener, name, err)
			}
			wired.Add(subscription)
		}
	}
	if err := e.keep(wired); err != nil {
		release()
		return err
	}

	e.logger.Info("events listener wired",
		"listener", fmt.Sprintf("%T", listener),
		"types", types,
	)
	return nil
}

func (e *Engine) subscribe(endpoint contracts.Endpoint, handler Handler, messageType, group string, priority uint) (messaging.Disposable, error) {
	final := interceptors.MessageHandlerFunc(func(ctx context.Context, msg *contracts.BinaryMessage) error {
		v, err := e.relay.Codec().Decode(endpoint.Format(), msg)
		if err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		return handler.Handle(ctx, v)
	})
	pipeline := e.chain.Then(final)

	subscription, err := e.relay.Subscribe(endpoint, func(msg *contracts.BinaryMessage, ack messaging.AcknowledgeFunc) {
		err := pipeline.Handle(e.ctx, msg)
		if err != nil && !interceptors.IsShortCircuit(err) {
			e.logger.Warn("handler failed",
				"endpoint", endpoint.String(),
				"messageType", msg.Type,
				"error", err,
			)
			ack(0, false)
			return
		}
		ack(0, true)
	}, messageType, group, priority)
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

// SendCommand sends command to the commands endpoint of boundContext
func (e *Engine) SendCommand(command any, boundContext string) error {
	bc, err := e.boundContext(boundContext)
	if err != nil {
		return err
	}
	if bc.commands == nil {
		return fmt.Errorf("bound context %s has no commands endpoint", boundContext)
	}
	return e.publish(*bc.commands, command)
}

// PublishEvent publishes event on the events endpoint of boundContext
func (e *Engine) PublishEvent(event any, boundContext string) error {
	bc, err := e.boundContext(boundContext)
	if err != nil {
		return err
	}
	if bc.events == nil {
		return fmt.Errorf("bound context %s has no events endpoint", boundContext)
	}
	return e.publish(*bc.events, event)
}

func (e *Engine) publish(endpoint contracts.Endpoint, v any) error {
	if _, err := e.typeName(v); err != nil {
		return err
	}
	return e.relay.Publish(endpoint, v, 0)
}

// Close disposes every subscription made by the engine. The relay engine stays open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.subscriptions.Dispose()
	e.cancel()
	return nil
}
