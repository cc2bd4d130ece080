package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

var (
	// ErrRegistryClosed is returned when a transport is requested after Close
	ErrRegistryClosed = errors.New("transport registry is closed")

	// ErrTransportManagerClosed is returned when a processing group is requested after Close
	ErrTransportManagerClosed = errors.New("transport manager is closed")
)

// TransportRegistry owns the driver factories and the transport instances built
// from them. Instances are cached by TransportInfo value and created at most once
// per key. A transport that reports failure is evicted and closed so the next
// request reconnects.
type TransportRegistry struct {
	mu         sync.Mutex
	factories  map[string]TransportFactory
	transports map[contracts.TransportInfo]*registryEntry
	observers  []func(contracts.TransportInfo)
	logger     *slog.Logger
	closed     bool
}

type registryEntry struct {
	transport Transport
	failed    bool
}

// RegistryOption configures the TransportRegistry
type RegistryOption func(*TransportRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *TransportRegistry) {
		r.logger = logger
	}
}

// WithFactories registers driver factories
func WithFactories(factories ...TransportFactory) RegistryOption {
	return func(r *TransportRegistry) {
		for _, f := range factories {
			r.factories[f.Name()] = f
		}
	}
}

// NewTransportRegistry creates an empty registry
func NewTransportRegistry(options ...RegistryOption) *TransportRegistry {
	r := &TransportRegistry{
		factories:  make(map[string]TransportFactory),
		transports: make(map[contracts.TransportInfo]*registryEntry),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register adds or replaces the factory for its driver name
func (r *TransportRegistry) Register(factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factory.Name()] = factory
}

// OnFailure registers an observer notified after a transport failed and was evicted
func (r *TransportRegistry) OnFailure(observer func(contracts.TransportInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// Transport returns the cached transport for info, creating it on first use
func (r *TransportRegistry) Transport(info contracts.TransportInfo) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if entry, ok := r.transports[info]; ok {
		return entry.transport, nil
	}

	factory, ok := r.factories[info.Driver]
	if !ok {
		return nil, contracts.NewConfigurationError(info.Driver, contracts.ErrUnknownDriver)
	}

	entry := &registryEntry{}
	transport, err := factory.Create(info, func() { r.transportFailed(info, entry) })
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport for %s: %w", info.Driver, info.Broker, err)
	}
	entry.transport = transport
	r.transports[info] = entry

	r.logger.Info("transport created",
		"broker", info.Broker,
		"driver", info.Driver,
	)

	return transport, nil
}

func (r *TransportRegistry) transportFailed(info contracts.TransportInfo, entry *registryEntry) {
	r.mu.Lock()
	if entry.failed || r.transports[info] != entry {
		r.mu.Unlock()
		return
	}
	entry.failed = true
	delete(r.transports, info)
	observers := append([]func(contracts.TransportInfo){}, r.observers...)
	r.mu.Unlock()

	r.logger.Warn("transport failed",
		"broker", info.Broker,
		"driver", info.Driver,
	)

	if entry.transport != nil {
		if err := entry.transport.Close(); err != nil {
			r.logger.Debug("failed to close broken transport", "broker", info.Broker, "error", err)
		}
	}

	for _, observer := range observers {
		observer(info)
	}
}

// Close closes every cached transport
func (r *TransportRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.transports
	r.transports = make(map[contracts.TransportInfo]*registryEntry)
	r.mu.Unlock()

	var errs []error
	for info, entry := range entries {
		if err := entry.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport %s: %w", info.Broker, err))
		}
	}
	return errors.Join(errs...)
}

type groupKey struct {
	info contracts.TransportInfo
	name string
}

type groupEntry struct {
	group     ProcessingGroup
	listeners map[uint64]func()
	nextID    uint64
}

// TransportManager resolves transport ids to processing groups, caching one group
// per (transport, group name) and fanning connectivity failures out to everyone
// that requested the group.
type TransportManager struct {
	resolver     TransportResolver
	registry     *TransportRegistry
	ownsRegistry bool
	logger       *slog.Logger

	mu     sync.Mutex
	groups map[groupKey]*groupEntry
	closed bool
}

// TransportManagerOption configures the TransportManager
type TransportManagerOption func(*TransportManager)

// WithTransportManagerLogger sets the logger
func WithTransportManagerLogger(logger *slog.Logger) TransportManagerOption {
	return func(m *TransportManager) {
		m.logger = logger
	}
}

// WithRegistry uses an externally owned registry. The manager does not close it.
func WithRegistry(registry *TransportRegistry) TransportManagerOption {
	return func(m *TransportManager) {
		m.registry = registry
		m.ownsRegistry = false
	}
}

// NewTransportManager creates a manager. Without WithRegistry the manager owns a
// registry holding the given factories and closes it on Close.
func NewTransportManager(resolver TransportResolver, factories []TransportFactory, options ...TransportManagerOption) *TransportManager {
	m := &TransportManager{
		resolver: resolver,
		logger:   slog.Default(),
		groups:   make(map[groupKey]*groupEntry),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.registry == nil {
		m.registry = NewTransportRegistry(WithRegistryLogger(m.logger), WithFactories(factories...))
		m.ownsRegistry = true
	} else {
		for _, f := range factories {
			m.registry.Register(f)
		}
	}
	m.registry.OnFailure(m.transportFailed)

	return m
}

// GetProcessingGroup returns the processing group groupName on transport
// transportID, creating the transport and the group on first use. onFailure (may
// be nil) is invoked once when the group or its transport is lost; disposing the
// returned registration removes it before that happens.
// Unknown transport ids and drivers are reported as configuration errors.
func (m *TransportManager) GetProcessingGroup(transportID, groupName string, onFailure func()) (ProcessingGroup, Disposable, error) {
	info, ok := m.resolver.GetTransport(transportID)
	if !ok {
		return nil, nil, contracts.NewConfigurationError(transportID, contracts.ErrUnknownTransport)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrTransportManagerClosed
	}

	key := groupKey{info: info, name: groupName}
	if entry, ok := m.groups[key]; ok {
		return entry.group, m.addListener(entry, onFailure), nil
	}

	transport, err := m.registry.Transport(info)
	if err != nil {
		return nil, nil, err
	}

	entry := &groupEntry{listeners: make(map[uint64]func())}
	group, err := transport.CreateProcessingGroup(func() { m.groupFailed(key, entry) })
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create processing group %s on %s: %w", groupName, transportID, err)
	}
	entry.group = group
	m.groups[key] = entry

	m.logger.Debug("processing group created",
		"transportId", transportID,
		"group", groupName,
	)

	return group, m.addListener(entry, onFailure), nil
}

// addListener must be called with m.mu held
func (m *TransportManager) addListener(entry *groupEntry, fn func()) Disposable {
	if fn == nil {
		return NewDisposable(nil)
	}
	entry.nextID++
	id := entry.nextID
	entry.listeners[id] = fn

	return NewDisposable(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(entry.listeners, id)
	})
}

// takeListeners must be called with m.mu held
func takeListeners(entry *groupEntry) []func() {
	ids := make([]uint64, 0, len(entry.listeners))
	for id := range entry.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	listeners := make([]func(), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, entry.listeners[id])
	}
	entry.listeners = make(map[uint64]func())
	return listeners
}

type failedGroup struct {
	group     ProcessingGroup
	listeners []func()
}

func (m *TransportManager) transportFailed(info contracts.TransportInfo) {
	m.mu.Lock()
	var failed []failedGroup
	for key, entry := range m.groups {
		if key.info == info {
			failed = append(failed, failedGroup{group: entry.group, listeners: takeListeners(entry)})
			delete(m.groups, key)
		}
	}
	m.mu.Unlock()

	m.releaseFailed(failed)
}

func (m *TransportManager) groupFailed(key groupKey, entry *groupEntry) {
	m.mu.Lock()
	if m.groups[key] != entry {
		m.mu.Unlock()
		return
	}
	delete(m.groups, key)
	failed := failedGroup{group: entry.group, listeners: takeListeners(entry)}
	m.mu.Unlock()

	m.logger.Warn("processing group failed",
		"broker", key.info.Broker,
		"group", key.name,
	)
	m.releaseFailed([]failedGroup{failed})
}

func (m *TransportManager) releaseFailed(failed []failedGroup) {
	for _, f := range failed {
		if f.group != nil {
			if err := f.group.Close(); err != nil {
				m.logger.Debug("failed to close broken processing group", "error", err)
			}
		}
		for _, listener := range f.listeners {
			listener()
		}
	}
}

// Close closes every processing group and, when owned, the registry
func (m *TransportManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	groups := m.groups
	m.groups = make(map[groupKey]*groupEntry)
	m.mu.Unlock()

	var errs []error
	for key, entry := range groups {
		if err := entry.group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close processing group %s: %w", key.name, err))
		}
	}

	if m.ownsRegistry {
		if err := m.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
