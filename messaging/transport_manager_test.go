package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeResolver() MapTransportResolver {
	return MapTransportResolver{
		"main":  contracts.NewTransportInfo("fake://main", "guest", "guest", "", "Fake"),
		"alias": contracts.NewTransportInfo("fake://main", "guest", "guest", "", "Fake"),
		"other": contracts.NewTransportInfo("fake://other", "guest", "guest", "", "Fake"),
		"bad":   contracts.NewTransportInfo("nowhere://", "", "", "", "Carrier pigeon"),
	}
}

func TestTransportManager(t *testing.T) {
	t.Run("unknown transport id is a configuration error", func(t *testing.T) {
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{&fakeFactory{}})
		defer manager.Close()

		_, _, err := manager.GetProcessingGroup("missing", "group", nil)
		assert.ErrorIs(t, err, contracts.ErrUnknownTransport)
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("unknown driver is a configuration error", func(t *testing.T) {
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{&fakeFactory{}})
		defer manager.Close()

		_, _, err := manager.GetProcessingGroup("bad", "group", nil)
		assert.ErrorIs(t, err, contracts.ErrUnknownDriver)
		assert.True(t, contracts.IsConfigurationError(err))
	})

	t.Run("factory errors are transient", func(t *testing.T) {
		factory := &fakeFactory{err: errors.New("connection refused")}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})
		defer manager.Close()

		_, _, err := manager.GetProcessingGroup("main", "group", nil)
		require.Error(t, err)
		assert.False(t, contracts.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("groups and transports are shared by value", func(t *testing.T) {
		factory := &fakeFactory{}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})
		defer manager.Close()

		g1, _, err := manager.GetProcessingGroup("main", "group", nil)
		require.NoError(t, err)
		g2, _, err := manager.GetProcessingGroup("alias", "group", nil)
		require.NoError(t, err)
		g3, _, err := manager.GetProcessingGroup("main", "another", nil)
		require.NoError(t, err)
		_, _, err = manager.GetProcessingGroup("other", "group", nil)
		require.NoError(t, err)

		assert.Same(t, g1, g2)
		assert.NotSame(t, g1, g3)
		assert.Equal(t, 2, factory.created())
	})

	t.Run("concurrent requests create the transport once", func(t *testing.T) {
		factory := &fakeFactory{}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})
		defer manager.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := manager.GetProcessingGroup("main", "group", nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, factory.created())
	})

	t.Run("transport failure evicts and notifies every listener once", func(t *testing.T) {
		factory := &fakeFactory{}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})
		defer manager.Close()

		var first, second int32
		g1, _, err := manager.GetProcessingGroup("main", "group", func() { atomic.AddInt32(&first, 1) })
		require.NoError(t, err)
		_, _, err = manager.GetProcessingGroup("main", "another", func() { atomic.AddInt32(&second, 1) })
		require.NoError(t, err)

		transport := factory.transport(0)
		transport.fail()
		transport.fail()

		assert.Equal(t, int32(1), atomic.LoadInt32(&first))
		assert.Equal(t, int32(1), atomic.LoadInt32(&second))
		assert.Equal(t, 1, transport.closes())
		assert.Equal(t, 1, g1.(*fakeGroup).closes())

		g2, _, err := manager.GetProcessingGroup("main", "group", nil)
		require.NoError(t, err)
		assert.NotSame(t, g1, g2)
		assert.Equal(t, 2, factory.created())
	})

	t.Run("group failure evicts only that group", func(t *testing.T) {
		factory := &fakeFactory{}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})
		defer manager.Close()

		var failed int32
		g1, _, err := manager.GetProcessingGroup("main", "group", func() { atomic.AddInt32(&failed, 1) })
		require.NoError(t, err)
		other, _, err := manager.GetProcessingGroup("main", "another", nil)
		require.NoError(t, err)

		factory.transport(0).failGroup(0)
		factory.transport(0).failGroup(0)
		assert.Equal(t, int32(1), atomic.LoadInt32(&failed))

		g2, _, err := manager.GetProcessingGroup("main", "group", nil)
		require.NoError(t, err)
		assert.NotSame(t, g1, g2)

		same, _, err := manager.GetProcessingGroup("main", "another", nil)
		require.NoError(t, err)
		assert.Same(t, other, same)
		assert.Equal(t, 1, factory.created())
	})

	t.Run("disposed registrations are not notified", func(t *testing.T) {
		factory := &fakeFactory{}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})
		defer manager.Close()

		var kept, dropped int32
		_, keep, err := manager.GetProcessingGroup("main", "group", func() { atomic.AddInt32(&kept, 1) })
		require.NoError(t, err)
		_, drop, err := manager.GetProcessingGroup("main", "group", func() { atomic.AddInt32(&dropped, 1) })
		require.NoError(t, err)
		assert.Equal(t, 2, listenerCount(manager, "main", "group"))

		drop.Dispose()
		drop.Dispose()
		assert.Equal(t, 1, listenerCount(manager, "main", "group"))

		factory.transport(0).failGroup(0)
		assert.Equal(t, int32(1), atomic.LoadInt32(&kept))
		assert.Equal(t, int32(0), atomic.LoadInt32(&dropped))

		// releasing after eviction is harmless
		keep.Dispose()
	})

	t.Run("close releases groups and the owned registry", func(t *testing.T) {
		factory := &fakeFactory{}
		manager := NewTransportManager(newFakeResolver(), []TransportFactory{factory})

		g, _, err := manager.GetProcessingGroup("main", "group", nil)
		require.NoError(t, err)

		require.NoError(t, manager.Close())
		require.NoError(t, manager.Close())

		assert.Equal(t, 1, g.(*fakeGroup).closes())
		assert.Equal(t, 1, factory.transport(0).closes())

		_, _, err = manager.GetProcessingGroup("main", "group", nil)
		assert.ErrorIs(t, err, ErrTransportManagerClosed)
	})

	t.Run("an injected registry outlives the manager", func(t *testing.T) {
		factory := &fakeFactory{}
		registry := NewTransportRegistry(WithFactories(factory))
		manager := NewTransportManager(newFakeResolver(), nil, WithRegistry(registry))

		_, _, err := manager.GetProcessingGroup("main", "group", nil)
		require.NoError(t, err)
		require.NoError(t, manager.Close())
		assert.Equal(t, 0, factory.transport(0).closes())

		require.NoError(t, registry.Close())
		assert.Equal(t, 1, factory.transport(0).closes())

		_, err = registry.Transport(contracts.NewTransportInfo("fake://main", "", "", "", "Fake"))
		assert.ErrorIs(t, err, ErrRegistryClosed)
	})
}

func listenerCount(m *TransportManager, transportID, groupName string) int {
	info, ok := m.resolver.GetTransport(transportID)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.groups[groupKey{info: info, name: groupName}]; ok {
		return len(entry.listeners)
	}
	return 0
}
