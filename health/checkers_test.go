package health

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Subscriptions() []messaging.SubscriptionStatus {
	args := m.Called()
	return args.Get(0).([]messaging.SubscriptionStatus)
}

func (m *mockSource) Stats() map[string]messaging.WorkerPoolStats {
	args := m.Called()
	return args.Get(0).(map[string]messaging.WorkerPoolStats)
}

func status(destination, state string, stopped bool) messaging.SubscriptionStatus {
	return messaging.SubscriptionStatus{
		Endpoint: contracts.NewEndpoint("bus", destination),
		Group:    "default",
		State:    state,
		Stopped:  stopped,
	}
}

func TestSubscriptionChecker(t *testing.T) {
	tests := []struct {
		name     string
		statuses []messaging.SubscriptionStatus
		want     Status
	}{
		{"no subscriptions", []messaging.SubscriptionStatus{}, StatusHealthy},
		{"all active", []messaging.SubscriptionStatus{status("a", "active", false), status("b", "active", false)}, StatusHealthy},
		{"resubscribing", []messaging.SubscriptionStatus{status("a", "active", false), status("b", "attempting", false)}, StatusDegraded},
		{"waiting for retry", []messaging.SubscriptionStatus{status("a", "failed", false)}, StatusDegraded},
		{"gave up", []messaging.SubscriptionStatus{status("a", "attempting", false), status("b", "failed", true)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &mockSource{}
			source.On("Subscriptions").Return(tt.statuses)

			checker := NewSubscriptionChecker(source)
			result := checker.Check(context.Background())

			assert.Equal(t, "subscriptions", result.Name)
			assert.Equal(t, tt.want, result.Status)
			source.AssertExpectations(t)
		})
	}

	t.Run("details name the affected endpoints", func(t *testing.T) {
		source := &mockSource{}
		source.On("Subscriptions").Return([]messaging.SubscriptionStatus{
			status("orders", "failed", true),
			status("events", "active", false),
		})

		result := NewSubscriptionChecker(source).Check(context.Background())
		assert.Equal(t, []string{"[bus]orders"}, result.Details["stopped"])
		assert.Equal(t, map[string]int{"failed": 1, "active": 1}, result.Details["states"])
	})
}

func TestWorkerPoolChecker(t *testing.T) {
	t.Run("unbounded queues never saturate", func(t *testing.T) {
		source := &mockSource{}
		source.On("Stats").Return(map[string]messaging.WorkerPoolStats{
			"default": {Workers: 1, Busy: 1, Queued: 10000},
		})

		result := NewWorkerPoolChecker(source, 0.8).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "default")
	})

	t.Run("bounded queue above threshold is degraded", func(t *testing.T) {
		source := &mockSource{}
		source.On("Stats").Return(map[string]messaging.WorkerPoolStats{
			"orders":  {Workers: 2, Busy: 2, Queued: 8, Capacity: 10},
			"reports": {Workers: 1, Queued: 1, Capacity: 10},
		})

		result := NewWorkerPoolChecker(source, 0.8).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Contains(t, result.Message, "orders")
		assert.NotContains(t, result.Message, "reports")
	})

	t.Run("invalid threshold means a full queue", func(t *testing.T) {
		source := &mockSource{}
		source.On("Stats").Return(map[string]messaging.WorkerPoolStats{
			"orders": {Workers: 1, Queued: 9, Capacity: 10},
		})

		result := NewWorkerPoolChecker(source, 5).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
	})
}

func TestRuntimeChecker(t *testing.T) {
	t.Run("reports runtime details", func(t *testing.T) {
		result := NewRuntimeChecker(0, 0).Check(context.Background())

		assert.Equal(t, "runtime", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Greater(t, result.Details["goroutines"].(int), 0)
		assert.Greater(t, result.Details["memory_used_mb"].(float64), 0.0)
	})

	t.Run("thresholds", func(t *testing.T) {
		assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 1_000_000).Check(context.Background()).Status)
		assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(1, 1).Check(context.Background()).Status)
	})
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("broker", func(ctx context.Context) (Status, string, map[string]any, error) {
		return StatusUnhealthy, "unreachable", map[string]any{"transport": "bus"}, errors.New("dial tcp: refused")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "broker", checker.Name())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "unreachable", result.Message)
	assert.Equal(t, "bus", result.Details["transport"])
	assert.Equal(t, "dial tcp: refused", result.Error)
}
