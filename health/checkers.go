package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/glimte/mmate-relay/messaging"
)

// SubscriptionSource lists live subscriptions; *messaging.SubscriptionManager
// satisfies it
type SubscriptionSource interface {
	Subscriptions() []messaging.SubscriptionStatus
}

// PoolSource reports processing group load; *messaging.SubscriptionManager
// satisfies it
type PoolSource interface {
	Stats() map[string]messaging.WorkerPoolStats
}

// SubscriptionChecker is unhealthy when a subscription gave up resubscribing
// and degraded while any subscription is not active
type SubscriptionChecker struct {
	source SubscriptionSource
}

// NewSubscriptionChecker creates a subscription checker
func NewSubscriptionChecker(source SubscriptionSource) *SubscriptionChecker {
	return &SubscriptionChecker{source: source}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var pending, stopped []string
	states := make(map[string]int)
	for _, status := range c.source.Subscriptions() {
		states[status.State]++
		switch {
		case status.Stopped:
			stopped = append(stopped, status.Endpoint.String())
		case status.State != "active":
			pending = append(pending, status.Endpoint.String())
		}
	}
	result.Details["states"] = states

	switch {
	case len(stopped) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d subscription(s) stopped retrying", len(stopped))
		result.Details["stopped"] = stopped
	case len(pending) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d subscription(s) not active", len(pending))
		result.Details["pending"] = pending
	default:
		result.Message = "all subscriptions active"
	}

	result.Duration = time.Since(start)
	return result
}

// WorkerPoolChecker is degraded when a bounded processing group queue is filled
// to at least threshold (0..1) of its capacity. A full queue blocks delivery
// from the transport.
type WorkerPoolChecker struct {
	source    PoolSource
	threshold float64
}

// NewWorkerPoolChecker creates a worker pool checker; thresholds outside (0,1]
// are treated as 1
func NewWorkerPoolChecker(source PoolSource, threshold float64) *WorkerPoolChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return &WorkerPoolChecker{source: source, threshold: threshold}
}

func (c *WorkerPoolChecker) Name() string {
	return "worker_pools"
}

func (c *WorkerPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var saturated []string
	for name, stats := range c.source.Stats() {
		result.Details[name] = map[string]any{
			"workers":  stats.Workers,
			"busy":     stats.Busy,
			"queued":   stats.Queued,
			"capacity": stats.Capacity,
		}
		if stats.Capacity > 0 && float64(stats.Queued) >= c.threshold*float64(stats.Capacity) {
			saturated = append(saturated, name)
		}
	}

	if len(saturated) > 0 {
		sort.Strings(saturated)
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("processing group queue near capacity: %v", saturated)
	} else {
		result.Message = "processing groups keeping up"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count of the process
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker. Above warning goroutines the
// process is degraded, above critical it is unhealthy.
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components. A returned error
// is recorded on the result without changing the returned status.
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	status, message, details, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	result.Details = details
	if err != nil {
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}
