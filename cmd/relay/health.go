package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/health"
)

const healthTimeout = 5 * time.Second

func newHealthRegistry(engine *relay.Engine, cfg *config.Config) *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.Register(health.NewSubscriptionChecker(engine.Subscriptions()))
	registry.Register(health.NewWorkerPoolChecker(engine.Subscriptions(), 0.8))
	registry.Register(health.NewRuntimeChecker(5000, 50000))
	registry.Register(health.NewComponentChecker("transports", transportsCheck(engine, cfg)))
	return registry
}

// transportsCheck creates or reuses the transport of every configured id
func transportsCheck(engine *relay.Engine, cfg *config.Config) func(context.Context) (health.Status, string, map[string]any, error) {
	return func(ctx context.Context) (health.Status, string, map[string]any, error) {
		ids := make([]string, 0, len(cfg.Transports))
		for id := range cfg.Transports {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		details := make(map[string]any, len(ids))
		var failed []string
		var firstErr error
		for _, id := range ids {
			info := cfg.Transports[id]
			if _, err := engine.Registry().Transport(info); err != nil {
				details[id] = err.Error()
				failed = append(failed, id)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			details[id] = "connected"
		}

		if len(failed) > 0 {
			return health.StatusUnhealthy, fmt.Sprintf("transports unavailable: %v", failed), details, firstErr
		}
		return health.StatusHealthy, "all transports available", details, nil
	}
}

func mountHealth(mux *http.ServeMux, registry *health.Registry) {
	mux.Handle("/healthz", health.NewHandler(registry, healthTimeout))
	mux.Handle("/readyz", health.ReadinessHandler(registry, healthTimeout))
	mux.Handle("/livez", health.LivenessHandler())
}
