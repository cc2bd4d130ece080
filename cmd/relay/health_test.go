package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRegistry(t *testing.T) {
	cfg, err := config.Parse([]byte(`
resubscriptionInterval: 1s
transports:
  mem:
    broker: memory://health
    driver: InMemory
  broken:
    broker: nowhere://
    driver: Carrier
`))
	require.NoError(t, err)

	engine, err := relay.NewEngineFromConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	registry := newHealthRegistry(engine, cfg)

	t.Run("unknown driver makes transports unhealthy", func(t *testing.T) {
		report := registry.Check(context.Background())

		transports := report.Checks["transports"]
		assert.Equal(t, health.StatusUnhealthy, transports.Status)
		assert.Equal(t, "connected", transports.Details["mem"])
		assert.Contains(t, transports.Details, "broken")
		assert.Equal(t, health.StatusHealthy, report.Checks["subscriptions"].Status)
		assert.Equal(t, version, report.Metadata["version"])
	})

	t.Run("routes are mounted", func(t *testing.T) {
		mux := http.NewServeMux()
		mountHealth(mux, registry)

		for path, code := range map[string]int{
			"/healthz": http.StatusServiceUnavailable,
			"/readyz":  http.StatusServiceUnavailable,
			"/livez":   http.StatusOK,
		} {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, code, rec.Code, path)
		}
	})
}
