package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// options shared by every command
type globalOptions struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Send, receive and answer messages through mmate-relay transports",
		Long: `relay talks to the transports and endpoints described in a relay configuration file.
Endpoints are given by their configured name or as [transportId]destination.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "relay.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newSendCommand(opts),
		newListenCommand(opts),
		newRequestCommand(opts),
		newServeEchoCommand(opts),
	)
	return rootCmd
}

// session is a running engine with its optional metrics endpoint
type session struct {
	engine  *relay.Engine
	logger  *slog.Logger
	metrics *http.Server
}

func openSession(opts *globalOptions, withMetrics bool) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}

	engineOptions := []relay.EngineOption{relay.WithLogger(logger)}

	var collector *metrics.PrometheusCollector
	if withMetrics && cfg.Metrics.Enabled {
		collector, err = metrics.NewPrometheusCollector(metrics.WithNamespace(cfg.Metrics.Namespace))
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		engineOptions = append(engineOptions, relay.WithMetrics(collector))
	}

	s := &session{logger: logger}
	s.engine, err = relay.NewEngineFromConfig(cfg, engineOptions...)
	if err != nil {
		return nil, err
	}

	if collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mountHealth(mux, newHealthRegistry(s.engine, cfg))

		s.metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "address", cfg.Metrics.Address, "error", err)
			}
		}()
		logger.Info("serving metrics and health", "address", cfg.Metrics.Address)
	}
	return s, nil
}

func (s *session) close() {
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("failed to close engine", "error", err)
		}
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.metrics.Shutdown(ctx)
	}
}

// endpoint resolves a configured name or a literal [transportId]destination
func (s *session) endpoint(arg string) (contracts.Endpoint, error) {
	if strings.HasPrefix(arg, "[") {
		return contracts.ParseEndpoint(arg)
	}
	return s.engine.Endpoint(arg)
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
