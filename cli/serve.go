package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/config"
	"github.com/petal-labs/jarvis/hub"
	"github.com/petal-labs/jarvis/llmprovider"
	"github.com/petal-labs/jarvis/metrics"
	jarvisotel "github.com/petal-labs/jarvis/otel"
	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/server"
	"github.com/petal-labs/jarvis/stream"
)

const instrumentationName = "github.com/petal-labs/jarvis"

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event and streaming HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to jarvis.yaml (default: ./jarvis.yaml, then ~/.jarvis/config.yaml)")
	cmd.Flags().String("addr", "", "Listen address, e.g. :8080")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin")
	cmd.Flags().String("provider", "", "Generator provider (echo, openai, anthropic, ollama)")
	cmd.Flags().String("model", "", "Default model")
	cmd.Flags().String("archive", "", "Path to a SQLite event archive")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector URL")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "Log format (text, json)")
	cmd.Flags().Duration("read-header-timeout", 10*time.Second, "HTTP read header timeout")

	return cmd
}

// loadServeConfig resolves the config file, environment and flag overrides in
// that order.
func loadServeConfig(cmd *cobra.Command) (config.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Resolve(explicit)
	if err != nil {
		return config.Config{}, "", err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"addr", &cfg.Server.Addr},
		{"cors-origin", &cfg.Server.CORSOrigin},
		{"provider", &cfg.Provider.Name},
		{"model", &cfg.Provider.Model},
		{"archive", &cfg.Archive.Path},
		{"otlp-endpoint", &cfg.Telemetry.OTLPEndpoint},
		{"log-level", &cfg.Log.Level},
		{"log-format", &cfg.Log.Format},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.dst, _ = cmd.Flags().GetString(o.flag)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", err
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadServeConfig(cmd)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	logger, err := NewLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	slog.SetDefault(logger)
	if configPath != "" {
		logger.Info("loaded config", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen, err := llmprovider.NewGenerator(cfg.GeneratorConfig())
	if err != nil {
		return exitError(exitProvider, "creating generator: %v", err)
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := jarvisotel.SetupTracing(ctx, jarvisotel.TracingConfig{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return exitError(exitConfig, "setting up tracing: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				logger.Warn("tracer provider shutdown", "error", err)
			}
		}()
	}

	var archive bus.EventStore
	if cfg.Archive.Path != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            cfg.Archive.Path,
			RetentionAge:   cfg.Archive.RetentionAge,
			RetentionCount: cfg.Archive.RetentionCount,
			PruneInterval:  cfg.Archive.PruneInterval,
		})
		if err != nil {
			return exitError(exitConfig, "opening event archive: %v", err)
		}
		defer func() {
			_ = store.Close()
		}()
		archive = store
	}

	tracing := jarvisotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer(instrumentationName))
	meter := otelapi.GetMeterProvider().Meter(instrumentationName)
	streamMetrics, err := jarvisotel.NewMetricsHandler(meter)
	if err != nil {
		return exitError(exitRuntime, "initializing stream metrics: %v", err)
	}

	h, err := hub.New(hub.Config{
		BacklogSize: cfg.Events.BacklogSize,
		StoreSize:   cfg.Events.StoreSize,
		GracePeriod: cfg.Streams.GracePeriod,
		TurnTimeout: cfg.Streams.TurnTimeout,
		Generator:   gen,
		Archive:     archive,
		Observers:   []runtime.EventHandler{tracing.Handle, streamMetrics.Handle},
		PublishDecorator: func(pub runtime.EventPublisher) runtime.EventPublisher {
			return jarvisotel.EnrichPublisher(pub, tracing)
		},
		Logger: logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating hub: %v", err)
	}

	observer, err := jarvisotel.NewObserver(meter, func() jarvisotel.Gauges {
		s := h.Snapshot()
		return jarvisotel.Gauges{
			Streams:     s.Streams,
			Turns:       s.Turns,
			Subscribers: s.Subscribers,
			Waiters:     s.Waiters,
			StoreLen:    s.StoreLen,
			LastSeq:     s.LastSeq,
		}
	})
	if err != nil {
		return exitError(exitRuntime, "initializing hub gauges: %v", err)
	}
	defer func() {
		_ = observer.Close()
	}()

	if cfg.Streams.IdleTimeout > 0 {
		sweeper, err := stream.NewSweeper(stream.SweeperConfig{
			Registry:    h.Registry,
			IdleTimeout: cfg.Streams.IdleTimeout,
			Schedule:    cfg.Streams.SweepSchedule,
			Logger:      logger,
		})
		if err != nil {
			return exitError(exitConfig, "creating idle sweeper: %v", err)
		}
		if err := sweeper.Start(ctx); err != nil {
			return exitError(exitRuntime, "starting idle sweeper: %v", err)
		}
		defer func() {
			_ = sweeper.Stop(context.Background())
		}()
	}

	m := metrics.New(h.Snapshot)
	apiServer := server.NewServer(server.ServerConfig{
		Hub:          h,
		Metrics:      m.Handler(),
		DefaultModel: cfg.Provider.Model,
		CORSOrigin:   cfg.Server.CORSOrigin,
		MaxBody:      cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})

	readHeaderTimeout, _ := cmd.Flags().GetDuration("read-header-timeout")
	// No write timeout: event streams and long polls outlive any fixed bound.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           m.Middleware(apiServer.Handler()),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("jarvis listening", "addr", cfg.Server.Addr, "provider", cfg.Provider.Name)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		// Closing the hub first releases long polls and event streams so the
		// HTTP shutdown does not wait on them.
		hubErr := h.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		if hubErr != nil {
			return exitError(exitRuntime, "hub shutdown: %v", hubErr)
		}
		return nil
	case err := <-errCh:
		_ = h.Shutdown(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
