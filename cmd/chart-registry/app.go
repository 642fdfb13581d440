package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cropalato/chart-registry/internal/chart"
	"github.com/cropalato/chart-registry/internal/config"
	"github.com/cropalato/chart-registry/internal/index"
	"github.com/cropalato/chart-registry/internal/metrics"
	"github.com/cropalato/chart-registry/internal/pipeline"
	"github.com/cropalato/chart-registry/internal/release"
	"github.com/cropalato/chart-registry/internal/repository"
	"github.com/cropalato/chart-registry/internal/server"
	"github.com/cropalato/chart-registry/internal/storage"
)

// sweepTimeout bounds one scheduled drift sweep
const sweepTimeout = 10 * time.Minute

// Application represents the main application instance
type Application struct {
	config       *config.Config
	logger       *zap.Logger
	backend      storage.Backend
	releases     release.Registry
	redis        *redis.Client
	repositories *repository.Manager
	builder      *index.Builder
	pipeline     *pipeline.Pipeline
	server       *server.Server
	metrics      *metrics.Metrics
	registry     *prometheus.Registry
	sweeper      *index.Sweeper
}

// NewApplication creates and wires every component from cfg
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger, err := initLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = metrics.New(app.registry)

	backend, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	app.backend = storage.WithObserver(backend, app.metrics)
	if err := app.backend.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", backend.Name(), err)
	}

	switch cfg.Registry.Backend {
	case config.RegistryBackendRedis:
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.Redis.Addr,
			Password: cfg.Registry.Redis.Password,
			DB:       cfg.Registry.Redis.DB,
		})
		app.releases = release.NewRedis(app.redis, cfg.Registry.Redis.KeyPrefix, logger)
	default:
		app.releases = release.NewMemory(logger)
	}

	if app.repositories, err = repository.NewManager(cfg.Repositories, logger); err != nil {
		return nil, err
	}

	app.builder, err = index.NewBuilder(app.backend, app.releases, app.repositories, index.Options{
		BaseURL:     cfg.Server.BaseURL,
		CDNURL:      cfg.Server.CDNURL,
		CacheSize:   cfg.Index.CacheSize,
		Concurrency: cfg.Index.RebuildConcurrency,
		Recorder:    app.metrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	// A process-local registry starts empty; recover it from stored charts
	if restorer, ok := app.releases.(release.Restorer); ok {
		if _, err := app.builder.Restore(ctx, restorer); err != nil {
			return nil, fmt.Errorf("failed to restore releases from storage: %w", err)
		}
	}

	app.pipeline = pipeline.New(app.backend, app.releases, app.repositories, app.builder, pipeline.Options{
		Limits:   chart.DefaultLimits,
		Recorder: app.metrics,
	}, logger)
	app.server = server.New(app.pipeline, app.builder, cfg.Server, logger)

	if cfg.Index.SweepSchedule != "" {
		if app.sweeper, err = index.NewSweeper(app.builder, cfg.Index.SweepSchedule, sweepTimeout, logger); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Run starts the servers and blocks until ctx is done
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("Starting chart-registry",
		zap.Bool("debug", a.config.Debug),
		zap.String("storage", a.backend.Name()),
		zap.String("registry", a.config.Registry.Backend),
		zap.Int("repositories", len(a.config.Repositories)),
		zap.String("sweep_schedule", a.config.Index.SweepSchedule))

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	// Repair drift left by a previous crash before accepting uploads
	if repaired, err := a.builder.Sweep(ctx); err != nil {
		a.logger.Warn("Startup index sweep incomplete", zap.Error(err))
	} else if len(repaired) > 0 {
		a.logger.Info("Startup index sweep repaired indexes", zap.Int64s("owners", repaired))
	}

	var metricsServer *metrics.Server
	if a.config.Metrics.Enabled {
		metricsServer = metrics.NewServer(a.metrics, a.registry, a.config.Metrics.Addr, a.healthChecks(), a.logger)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry server: %w", err)
	}

	if a.sweeper != nil {
		a.sweeper.Start()
	}

	a.logger.Info("Application is ready")
	<-ctx.Done()
	a.logger.Info("Received shutdown signal")

	return a.shutdown(metricsServer)
}

// Rebuild regenerates the index of owner, or of every known owner when owner is 0
func (a *Application) Rebuild(ctx context.Context, owner int64) error {
	owners := []int64{owner}
	if owner == 0 {
		var err error
		if owners, err = a.repositories.Owners(ctx); err != nil {
			return err
		}
	}

	var result *multierror.Error
	for _, o := range owners {
		idx, err := a.builder.Rebuild(ctx, o)
		if err != nil {
			a.logger.Error("Failed to rebuild index", zap.Int64("owner", o), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("owner %d: %w", o, err))
			continue
		}
		entries := 0
		for _, versions := range idx.Entries {
			entries += len(versions)
		}
		a.logger.Info("Index rebuilt", zap.Int64("owner", o), zap.Int("entries", entries))
	}
	return result.ErrorOrNil()
}

// Cleanup performs cleanup operations
func (a *Application) Cleanup() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *Application) healthChecks() map[string]metrics.HealthCheck {
	checks := map[string]metrics.HealthCheck{
		"storage": func(ctx context.Context) error {
			_, err := a.backend.Exists(ctx, storage.TarballsDir)
			return err
		},
	}
	if a.redis != nil {
		checks["registry"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (a *Application) shutdown(metricsServer *metrics.Server) error {
	a.logger.Info("Initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	if a.sweeper != nil {
		a.sweeper.Stop(shutdownCtx)
	}

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Failed to shutdown registry server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	a.logger.Info("Shutdown completed")
	return nil
}

func initLogger(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.LevelKey = "level"

	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.Development = true
	}

	return config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("service", "chart-registry"),
			zap.String("version", Version),
		),
	)
}
