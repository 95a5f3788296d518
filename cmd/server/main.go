package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/api"
	"compile-sandbox/internal/callback"
	"compile-sandbox/internal/config"
	"compile-sandbox/internal/monitor"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/runtime"
	"compile-sandbox/internal/sandbox"
	"compile-sandbox/internal/storage"
	"compile-sandbox/internal/store"
	"compile-sandbox/internal/worker"
	"compile-sandbox/pkg/seccomp"
)

func main() {
	// A missing .env is fine; deployments set the environment directly.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()
	var checks []api.HealthCheck

	// Redis backs the store, queue and callback parking unless both
	// backends are configured in-memory for local development.
	var rdb *redis.Client
	if cfg.Store.Backend == "redis" || cfg.Queue.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.RedisURL(), err)
		}
		log.Info().Str("redis", cfg.RedisURL()).Msg("connected to redis")
		checks = append(checks, api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	ttls := store.TTLs{Pending: cfg.Store.PendingTTL, Terminal: cfg.Store.TerminalTTL}
	var jobs store.Store
	if cfg.Store.Backend == "memory" {
		jobs = store.NewMemoryStore(ttls)
	} else {
		jobs = store.NewRedisStore(rdb, ttls)
	}

	var q queue.Queue
	if cfg.Queue.Backend == "memory" {
		q = queue.NewMemoryQueue(cfg.Queue.LockTTL)
	} else {
		q = queue.NewRedisQueue(rdb, cfg.Queue.LockTTL)
	}

	archive, err := storage.Open(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("opening dead-letter archive: %w", err)
	}
	dlq := queue.DeadLetterQueue(q)
	var archiver *storage.Archiver
	if archive != nil {
		defer archive.Close()
		archiver = storage.NewArchiver(archive, cfg.Archive.BufferSize)
		archiver.Start()
		dlq = storage.Mirror(q, archiver)
		checks = append(checks, api.HealthCheck{Name: "archive", Check: func(ctx context.Context) error {
			if !archive.Healthy(ctx) {
				return errors.New("archive unreachable")
			}
			return nil
		}})
	}

	var parker callback.Parker
	if rdb != nil {
		parker = callback.NewRedisParker(rdb, cfg.Callback.RetryCapacity)
	} else {
		parker = callback.NewMemoryParker(int(cfg.Callback.RetryCapacity))
	}
	notifier := callback.NewDispatcher(callback.Options{
		Timeout:       cfg.Callback.Timeout,
		SigningSecret: cfg.Callback.SigningSecret,
		Parker:        parker,
		Metrics:       metrics,
	})

	toolchain, err := runtime.NewRegistry(cfg.Sandbox.Image).Get("java")
	if err != nil {
		return err
	}

	engine, err := sandbox.NewEngine(ctx, cfg.Sandbox, sandbox.NewCommandRunner())
	if err != nil {
		return fmt.Errorf("starting sandbox engine: %w", err)
	}
	defer engine.Close()
	checks = append(checks, api.HealthCheck{Name: "engine", Check: engine.Ping})

	workspace, err := sandbox.NewWorkspace(cfg.Sandbox.WorkspaceDir)
	if err != nil {
		return err
	}

	poolCfg := sandbox.PoolConfig{
		Workers:      cfg.Worker.Count,
		Prefix:       cfg.Sandbox.ContainerPrefix,
		Image:        toolchain.Image(),
		WorkspaceDir: workspace.Root(),
		User:         cfg.Sandbox.User,
		Limits:       sandbox.LimitsFromConfig(cfg.Sandbox.Limits),
		MaxUsage:     cfg.Sandbox.MaxUsage,
	}
	if cfg.Sandbox.Seccomp {
		poolCfg.Seccomp = seccomp.DefaultProfile()
	}
	pool := sandbox.NewPool(engine, poolCfg)
	if _, err := pool.RemoveOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("orphan cleanup failed")
	}

	if cfg.Tracing.Enabled {
		log.Info().Float64("sample_rate", cfg.Tracing.Sample).Msg("tracing enabled, spans go to the global otel provider")
	}

	pipeline := worker.NewPipeline(worker.PipelineDeps{
		Slots:     pool,
		Store:     jobs,
		DLQ:       dlq,
		Notifier:  notifier,
		Workspace: workspace,
		Toolchain: toolchain,
		Screener:  monitor.NewScreener(),
		Metrics:   metrics,
		Tracer:    monitor.NewTracer(),
	}, worker.PipelineConfig{
		CompileTimeout: cfg.Sandbox.CompileTimeout,
		RunTimeout:     cfg.Sandbox.RunTimeout,
		MaxOutputLines: cfg.Sandbox.MaxOutputLines,
	})

	dispatcher := worker.NewDispatcher(q, jobs, pipeline, pool, metrics, worker.DispatcherConfig{
		PollInterval: cfg.Worker.PollInterval,
		DrainTimeout: cfg.Worker.DrainTimeout,
	})
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	server := api.NewServer(cfg, api.Deps{
		Store:       jobs,
		Queue:       q,
		Redeliverer: notifier,
		Slots:       pool,
		Archive:     archive,
		Metrics:     metrics,
		Checks:      checks,
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Address()).
			Str("engine", engine.Name()).
			Int("workers", pool.Size()).
			Str("archive", cfg.Archive.Driver).
			Msg("server starting")
		serveErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker shutdown error")
	}
	if archiver != nil {
		archiver.Flush(cfg.Archive.FlushTimeout)
	}
	return nil
}
