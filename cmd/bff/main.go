// Package main is the entry point for the Garage finalization BFF server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/command"
	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/internal/events"
	"github.com/pitabwire/garage/internal/finalize"
	"github.com/pitabwire/garage/internal/invoker"
	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/rendering"
	"github.com/pitabwire/garage/internal/signing"
	"github.com/pitabwire/garage/internal/transport"
	"github.com/pitabwire/garage/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	jwtSecret := os.Getenv(cfg.Identity.SecretEnv)
	if jwtSecret == "" {
		fmt.Fprintf(os.Stderr, "configuration error: %s environment variable not set\n", cfg.Identity.SecretEnv)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "garage-bff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Backend clients.
	signingBackend := invoker.NewClient("signing", cfg.Signing.Backend,
		invoker.WithMetrics(metrics), invoker.WithLogger(logger))
	signingClient := signing.NewClient(signingBackend)

	// Step 5: In-process pub/sub for lifecycle events and signing callbacks.
	pubsub := events.NewPubSub(cfg.Events, logger)

	// Step 6: Signing status feed.
	feed, relay, webhookSecret, err := buildStatusFeed(cfg.Signing, cfg.Events, pubsub, signingClient, logger)
	if err != nil {
		logger.Error("signing feed initialization failed", zap.Error(err))
		return 1
	}
	signer := signing.NewService(signingClient, feed)

	// Step 7: Renderer.
	renderer, renderingCheck := buildRenderer(cfg.Rendering, metrics, logger)

	// Step 8: Run journal.
	journal, journalCloser, err := buildJournal(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Error("journal initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Idempotency store.
	idempotencyStore, idempotencyCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	executorOpts := []command.ExecutorOption{
		command.WithMetrics(metrics),
		command.WithLogger(logger),
	}
	if cfg.Idempotency.Store.DefaultTTL > 0 {
		executorOpts = append(executorOpts, command.WithTTL(cfg.Idempotency.Store.DefaultTTL))
	}
	commands := command.NewExecutor(idempotencyStore, executorOpts...)

	// Step 10: Orchestrator and engine.
	orch := finalize.NewOrchestrator(signer, renderer,
		finalize.WithLogger(logger),
		finalize.WithMetrics(metrics),
	)
	engine := workflow.NewEngine(orch, journal,
		workflow.WithPublisher(pubsub, cfg.Events.LifecycleTopic),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithIdleTimeout(cfg.Finalize.IdleTimeout),
		workflow.WithRetention(cfg.Finalize.Retention),
	)

	// Step 11: Build HTTP router.
	readiness := observability.ReadinessChecks{
		Journal:          journal,
		SigningBackend:   signingBackend,
		RenderingBackend: renderingCheck,
	}
	if idempotencyStore != nil {
		readiness.IdempotencyStore = idempotencyStore
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, []byte(jwtSecret)),
		Engine:         engine,
		Commands:       commands,
		SignatureRelay: relay,
		WebhookSecret:  webhookSecret,
		Readiness:      readiness,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 12: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go runSweeper(bgCtx, engine, cfg.Finalize.SweepInterval, logger)

	// Step 13: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("status_feed", cfg.Signing.StatusFeed),
		zap.String("rendering_driver", cfg.Rendering.Driver),
		zap.String("journal_driver", cfg.Journal.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Close live runs before the journal goes away.
	engine.Shutdown(shutdownCtx)

	if err := pubsub.Close(); err != nil {
		logger.Error("pubsub close error", zap.Error(err))
	}
	if journalCloser != nil {
		journalCloser()
	}
	if idempotencyCloser != nil {
		idempotencyCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildStatusFeed selects how signing status reaches waiting runs. The
// webhook feed also returns the relay and secret for the callback route.
func buildStatusFeed(
	cfg config.SigningConfig,
	eventsCfg config.EventsConfig,
	pubsub *gochannel.GoChannel,
	client *signing.Client,
	logger *zap.Logger,
) (signing.Feed, transport.SignatureRelay, string, error) {
	switch cfg.StatusFeed {
	case "webhook":
		secret := os.Getenv(cfg.WebhookSecretEnv)
		if secret == "" {
			return nil, nil, "", fmt.Errorf("%s environment variable not set", cfg.WebhookSecretEnv)
		}
		feed := signing.NewWebhookFeed(pubsub, pubsub, eventsCfg.SignatureTopic, client, logger)
		logger.Info("using webhook signing status feed", zap.String("topic", eventsCfg.SignatureTopic))
		return feed, feed, secret, nil
	case "poll", "":
		logger.Info("using polling signing status feed", zap.Duration("interval", cfg.PollInterval))
		return signing.NewPollFeed(client, cfg.PollInterval, logger), nil, "", nil
	default:
		return nil, nil, "", fmt.Errorf("unsupported signing status feed: %q", cfg.StatusFeed)
	}
}

// buildRenderer creates the renderer for the configured driver and the
// readiness check of its backend, if any.
func buildRenderer(cfg config.RenderingConfig, metrics *observability.Metrics, logger *zap.Logger) (finalize.Renderer, observability.HealthChecker) {
	if cfg.Driver == "chrome" {
		logger.Info("using headless chrome renderer")
		return rendering.NewChromeRenderer(cfg, metrics), nil
	}
	backend := invoker.NewClient("rendering", cfg.Backend,
		invoker.WithMetrics(metrics), invoker.WithLogger(logger))
	return rendering.NewHTTPRenderer(backend, cfg.MaxBytes, metrics), backend
}

// journalStore is a run journal that can report its health.
type journalStore interface {
	workflow.RunStore
	observability.HealthChecker
}

// buildJournal creates the run journal based on config.
func buildJournal(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (journalStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory run journal")
		return workflow.NewMemoryRunStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("journal: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("journal: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("journal: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("journal: ping: %w", err)
		}

		store := workflow.NewPgRunStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("journal: %w", err)
		}
		logger.Info("using postgres run journal")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported journal driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// A nil store disables idempotency keys.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (command.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return command.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			// Commands still run without the store; replays are lost.
			logger.Warn("idempotency store unreachable at startup", zap.Error(err))
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return command.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// runSweeper periodically tears down idle runs.
func runSweeper(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ProcessIdle(ctx)
			if err != nil {
				logger.Error("idle run sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("idle runs swept", zap.Int("count", n))
			}
		}
	}
}
