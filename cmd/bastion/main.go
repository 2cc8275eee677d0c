package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/bastion/pkg/async"
	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/config"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/protection"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/storage/postgres"
	"github.com/platinummonkey/bastion/pkg/webhooks"
)

const (
	version        = "1.0.0"
	maxRequestBody = 10 << 20
)

var (
	envFile     = flag.String("env-file", ".env", "dotenv file applied before reading the environment")
	generateKey = flag.Bool("generate-key", false, "Print a new base64 encryption key and exit")
	seed        = flag.Bool("seed-permissions", true, "Insert the default role grants on startup")
)

func main() {
	flag.Parse()

	if *generateKey {
		key, err := protection.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	cfg, err := config.LoadConfigWithEnvFile(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "bastion")
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("bastion exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, providers); err != nil {
			logger.WithError(err).Warn("failed to shut down OpenTelemetry")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	} else {
		metrics = observability.NewMetrics(nil)
	}

	db, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		return err
	}
	defer db.Close()
	db.StartHealthCheckRoutine(ctx, 30*time.Second)

	var redisClient *redis.Client
	if cfg.Storage.RedisEnabled() {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			if cfg.Webhooks.DeadLetterEnabled {
				return fmt.Errorf("redis is required for the webhook dead-letter queue: %w", err)
			}
			logger.WithError(err).Warn("redis unavailable, continuing without it")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	enc, err := protection.NewEncryptor(cfg.Security.EncryptionKey, logger)
	if err != nil {
		return err
	}
	protector := protection.NewProtector(enc)

	// Schemas
	credentials := auth.NewSQLCredentialStore(db.Primary())
	permissions := rbac.NewSQLStore(db.Primary())
	auditStore := audit.NewSQLStore(db.Primary(), db.Replica())
	usage := middleware.NewSQLUsageStore(db.Primary())
	integrations := webhooks.NewSQLIntegrationStore(db.Primary(), db.Replica(), enc)

	for name, ensure := range map[string]func(context.Context) error{
		"credentials":  credentials.EnsureSchema,
		"permissions":  permissions.EnsureTables,
		"audit":        auditStore.EnsureSchema,
		"usage":        usage.EnsureSchema,
		"integrations": integrations.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("failed to prepare %s schema: %w", name, err)
		}
	}
	if *seed {
		n, err := permissions.SeedDefaults(ctx)
		if err != nil {
			return fmt.Errorf("failed to seed default permissions: %w", err)
		}
		logger.WithField("inserted", n).Info("default role grants seeded")
	}

	// Audit
	auditOpts := []audit.Option{audit.WithMetrics(metrics)}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		streamer, err := audit.NewKafkaStreamer(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, logger)
		if err != nil {
			return err
		}
		defer streamer.Close()
		auditOpts = append(auditOpts, audit.WithPublisher(streamer))
	}
	if cfg.Storage.ArchiveEnabled() {
		archive, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		auditOpts = append(auditOpts, audit.WithArchiver(archive, cfg.Audit.ArchivePrefix))
	}
	recorder := audit.NewRecorder(auditStore, logger, auditOpts...)

	// Webhooks
	runner := async.NewRunner(logger)
	deliverer := webhooks.NewDeliverer(webhooks.DelivererConfig{
		Timeout:       cfg.Webhooks.Timeout,
		RetryDelays:   cfg.Webhooks.RetryDelays,
		OutboundRate:  cfg.Webhooks.OutboundRate,
		OutboundBurst: cfg.Webhooks.OutboundBurst,
	})
	dispatchOpts := []webhooks.Option{
		webhooks.WithMetrics(metrics),
		webhooks.WithConcurrency(cfg.Webhooks.MaxConcurrency),
	}
	if cfg.Webhooks.DeadLetterEnabled && redisClient != nil {
		dispatchOpts = append(dispatchOpts, webhooks.WithDeadLetterQueue(webhooks.NewRedisDeadLetterQueue(redisClient, cfg.Webhooks.DeadLetterKey)))
	}
	dispatcher := webhooks.NewDispatcher(integrations, protector, deliverer, runner, logger, dispatchOpts...)

	// Access control
	validator, err := tokenValidator(ctx, cfg.Security)
	if err != nil {
		return err
	}
	authenticator := auth.NewAuthenticator(credentials, validator, logger)
	resolver := rbac.NewResolver(permissions, rbac.ResolverConfig{
		CacheTTL:  cfg.RateLimit.PermissionCacheTTL,
		CacheSize: cfg.RateLimit.PermissionCacheSize,
	}, logger)
	limiter := middleware.NewLimiter(ctx, redisClient, logger, metrics)

	routes, tiers, err := policyTables(ctx, cfg.RateLimit, logger)
	if err != nil {
		return err
	}

	gate := middleware.NewGate(middleware.GateConfig{
		BypassPrefixes: middleware.DefaultBypassPrefixes,
		Window:         cfg.RateLimit.Window,
		StoreTimeout:   cfg.Storage.PostgresTimeout,
	}, authenticator, limiter, resolver, routes, tiers, usage, logger,
		middleware.WithAccessLogger(recorder),
		middleware.WithEventEmitter(dispatcher),
		middleware.WithMetrics(metrics),
	)

	router := mux.NewRouter()
	rbac.NewHandlers(rbac.NewService(permissions, resolver, recorder), logger).RegisterRoutes(router)
	audit.NewHandlers(recorder, logger).RegisterRoutes(router)
	webhooks.NewHandlers(integrations, dispatcher, recorder, logger).RegisterRoutes(router)

	// Scheduled jobs
	scheduler := cron.New()
	if cfg.Audit.CleanupSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Audit.CleanupSchedule, func() {
			runCleanup(ctx, recorder, cfg.Audit.RetentionDays, logger)
		}); err != nil {
			return fmt.Errorf("failed to schedule audit cleanup: %w", err)
		}
	}
	if cfg.Webhooks.DeadLetterEnabled {
		if _, err := scheduler.AddFunc(cfg.Webhooks.ReplaySchedule, func() {
			replayCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if _, err := dispatcher.ReplayDeadLetters(replayCtx, cfg.Webhooks.ReplayBatch); err != nil {
				logger.WithError(err).Error("dead letter replay failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule dead letter replay: %w", err)
		}
	}
	scheduler.Start()

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBody),
		gate.Handler,
	)(router)

	api := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "bastion"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return observability.WithLogger(context.Background(), logger) },
	}

	opsMux := http.NewServeMux()
	observability.RegisterHealthRoutes(opsMux, observability.NewHealthChecker(db.Primary(), redisClient, version))
	opsMux.Handle("/metrics", observability.Handler(registry))
	ops := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     opsMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", api.Addr).Info("bastion gateway listening")
		return serve(api)
	})
	g.Go(func() error {
		logger.WithField("addr", ops.Addr).Info("health and metrics listening")
		return serve(ops)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-scheduler.Stop().Done()
		var errs []error
		if err := api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
		if err := ops.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
		if err := dispatcher.Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("webhook deliveries: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bastion stopped")
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// tokenValidator prefers OIDC when an issuer is configured and falls back to
// HS256 tokens; both are accepted when both are configured
func tokenValidator(ctx context.Context, cfg config.SecurityConfig) (auth.TokenValidator, error) {
	var chain auth.ChainValidator
	if cfg.OIDCIssuerURL != "" {
		v, err := auth.NewOIDCValidator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func policyTables(ctx context.Context, cfg config.RateLimitConfig, logger *observability.Logger) (*middleware.RouteTable, *middleware.TierTable, error) {
	routes := middleware.DefaultRouteTable()
	if cfg.RouteTableFile != "" {
		loaded, err := middleware.LoadRouteTable(cfg.RouteTableFile)
		if err != nil {
			return nil, nil, err
		}
		routes = loaded
		if cfg.WatchFiles {
			if err := middleware.WatchFile(ctx, cfg.RouteTableFile, routes, logger); err != nil {
				return nil, nil, err
			}
		}
	}

	tiers := middleware.NewTierTable(middleware.DefaultTierLimits, cfg.DefaultLimit)
	if cfg.TierTableFile != "" {
		loaded, err := middleware.LoadTierTable(cfg.TierTableFile)
		if err != nil {
			return nil, nil, err
		}
		tiers = loaded
		if cfg.WatchFiles {
			if err := middleware.WatchFile(ctx, cfg.TierTableFile, tiers, logger); err != nil {
				return nil, nil, err
			}
		}
	}
	return routes, tiers, nil
}

func runCleanup(ctx context.Context, recorder *audit.Recorder, days int, logger *observability.Logger) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	result, err := recorder.Cleanup(cleanupCtx, nil, days)
	if err != nil {
		logger.WithError(err).Error("audit cleanup failed")
		return
	}
	logger.WithField("deleted", result.Deleted).Info("audit cleanup finished")
}
