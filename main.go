package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/archive"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	cfg "github.com/Kocoro-lab/Shannon/go/analyst/internal/config"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/db"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/health"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/httpapi"
	_ "github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics" // Import for side effects
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/store"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/workflows"
)

var version = "dev"

func main() {
	conf, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(conf.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.Fatal("Analyst service stopped with error", zap.Error(err))
	}
	logger.Info("Analyst service stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func run(ctx context.Context, conf *cfg.Config, logger *zap.Logger) error {
	// Start circuit breaker metrics collection
	circuitbreaker.StartMetricsCollection(ctx)

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:        conf.Tracing.Enabled,
		ServiceName:    conf.Tracing.ServiceName,
		OTLPEndpoint:   conf.Tracing.OTLPEndpoint,
		SampleRatio:    conf.Tracing.SampleRatio,
		ServiceVersion: version,
	}, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	hc := health.DefaultConfiguration()
	if conf.Health.CheckInterval > 0 {
		hc.CheckInterval = conf.Health.CheckInterval
	}
	hm := health.NewManager(hc, logger)

	// ------------------------------------------------------------------
	// Storage and caching
	// ------------------------------------------------------------------
	var cacheRedis *circuitbreaker.RedisWrapper
	if conf.Store.RedisURL != "" && (conf.Store.Backend == "redis" || conf.Cache.Shared) {
		opts, err := redisv8.ParseURL(conf.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		cacheRedis = circuitbreaker.NewRedisWrapper(redisv8.NewClient(opts), "analyst", logger)
		defer cacheRedis.GetClient().Close()
		_ = hm.RegisterChecker(health.NewRedisHealthChecker("redis", cacheRedis, conf.Store.Backend == "redis", logger))
	}

	var st store.Store
	switch conf.Store.Backend {
	case "", "memory":
		st = store.NewMemoryStore(store.Options{})
	case "redis":
		if cacheRedis == nil {
			return errors.New("store backend redis requires store.redis_url")
		}
		st = store.NewRedisStore(cacheRedis, conf.Store.Retention, store.Options{}, logger)
	case "sql":
		dbClient, err := db.NewClient(&db.Config{
			Driver: conf.Store.Driver,
			DSN:    conf.Store.DatabaseURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database client: %w", err)
		}
		defer dbClient.Close()
		if err := dbClient.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient, logger))
		st = store.NewSQLStore(dbClient, store.Options{}, logger)
	default:
		return fmt.Errorf("unknown store backend %q", conf.Store.Backend)
	}
	logger.Info("Request store ready", zap.String("backend", conf.Store.Backend))

	local := cache.NewLocalCache(conf.Cache.LocalCapacity)
	local.StartJanitor(ctx, conf.Cache.JanitorInterval, logger)
	var resultCache cache.Cache = local
	if conf.Cache.Shared {
		if cacheRedis == nil {
			logger.Warn("Shared cache requested without store.redis_url, using in-process cache only")
		} else {
			resultCache = cache.NewTiered(local, cache.NewRedisCache(cacheRedis, logger), conf.Cache.BackfillTTL)
		}
	}

	// ------------------------------------------------------------------
	// Pipeline
	// ------------------------------------------------------------------
	suite, err := tools.NewSuite(ctx, tools.SuiteConfig{
		Mode:           conf.Tools.Mode,
		Provider:       conf.Tools.Provider,
		GoogleAPIKey:   conf.Tools.GoogleAPIKey,
		OpenAIAPIKey:   conf.Tools.OpenAIAPIKey,
		OpenAIBaseURL:  conf.Tools.OpenAIBaseURL,
		Model:          conf.Tools.Model,
		RequestTimeout: conf.Tools.RequestTimeout,
		RPMOverrides:   conf.Tools.RPMOverrides,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build analysis tools: %w", err)
	}
	reg, err := registry.Default(suite, registry.RegistryConfig{
		DiscoveryTTL: conf.Cache.DiscoveryTTL,
		SentimentTTL: conf.Cache.SentimentTTL,
		TrendTTL:     conf.Cache.TrendTTL,
		ReportTTL:    conf.Cache.ReportTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build stage registry: %w", err)
	}
	_ = hm.RegisterChecker(health.NewPipelineHealthChecker(reg))
	_ = hm.RegisterChecker(health.NewLLMHealthChecker(suite))

	streams := streaming.NewManager(conf.Streaming.Capacity, conf.Streaming.MaxStreams)
	engine, err := workflows.NewEngine(workflows.Options{
		Store:              st,
		Cache:              resultCache,
		Registry:           reg,
		Retry:              retryPolicy(conf.Retry),
		StrictDependencies: conf.Service.StrictDependencies,
		Events:             streams,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if conf.Archive.Enabled {
		archiver, err := archive.New(ctx, archive.Options{
			Endpoint:  conf.Archive.Endpoint,
			Bucket:    conf.Archive.Bucket,
			AccessKey: conf.Archive.AccessKey,
			SecretKey: conf.Archive.SecretKey,
			UseSSL:    conf.Archive.UseSSL,
		}, logger)
		if err != nil {
			logger.Warn("Report archive unavailable", zap.Error(err))
		} else {
			engine.OnComplete(archiver.Hook)
		}
	}

	// ------------------------------------------------------------------
	// Admission
	// ------------------------------------------------------------------
	policyPath := conf.Policy.Path
	if policyPath == "" {
		policyPath = conf.Service.ConfigDir
	}
	pc, err := policy.NewConfig(conf.Policy.Mode, policyPath, conf.Policy.FailClosed)
	if err != nil {
		return err
	}
	admission, err := policy.NewOPAEngine(pc, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize admission policy: %w", err)
	}

	var jwtManager *auth.JWTManager
	if conf.Auth.Enabled {
		if conf.Auth.JWTSecret == "" {
			return errors.New("auth enabled but auth.jwt_secret is empty")
		}
		jwtManager = auth.NewJWTManager(conf.Auth.JWTSecret, conf.Auth.Issuer, 0)
	}

	var limiter *httpapi.RateLimiter
	if conf.Service.RateLimitPerMin > 0 {
		if conf.Store.RedisURL == "" {
			logger.Warn("Rate limiting requires store.redis_url, submissions are not rate limited")
		} else {
			opts, err := redis.ParseURL(conf.Store.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rl := redis.NewClient(opts)
			defer rl.Close()
			limiter = httpapi.NewRateLimiter(rl, conf.Service.RateLimitPerMin)
		}
	}

	api, err := httpapi.NewHandler(httpapi.Options{
		Engine:      engine,
		Store:       st,
		Policy:      admission,
		Limiter:     limiter,
		Streams:     streams,
		Auth:        auth.NewMiddleware(jwtManager, !conf.Auth.Enabled, logger),
		MaxInflight: conf.Service.MaxInflight,
		CORSOrigins: conf.Service.CORSOrigins,
		Version:     version,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create http handler: %w", err)
	}

	// ------------------------------------------------------------------
	// Hot reload of retry.yaml and *.rego in the config directory
	// ------------------------------------------------------------------
	var configMgr *cfg.ConfigManager
	if conf.Service.ConfigDir != "" {
		configMgr, err = cfg.NewConfigManager(conf.Service.ConfigDir, logger)
		if err != nil {
			logger.Warn("Config manager init failed", zap.Error(err))
		} else {
			base := conf.Retry
			configMgr.RegisterValidator(cfg.RetryFile, cfg.RetryValidator(base))
			configMgr.RegisterHandler(cfg.RetryFile, func(ev cfg.ChangeEvent) error {
				rc := base
				if ev.Action != "delete" {
					decoded, err := cfg.DecodeRetry(ev.Config, base)
					if err != nil {
						return err
					}
					rc = decoded
				}
				engine.UpdatePolicy(retryPolicy(rc))
				logger.Info("Retry policy reloaded",
					zap.String("action", ev.Action),
					zap.Int("max_attempts", rc.MaxAttempts),
					zap.Duration("stage_timeout", rc.StageTimeout),
				)
				return nil
			})
			configMgr.RegisterPolicyHandler(func() error {
				logger.Info("Reloading admission policy due to .rego file change")
				return admission.LoadPolicies()
			})
			if err := configMgr.Start(ctx); err != nil {
				logger.Warn("Config manager start failed", zap.Error(err))
				configMgr = nil
			}
		}
	}

	// ------------------------------------------------------------------
	// Servers
	// ------------------------------------------------------------------
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(conf.Service.HTTPPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Service.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Analyst API listening",
			zap.Int("port", conf.Service.HTTPPort),
			zap.String("tools", suite.Mode),
			zap.String("policy_mode", string(pc.Mode)),
		)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Admin HTTP server listening", zap.Int("port", conf.Service.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down analyst service")

		timeout := conf.Service.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(sctx); err != nil {
			logger.Warn("API server shutdown error", zap.Error(err))
		}
		// let running analyses finish so their final state is stored
		if err := engine.Close(sctx); err != nil {
			logger.Warn("Engine did not drain before the deadline", zap.Error(err))
		}
		if configMgr != nil {
			_ = configMgr.Stop()
		}
		_ = hm.Stop()
		if err := adminServer.Shutdown(sctx); err != nil {
			logger.Warn("Admin server shutdown error", zap.Error(err))
		}
		if shutdownTracing != nil {
			if err := shutdownTracing(sctx); err != nil {
				logger.Warn("Tracing flush failed", zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}

func retryPolicy(rc cfg.RetryConfig) workflows.RetryPolicy {
	return workflows.RetryPolicy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Multiplier:     rc.Multiplier,
		StageTimeout:   rc.StageTimeout,
	}.Normalize()
}
