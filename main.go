package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"credential-broker/admission"
	"credential-broker/config"
	"credential-broker/controllers"
	"credential-broker/database"
	"credential-broker/lease"
	"credential-broker/logging"
	"credential-broker/middlewares"
	"credential-broker/routes"
	"credential-broker/stats"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "credential-broker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage
	repo, db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("closing repository failed", zap.Error(err))
		}
	}()

	// ---- Event counters
	store, closeStats := openStats(ctx, cfg.Stats, logger)
	defer closeStats()

	// ---- Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := admission.NewMetrics(registry)

	// ---- Admission engine + driver
	engine := admission.NewEngine(repo, admission.Config{
		WaitingTimeout: cfg.Admission.WaitingTimeout,
		UsingTimeout:   cfg.Admission.UsingTimeout,
	},
		admission.WithLogger(logger.Named("admission")),
		admission.WithMetrics(metrics),
		admission.WithStats(store),
	)
	driver := admission.NewDriver(engine, cfg.Admission.PollInterval, logger.Named("driver"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Run(ctx)
	}()

	gateway := lease.NewGateway(repo,
		lease.WithLogger(logger.Named("lease")),
		lease.WithStats(store),
	)
	auth := middlewares.NewAuth(cfg.Auth)
	if !auth.Enabled() {
		logger.Warn("AUTH_USERNAME is empty, credential routes are unauthenticated")
	}

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler:          middlewares.ErrorHandler(logger),
		BodyLimit:             cfg.HTTP.BodyLimitMB * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(middlewares.RequestLogger(logger.Named("http")))

	// ---- CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.HTTP.AllowedOrigins,
		AllowCredentials: false, // using Basic/Bearer, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key",
	}))

	// ---- Global rate limiter
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.HTTP.RateLimitMax,
		Expiration: cfg.HTTP.RateLimitWindow,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// ---- Routes
	app.All("/log/level", auth.Required(), adaptor.HTTPHandler(level))
	handlers := controllers.New(repo, gateway, store, auth, driver.Progress())
	routes.Register(app, handlers, auth, db)

	// ---- Start
	listenErr := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.HTTP.Port)
		logger.Info("API server starting", zap.String("addr", addr), zap.String("backend", cfg.Database.Backend))
		listenErr <- app.Listen(addr)
	}()

	select {
	case err = <-listenErr:
		stop()
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := app.ShutdownWithContext(shutdownCtx); serr != nil {
			logger.Warn("http shutdown failed", zap.Error(serr))
		}
		cancel()
	}

	wg.Wait()
	return err
}

// openStats returns the Redis store, fed through a background writer, when
// an address is configured and reachable, else an in-memory store.
func openStats(ctx context.Context, cfg config.Stats, logger *zap.Logger) (stats.Store, func()) {
	if cfg.RedisAddr == "" {
		return stats.NewMemoryStore(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("stats redis unreachable, counting in memory", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return stats.NewMemoryStore(), func() {}
	}

	logger.Info("stats redis connected", zap.String("addr", cfg.RedisAddr))
	store := stats.NewBuffered(
		stats.NewRedisStore(rdb, stats.WithPrefix(cfg.Prefix), stats.WithTTL(cfg.TTL)),
		4096, time.Second, logger.Named("stats"),
	)
	return store, func() {
		store.Close()
		_ = rdb.Close()
	}
}
