package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workorder-backend/internal/admin"
	"workorder-backend/internal/audit"
	"workorder-backend/internal/auth"
	"workorder-backend/internal/config"
	"workorder-backend/internal/engine"
	"workorder-backend/internal/logger"
	"workorder-backend/internal/metadata"
	"workorder-backend/internal/metrics"
	"workorder-backend/internal/store"
)

const shutdownTimeout = 15 * time.Second

// closableSink is an audit sink that holds resources until shutdown.
type closableSink interface {
	audit.Sink
	Close(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config and logging
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, _, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	log.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.String("audit_sink", cfg.Audit.Sink))

	// 2. Database
	st, err := store.New(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()
	if err := st.Bootstrap(ctx); err != nil {
		return err
	}

	// 3. Entity metadata and permission matrix
	var reg *metadata.Registry
	if cfg.Metadata.Source == "db" {
		reg, err = metadata.LoadFromDB(ctx, st.DB)
	} else {
		reg, err = metadata.LoadFile(cfg.Metadata.EntitiesPath, log)
	}
	if err != nil {
		return fmt.Errorf("load entity metadata: %w", err)
	}
	policy, err := engine.LoadPolicyFile(cfg.Metadata.PermissionsPath)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	m := metrics.New()
	evaluator, err := engine.NewEvaluator(policy, m)
	if err != nil {
		return fmt.Errorf("build permission evaluator: %w", err)
	}
	rls, err := engine.NewRLSBuilder(policy)
	if err != nil {
		return fmt.Errorf("build row-level rules: %w", err)
	}

	// 4. Audit pipeline
	sink, err := newSink(cfg.Audit, st, log)
	if err != nil {
		return err
	}
	dispatcher, err := audit.NewDispatcher(audit.NewBridge(sink, reg, log.Named("audit"), m), cfg.Audit.Workers, log.Named("audit"), m)
	if err != nil {
		return fmt.Errorf("start audit dispatcher: %w", err)
	}

	if cfg.Audit.Sink == "db" {
		retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
		go audit.RunRetention(ctx, st.DB, st.Dialect, retention, time.Hour, log.Named("audit"))
	}

	// 5. Service and HTTP
	svc := engine.NewService(st, reg, evaluator, rls, dispatcher,
		engine.WithLimits(cfg.Query),
		engine.WithLogger(log.Named("engine")),
		engine.WithMetrics(m))

	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	authMW := auth.Middleware(cfg.JWTSecret, evaluator)
	admin.RegisterAdminRoutes(app, admin.NewHandler(st, svc, log.Named("admin")), authMW, auth.RequireRole(evaluator, "admin"))
	engine.RegisterDynamicRoutes(app, engine.NewHandler(svc, log), authMW)

	// 6. Serve until signalled
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("listening", zap.String("addr", addr), zap.Int("entities", len(reg.AllEntities())))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// in-flight audits reach the sink before the sink itself is closed
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("audit dispatcher close", zap.Error(err))
	}
	if err := sink.Close(shutdownCtx); err != nil {
		log.Warn("audit sink close", zap.Error(err))
	}
	return nil
}

func newSink(cfg config.AuditConfig, st *store.Store, log *zap.Logger) (closableSink, error) {
	switch cfg.Sink {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect audit redis: %w", err)
		}
		return audit.NewRedisSink(client, cfg.RedisKey), nil
	default:
		return audit.NewBufferedSink(st.DB, st.Dialect, cfg.BufferSize, cfg.FlushIntervalMs, log.Named("audit")), nil
	}
}
