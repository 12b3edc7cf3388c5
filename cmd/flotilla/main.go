package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Flotilla/internal/api"
	"github.com/CaioWing/Flotilla/internal/auth"
	"github.com/CaioWing/Flotilla/internal/config"
	"github.com/CaioWing/Flotilla/internal/repository/postgres"
	"github.com/CaioWing/Flotilla/internal/service"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting Flotilla",
		"listen", cfg.ListenAddr(),
		"db_host", cfg.DB.Host,
		"rollout_check_interval", cfg.Rollout.CheckInterval.String(),
	)

	// Run migrations
	log.Info("running database migrations")
	if err := postgres.RunMigrations(cfg.DB.DSN()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations completed")

	// Database connection pool
	ctx, stopChecker := context.WithCancel(context.Background())
	defer stopChecker()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	log.Info("database connected")

	// Repositories
	targetRepo := postgres.NewTargetRepo(pool)
	dsRepo := postgres.NewDistributionSetRepo(pool)
	actionRepo := postgres.NewActionRepo(pool)
	statusRepo := postgres.NewActionStatusRepo(pool)
	rolloutRepo := postgres.NewRolloutRepo(pool)
	groupRepo := postgres.NewRolloutGroupRepo(pool)
	outbox := postgres.NewOutboxRepo(pool)

	// Services
	statusLogSvc := service.NewStatusLogService(statusRepo, log)
	deploymentSvc := service.NewDeploymentService(
		actionRepo, targetRepo, dsRepo, statusLogSvc, outbox,
		cfg.Rollout.MaxStatementChunk, log,
	)
	rolloutSvc := service.NewRolloutService(
		rolloutRepo, groupRepo, targetRepo, dsRepo, deploymentSvc,
		service.DefaultConditions(cfg.Rollout.DefaultSuccessThreshold, cfg.Rollout.DefaultErrorThreshold),
		log,
	)
	targetSvc := service.NewTargetService(targetRepo, log)
	dsSvc := service.NewDistributionSetService(dsRepo, log)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)

	// Background rollout condition checker
	go rolloutSvc.StartChecker(ctx, cfg.Rollout.CheckInterval, cfg.Rollout.MaxRolloutsPerCheck)

	// Router
	router := api.NewRouter(api.RouterDeps{
		TargetSvc:     targetSvc,
		DistributionS: dsSvc,
		DeploymentSvc: deploymentSvc,
		RolloutSvc:    rolloutSvc,
		StatusLogSvc:  statusLogSvc,
		JWTManager:    jwtMgr,
		AdminEmail:    cfg.Auth.AdminEmail,
		AdminPassword: cfg.Auth.AdminPassword,
		CORSOrigins:   cfg.CORS.AllowedOrigins,
		Logger:        log,
	})

	// HTTP Server
	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	stopChecker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
