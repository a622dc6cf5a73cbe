package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/config"
	"fiscal-inbox-go/internal/db"
	"fiscal-inbox-go/internal/handlers"
	"fiscal-inbox-go/internal/ingest"
	"fiscal-inbox-go/internal/lock"
	"fiscal-inbox-go/internal/metrics"
	"fiscal-inbox-go/internal/notify"
	"fiscal-inbox-go/internal/reconcile"
	"fiscal-inbox-go/internal/repository"
	"fiscal-inbox-go/internal/scheduler"
	"fiscal-inbox-go/internal/sefaz"
	"fiscal-inbox-go/internal/server"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Fiscal Inbox Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	level, _ := logrus.ParseLevel(cfg.Log.Level)
	logrus.SetLevel(level)

	ctx := context.Background()

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	repos := repository.New(dbConn)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var notifier ingest.Notifier = notify.LogNotifier{}
	if cfg.Notify.GmailEnabled() && cfg.Notify.Recipient != "" {
		gn, err := notify.NewGmailNotifier(ctx, cfg.Notify)
		if err != nil {
			return fmt.Errorf("failed to create Gmail notifier: %w", err)
		}
		notifier = gn
		logrus.Info("Cycle summaries will be sent through the Gmail API")
	} else {
		logrus.Info("Gmail not configured, cycle summaries go to the log")
	}

	deps := ingest.Deps{
		Configs:   repos.Configs,
		Documents: repos.Documents,
		Fetcher:   sefaz.NewClient(cfg.Sefaz),
		Runs:      repos.Runs,
		Notifier:  notifier,
		Metrics:   m,
	}

	var closeRedis func() error
	if cfg.Redis.Enabled() {
		rdb, err := lock.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closeRedis = rdb.Close
		deps.Locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		logrus.WithField("addr", cfg.Redis.Addr).Info("Ingestion cycles are serialised through redis")
	}

	engine := ingest.NewEngine(deps, ingest.Options{
		MaxPages:  cfg.Sefaz.MaxPages,
		PageDelay: cfg.Sefaz.PageDelay,
		Recipient: cfg.Notify.Recipient,
	})
	reconciler := reconcile.NewService(repos.Documents, m)
	sched := scheduler.NewScheduler(&cfg.Scheduler, engine)

	if stats, err := repos.Documents.CountByStatus(ctx); err == nil {
		m.PendingDocuments.Set(float64(stats.Pending))
	} else {
		logrus.WithError(err).Warn("Failed to read pending document count")
	}

	h := handlers.NewHandlers(dbConn, repos, reconciler, sched, m, prometheus.DefaultGatherer)
	router := server.SetupRouter(h, cfg.Server.AllowedOrigins)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Scheduler.Autostart {
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched.IsRunning() {
		if err := sched.Stop(); err != nil {
			logrus.Errorf("Failed to stop scheduler: %v", err)
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
	sched.Wait()

	if closeRedis != nil {
		if err := closeRedis(); err != nil {
			logrus.Errorf("Failed to close redis client: %v", err)
		}
	}
	if sqlDB, err := dbConn.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logrus.Errorf("Failed to close database: %v", err)
		}
	}

	logrus.Info("Server stopped gracefully")
	return nil
}
