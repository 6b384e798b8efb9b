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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/examsentry/server/internal/config"
	"github.com/examsentry/server/internal/detector"
	"github.com/examsentry/server/internal/monitor"
	"github.com/examsentry/server/internal/report"
	"github.com/examsentry/server/internal/server"
	"github.com/examsentry/server/internal/trustscore"
)

// advisoryNotifier logs the per-category advisory the calculator emits on
// every recorded occurrence.
type advisoryNotifier struct {
	logger *logrus.Logger
}

func (n advisoryNotifier) Notify(category trustscore.Category, message string) {
	n.logger.WithField("category", category).Warn(message)
}

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("EXAMSENTRY_LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	cfg.Watch(logger)

	// Violation store: Redis when configured, in-memory otherwise.
	var store report.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.WithError(err).Warn("redis unreachable, falling back to in-memory violation store")
			store = report.NewMemoryStore(cfg.Reporting.MaxStored)
		} else {
			store = report.NewRedisStore(client, cfg.Reporting.MaxStored, cfg.Reporting.Retention(), logger)
		}
	} else {
		store = report.NewMemoryStore(cfg.Reporting.MaxStored)
	}

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)

	backend := report.NewBackendClient(cfg.Reporting.BackendURL, logger)
	reporter := report.NewReporter(report.Config{
		TypeCooldown:   cfg.Reporting.TypeCooldown(),
		GlobalCooldown: cfg.Reporting.GlobalCooldown(),
	}, store, server.MetricsNotifier{Metrics: metrics, Next: report.LogNotifier{Logger: logger}}, backend, logger)

	calc := trustscore.New(advisoryNotifier{logger: logger}, logger)
	det := detector.New(cfg.Detection, logger)

	mon := monitor.New(monitor.Options{
		Detector:   det,
		Calculator: calc,
		Reporter:   reporter,
		Settings:   cfg.Settings,
		Logger:     logger,
	})

	srv := server.New(mon, store, metrics, cfg.Server.AllowedOrigins, logger)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go report.RunSweeper(sweepCtx, store, cfg.Reporting.PruneInterval(), cfg.Reporting.Retention(), logger)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("examsentry server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	mon.Stop()
	stopSweep()
	reporter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("shutdown error")
	}
}
