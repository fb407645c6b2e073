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

	"github.com/yschiang/retry-herd-prevention/internal/api"
	"github.com/yschiang/retry-herd-prevention/internal/breaker"
	"github.com/yschiang/retry-herd-prevention/internal/config"
	"github.com/yschiang/retry-herd-prevention/internal/controller"
	"github.com/yschiang/retry-herd-prevention/internal/metrics"
	"github.com/yschiang/retry-herd-prevention/internal/model"
	"github.com/yschiang/retry-herd-prevention/internal/repository"
	"github.com/yschiang/retry-herd-prevention/internal/retry"
	"github.com/yschiang/retry-herd-prevention/internal/service"
	"github.com/yschiang/retry-herd-prevention/internal/transport"
	"github.com/yschiang/retry-herd-prevention/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Transport.URL == "" {
		return errors.New("transport.url is required")
	}
	tr := transport.NewHTTPTransport(cfg.Transport.URL, cfg.Transport.Secret, cfg.Transport.Timeout)

	observer := metrics.NewPrometheusObserver()
	engine := service.NewEngine(engineConfig(cfg), store, tr, observer)

	if cfg.Etcd.Enabled {
		etcdCli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer etcdCli.Close()

		watcher := service.NewSettingsWatcher(etcdCli, engine)
		go func() {
			logger.Info("starting settings watcher")
			watcher.Run(ctx)
		}()
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()

	r := api.RegisterRoutes(api.NewAdminHandler(engine), cfg.Auth.SigningKey)
	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}
	go func() {
		logger.Info("admin server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server listen failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: first signal drains, second exits immediately.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	go func() {
		<-quit
		logger.Warn("second signal, exiting immediately")
		os.Exit(1)
	}()

	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		logger.Warn("drain timed out, exiting with work in flight")
	}

	if sig == syscall.SIGINT {
		printFinalTallies(engine)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server forced to shutdown: %w", err)
	}

	logger.Info("drainer exited properly")
	return nil
}

func printFinalTallies(engine *service.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := engine.FinalTallies(ctx)
	if err != nil {
		logger.Warn("failed to read final tallies", zap.Error(err))
		return
	}
	fmt.Printf("sent=%d failed=%d dlq=%d pending=%d\n",
		counts.Sent, counts.Failed, counts.DeadLettered, counts.Pending)
}

func engineConfig(cfg *config.Config) service.EngineConfig {
	return service.EngineConfig{
		Drain: service.DrainConfig{
			BatchSize:    cfg.Drain.BatchSize,
			Concurrency:  cfg.Drain.Concurrency,
			IdleSleep:    cfg.Drain.IdleSleep,
			InflightHold: cfg.Drain.InflightHold,
		},
		Controller: controller.Config{
			InitialRate:          cfg.Rate.Initial,
			MinRate:              cfg.Rate.Min,
			MaxRate:              cfg.Rate.Max,
			WarmupRate:           cfg.Warmup.Rate,
			WarmupDuration:       cfg.Warmup.Duration,
			RampInterval:         cfg.Controller.RampInterval,
			AdditiveStep:         cfg.Rate.AdditiveStep,
			MultiplicativeFactor: cfg.Rate.MultiplicativeFactor,
			ErrorThreshold:       cfg.Controller.ErrorThreshold,
			LatencyThresholdMs:   cfg.Controller.LatencyThreshold.Milliseconds(),
			HalfOpenProbeRate:    cfg.Breaker.HalfOpenProbeRate,
		},
		Breaker: breaker.Config{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			OpenDuration:      cfg.Breaker.OpenDuration,
			HalfOpenDuration:  cfg.Breaker.HalfOpenDuration,
			HalfOpenProbeRate: cfg.Breaker.HalfOpenProbeRate,
		},
		Retry: retry.Config{
			MaxAttempts: cfg.Retry.Max,
			BaseDelay:   cfg.Retry.BaseDelay,
			Cap:         cfg.Retry.BackoffCap,
			Jitter:      cfg.Retry.Jitter,
			JitterType:  retry.JitterType(cfg.Retry.JitterType),
		},
		WindowDuration: cfg.Window.Duration,
		StatsInterval:  cfg.Drain.StatsInterval,
	}
}

func initStore(cfg *config.Config) (repository.WorkStore, func(), error) {
	switch cfg.Store.Kind {
	case "memory":
		return repository.NewMemoryStore(), func() {}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return repository.NewRedisStore(rdb), func() { rdb.Close() }, nil

	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mysql: %w", err)
		}
		if err := db.AutoMigrate(&model.WorkItem{}); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return repository.NewGormStore(db), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}
