package service

import (
	"context"
	"sync"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/breaker"
	"github.com/yschiang/retry-herd-prevention/internal/controller"
	"github.com/yschiang/retry-herd-prevention/internal/metrics"
	"github.com/yschiang/retry-herd-prevention/internal/model"
	"github.com/yschiang/retry-herd-prevention/internal/pacer"
	"github.com/yschiang/retry-herd-prevention/internal/repository"
	"github.com/yschiang/retry-herd-prevention/internal/retry"
	"github.com/yschiang/retry-herd-prevention/internal/transport"
	"github.com/yschiang/retry-herd-prevention/internal/window"
	"github.com/yschiang/retry-herd-prevention/pkg/logger"

	"go.uber.org/zap"
)

type EngineConfig struct {
	Drain          DrainConfig
	Controller     controller.Config
	Breaker        breaker.Config
	Retry          retry.Config
	WindowDuration time.Duration
	StatsInterval  time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Drain:          DefaultDrainConfig(),
		Controller:     controller.DefaultConfig(),
		Breaker:        breaker.DefaultConfig(),
		Retry:          retry.DefaultConfig(),
		WindowDuration: window.DefaultDuration,
		StatsInterval:  5 * time.Second,
	}
}

// StatsSnapshot is the periodic observability record.
type StatsSnapshot struct {
	QueueDepth       int64   `json:"queue_depth"`
	RatePerSec       int     `json:"rate_per_sec"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	ErrorRatePercent float64 `json:"error_rate_percent"`
	BreakerState     string  `json:"breaker_state"`
	SentTotal        uint64  `json:"sent_total"`
}

// Engine owns every piece of mutable control state: pacer, window, breaker,
// controller, and dispatcher, wired over the external store and transport.
// There is no process-global state outside an Engine instance.
type Engine struct {
	cfg        EngineConfig
	store      repository.WorkStore
	pacer      pacer.Pacer
	window     *window.Collector
	breaker    *breaker.Breaker
	controller *controller.AIMD
	dispatcher *Dispatcher
	observer   metrics.EngineObserver
}

func NewEngine(
	cfg EngineConfig,
	store repository.WorkStore,
	tr transport.Transport,
	observer metrics.EngineObserver,
) *Engine {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	if cfg.Controller.HalfOpenProbeRate == 0 {
		cfg.Controller.HalfOpenProbeRate = cfg.Breaker.HalfOpenProbeRate
	}

	bucket := pacer.NewTokenBucket(cfg.Controller.InitialRate)
	w := window.NewCollector(cfg.WindowDuration)
	b := breaker.New(cfg.Breaker)
	ctrl := controller.NewAIMD(cfg.Controller, bucket, w)
	policy := retry.NewPolicy(cfg.Retry)

	e := &Engine{
		cfg:        cfg,
		store:      store,
		pacer:      bucket,
		window:     w,
		breaker:    b,
		controller: ctrl,
		observer:   observer,
		dispatcher: NewDispatcher(cfg.Drain, store, tr, bucket, w, b, policy, observer),
	}

	b.OnStateChange(func(from, to breaker.State) {
		logger.Warn("breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		ctrl.OnBreakerState(to)
		observer.SetBreakerState(int(to))
	})
	ctrl.OnRateChange(func(oldRate, newRate int, reason controller.Reason, sig controller.Signals) {
		logger.Info("rate changed",
			zap.Int("old", oldRate),
			zap.Int("new", newRate),
			zap.String("reason", string(reason)),
			zap.Float64("error_rate", sig.ErrorRate),
			zap.Int64("p95_ms", sig.P95Ms))
		observer.SetRate(newRate)
	})

	return e
}

func (e *Engine) Controller() *controller.AIMD { return e.controller }
func (e *Engine) Breaker() *breaker.Breaker    { return e.breaker }
func (e *Engine) Dispatcher() *Dispatcher      { return e.dispatcher }
func (e *Engine) Store() repository.WorkStore  { return e.store }

// Run starts the control loop, the stats emitter, and the dispatcher, and
// returns once the dispatcher has drained after ctx is canceled (or the
// backlog is exhausted under ExitWhenDrained).
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.controller.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.statsLoop(runCtx)
	}()

	e.dispatcher.Run(runCtx)
	cancel()
	wg.Wait()
}

func (e *Engine) statsLoop(ctx context.Context) {
	interval := e.cfg.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.Snapshot(ctx)
			logger.Info("stats",
				zap.Int64("queue_depth", snap.QueueDepth),
				zap.Int("rate_per_sec", snap.RatePerSec),
				zap.Int64("p95_latency_ms", snap.P95LatencyMs),
				zap.Float64("error_rate_percent", snap.ErrorRatePercent),
				zap.String("breaker_state", snap.BreakerState),
				zap.Uint64("sent_total", snap.SentTotal))
		}
	}
}

// Snapshot gathers the observability fields in one read.
func (e *Engine) Snapshot(ctx context.Context) StatsSnapshot {
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		logger.Warn("failed to read queue depth", zap.Error(err))
	}
	e.observer.SetQueueDepth(depth)

	wsnap := e.window.Snapshot()
	return StatsSnapshot{
		QueueDepth:       depth,
		RatePerSec:       e.controller.Rate(),
		P95LatencyMs:     wsnap.P95Ms,
		ErrorRatePercent: wsnap.ErrorRate * 100,
		BreakerState:     e.breaker.State().String(),
		SentTotal:        e.dispatcher.SentTotal(),
	}
}

// FinalTallies reports the per-status totals, printed on interrupt.
func (e *Engine) FinalTallies(ctx context.Context) (model.StatusCounts, error) {
	return e.store.Counts(ctx)
}
