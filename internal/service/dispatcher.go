package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/breaker"
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

const breakerBlockSleep = 50 * time.Millisecond

type DrainConfig struct {
	BatchSize   int
	Concurrency int
	IdleSleep   time.Duration
	// InflightHold is the longest a worker will sleep in place between
	// retries of the same item. Longer delays yield the slot and go back
	// through the store.
	InflightHold time.Duration
	// ExitWhenDrained stops the run once every item is terminal. Used by
	// the loadtest driver and end-to-end tests; production daemons keep
	// polling for new work.
	ExitWhenDrained bool
}

func DefaultDrainConfig() DrainConfig {
	return DrainConfig{
		BatchSize:    200,
		Concurrency:  6,
		IdleSleep:    300 * time.Millisecond,
		InflightHold: 5 * time.Second,
	}
}

// Dispatcher drains the work-store through the breaker, the pacer, and a
// bounded worker pool, and finalizes every item back into the store.
type Dispatcher struct {
	cfg       DrainConfig
	store     repository.WorkStore
	transport transport.Transport
	pacer     pacer.Pacer
	window    *window.Collector
	breaker   *breaker.Breaker
	policy    *retry.Policy
	observer  metrics.EngineObserver

	paused    atomic.Bool
	sentTotal atomic.Uint64
	deadTotal atomic.Uint64
}

func NewDispatcher(
	cfg DrainConfig,
	store repository.WorkStore,
	tr transport.Transport,
	p pacer.Pacer,
	w *window.Collector,
	b *breaker.Breaker,
	policy *retry.Policy,
	observer metrics.EngineObserver,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 6
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 300 * time.Millisecond
	}
	if cfg.InflightHold <= 0 {
		cfg.InflightHold = 5 * time.Second
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		transport: tr,
		pacer:     p,
		window:    w,
		breaker:   b,
		policy:    policy,
		observer:  observer,
	}
}

// SetPaused suspends or resumes claiming. In-flight work is unaffected.
func (d *Dispatcher) SetPaused(paused bool) {
	d.paused.Store(paused)
	logger.Info("dispatcher pause toggled", zap.Bool("paused", paused))
}

func (d *Dispatcher) SentTotal() uint64 { return d.sentTotal.Load() }
func (d *Dispatcher) DeadTotal() uint64 { return d.deadTotal.Load() }

// Run claims batches and feeds the worker pool until ctx is canceled or,
// with ExitWhenDrained, until every item is terminal. On cancellation it
// stops claiming and waits for the pool to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	jobs := make(chan model.WorkItem)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, jobs)
		}()
	}
	logger.Info("dispatcher started",
		zap.Int("concurrency", d.cfg.Concurrency),
		zap.Int("batch_size", d.cfg.BatchSize))

claim:
	for {
		select {
		case <-ctx.Done():
			break claim
		default:
		}

		if d.paused.Load() {
			if !d.sleep(ctx, d.cfg.IdleSleep) {
				break claim
			}
			continue
		}

		items, err := d.store.Claim(ctx, d.cfg.BatchSize)
		if err != nil {
			logger.Error("failed to claim batch", zap.Error(err))
			if !d.sleep(ctx, d.cfg.IdleSleep) {
				break claim
			}
			continue
		}

		if len(items) == 0 {
			if d.cfg.ExitWhenDrained {
				done, err := d.store.AllTerminal(ctx)
				if err == nil && done {
					break claim
				}
			}
			if !d.sleep(ctx, d.cfg.IdleSleep) {
				break claim
			}
			continue
		}

		for i := range items {
			select {
			case jobs <- items[i]:
			case <-ctx.Done():
				// return ownership of unstarted claims
				for _, rest := range items[i:] {
					d.release(rest)
				}
				break claim
			}
		}
	}

	close(jobs)
	wg.Wait()
	logger.Info("dispatcher stopped",
		zap.Uint64("sent", d.sentTotal.Load()),
		zap.Uint64("dead_lettered", d.deadTotal.Load()))
}

// release puts a claimed-but-unstarted item back without burning an attempt.
func (d *Dispatcher) release(item model.WorkItem) {
	if err := d.store.ScheduleRetry(context.Background(), item.ID, item.Attempt, 0); err != nil {
		logger.Error("failed to release claimed item", zap.String("id", item.ID), zap.Error(err))
	}
}

// sleep waits for dur, returning false when ctx ended first.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(dur):
		return true
	}
}

func (d *Dispatcher) worker(ctx context.Context, jobs <-chan model.WorkItem) {
	for item := range jobs {
		d.process(ctx, item)
	}
}

// process runs the strict per-worker sequence for one claimed item:
// breaker check, pacer acquire, send, outcome recording, breaker update,
// finalize. Short retry delays are served in place; long ones yield the
// slot back through the store. One attempt counter spans both layers.
func (d *Dispatcher) process(ctx context.Context, item model.WorkItem) {
	attempt := item.Attempt

	for {
		for d.breaker.ShouldBlock() {
			if !d.sleep(ctx, breakerBlockSleep) {
				d.rescheduleOnShutdown(item, attempt)
				return
			}
		}

		if err := d.pacer.Acquire(ctx); err != nil {
			d.rescheduleOnShutdown(item, attempt)
			return
		}

		item.Attempt = attempt
		outcome := d.transport.Send(ctx, &item)
		success := outcome.Kind == model.OutcomeSuccess

		d.window.Record(outcome.Latency, success)
		d.observer.ObserveAttempt(outcome.Latency.Seconds(), success)
		if success {
			d.breaker.OnSuccess()
		} else {
			d.breaker.OnFailure()
		}
		attempt++

		switch outcome.Kind {
		case model.OutcomeSuccess:
			if err := d.store.MarkSent(context.Background(), item.ID); err != nil {
				logger.Error("failed to mark item sent", zap.String("id", item.ID), zap.Error(err))
				return
			}
			d.sentTotal.Add(1)
			d.observer.AddSent(1)
			return

		case model.OutcomeClientReject:
			logger.Warn("item rejected by downstream",
				zap.String("id", item.ID),
				zap.Int("status", outcome.StatusCode))
			d.deadLetter(item.ID)
			return

		default: // retriable
			if attempt >= d.policy.MaxAttempts() {
				logger.Error("item exhausted retries",
					zap.String("id", item.ID),
					zap.Int("attempts", attempt))
				d.deadLetter(item.ID)
				return
			}

			delay := d.policy.Delay(attempt)
			if outcome.RetryAfter > delay {
				delay = outcome.RetryAfter
			}

			if delay > d.cfg.InflightHold {
				if err := d.store.ScheduleRetry(context.Background(), item.ID, attempt, delay); err != nil {
					logger.Error("failed to schedule retry", zap.String("id", item.ID), zap.Error(err))
				}
				return
			}

			if !d.sleep(ctx, delay) {
				d.rescheduleOnShutdown(item, attempt)
				return
			}
		}
	}
}

func (d *Dispatcher) deadLetter(id string) {
	if err := d.store.MoveToDeadLetter(context.Background(), id); err != nil {
		logger.Error("failed to dead-letter item", zap.String("id", id), zap.Error(err))
		return
	}
	d.deadTotal.Add(1)
	d.observer.AddDeadLettered(1)
}

// rescheduleOnShutdown returns an interrupted item to the store so a later
// run picks it up where this one left off.
func (d *Dispatcher) rescheduleOnShutdown(item model.WorkItem, attempt int) {
	if err := d.store.ScheduleRetry(context.Background(), item.ID, attempt, 0); err != nil {
		logger.Error("failed to reschedule interrupted item",
			zap.String("id", item.ID), zap.Error(err))
	}
}
