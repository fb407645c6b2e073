package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/breaker"
	"github.com/yschiang/retry-herd-prevention/internal/metrics"
	"github.com/yschiang/retry-herd-prevention/internal/model"
	"github.com/yschiang/retry-herd-prevention/internal/repository"
	"github.com/yschiang/retry-herd-prevention/internal/retry"
	"github.com/yschiang/retry-herd-prevention/internal/service"
	"github.com/yschiang/retry-herd-prevention/internal/transport"
	"github.com/yschiang/retry-herd-prevention/pkg/logger"

	"golang.org/x/time/rate"
)

// Configuration
var (
	totalItems   = flag.Int("n", 1000, "Backlog size to seed")
	capacity     = flag.Int("cap", 20, "Simulated downstream capacity (rps)")
	busyUntil    = flag.Duration("busy", 15*time.Second, "Duration of the initial 429 phase")
	warmup       = flag.Duration("warmup", 5*time.Second, "Warmup duration")
	rampInterval = flag.Duration("ramp", 10*time.Second, "Controller ramp interval")
	maxRate      = flag.Int("max", 50, "Max controller rate")
)

// fakeDownstream models a recovering service: it answers 429 with a
// Retry-After hint during the busy phase, then admits requests through a
// capacity limiter, overload spilling back as 429.
type fakeDownstream struct {
	limiter   *rate.Limiter
	busyUntil time.Time
}

func newFakeDownstream(capacity int, busy time.Duration) *fakeDownstream {
	return &fakeDownstream{
		limiter:   rate.NewLimiter(rate.Limit(capacity), capacity),
		busyUntil: time.Now().Add(busy),
	}
}

func (f *fakeDownstream) Send(ctx context.Context, item *model.WorkItem) model.Outcome {
	// service time
	latency := time.Duration(5+rand.Intn(40)) * time.Millisecond
	select {
	case <-ctx.Done():
		return model.Outcome{Kind: model.OutcomeTransportError, Err: ctx.Err()}
	case <-time.After(latency):
	}

	if time.Now().Before(f.busyUntil) {
		return model.Outcome{
			Kind:       model.OutcomeServerBusy,
			StatusCode: http.StatusTooManyRequests,
			Latency:    latency,
			RetryAfter: 1500 * time.Millisecond,
		}
	}
	if !f.limiter.Allow() {
		return model.Outcome{
			Kind:       model.OutcomeServerBusy,
			StatusCode: http.StatusTooManyRequests,
			Latency:    latency,
		}
	}
	return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: http.StatusOK, Latency: latency}
}

func main() {
	flag.Parse()
	logger.InitLogger("dev")
	defer logger.Sync()

	fmt.Printf("🚀 Starting herd drain demo\n")
	fmt.Printf("   Backlog: %d items\n", *totalItems)
	fmt.Printf("   Downstream capacity: %d rps (busy for %v)\n", *capacity, *busyUntil)

	store := repository.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < *totalItems; i++ {
		item := &model.WorkItem{Payload: fmt.Sprintf(`{"seq":%d}`, i)}
		if err := store.Enqueue(ctx, item); err != nil {
			fmt.Printf("seed failed: %v\n", err)
			os.Exit(1)
		}
	}

	cfg := service.DefaultEngineConfig()
	cfg.Drain.ExitWhenDrained = true
	cfg.Controller.WarmupDuration = *warmup
	cfg.Controller.RampInterval = *rampInterval
	cfg.Controller.MaxRate = *maxRate
	cfg.Breaker = breaker.Config{
		FailureThreshold:  10,
		OpenDuration:      5 * time.Second,
		HalfOpenDuration:  3 * time.Second,
		HalfOpenProbeRate: 3,
	}
	cfg.Retry = retry.Config{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		Cap:         30 * time.Second,
		Jitter:      time.Second,
		JitterType:  retry.JitterRandom,
	}
	cfg.StatsInterval = time.Minute // reporter below prints every second instead

	engine := service.NewEngine(cfg, store,
		transport.Func(newFakeDownstream(*capacity, *busyUntil).Send),
		metrics.NoopObserver{})

	// Reporter
	start := time.Now()
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := engine.Snapshot(ctx)
				fmt.Printf("[%5.1fs] depth=%-5d rate=%-3d p95=%-4dms err=%5.1f%% breaker=%-9s sent=%d\n",
					time.Since(start).Seconds(),
					snap.QueueDepth, snap.RatePerSec, snap.P95LatencyMs,
					snap.ErrorRatePercent, snap.BreakerState, snap.SentTotal)
			}
		}
	}()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	engine.Run(ctx)

	counts, _ := store.Counts(context.Background())
	fmt.Printf("\nDone in %v: sent=%d failed=%d dlq=%d pending=%d\n",
		time.Since(start).Round(time.Millisecond),
		counts.Sent, counts.Failed, counts.DeadLettered, counts.Pending)
}
