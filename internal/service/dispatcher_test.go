package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/breaker"
	"github.com/yschiang/retry-herd-prevention/internal/controller"
	"github.com/yschiang/retry-herd-prevention/internal/model"
	"github.com/yschiang/retry-herd-prevention/internal/pacer"
	"github.com/yschiang/retry-herd-prevention/internal/repository"
	"github.com/yschiang/retry-herd-prevention/internal/retry"
	"github.com/yschiang/retry-herd-prevention/internal/transport"
	"github.com/yschiang/retry-herd-prevention/internal/window"
	"github.com/yschiang/retry-herd-prevention/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

func seedStore(t *testing.T, n int) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	for i := 0; i < n; i++ {
		item := &model.WorkItem{ID: fmt.Sprintf("item-%d", i), Payload: "x"}
		if err := store.Enqueue(context.Background(), item); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	return store
}

func fastRetryPolicy(maxAttempts int) *retry.Policy {
	return retry.NewPolicy(retry.Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Cap:         10 * time.Millisecond,
		JitterType:  retry.JitterFull,
	})
}

func newTestDispatcher(store repository.WorkStore, tr transport.Transport, bcfg breaker.Config, maxAttempts int) (*Dispatcher, *breaker.Breaker) {
	p := pacer.NewTokenBucket(1000)
	w := window.NewCollector(30 * time.Second)
	b := breaker.New(bcfg)
	cfg := DrainConfig{
		BatchSize:       50,
		Concurrency:     4,
		IdleSleep:       10 * time.Millisecond,
		InflightHold:    time.Minute,
		ExitWhenDrained: true,
	}
	return NewDispatcher(cfg, store, tr, p, w, b, fastRetryPolicy(maxAttempts), nil), b
}

func runDispatcher(t *testing.T, d *Dispatcher, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	select {
	case <-done:
	case <-time.After(timeout + time.Second):
		t.Fatal("dispatcher did not finish in time")
	}
}

func TestDrainAllSuccess(t *testing.T) {
	store := seedStore(t, 30)
	ok := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
	})

	d, b := newTestDispatcher(store, ok, breaker.DefaultConfig(), 8)
	runDispatcher(t, d, 5*time.Second)

	counts, _ := store.Counts(context.Background())
	if counts.Sent != 30 {
		t.Fatalf("expected 30 sent, got %+v", counts)
	}
	if d.SentTotal() != 30 {
		t.Fatalf("sent counter mismatch: %d", d.SentTotal())
	}
	if b.State() != breaker.Closed {
		t.Fatalf("breaker must stay closed on success, got %v", b.State())
	}
}

func TestPermanentRejectGoesToDeadLetter(t *testing.T) {
	store := seedStore(t, 10)
	var calls404 atomic.Int64
	tr := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		if item.ID == "item-3" {
			calls404.Add(1)
			return model.Outcome{Kind: model.OutcomeClientReject, StatusCode: 404, Latency: time.Millisecond}
		}
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
	})

	d, _ := newTestDispatcher(store, tr, breaker.DefaultConfig(), 8)
	runDispatcher(t, d, 5*time.Second)

	counts, _ := store.Counts(context.Background())
	if counts.Sent != 9 || counts.DeadLettered != 1 {
		t.Fatalf("expected 9 sent / 1 dead, got %+v", counts)
	}
	if got := calls404.Load(); got != 1 {
		t.Fatalf("a client reject must not be retried, got %d calls", got)
	}
}

func TestBusyBurstHonorsRetryAfter(t *testing.T) {
	const retryAfter = 50 * time.Millisecond

	store := seedStore(t, 5)
	var (
		mu       sync.Mutex
		lastBusy = map[string]time.Time{}
		total    atomic.Int64
	)
	tr := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		mu.Lock()
		defer mu.Unlock()

		if prev, ok := lastBusy[item.ID]; ok {
			if gap := time.Since(prev); gap < retryAfter-5*time.Millisecond {
				t.Errorf("retry for %s after %v, before the retry-after hint", item.ID, gap)
			}
			delete(lastBusy, item.ID)
			return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
		}
		if total.Add(1) <= 5 {
			lastBusy[item.ID] = time.Now()
			return model.Outcome{
				Kind:       model.OutcomeServerBusy,
				StatusCode: 429,
				Latency:    time.Millisecond,
				RetryAfter: retryAfter,
			}
		}
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
	})

	// threshold high enough that the burst never opens the breaker
	bcfg := breaker.Config{FailureThreshold: 100, OpenDuration: time.Second, HalfOpenDuration: time.Second, HalfOpenProbeRate: 3}
	d, _ := newTestDispatcher(store, tr, bcfg, 8)
	runDispatcher(t, d, 5*time.Second)

	counts, _ := store.Counts(context.Background())
	if counts.Sent != 5 {
		t.Fatalf("expected all 5 sent after the 429 burst, got %+v", counts)
	}
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	store := seedStore(t, 1)
	var attempts atomic.Int64
	tr := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		attempts.Add(1)
		return model.Outcome{Kind: model.OutcomeTransportError, Latency: time.Millisecond, Err: errors.New("refused")}
	})

	bcfg := breaker.Config{FailureThreshold: 100, OpenDuration: time.Second, HalfOpenDuration: time.Second, HalfOpenProbeRate: 3}
	d, _ := newTestDispatcher(store, tr, bcfg, 4)
	runDispatcher(t, d, 5*time.Second)

	counts, _ := store.Counts(context.Background())
	if counts.DeadLettered != 1 {
		t.Fatalf("expected dead letter, got %+v", counts)
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected exactly retryMax=4 attempts, got %d", got)
	}
	if d.DeadTotal() != 1 {
		t.Fatalf("dead counter mismatch: %d", d.DeadTotal())
	}
}

func TestBreakerCycleEndToEnd(t *testing.T) {
	store := seedStore(t, 5)

	var attempts atomic.Int64
	tr := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		if attempts.Add(1) <= 3 {
			// fail fast so the breaker opens before any success lands
			return model.Outcome{Kind: model.OutcomeTransportError, Latency: time.Millisecond, Err: errors.New("timeout")}
		}
		// slow success: the half-open probe outcome lands after the
		// half-open window has elapsed, which closes the breaker
		time.Sleep(30 * time.Millisecond)
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
	})

	bcfg := breaker.Config{
		FailureThreshold:  3,
		OpenDuration:      100 * time.Millisecond,
		HalfOpenDuration:  20 * time.Millisecond,
		HalfOpenProbeRate: 3,
	}
	d, b := newTestDispatcher(store, tr, bcfg, 8)

	var (
		mu          sync.Mutex
		transitions []breaker.State
	)
	b.OnStateChange(func(from, to breaker.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	runDispatcher(t, d, 10*time.Second)

	counts, _ := store.Counts(context.Background())
	if counts.Sent != 5 {
		t.Fatalf("expected all sent after recovery, got %+v", counts)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []breaker.State{breaker.Open, breaker.HalfOpen, breaker.Closed}
	if len(transitions) < 3 {
		t.Fatalf("expected at least open/half-open/closed, got %v", transitions)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Fatalf("expected prefix %v, got %v", want, transitions)
		}
	}
}

func TestPausedDispatcherClaimsNothing(t *testing.T) {
	store := seedStore(t, 3)
	var attempts atomic.Int64
	tr := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		attempts.Add(1)
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
	})

	d, _ := newTestDispatcher(store, tr, breaker.DefaultConfig(), 8)
	d.SetPaused(true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if got := attempts.Load(); got != 0 {
		t.Fatalf("paused dispatcher must not send, got %d attempts", got)
	}
}

func TestEngineColdStartWarmupAndDrain(t *testing.T) {
	store := seedStore(t, 40)

	start := time.Now()
	var earlyAttempts atomic.Int64
	tr := transport.Func(func(ctx context.Context, item *model.WorkItem) model.Outcome {
		if time.Since(start) < 350*time.Millisecond {
			earlyAttempts.Add(1)
		}
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: 200, Latency: time.Millisecond}
	})

	cfg := DefaultEngineConfig()
	cfg.Drain = DrainConfig{
		BatchSize:       50,
		Concurrency:     4,
		IdleSleep:       10 * time.Millisecond,
		InflightHold:    time.Minute,
		ExitWhenDrained: true,
	}
	cfg.Controller = controller.Config{
		InitialRate:          50,
		MinRate:              1,
		MaxRate:              100,
		WarmupRate:           1,
		WarmupDuration:       400 * time.Millisecond,
		RampInterval:         100 * time.Millisecond,
		AdditiveStep:         1,
		MultiplicativeFactor: 0.5,
		ErrorThreshold:       0.05,
		LatencyThresholdMs:   400,
		HalfOpenProbeRate:    3,
	}
	cfg.Retry = retry.Config{MaxAttempts: 8, BaseDelay: time.Millisecond, Cap: 10 * time.Millisecond, JitterType: retry.JitterFull}
	cfg.StatsInterval = time.Minute

	engine := NewEngine(cfg, store, tr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	select {
	case <-done:
	case <-time.After(16 * time.Second):
		t.Fatal("engine did not drain in time")
	}

	counts, _ := store.Counts(context.Background())
	if counts.Sent != 40 {
		t.Fatalf("expected 40 sent, got %+v", counts)
	}
	// warmup pins the pacer to 1 rps: at most a token or two fit in 350ms
	if got := earlyAttempts.Load(); got > 3 {
		t.Fatalf("warmup cap violated: %d attempts in the first 350ms", got)
	}
	snap := engine.Snapshot(context.Background())
	if snap.SentTotal != 40 || snap.BreakerState != "closed" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
