package controller

import (
	"testing"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/breaker"
	"github.com/yschiang/retry-herd-prevention/internal/pacer"
	"github.com/yschiang/retry-herd-prevention/internal/window"
	"github.com/yschiang/retry-herd-prevention/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

func testConfig() Config {
	return Config{
		InitialRate:          10,
		MinRate:              1,
		MaxRate:              100,
		WarmupRate:           1,
		WarmupDuration:       time.Minute,
		RampInterval:         time.Second,
		AdditiveStep:         1,
		MultiplicativeFactor: 0.5,
		ErrorThreshold:       0.05,
		LatencyThresholdMs:   400,
		HalfOpenProbeRate:    3,
	}
}

func newTestController(cfg Config) (*AIMD, *pacer.TokenBucket) {
	bucket := pacer.NewTokenBucket(cfg.InitialRate)
	w := window.NewCollector(30 * time.Second)
	return NewAIMD(cfg, bucket, w), bucket
}

func TestWarmupPinsPacer(t *testing.T) {
	c, bucket := newTestController(testConfig())

	if got := bucket.Rate(); got != 1 {
		t.Fatalf("pacer must be pinned to warmup rate, got %d", got)
	}

	// ticks during warmup must not steer the rate
	c.Update(0.5, 900)
	if got := bucket.Rate(); got != 1 {
		t.Fatalf("update during warmup must be a no-op, got %d", got)
	}
	if c.WarmupDone() {
		t.Fatal("warmup must not be done yet")
	}
}

func TestWarmupCompleteTransition(t *testing.T) {
	c, bucket := newTestController(testConfig())

	var gotReason Reason
	var gotOld, gotNew int
	c.OnRateChange(func(oldRate, newRate int, reason Reason, sig Signals) {
		gotOld, gotNew, gotReason = oldRate, newRate, reason
	})

	c.CompleteWarmup()
	if !c.WarmupDone() {
		t.Fatal("warmup must be done")
	}
	if gotReason != ReasonWarmupComplete || gotOld != 1 || gotNew != 10 {
		t.Fatalf("unexpected transition: old=%d new=%d reason=%s", gotOld, gotNew, gotReason)
	}
	if got := bucket.Rate(); got != 10 {
		t.Fatalf("pacer must run at the current rate after warmup, got %d", got)
	}

	// idempotent
	gotReason = ""
	c.CompleteWarmup()
	if gotReason != "" {
		t.Fatal("second CompleteWarmup must not re-notify")
	}
}

func TestMultiplicativeDecrease(t *testing.T) {
	c, bucket := newTestController(testConfig())
	c.CompleteWarmup()

	var reasons []Reason
	c.OnRateChange(func(oldRate, newRate int, reason Reason, sig Signals) {
		reasons = append(reasons, reason)
	})

	// 10% errors, latency fine
	c.Update(0.10, 100)
	if got := c.Rate(); got != 5 {
		t.Fatalf("expected floor(10*0.5)=5, got %d", got)
	}
	c.Update(0.10, 100)
	if got := c.Rate(); got != 2 {
		t.Fatalf("expected floor(5*0.5)=2, got %d", got)
	}
	if got := bucket.Rate(); got != 2 {
		t.Fatalf("pacer must follow, got %d", got)
	}
	for _, r := range reasons {
		if r != ReasonDecrease {
			t.Fatalf("expected decrease reasons, got %v", reasons)
		}
	}
}

func TestDecreaseClampsAtMin(t *testing.T) {
	cfg := testConfig()
	cfg.InitialRate = 1
	c, _ := newTestController(cfg)
	c.CompleteWarmup()

	c.Update(1.0, 0)
	if got := c.Rate(); got != 1 {
		t.Fatalf("rate must not drop below min, got %d", got)
	}
}

func TestLatencyAloneTriggersDecrease(t *testing.T) {
	c, _ := newTestController(testConfig())
	c.CompleteWarmup()

	c.Update(0, 500) // p95 above 400ms threshold
	if got := c.Rate(); got != 5 {
		t.Fatalf("latency breach must halve the rate, got %d", got)
	}
}

func TestAdditiveIncrease(t *testing.T) {
	c, _ := newTestController(testConfig())
	c.CompleteWarmup()

	c.Update(0, 100)
	c.Update(0.01, 200)
	if got := c.Rate(); got != 12 {
		t.Fatalf("expected 10+1+1=12, got %d", got)
	}
}

func TestIncreaseClampsAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.InitialRate = 100
	c, _ := newTestController(cfg)
	c.CompleteWarmup()

	c.Update(0, 100)
	if got := c.Rate(); got != 100 {
		t.Fatalf("rate must not exceed max, got %d", got)
	}
}

func TestForceRateClamped(t *testing.T) {
	c, bucket := newTestController(testConfig())
	c.CompleteWarmup()

	var gotReason Reason
	c.OnRateChange(func(oldRate, newRate int, reason Reason, sig Signals) {
		gotReason = reason
	})

	if got := c.ForceRate(500); got != 100 {
		t.Fatalf("force above max must clamp to 100, got %d", got)
	}
	if gotReason != ReasonForced {
		t.Fatalf("expected forced reason, got %s", gotReason)
	}
	if got := bucket.Rate(); got != 100 {
		t.Fatalf("pacer must follow forced rate, got %d", got)
	}
}

func TestHalfOpenClampsEffectiveRate(t *testing.T) {
	c, bucket := newTestController(testConfig())
	c.CompleteWarmup()

	c.OnBreakerState(breaker.HalfOpen)
	if got := bucket.Rate(); got != 3 {
		t.Fatalf("half-open must clamp the pacer to the probe rate, got %d", got)
	}
	// the controller's own rate is untouched
	if got := c.Rate(); got != 10 {
		t.Fatalf("current rate must survive the probe clamp, got %d", got)
	}

	c.OnBreakerState(breaker.Closed)
	if got := bucket.Rate(); got != 10 {
		t.Fatalf("closing must restore the full rate, got %d", got)
	}
}
