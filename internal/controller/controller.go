package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/breaker"
	"github.com/yschiang/retry-herd-prevention/internal/pacer"
	"github.com/yschiang/retry-herd-prevention/internal/window"
	"github.com/yschiang/retry-herd-prevention/pkg/logger"

	"go.uber.org/zap"
)

// Reason labels why the controller changed the rate.
type Reason string

const (
	ReasonWarmupComplete Reason = "warmup_complete"
	ReasonIncrease       Reason = "increase"
	ReasonDecrease       Reason = "decrease"
	ReasonForced         Reason = "forced"
)

// Signals are the window readings a rate decision was based on.
type Signals struct {
	ErrorRate float64
	P95Ms     int64
}

// Listener is invoked synchronously on every actual rate change. Listeners
// must not block and must not call back into the controller.
type Listener func(oldRate, newRate int, reason Reason, sig Signals)

type Config struct {
	InitialRate          int
	MinRate              int
	MaxRate              int
	WarmupRate           int
	WarmupDuration       time.Duration
	RampInterval         time.Duration
	AdditiveStep         int
	MultiplicativeFactor float64
	ErrorThreshold       float64
	LatencyThresholdMs   int64
	// HalfOpenProbeRate caps the effective rate while the breaker probes,
	// normally wired from the breaker's advisory value.
	HalfOpenProbeRate int
}

func DefaultConfig() Config {
	return Config{
		InitialRate:          5,
		MinRate:              1,
		MaxRate:              100,
		WarmupRate:           1,
		WarmupDuration:       60 * time.Second,
		RampInterval:         30 * time.Second,
		AdditiveStep:         1,
		MultiplicativeFactor: 0.5,
		ErrorThreshold:       0.05,
		LatencyThresholdMs:   400,
		HalfOpenProbeRate:    3,
	}
}

// AIMD ramps the pacer rate additively while window signals stay healthy and
// halves it when they degrade. Until warmup completes the pacer is pinned to
// the warmup rate.
type AIMD struct {
	mu         sync.Mutex
	cfg        Config
	current    int
	warmupDone bool
	startedAt  time.Time

	// last breaker state pushed via OnBreakerState; read instead of calling
	// back into the breaker from its own listener
	probing bool

	pacer     pacer.Pacer
	window    *window.Collector
	listeners []Listener

	now func() time.Time
}

func NewAIMD(cfg Config, p pacer.Pacer, w *window.Collector) *AIMD {
	if cfg.MinRate < 1 {
		cfg.MinRate = 1
	}
	if cfg.MaxRate < cfg.MinRate {
		cfg.MaxRate = cfg.MinRate
	}
	cur := cfg.InitialRate
	if cur < cfg.MinRate {
		cur = cfg.MinRate
	}
	if cur > cfg.MaxRate {
		cur = cfg.MaxRate
	}

	c := &AIMD{
		cfg:     cfg,
		current: cur,
		pacer:   p,
		window:  w,
		now:     time.Now,
	}
	c.startedAt = c.now()

	// warmup pinning
	warmup := cfg.WarmupRate
	if warmup < 1 {
		warmup = 1
	}
	p.SetRate(warmup)
	return c
}

// OnRateChange registers a rate-change listener.
func (c *AIMD) OnRateChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Run drives the control loop: sleep out the warmup, then tick every ramp
// interval until ctx is canceled.
func (c *AIMD) Run(ctx context.Context) {
	c.mu.Lock()
	remaining := c.cfg.WarmupDuration - c.now().Sub(c.startedAt)
	c.mu.Unlock()

	if remaining > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
	c.CompleteWarmup()

	ticker := time.NewTicker(c.cfg.RampInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("controller stopped")
			return
		case <-ticker.C:
			snap := c.window.Snapshot()
			c.Update(snap.ErrorRate, snap.P95Ms)
		}
	}
}

// CompleteWarmup unpins the pacer and switches to AIMD steering. Idempotent.
func (c *AIMD) CompleteWarmup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warmupDone {
		return
	}
	c.warmupDone = true
	warmup := c.cfg.WarmupRate
	if warmup < 1 {
		warmup = 1
	}
	c.notify(warmup, c.current, ReasonWarmupComplete, Signals{})
	c.applyLocked()
}

// Update applies one AIMD tick to the current rate and returns the effective
// pacer rate. No-op before warmup completes.
func (c *AIMD) Update(errorRate float64, p95Ms int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.warmupDone {
		return c.pacer.Rate()
	}

	sig := Signals{ErrorRate: errorRate, P95Ms: p95Ms}
	old := c.current
	if errorRate > c.cfg.ErrorThreshold || p95Ms > c.cfg.LatencyThresholdMs {
		next := int(math.Floor(float64(c.current) * c.cfg.MultiplicativeFactor))
		if next < c.cfg.MinRate {
			next = c.cfg.MinRate
		}
		if next != old {
			c.current = next
			c.notify(old, next, ReasonDecrease, sig)
		}
	} else {
		next := c.current + c.cfg.AdditiveStep
		if next > c.cfg.MaxRate {
			next = c.cfg.MaxRate
		}
		if next != old {
			c.current = next
			c.notify(old, next, ReasonIncrease, sig)
		}
	}
	return c.applyLocked()
}

// ForceRate overrides the current rate, clamped to [min, max], and returns
// the effective pacer rate. Before warmup completes the pacer stays at the
// warmup rate; the new rate is stored, returned, and applied when warmup ends.
func (c *AIMD) ForceRate(r int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r < c.cfg.MinRate {
		r = c.cfg.MinRate
	}
	if r > c.cfg.MaxRate {
		r = c.cfg.MaxRate
	}
	if r != c.current {
		old := c.current
		c.current = r
		c.notify(old, r, ReasonForced, Signals{})
	}
	if !c.warmupDone {
		return c.current
	}
	return c.applyLocked()
}

// OnBreakerState feeds breaker transitions into the rate clamp. Designed to
// be called from a breaker listener, so it never reads the breaker itself.
func (c *AIMD) OnBreakerState(to breaker.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = to == breaker.HalfOpen
	if c.warmupDone {
		c.applyLocked()
	}
}

// applyLocked pushes the effective rate to the pacer. During a half-open
// probe the rate is clamped to the advisory probe rate. Caller holds the
// lock.
func (c *AIMD) applyLocked() int {
	effective := c.current
	if c.probing && c.probeRate() < effective {
		effective = c.probeRate()
	}
	c.pacer.SetRate(effective)
	return effective
}

func (c *AIMD) probeRate() int {
	if c.cfg.HalfOpenProbeRate > 0 {
		return c.cfg.HalfOpenProbeRate
	}
	return 3
}

func (c *AIMD) Rate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *AIMD) WarmupDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warmupDone
}

func (c *AIMD) notify(oldRate, newRate int, reason Reason, sig Signals) {
	for _, l := range c.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("rate listener panicked", zap.Any("panic", r))
				}
			}()
			l(oldRate, newRate, reason, sig)
		}()
	}
}
