package breaker

import (
	"sync"
	"time"

	"github.com/yschiang/retry-herd-prevention/pkg/logger"

	"go.uber.org/zap"
)

// State is the circuit breaker's operating mode.
type State int

const (
	// Closed permits all traffic.
	Closed State = iota
	// Open rejects all traffic until the open timer expires.
	Open
	// HalfOpen permits a bounded probe trickle.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Listener is invoked synchronously on every state transition. Listeners
// must not block and must not call back into the breaker.
type Listener func(from, to State)

type Config struct {
	FailureThreshold  int
	OpenDuration      time.Duration
	HalfOpenDuration  time.Duration
	HalfOpenProbeRate int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  10,
		OpenDuration:      30 * time.Second,
		HalfOpenDuration:  10 * time.Second,
		HalfOpenProbeRate: 3,
	}
}

// Breaker short-circuits outbound sends when consecutive failures cross a
// threshold, then probes for recovery through a half-open window.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenUntil       time.Time
	listeners           []Listener

	now func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	return &Breaker{
		cfg:   cfg,
		state: Closed,
		now:   time.Now,
	}
}

// OnStateChange registers a transition listener.
func (b *Breaker) OnStateChange(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// transition moves to a new state and notifies listeners. Caller holds the
// lock; listener panics are swallowed so a bad subscriber cannot stall the
// control loop.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	for _, l := range b.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("breaker listener panicked", zap.Any("panic", r))
				}
			}()
			l(from, to)
		}()
	}
}

// ShouldBlock reports whether a task must hold off sending. It is a
// state-advancing read: an expired open timer moves the breaker to HalfOpen.
func (b *Breaker) ShouldBlock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false
	case Open:
		now := b.now()
		if now.Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.halfOpenUntil = now.Add(b.cfg.HalfOpenDuration)
			b.consecutiveFailures = 0
			b.transition(HalfOpen)
			return false
		}
		return true
	case HalfOpen:
		return false
	default:
		return false
	}
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		if b.now().After(b.halfOpenUntil) {
			b.consecutiveFailures = 0
			b.transition(Closed)
		}
	}
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(Open)
		}
	case HalfOpen:
		// the probe failed, back off again
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// State is a pure read of the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HalfOpenProbeRate is the advisory rate cap consumed by the controller
// while the breaker is probing.
func (b *Breaker) HalfOpenProbeRate() int {
	return b.cfg.HalfOpenProbeRate
}

func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
