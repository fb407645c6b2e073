package metrics

// EngineObserver receives pipeline events for export. Implementations must
// be non-blocking; they are called from hot paths.
type EngineObserver interface {
	ObserveAttempt(latencySeconds float64, success bool)
	SetQueueDepth(n int64)
	SetRate(r int)
	SetBreakerState(s int)
	AddSent(n int)
	AddDeadLettered(n int)
}

// NoopObserver discards all events.
type NoopObserver struct{}

func (NoopObserver) ObserveAttempt(float64, bool) {}
func (NoopObserver) SetQueueDepth(int64)          {}
func (NoopObserver) SetRate(int)                  {}
func (NoopObserver) SetBreakerState(int)          {}
func (NoopObserver) AddSent(int)                  {}
func (NoopObserver) AddDeadLettered(int)          {}
