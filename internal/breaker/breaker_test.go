package breaker

import (
	"testing"
	"time"

	"github.com/yschiang/retry-herd-prevention/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

func newFakeBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Unix(1000, 0)
	b := New(cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		OpenDuration:      10 * time.Second,
		HalfOpenDuration:  5 * time.Second,
		HalfOpenProbeRate: 3,
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newFakeBreaker(testConfig())

	b.OnFailure()
	b.OnFailure()
	if b.State() != Closed {
		t.Fatal("must stay closed below the threshold")
	}
	b.OnFailure()
	if b.State() != Open {
		t.Fatal("must open at the threshold")
	}
	if !b.ShouldBlock() {
		t.Fatal("open breaker must block")
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	b, _ := newFakeBreaker(testConfig())

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()
	if b.State() != Closed {
		t.Fatal("counter must reset on success")
	}
}

func TestOpenToHalfOpenAfterTimeout(t *testing.T) {
	b, now := newFakeBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	if !b.ShouldBlock() {
		t.Fatal("expected blocking while open")
	}

	*now = now.Add(10 * time.Second)
	if b.ShouldBlock() {
		t.Fatal("expired open timer must permit the probe")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newFakeBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	*now = now.Add(10 * time.Second)
	b.ShouldBlock() // advances to half-open

	b.OnFailure()
	if b.State() != Open {
		t.Fatal("half-open failure must reopen")
	}
	if !b.ShouldBlock() {
		t.Fatal("reopened breaker must block again")
	}
}

func TestHalfOpenSuccessClosesAfterWindow(t *testing.T) {
	b, now := newFakeBreaker(testConfig())

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	*now = now.Add(10 * time.Second)
	b.ShouldBlock()

	// success inside the half-open window keeps probing
	b.OnSuccess()
	if b.State() != HalfOpen {
		t.Fatal("early success must keep the breaker half-open")
	}

	*now = now.Add(6 * time.Second)
	b.OnSuccess()
	if b.State() != Closed {
		t.Fatal("success past the half-open window must close")
	}
}

func TestListenerSequence(t *testing.T) {
	b, now := newFakeBreaker(testConfig())

	var transitions []State
	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	*now = now.Add(10 * time.Second)
	b.ShouldBlock()
	*now = now.Add(6 * time.Second)
	b.OnSuccess()

	want := []State{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, transitions)
		}
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	b, _ := newFakeBreaker(testConfig())

	b.OnStateChange(func(from, to State) {
		panic("bad listener")
	})

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	// the panic must not escape, and the transition must still happen
	if b.State() != Open {
		t.Fatal("transition must survive a panicking listener")
	}
}
