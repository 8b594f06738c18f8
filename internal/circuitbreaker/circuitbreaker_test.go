package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errWrite = errors.New("disk I/O error")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int) (*Breaker, *clock) {
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{
		Name:        "flush",
		MaxFailures: maxFailures,
		Cooldown:    time.Minute,
		Now:         c.Now,
	}, zerolog.Nop())
	return b, c
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "x"}, zerolog.Nop())

	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", b.cfg.MaxFailures)
	}
	if b.cfg.Cooldown != 30*time.Second {
		t.Errorf("Cooldown = %v, want 30s", b.cfg.Cooldown)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.Record(errWrite)
	b.Record(errWrite)
	b.Record(nil) // resets the run
	b.Record(errWrite)
	b.Record(errWrite)
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 2 consecutive failures, want closed", b.State())
	}

	b.Record(errWrite)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 3 consecutive failures, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker allowed a call")
	}
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	b, c := newTestBreaker(1)
	b.Record(errWrite)

	c.Advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("allowed before cooldown elapsed")
	}

	c.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("probe not allowed after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half-open", b.State())
	}
	if b.Allow() {
		t.Error("second call allowed while probe in flight")
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("state = %v after successful probe, want closed", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("failures = %d, want 0", b.Failures())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(2)
	b.Record(errWrite)
	b.Record(errWrite)

	c.Advance(time.Minute)
	if !b.Allow() {
		t.Fatal("probe not allowed")
	}
	b.Record(errWrite)

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("reopened breaker allowed a call before a new cooldown")
	}

	c.Advance(time.Minute)
	if !b.Allow() {
		t.Error("probe not allowed after second cooldown")
	}
}

func TestBreaker_CancelReleasesProbe(t *testing.T) {
	b, c := newTestBreaker(1)
	b.Record(errWrite)
	c.Advance(time.Minute)

	if !b.Allow() {
		t.Fatal("probe not allowed")
	}
	b.Cancel()
	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half-open", b.State())
	}
	if !b.Allow() {
		t.Error("probe not allowed again after Cancel")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1)

	if err := b.Execute(func() error { return errWrite }); !errors.Is(err, errWrite) {
		t.Fatalf("Execute error = %v, want %v", err, errWrite)
	}

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	c := &clock{now: time.Unix(0, 0)}
	b := New(Config{
		Name:        "flush",
		MaxFailures: 1,
		Cooldown:    time.Second,
		Now:         c.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, zerolog.Nop())

	b.Record(errWrite)
	c.Advance(time.Second)
	b.Allow()
	b.Record(nil)

	want := []string{"flush:closed->open", "flush:open->half-open", "flush:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ConcurrentAllow(t *testing.T) {
	b, c := newTestBreaker(1)
	b.Record(errWrite)
	c.Advance(time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 1 {
		t.Errorf("allowed = %d concurrent probes, want 1", allowed.Load())
	}
}
