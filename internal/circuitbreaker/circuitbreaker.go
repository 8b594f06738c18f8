// Package circuitbreaker pauses a repeatedly failing operation for a cooldown
// before letting a single probe through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls rejected until the cooldown ends
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// OnStateChange is called with the breaker lock held; it must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)

	// Now defaults to time.Now
	Now func() time.Time
}

// Breaker tracks consecutive failures of one operation
type Breaker struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker
func New(cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
	}
}

// Allow reports whether a call may proceed. Once the cooldown has passed it
// admits exactly one probe; the probe's Record decides the next state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a call admitted by Allow
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	b.logger.Debug().
		Err(err).
		Int("failures", b.failures).
		Int("max_failures", b.cfg.MaxFailures).
		Msg("Recorded failure")

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// Cancel returns an admission whose call did not run. A pending probe is
// released without changing state.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Execute runs fn if the breaker allows it and records the result
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current run of consecutive failures
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) open() {
	b.openedAt = b.cfg.Now()
	b.probing = false
	b.setState(StateOpen)
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	event := b.logger.Info()
	if to == StateOpen {
		event = b.logger.Warn().Dur("cooldown", b.cfg.Cooldown)
	}
	event.
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", b.failures).
		Msg("Circuit breaker state changed")

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
