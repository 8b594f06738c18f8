package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Step priorities; lower runs first.
const (
	PriorityHTTPServer = 10 // stop accepting requests
	PriorityIngest     = 20 // disconnect MQTT and NATS subscribers
	PriorityScheduler  = 30 // stop periodic flushes
	PriorityDrain      = 40 // flush what is still queued
	PriorityDatabase   = 90 // close tables last
)

// Func performs one shutdown step
type Func func(ctx context.Context) error

type step struct {
	name     string
	priority int
	fn       Func
}

// Coordinator runs registered shutdown steps in priority order under a
// shared deadline.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once    sync.Once
	err     error
	trigger sync.Once
	done    chan struct{}
}

// New creates a coordinator whose steps must all finish within timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// RegisterHook adds a shutdown step
func (c *Coordinator) RegisterHook(name string, fn Func, priority int) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, priority: priority, fn: fn})
	c.mu.Unlock()
}

// Register adds a step that closes component
func (c *Coordinator) Register(name string, component io.Closer, priority int) {
	c.RegisterHook(name, func(context.Context) error { return component.Close() }, priority)
}

// WaitForSignal blocks until SIGINT, SIGTERM or a programmatic trigger
func (c *Coordinator) WaitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.done:
		return syscall.SIGTERM
	}
}

// Trigger wakes WaitForSignal. Safe to call more than once.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() { close(c.done) })
}

// Shutdown runs every step once, in priority order, and returns the joined
// step errors. Steps not reached before the deadline are skipped.
// Later calls return the result of the first.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.fn(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		c.err = errors.Join(errs...)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
