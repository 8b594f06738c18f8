package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/basekick-labs/deltat/internal/circuitbreaker"
	"github.com/basekick-labs/deltat/internal/deltat"
	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultFlushSchedule fires a flush cycle every second
const DefaultFlushSchedule = "@every 1s"

// Flusher runs one flush cycle
type Flusher interface {
	Flush(ctx context.Context) (deltat.FlushStats, error)
}

// FlushScheduler triggers flush cycles on a cron schedule. Overlapping ticks
// are not suppressed here; the store skips a cycle while another is running.
//
// With a breaker configured, ticks stop issuing cycles after repeated aborted
// cycles, so a failing table store does not keep dequeuing and losing batches.
type FlushScheduler struct {
	flusher  Flusher
	breaker  *circuitbreaker.Breaker
	schedule string
	cron     *cron.Cron
	running  bool
	mu       sync.Mutex
	logger   zerolog.Logger
}

// FlushSchedulerConfig holds configuration for the flush scheduler
type FlushSchedulerConfig struct {
	Flusher  Flusher
	Schedule string // cron spec with optional seconds field, or a descriptor like "@every 2s" (minimum one second)
	Breaker  *circuitbreaker.Breaker // optional, gates scheduled ticks only
	Logger   zerolog.Logger
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewFlushScheduler validates the schedule and creates a stopped scheduler
func NewFlushScheduler(cfg *FlushSchedulerConfig) (*FlushScheduler, error) {
	if cfg.Flusher == nil {
		return nil, fmt.Errorf("flusher is required")
	}

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultFlushSchedule
	}
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid flush schedule %q: %w", schedule, err)
	}

	return &FlushScheduler{
		flusher:  cfg.Flusher,
		breaker:  cfg.Breaker,
		schedule: schedule,
		logger:   cfg.Logger.With().Str("component", "flush-scheduler").Logger(),
	}, nil
}

// Start begins firing flush cycles
func (s *FlushScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.cron = cron.New(cron.WithParser(parser))
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Msg("Flush scheduler started")

	return nil
}

// Stop stops firing and waits for an in-flight cycle started by the scheduler
func (s *FlushScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Flush scheduler stopped")
}

// IsRunning reports whether the scheduler is started
func (s *FlushScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedule returns the cron spec in use
func (s *FlushScheduler) Schedule() string {
	return s.schedule
}

func (s *FlushScheduler) tick() {
	if s.breaker != nil && !s.breaker.Allow() {
		metrics.Get().IncFlushPaused()
		s.logger.Debug().Msg("Flush paused by circuit breaker, tick skipped")
		return
	}

	stats, err := s.TriggerNow(context.Background())
	if err != nil {
		// Already delivered to the store's error handler.
		s.logger.Debug().Err(err).Msg("Scheduled flush failed")
	}

	if s.breaker == nil {
		return
	}
	if stats.Skipped {
		s.breaker.Cancel()
		return
	}
	s.breaker.Record(err)
}

// TriggerNow runs one flush cycle immediately
func (s *FlushScheduler) TriggerNow(ctx context.Context) (deltat.FlushStats, error) {
	stats, err := s.flusher.Flush(ctx)
	if err != nil {
		return stats, err
	}
	if stats.Skipped {
		s.logger.Debug().Msg("Flush already in progress, tick skipped")
	}
	return stats, nil
}
