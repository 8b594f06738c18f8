package deltat

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/pkg/models"
)

// FlushStats summarizes one flush cycle
type FlushStats struct {
	Cycle     uint64
	Skipped   bool // another cycle was already running
	Dequeued  int
	Processed int
	Dropped   int // base record could not be created
	Remaining int // still queued after the cycle
}

// Flush runs one bounded flush cycle: it dequeues up to MaxItemsPerFlush samples
// and appends each to the window record of its base record.
//
// If a cycle is already running the call returns immediately with Skipped set.
// The first error aborts the cycle: the samples already dequeued but not yet
// written are lost, samples still queued wait for the next cycle. The error is
// handed to the configured ErrorHandler and returned as a *FlushError.
//
// ctx is passed to the tables but cancellation does not interrupt a batch.
func (s *Store) Flush(ctx context.Context) (FlushStats, error) {
	m := metrics.Get()

	if !s.flushing.CompareAndSwap(false, true) {
		m.IncFlushSkipped()
		return FlushStats{Skipped: true}, nil
	}
	defer s.flushing.Store(false)

	s.domain.Lock()
	defer s.domain.Unlock()

	startTime := time.Now()
	stats := FlushStats{Cycle: s.cycles.Add(1)}
	tableCtx := context.WithoutCancel(ctx)

	batch := s.queue.DequeueBatch(s.maxItems)
	stats.Dequeued = len(batch)
	m.IncFlushCycles()

	for i := range batch {
		dropped, err := s.flushSample(tableCtx, &batch[i])
		if err != nil {
			ferr := &FlushError{
				Cycle:     stats.Cycle,
				Processed: stats.Processed,
				Lost:      len(batch) - i,
				Err:       err,
			}
			stats.Remaining = s.queue.Len()
			m.IncFlushErrors()
			m.IncFlushLost(int64(ferr.Lost))
			m.IncFlushSamples(int64(stats.Processed))
			m.SetQueueDepth(int64(stats.Remaining))
			s.onError(ferr)
			return stats, ferr
		}
		if dropped {
			stats.Dropped++
		}
		stats.Processed++
	}

	stats.Remaining = s.queue.Len()
	duration := time.Since(startTime)
	m.IncFlushSamples(int64(stats.Processed))
	m.IncFlushDropped(int64(stats.Dropped))
	m.SetQueueDepth(int64(stats.Remaining))
	m.RecordFlushLatency(duration.Microseconds())

	if stats.Dequeued > 0 {
		s.logger.Debug().
			Uint64("cycle", stats.Cycle).
			Int("processed", stats.Processed).
			Int("dropped", stats.Dropped).
			Int("remaining", stats.Remaining).
			Dur("duration", duration).
			Msg("Flush cycle completed")
	}

	return stats, nil
}

// flushSample persists one sample. It reports dropped when the base record
// could not be created.
func (s *Store) flushSample(ctx context.Context, sample *models.PointSample) (bool, error) {
	if !sample.ValidPriority() {
		return false, fmt.Errorf("%w: %d (entity %q)", ErrInvalidPriority, sample.Priority, sample.EntityID)
	}

	base, err := s.resolveBase(ctx, sample)
	if err != nil {
		return false, err
	}
	if base == nil {
		return true, nil
	}

	ts := sample.EffectiveTime()
	if ts.IsZero() {
		ts = s.now()
	}
	window, offset := Locate(base.Start, ts)

	rec, err := s.windows.FindOne(ctx, base.ID, window)
	if err != nil {
		return false, fmt.Errorf("find window %d of base %s: %w", window, base.ID, err)
	}

	if rec == nil {
		rec = &WindowRecord{BaseID: base.ID, Window: window}
		rec.Append(offset)
		if err := s.windows.Insert(ctx, rec); err != nil {
			return false, fmt.Errorf("insert window %d of base %s: %w", window, base.ID, err)
		}
		metrics.Get().IncWindowRecordsCreated()
		return false, nil
	}

	rec.Append(offset)
	if err := s.windows.Update(ctx, rec); err != nil {
		return false, fmt.Errorf("update window %d of base %s: %w", window, base.ID, err)
	}
	return false, nil
}

// FlushAll runs flush cycles until the queue is empty, a cycle fails or ctx is
// done. Used to drain the queue on shutdown.
func (s *Store) FlushAll(ctx context.Context) error {
	for s.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats, err := s.Flush(ctx)
		if err != nil {
			return err
		}
		if stats.Skipped {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}
