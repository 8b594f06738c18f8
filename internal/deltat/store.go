// Package deltat stores priority-ranked point samples as delta-time encoded
// histories and reconstructs them as time-ordered or fixed-interval series.
//
// Writes go through an in-memory queue that a periodic flush drains into base
// records (one per distinct point shape and priority) and window records (20-day
// shards of millisecond deltas). Reads decode the covering windows, merge the
// per-priority streams into composite point states and optionally resample them.
//
// Queries do not wait for an in-progress flush. A reader may observe a batch
// that is only partly persisted; the remainder becomes visible once the cycle
// completes.
package deltat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/rs/zerolog"
)

// MaxItemsPerFlush bounds the samples one flush cycle dequeues.
const MaxItemsPerFlush = 5000

// ErrorHandler receives the error of every aborted flush cycle.
type ErrorHandler func(err *FlushError)

// Config holds the collaborators and limits of a Store
type Config struct {
	Bases   BaseTable
	Windows WindowTable

	MaxItemsPerFlush int // default MaxItemsPerFlush
	QueryWorkers     int // concurrent base records decoded per query (default 4)
	MaxResampleSteps int // default DefaultMaxResampleSteps

	// OnError is called once per aborted flush cycle. Defaults to logging.
	OnError ErrorHandler

	// Now is the processing clock. Defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

// Store is the delta-time storage engine
type Store struct {
	bases   BaseTable
	windows WindowTable
	queue   *Queue

	maxItems     int
	queryWorkers int
	maxSteps     int64
	onError      ErrorHandler
	now          func() time.Time

	// domain serializes flushes and purges against the tables.
	domain   sync.Mutex
	flushing atomic.Bool
	cycles   atomic.Uint64

	logger zerolog.Logger
}

// New creates a Store over the given tables
func New(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Bases == nil || cfg.Windows == nil {
		return nil, fmt.Errorf("base and window tables are required")
	}

	s := &Store{
		bases:        cfg.Bases,
		windows:      cfg.Windows,
		queue:        NewQueue(),
		maxItems:     cfg.MaxItemsPerFlush,
		queryWorkers: cfg.QueryWorkers,
		maxSteps:     int64(cfg.MaxResampleSteps),
		onError:      cfg.OnError,
		now:          cfg.Now,
		logger:       cfg.Logger.With().Str("component", "deltat-store").Logger(),
	}
	if s.maxItems <= 0 {
		s.maxItems = MaxItemsPerFlush
	}
	if s.queryWorkers <= 0 {
		s.queryWorkers = 4
	}
	if s.maxSteps <= 0 {
		s.maxSteps = DefaultMaxResampleSteps
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.onError == nil {
		s.onError = func(err *FlushError) {
			s.logger.Error().
				Err(err.Err).
				Uint64("cycle", err.Cycle).
				Int("processed", err.Processed).
				Int("lost", err.Lost).
				Msg("Flush cycle aborted")
		}
	}

	return s, nil
}

// Insert queues a sample for the next flush cycle. It never blocks and never
// fails; there is no acknowledgement that the sample was persisted.
func (s *Store) Insert(sample models.PointSample) {
	s.queue.Enqueue(sample)
	metrics.Get().SetQueueDepth(int64(s.queue.Len()))
}

// Pending returns the number of queued samples not yet taken by a flush.
func (s *Store) Pending() int {
	return s.queue.Len()
}

// Count returns the number of base records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.bases.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count base records: %w", err)
	}
	return n, nil
}

// DeleteEntity removes every base record of an entity together with its window
// records. It waits for any running flush to finish.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) (int64, error) {
	s.domain.Lock()
	defer s.domain.Unlock()

	n, err := s.bases.DeleteEntity(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("delete entity %q: %w", entityID, err)
	}

	s.logger.Info().
		Str("entity_id", entityID).
		Int64("base_records", n).
		Msg("Entity deleted")

	return n, nil
}
