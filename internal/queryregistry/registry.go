// Package queryregistry tracks running and recently finished value queries so
// they can be listed and cancelled.
package queryregistry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueryStatus represents the lifecycle state of a tracked query.
type QueryStatus string

const (
	StatusRunning   QueryStatus = "running"
	StatusCompleted QueryStatus = "completed"
	StatusCancelled QueryStatus = "cancelled"
	StatusFailed    QueryStatus = "failed"
	StatusTimedOut  QueryStatus = "timed_out"
)

// Request describes the query being registered.
type Request struct {
	EntityID   string        // empty for all entities
	Start      time.Time     // zero when unbounded
	End        time.Time     // zero when unbounded
	Interval   time.Duration // zero for a plain range query
	RemoteAddr string
}

// TrackedQuery holds the metadata of one query.
type TrackedQuery struct {
	ID         string      `json:"id"`
	EntityID   string      `json:"entity_id,omitempty"`
	RangeStart *time.Time  `json:"range_start,omitempty"`
	RangeEnd   *time.Time  `json:"range_end,omitempty"`
	IntervalMs int64       `json:"interval_ms,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
	Status     QueryStatus `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	DurationMs float64     `json:"duration_ms"`
	StateCount int         `json:"state_count,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type activeEntry struct {
	query  *TrackedQuery
	cancel context.CancelFunc
}

// RegistryConfig holds configuration for the query registry.
type RegistryConfig struct {
	HistorySize int           // finished queries kept (default 100)
	Timeout     time.Duration // per-query deadline, 0 for none
}

// Registry tracks active and recently finished queries.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*activeEntry
	history  []*TrackedQuery // ring buffer
	histSize int
	histHead int // next write position
	histLen  int
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *RegistryConfig, logger zerolog.Logger) *Registry {
	histSize := 100
	var timeout time.Duration
	if cfg != nil {
		if cfg.HistorySize > 0 {
			histSize = cfg.HistorySize
		}
		timeout = cfg.Timeout
	}
	return &Registry{
		active:   make(map[string]*activeEntry),
		history:  make([]*TrackedQuery, histSize),
		histSize: histSize,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With().Str("component", "query-registry").Logger(),
	}
}

// Register records a running query. The returned context is cancelled by
// Cancel, by the configured timeout, or when the query is finished.
func (r *Registry) Register(parent context.Context, req Request) (string, context.Context) {
	id := uuid.New().String()[:12]

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	q := &TrackedQuery{
		ID:         id,
		EntityID:   req.EntityID,
		IntervalMs: req.Interval.Milliseconds(),
		RemoteAddr: req.RemoteAddr,
		Status:     StatusRunning,
		StartTime:  r.now(),
	}
	if !req.Start.IsZero() {
		start := req.Start
		q.RangeStart = &start
	}
	if !req.End.IsZero() {
		end := req.End
		q.RangeEnd = &end
	}

	r.mu.Lock()
	r.active[id] = &activeEntry{query: q, cancel: cancel}
	r.mu.Unlock()

	r.logger.Debug().
		Str("query_id", id).
		Str("entity_id", req.EntityID).
		Dur("interval", req.Interval).
		Msg("Query registered")

	return id, ctx
}

// Finish moves a query to history. A nil err completes it; context errors
// map to cancelled or timed out, anything else to failed.
func (r *Registry) Finish(id string, states int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return
	}
	entry.cancel()

	q := entry.query
	switch {
	case err == nil:
		q.Status = StatusCompleted
		q.StateCount = states
	case errors.Is(err, context.DeadlineExceeded):
		q.Status = StatusTimedOut
		q.Error = "query timed out"
	case errors.Is(err, context.Canceled):
		q.Status = StatusCancelled
		q.Error = err.Error()
	default:
		q.Status = StatusFailed
		q.Error = err.Error()
	}
	r.close(q)

	r.addToHistory(q)
	delete(r.active, id)
}

// Cancel cancels a running query. It reports whether the query was running.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return false
	}
	entry.cancel()

	q := entry.query
	q.Status = StatusCancelled
	r.close(q)

	r.logger.Info().
		Str("query_id", id).
		Float64("duration_ms", q.DurationMs).
		Msg("Query cancelled via API")

	r.addToHistory(q)
	delete(r.active, id)
	return true
}

// GetActive returns a snapshot of the running queries.
func (r *Registry) GetActive() []*TrackedQuery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]*TrackedQuery, 0, len(r.active))
	for _, entry := range r.active {
		q := *entry.query
		q.DurationMs = float64(now.Sub(q.StartTime).Milliseconds())
		out = append(out, &q)
	}
	return out
}

// GetHistory returns up to limit finished queries, newest first. limit <= 0
// returns all of them.
func (r *Registry) GetHistory(limit int) []*TrackedQuery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.histLen
	if limit > 0 && limit < count {
		count = limit
	}

	out := make([]*TrackedQuery, 0, count)
	for i := 0; i < count; i++ {
		q := *r.history[r.histIndex(i)]
		out = append(out, &q)
	}
	return out
}

// GetQuery looks a query up among the running ones, then in history.
func (r *Registry) GetQuery(id string) *TrackedQuery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.active[id]; ok {
		q := *entry.query
		q.DurationMs = float64(r.now().Sub(q.StartTime).Milliseconds())
		return &q
	}
	for i := 0; i < r.histLen; i++ {
		if h := r.history[r.histIndex(i)]; h.ID == id {
			q := *h
			return &q
		}
	}
	return nil
}

// ActiveCount returns the number of running queries.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// close stamps the end of q. Must be called with mu held.
func (r *Registry) close(q *TrackedQuery) {
	now := r.now()
	q.EndTime = &now
	q.DurationMs = float64(now.Sub(q.StartTime).Milliseconds())
}

// histIndex maps the i-th newest history entry to its ring position.
func (r *Registry) histIndex(i int) int {
	return (r.histHead - 1 - i + r.histSize) % r.histSize
}

// addToHistory must be called with mu held.
func (r *Registry) addToHistory(q *TrackedQuery) {
	r.history[r.histHead] = q
	r.histHead = (r.histHead + 1) % r.histSize
	if r.histLen < r.histSize {
		r.histLen++
	}
}
