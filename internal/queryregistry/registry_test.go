package queryregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(historySize int) *Registry {
	return NewRegistry(&RegistryConfig{HistorySize: historySize}, zerolog.Nop())
}

func TestRegistry_RegisterAndGetActive(t *testing.T) {
	r := newTestRegistry(10)

	id, ctx := r.Register(context.Background(), Request{
		EntityID:   "pump-1",
		Start:      t0,
		Interval:   time.Minute,
		RemoteAddr: "127.0.0.1",
	})
	if id == "" {
		t.Fatal("expected non-empty query ID")
	}
	if ctx.Err() != nil {
		t.Fatalf("context already done: %v", ctx.Err())
	}

	active := r.GetActive()
	if len(active) != 1 {
		t.Fatalf("expected 1 active query, got %d", len(active))
	}
	q := active[0]
	if q.ID != id || q.Status != StatusRunning {
		t.Fatalf("unexpected query %+v", q)
	}
	if q.EntityID != "pump-1" || q.IntervalMs != 60000 {
		t.Errorf("entity/interval = %q/%d", q.EntityID, q.IntervalMs)
	}
	if q.RangeStart == nil || !q.RangeStart.Equal(t0) {
		t.Errorf("RangeStart = %v, want %s", q.RangeStart, t0)
	}
	if q.RangeEnd != nil {
		t.Errorf("RangeEnd = %v, want nil for an open range", q.RangeEnd)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("expected ActiveCount=1, got %d", r.ActiveCount())
	}
}

func TestRegistry_Finish(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status QueryStatus
	}{
		{"completed", nil, StatusCompleted},
		{"failed", errors.New("disk I/O error"), StatusFailed},
		{"timed out", fmt.Errorf("find windows: %w", context.DeadlineExceeded), StatusTimedOut},
		{"client went away", context.Canceled, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(10)
			id, ctx := r.Register(context.Background(), Request{})
			r.Finish(id, 42, tt.err)

			if ctx.Err() == nil {
				t.Error("context not released on finish")
			}
			if r.ActiveCount() != 0 {
				t.Fatalf("expected 0 active queries, got %d", r.ActiveCount())
			}

			history := r.GetHistory(0)
			if len(history) != 1 {
				t.Fatalf("expected 1 history entry, got %d", len(history))
			}
			if history[0].Status != tt.status {
				t.Errorf("status = %s, want %s", history[0].Status, tt.status)
			}
			if history[0].EndTime == nil {
				t.Error("expected EndTime")
			}
			if tt.err == nil && history[0].StateCount != 42 {
				t.Errorf("StateCount = %d, want 42", history[0].StateCount)
			}
			if tt.err != nil && history[0].Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestRegistry_Cancel(t *testing.T) {
	r := newTestRegistry(10)

	id, ctx := r.Register(context.Background(), Request{EntityID: "e"})
	if !r.Cancel(id) {
		t.Fatal("expected Cancel to return true")
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("ctx.Err() = %v, want context.Canceled", ctx.Err())
	}

	// the query's own Finish after cancellation is a no-op
	r.Finish(id, 0, ctx.Err())
	if got := len(r.GetHistory(0)); got != 1 {
		t.Fatalf("history entries = %d, want 1", got)
	}

	q := r.GetQuery(id)
	if q == nil || q.Status != StatusCancelled {
		t.Fatalf("GetQuery = %+v, want cancelled", q)
	}
	if r.Cancel(id) {
		t.Error("second Cancel should return false")
	}
	if r.Cancel("nope") {
		t.Error("Cancel of unknown id should return false")
	}
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry(&RegistryConfig{Timeout: 10 * time.Millisecond}, zerolog.Nop())

	id, ctx := r.Register(context.Background(), Request{})
	<-ctx.Done()
	r.Finish(id, 0, ctx.Err())

	if q := r.GetQuery(id); q == nil || q.Status != StatusTimedOut {
		t.Fatalf("GetQuery = %+v, want timed_out", q)
	}
}

func TestRegistry_HistoryRing(t *testing.T) {
	r := newTestRegistry(3)

	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := r.Register(context.Background(), Request{})
		r.Finish(id, i, nil)
		ids = append(ids, id)
	}

	history := r.GetHistory(0)
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	for i, want := range []string{ids[4], ids[3], ids[2]} {
		if history[i].ID != want {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, want)
		}
	}

	if got := r.GetHistory(2); len(got) != 2 {
		t.Errorf("GetHistory(2) returned %d entries", len(got))
	}
	if r.GetQuery(ids[0]) != nil {
		t.Error("evicted query still found")
	}
	if r.GetQuery(ids[4]) == nil {
		t.Error("recent query not found")
	}
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry(10)
	id, _ := r.Register(context.Background(), Request{EntityID: "e"})

	r.GetActive()[0].EntityID = "mutated"
	if q := r.GetQuery(id); q.EntityID != "e" {
		t.Errorf("EntityID = %q, registry state was mutated", q.EntityID)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := newTestRegistry(50)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _ := r.Register(context.Background(), Request{})
			r.GetActive()
			if i%2 == 0 {
				r.Cancel(id)
			} else {
				r.Finish(id, i, nil)
			}
		}(i)
	}
	wg.Wait()

	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", r.ActiveCount())
	}
	if got := len(r.GetHistory(0)); got != 50 {
		t.Errorf("history = %d, want 50", got)
	}
}
