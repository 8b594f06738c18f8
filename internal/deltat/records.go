package deltat

import (
	"context"
	"time"

	"github.com/basekick-labs/deltat/pkg/models"
)

// BaseRecord is the deduplicated identity of one distinct point shape and priority.
// Start anchors every delta stored under it and never changes after creation.
type BaseRecord struct {
	ID       string
	Start    time.Time
	Template models.PointSample
}

// WindowRecord is one window-sized shard of a base record's delta history.
//
// Deltas[0] is always 0. AnchorMS is the in-window offset of the first sample,
// so sample i sits at Start + (Window-1)*WindowMS + AnchorMS + sum(Deltas[:i+1]).
// LastOffsetMS is the append cursor and plays no part in decoding.
type WindowRecord struct {
	BaseID       string
	Window       int64
	AnchorMS     int64
	LastOffsetMS int64
	Deltas       []int64
}

// BaseFilter narrows a base record lookup. Zero fields match everything.
type BaseFilter struct {
	EntityID string // compared case-insensitively
	Priority int
	Value    string
}

// BaseTable persists base records.
type BaseTable interface {
	// Insert stores rec and returns its new id. An empty id means the insert
	// did not take.
	Insert(ctx context.Context, rec *BaseRecord) (string, error)
	FindAll(ctx context.Context, filter BaseFilter) ([]*BaseRecord, error)
	Count(ctx context.Context) (int64, error)
	// DeleteEntity removes every base record of the entity along with its windows.
	DeleteEntity(ctx context.Context, entityID string) (int64, error)
}

// WindowTable persists window records keyed by (base id, window index).
type WindowTable interface {
	// FindOne returns nil, nil when the window does not exist.
	FindOne(ctx context.Context, baseID string, window int64) (*WindowRecord, error)
	// FindRange returns the windows of baseID with from <= window <= to, ascending.
	FindRange(ctx context.Context, baseID string, from, to int64) ([]*WindowRecord, error)
	Insert(ctx context.Context, rec *WindowRecord) error
	Update(ctx context.Context, rec *WindowRecord) error
}
