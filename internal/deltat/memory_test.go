package deltat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/basekick-labs/deltat/pkg/models"
)

// memBases is an in-memory BaseTable. Deleting an entity cascades to windows.
type memBases struct {
	mu      sync.Mutex
	recs    []*BaseRecord
	nextID  int
	windows *memWindows

	insertErr error
	emptyID   bool
	findErr   error
}

func (m *memBases) Insert(_ context.Context, rec *BaseRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return "", m.insertErr
	}
	if m.emptyID {
		return "", nil
	}
	m.nextID++
	cp := *rec
	cp.ID = fmt.Sprintf("base-%d", m.nextID)
	m.recs = append(m.recs, &cp)
	return cp.ID, nil
}

func (m *memBases) FindAll(_ context.Context, f BaseFilter) ([]*BaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*BaseRecord
	for _, r := range m.recs {
		if f.EntityID != "" && models.EntityKey(r.Template.EntityID) != models.EntityKey(f.EntityID) {
			continue
		}
		if f.Priority != 0 && r.Template.Priority != f.Priority {
			continue
		}
		if f.Value != "" && r.Template.EffectiveValue() != f.Value {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memBases) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.recs)), nil
}

func (m *memBases) DeleteEntity(_ context.Context, entityID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*BaseRecord
	var n int64
	for _, r := range m.recs {
		if models.EntityKey(r.Template.EntityID) == models.EntityKey(entityID) {
			n++
			if m.windows != nil {
				m.windows.drop(r.ID)
			}
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	return n, nil
}

// memWindows is an in-memory WindowTable. Records are copied in and out so
// callers never share state with the table.
type memWindows struct {
	mu   sync.Mutex
	recs map[string]map[int64]*WindowRecord

	inserts   int
	failAfter int // fail the Nth insert when > 0
	failErr   error

	// block, when set, makes FindOne signal entered and wait for release.
	entered chan struct{}
	release chan struct{}
}

func newMemWindows() *memWindows {
	return &memWindows{recs: make(map[string]map[int64]*WindowRecord)}
}

func copyWindow(w *WindowRecord) *WindowRecord {
	cp := *w
	cp.Deltas = append([]int64(nil), w.Deltas...)
	return &cp
}

func (m *memWindows) FindOne(_ context.Context, baseID string, window int64) (*WindowRecord, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.recs[baseID][window]
	if !ok {
		return nil, nil
	}
	return copyWindow(w), nil
}

func (m *memWindows) FindRange(_ context.Context, baseID string, from, to int64) ([]*WindowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WindowRecord
	for idx, w := range m.recs[baseID] {
		if idx >= from && idx <= to {
			out = append(out, copyWindow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out, nil
}

func (m *memWindows) Insert(_ context.Context, rec *WindowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inserts++
	if m.failAfter > 0 && m.inserts == m.failAfter {
		return m.failErr
	}
	if m.recs[rec.BaseID] == nil {
		m.recs[rec.BaseID] = make(map[int64]*WindowRecord)
	}
	if _, exists := m.recs[rec.BaseID][rec.Window]; exists {
		return fmt.Errorf("duplicate window %d of %s", rec.Window, rec.BaseID)
	}
	m.recs[rec.BaseID][rec.Window] = copyWindow(rec)
	return nil
}

func (m *memWindows) Update(_ context.Context, rec *WindowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recs[rec.BaseID][rec.Window]; !ok {
		return fmt.Errorf("window %d of %s not found", rec.Window, rec.BaseID)
	}
	m.recs[rec.BaseID][rec.Window] = copyWindow(rec)
	return nil
}

func (m *memWindows) drop(baseID string) {
	m.mu.Lock()
	delete(m.recs, baseID)
	m.mu.Unlock()
}

func (m *memWindows) all() []*WindowRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WindowRecord
	for _, byIdx := range m.recs {
		for _, w := range byIdx {
			out = append(out, copyWindow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseID != out[j].BaseID {
			return out[i].BaseID < out[j].BaseID
		}
		return out[i].Window < out[j].Window
	})
	return out
}
