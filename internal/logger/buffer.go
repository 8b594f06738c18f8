package logger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRingSize is the number of log lines kept in memory
const DefaultRingSize = 5000

// Entry is one captured log line
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// Ring keeps the most recent log entries. It is a zerolog.LevelWriter and
// expects the raw JSON lines zerolog produces.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

var (
	recent     *Ring
	recentOnce sync.Once
)

// Recent returns the process-wide ring fed by Setup
func Recent() *Ring {
	recentOnce.Do(func() {
		recent = NewRing(DefaultRingSize)
	})
	return recent
}

// NewRing creates a ring holding up to size entries
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

// Write implements io.Writer
func (r *Ring) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter. Lines that are not JSON are ignored.
func (r *Ring) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	var line struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		EntityID  string    `json:"entity_id"`
		Message   string    `json:"message"`
		Error     string    `json:"error"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		return len(p), nil
	}
	if line.Time.IsZero() {
		line.Time = time.Now().UTC()
	}

	r.add(Entry(line))
	return len(p), nil
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns the number of stored entries
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Query returns up to limit entries, newest first, at or above minLevel and
// not older than since. A zero since or empty minLevel disables that filter.
func (r *Ring) Query(limit int, minLevel string, since time.Time) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	threshold := zerolog.NoLevel
	if minLevel != "" {
		threshold = parseLevel(minLevel)
	}

	out := make([]Entry, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		e := r.entries[idx]

		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		if threshold != zerolog.NoLevel {
			lvl, err := zerolog.ParseLevel(e.Level)
			if err != nil || lvl < threshold {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
