package deltat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow(t *testing.T) {
	tests := []struct {
		name       string
		elapsed    int64
		wantWindow int64
		wantOffset int64
	}{
		{"at start", 0, 1, 0},
		{"inside first", 12345, 1, 12345},
		{"last ms of first", WindowMS - 1, 1, WindowMS - 1},
		{"start of second", WindowMS, 2, 0},
		{"third", 2*WindowMS + 7, 3, 7},
		{"one ms before start", -1, 0, WindowMS - 1},
		{"one window before", -WindowMS, 0, 0},
		{"beyond one window before", -WindowMS - 1, -1, WindowMS - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, off := Window(tt.elapsed)
			assert.Equal(t, tt.wantWindow, w)
			assert.Equal(t, tt.wantOffset, off)
		})
	}
}

func TestWindowMS(t *testing.T) {
	assert.Equal(t, int64(1_728_000_000), WindowMS)
}

func TestLocate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	w, off := Locate(start, start.Add(25*24*time.Hour))
	assert.Equal(t, int64(2), w)
	assert.Equal(t, (5 * 24 * time.Hour).Milliseconds(), off)
}

func TestWindowRecord_AppendDecode(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &WindowRecord{BaseID: "b", Window: 2}

	rec.Append(500)
	rec.Append(200) // out of order inside the window
	rec.Append(900)

	assert.Equal(t, []int64{0, -300, 700}, rec.Deltas)
	assert.Equal(t, int64(500), rec.AnchorMS)
	assert.Equal(t, int64(900), rec.LastOffsetMS)

	var got []time.Time
	rec.Decode(start, func(ts time.Time) { got = append(got, ts) })

	origin := start.Add(time.Duration(WindowMS) * time.Millisecond)
	require.Len(t, got, 3)
	assert.Equal(t, origin.Add(500*time.Millisecond), got[0])
	assert.Equal(t, origin.Add(200*time.Millisecond), got[1])
	assert.Equal(t, origin.Add(900*time.Millisecond), got[2])
}

func TestWindowRecord_FirstDeltaIsZero(t *testing.T) {
	for _, offset := range []int64{0, 1, WindowMS - 1} {
		rec := &WindowRecord{Window: 1}
		rec.Append(offset)
		assert.Equal(t, []int64{0}, rec.Deltas, "offset %d", offset)
	}
}

func TestWindowRecord_DecodeRoundTrip(t *testing.T) {
	start := time.Date(2023, 6, 15, 8, 30, 0, 0, time.UTC)
	stamps := []time.Time{
		start.Add(-3 * time.Hour),
		start,
		start.Add(1500 * time.Millisecond),
		start.Add(19 * 24 * time.Hour),
		start.Add(21 * 24 * time.Hour),
		start.Add(400 * 24 * time.Hour),
	}

	windows := map[int64]*WindowRecord{}
	for _, ts := range stamps {
		w, off := Locate(start, ts)
		if windows[w] == nil {
			windows[w] = &WindowRecord{Window: w}
		}
		windows[w].Append(off)
	}

	var got []time.Time
	for _, w := range windows {
		w.Decode(start, func(ts time.Time) { got = append(got, ts) })
	}
	assert.ElementsMatch(t, stamps, got)
}
