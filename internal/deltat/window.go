package deltat

import "time"

// WindowMS is the span of one window record: 20 days in milliseconds.
const WindowMS int64 = 20 * 24 * 60 * 60 * 1000

// Window maps a millisecond distance from a base record's start to a window
// index and the offset inside that window.
//
// Both use floor semantics, so samples older than the start land in window 0
// or below with an offset in [0, WindowMS), and window order follows time order.
func Window(elapsedMS int64) (window, offsetMS int64) {
	q := elapsedMS / WindowMS
	r := elapsedMS % WindowMS
	if r < 0 {
		q--
		r += WindowMS
	}
	return q + 1, r
}

// Locate returns the window and in-window offset of ts relative to start.
func Locate(start, ts time.Time) (window, offsetMS int64) {
	return Window(ts.UnixMilli() - start.UnixMilli())
}

// windowOrigin is the absolute millisecond time at which window begins.
func windowOrigin(start time.Time, window int64) int64 {
	return start.UnixMilli() + (window-1)*WindowMS
}

// Append records a sample at offsetMS inside the window.
func (w *WindowRecord) Append(offsetMS int64) {
	if len(w.Deltas) == 0 {
		w.AnchorMS = offsetMS
		w.Deltas = append(w.Deltas, 0)
	} else {
		w.Deltas = append(w.Deltas, offsetMS-w.LastOffsetMS)
	}
	w.LastOffsetMS = offsetMS
}

// Decode calls fn with the absolute timestamp of every sample in the window,
// in append order.
func (w *WindowRecord) Decode(start time.Time, fn func(ts time.Time)) {
	cur := windowOrigin(start, w.Window) + w.AnchorMS
	for _, d := range w.Deltas {
		cur += d
		fn(time.UnixMilli(cur).UTC())
	}
}
