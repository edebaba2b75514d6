// Package interval turns a fetch range into bounded sub-windows so one upstream
// call never spans more than the provider's per-call volume limit.
package interval

import "time"

// Window is a half-open-by-convention [Start, End] fetch range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the window width.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Split produces an ordered, contiguous, non-overlapping sequence of windows
// covering exactly [start, end], each no wider than max. The final window's end
// equals end. start == end yields an empty sequence. Pure and deterministic.
func Split(start, end time.Time, max time.Duration) []Window {
	if max <= 0 || !start.Before(end) {
		return nil
	}
	windows := make([]Window, 0, end.Sub(start)/max+1)
	for cursor := start; cursor.Before(end); {
		next := cursor.Add(max)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cursor, End: next})
		cursor = next
	}
	return windows
}
