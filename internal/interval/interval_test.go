package interval

import (
	"testing"
	"time"
)

func TestSplitCoversRangeExactly(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		end  time.Time
		max  time.Duration
	}{
		{"even split", start.Add(30 * 24 * time.Hour), 10 * 24 * time.Hour},
		{"uneven tail", start.Add(25 * time.Hour), 7 * time.Hour},
		{"single window", start.Add(time.Hour), 24 * time.Hour},
		{"sub-second remainder", start.Add(3*time.Hour + 500*time.Millisecond), time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			windows := Split(start, tc.end, tc.max)
			if len(windows) == 0 {
				t.Fatal("expected at least one window")
			}
			if !windows[0].Start.Equal(start) {
				t.Fatalf("first window starts at %v, want %v", windows[0].Start, start)
			}
			if !windows[len(windows)-1].End.Equal(tc.end) {
				t.Fatalf("last window ends at %v, want %v", windows[len(windows)-1].End, tc.end)
			}
			for i, w := range windows {
				if !w.Start.Before(w.End) {
					t.Fatalf("window %d is empty or inverted: %+v", i, w)
				}
				if w.Duration() > tc.max {
					t.Fatalf("window %d wider than max: %v > %v", i, w.Duration(), tc.max)
				}
				if i > 0 && !windows[i-1].End.Equal(w.Start) {
					t.Fatalf("gap or overlap between windows %d and %d", i-1, i)
				}
			}
		})
	}
}

func TestSplitDegenerateCases(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := Split(at, at, time.Hour); len(got) != 0 {
		t.Fatalf("start == end should yield empty sequence, got %d windows", len(got))
	}
	if got := Split(at, at.Add(-time.Hour), time.Hour); len(got) != 0 {
		t.Fatalf("inverted range should yield empty sequence, got %d windows", len(got))
	}
	if got := Split(at, at.Add(time.Hour), 0); len(got) != 0 {
		t.Fatalf("non-positive max should yield empty sequence, got %d windows", len(got))
	}
}

func TestSplitDeterministic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(100 * 24 * time.Hour)
	first := Split(start, end, 14*24*time.Hour)
	second := Split(start, end, 14*24*time.Hour)
	if len(first) != len(second) {
		t.Fatalf("length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("window %d differs between runs", i)
		}
	}
}
