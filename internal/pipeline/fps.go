package pipeline

import "time"

const fpsHistorySize = 10

// FPSTracker computes a moving average over the last ten frame intervals.
// No average is reported until the whole window has been filled.
type FPSTracker struct {
	last    time.Time
	started bool
	history [fpsHistorySize]float64
	filled  int
}

// Update records a frame timestamp and returns the moving average FPS once available
func (t *FPSTracker) Update(now time.Time) (float64, bool) {
	if !t.started {
		t.last = now
		t.started = true
		return 0, false
	}

	elapsedMs := float64(now.Sub(t.last)) / float64(time.Millisecond)
	t.last = now
	if elapsedMs <= 0 {
		// Same or reordered timestamp: no meaningful sample
		return t.average()
	}

	copy(t.history[1:], t.history[:fpsHistorySize-1])
	t.history[0] = 1000 / elapsedMs
	if t.filled < fpsHistorySize {
		t.filled++
	}

	return t.average()
}

func (t *FPSTracker) average() (float64, bool) {
	if t.filled < fpsHistorySize {
		return 0, false
	}
	var sum float64
	for _, v := range t.history {
		sum += v
	}
	return sum / fpsHistorySize, true
}
