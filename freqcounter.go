package http2

import "time"

// freqWindow is the sliding-window length abuse rates are measured over.
const freqWindow = time.Minute

// FrequencyCounter is a two-slot sliding-window rate meter used to detect
// abusive peers (rapid RST_STREAM, rapid PRIORITY churn, empty DATA
// frames, and similar). It holds counts for "this minute"
// and "last minute" and blends them by how far into the current minute we
// are, avoiding both the burst-at-boundary problem of a fixed window and
// the cost of a real sliding log.
type FrequencyCounter struct {
	curCount  uint64
	prevCount uint64
	slotStart time.Time
}

// NewFrequencyCounter creates a counter with its window anchored at now.
func NewFrequencyCounter(now time.Time) *FrequencyCounter {
	return &FrequencyCounter{slotStart: now}
}

func (f *FrequencyCounter) rotate(now time.Time) {
	elapsed := now.Sub(f.slotStart)
	if elapsed < freqWindow {
		return
	}

	slots := elapsed / freqWindow
	if slots == 1 {
		f.prevCount = f.curCount
	} else {
		// more than one full window elapsed with no activity: the
		// previous slot is entirely stale.
		f.prevCount = 0
	}
	f.curCount = 0
	f.slotStart = f.slotStart.Add(slots * freqWindow)
}

// Increment records n events at time now.
func (f *FrequencyCounter) Increment(now time.Time, n uint64) {
	f.rotate(now)
	f.curCount += n
}

// Count returns the estimated event rate per minute as of now: the
// current slot's count plus a fraction of the previous slot's count
// proportional to how much of the previous window is still "in view".
func (f *FrequencyCounter) Count(now time.Time) uint64 {
	f.rotate(now)

	elapsed := now.Sub(f.slotStart)
	if elapsed >= freqWindow {
		return f.curCount
	}

	remaining := freqWindow - elapsed
	weighted := uint64(float64(f.prevCount) * float64(remaining) / float64(freqWindow))

	return f.curCount + weighted
}
