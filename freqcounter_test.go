package http2

import (
	"testing"
	"time"
)

func TestFrequencyCounterWithinWindow(t *testing.T) {
	t0 := time.Unix(1000, 0)
	f := NewFrequencyCounter(t0)

	f.Increment(t0, 5)
	f.Increment(t0.Add(10*time.Second), 3)

	if got := f.Count(t0.Add(10 * time.Second)); got != 8 {
		t.Fatalf("got %d, want 8", got)
	}
}

func TestFrequencyCounterRotatesIntoPreviousSlot(t *testing.T) {
	t0 := time.Unix(1000, 0)
	f := NewFrequencyCounter(t0)

	f.Increment(t0, 60)

	// Exactly one window later: the 60 prior events become "last minute"
	// in full, since we're right at the boundary (remaining == window).
	t1 := t0.Add(freqWindow)
	if got := f.Count(t1); got != 60 {
		t.Fatalf("got %d, want 60", got)
	}
}

func TestFrequencyCounterBlendsPreviousSlotByElapsedFraction(t *testing.T) {
	t0 := time.Unix(1000, 0)
	f := NewFrequencyCounter(t0)

	f.Increment(t0, 60)

	// Halfway into the next window: half of the previous slot's 60
	// events should still be "in view".
	t1 := t0.Add(freqWindow + freqWindow/2)
	if got := f.Count(t1); got != 30 {
		t.Fatalf("got %d, want 30", got)
	}
}

func TestFrequencyCounterMultipleIdleWindowsDropPreviousSlot(t *testing.T) {
	t0 := time.Unix(1000, 0)
	f := NewFrequencyCounter(t0)

	f.Increment(t0, 60)

	// Two full windows with no activity: the previous slot is stale, not
	// just the current one.
	t1 := t0.Add(3 * freqWindow)
	if got := f.Count(t1); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestFrequencyCounterIncrementAfterRotation(t *testing.T) {
	t0 := time.Unix(1000, 0)
	f := NewFrequencyCounter(t0)

	f.Increment(t0, 100)

	t1 := t0.Add(freqWindow)
	f.Increment(t1, 10)

	// curCount is 10, prevCount is 100, right at the slot boundary so
	// the full previous count is still weighted in.
	if got := f.Count(t1); got != 110 {
		t.Fatalf("got %d, want 110", got)
	}
}
