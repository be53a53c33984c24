package http2

// smallWindowUpdateSamples is how many recent WINDOW_UPDATE increments
// min_avg_window_update averages over before it starts enforcing.
const smallWindowUpdateSamples = 5

// windowUpdateTracker detects a peer trickling WINDOW_UPDATE frames with
// tiny increments: each frame costs the connection real processing time
// regardless of how little window it actually grants, so a peer can use
// it to waste CPU disproportionately to its own cost. The zero value is
// ready to use.
type windowUpdateTracker struct {
	samples [smallWindowUpdateSamples]uint32
	n       int
	total   uint64
}

// observe records one WINDOW_UPDATE increment.
func (t *windowUpdateTracker) observe(increment uint32) {
	idx := t.n % smallWindowUpdateSamples
	if t.n >= smallWindowUpdateSamples {
		t.total -= uint64(t.samples[idx])
	}
	t.samples[idx] = increment
	t.total += uint64(increment)
	t.n++
}

// full reports whether enough samples have been observed to judge an
// average.
func (t *windowUpdateTracker) full() bool {
	return t.n >= smallWindowUpdateSamples
}

// average returns the mean of the last smallWindowUpdateSamples increments.
func (t *windowUpdateTracker) average() uint32 {
	return uint32(t.total / smallWindowUpdateSamples)
}
