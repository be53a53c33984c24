package http2

import "sync/atomic"

// Stats counts RST_STREAM emissions by error code over a connection's
// lifetime, for diagnostics. All fields are accessed with the atomic
// package since writeReset runs on the connection's readLoop and
// handleStreams goroutines while a caller of Snapshot may run on any other.
type Stats struct {
	resetsByCode [errorCodeCount]uint64
}

// errorCodeCount bounds the per-code counter array; error codes above
// this are folded into the last slot rather than growing the array per
// malformed/extension code a peer sends.
const errorCodeCount = 16

func statsIndex(code ErrorCode) int {
	if int(code) >= errorCodeCount {
		return errorCodeCount - 1
	}
	return int(code)
}

func (s *Stats) recordReset(code ErrorCode) {
	atomic.AddUint64(&s.resetsByCode[statsIndex(code)], 1)
}

// ResetCount returns how many RST_STREAM frames this connection has sent
// with the given error code.
func (s *Stats) ResetCount(code ErrorCode) uint64 {
	return atomic.LoadUint64(&s.resetsByCode[statsIndex(code)])
}

// Snapshot returns a copy of every known error code's reset count, keyed
// by ErrorCode, omitting codes that have never been sent.
func (s *Stats) Snapshot() map[ErrorCode]uint64 {
	out := make(map[ErrorCode]uint64)
	for code := ErrorCode(0); int(code) < errorCodeCount; code++ {
		if n := atomic.LoadUint64(&s.resetsByCode[code]); n > 0 {
			out[code] = n
		}
	}
	return out
}

// Stats returns the connection's RST_STREAM diagnostics counters.
func (sc *serverConn) Stats() *Stats {
	return &sc.stats
}
