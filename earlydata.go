package http2

import "bytes"

// EarlyDataConn is implemented by a net.Conn that can report whether the
// bytes currently being read arrived as TLS 1.3 0-RTT "early data" (RFC
// 8446 §8.1) before its handshake finished. A net.Conn that doesn't
// implement it is treated as never serving early data.
type EarlyDataConn interface {
	IsEarlyData() bool
}

// safeMethods lists the HTTP methods RFC 7231 §4.2.1 defines as safe
// (idempotent, no side effects), the only methods early data may carry
// per RFC 8446 §8.1: a replayed 0-RTT request must be harmless to repeat.
var safeMethods = [][]byte{
	[]byte("GET"),
	[]byte("HEAD"),
	[]byte("OPTIONS"),
	[]byte("TRACE"),
}

func isSafeMethod(method []byte) bool {
	for _, m := range safeMethods {
		if bytes.Equal(method, m) {
			return true
		}
	}
	return false
}

// isEarlyData reports whether sc's underlying connection is currently
// delivering 0-RTT data.
func (sc *serverConn) isEarlyData() bool {
	ed, ok := sc.c.(EarlyDataConn)
	return ok && ed.IsEarlyData()
}

// checkEarlyDataFrameType enforces RFC 8446 §8.1's restriction on what
// frame types a connection may act on before its handshake is confirmed.
// It runs before a frame's payload is otherwise interpreted, so it can
// only restrict by type; checkEarlyDataMethod follows up once a HEADERS
// block's method is known.
func (sc *serverConn) checkEarlyDataFrameType(fr *FrameHeader) error {
	if !sc.isEarlyData() {
		return nil
	}

	switch fr.Type() {
	case FrameHeaders, FramePriority, FrameSettings, FramePing, FrameWindowUpdate, FrameContinuation:
		return nil
	default:
		return NewGoAwayError(ProtocolError, "frame type not permitted during early data")
	}
}

// checkEarlyDataMethod is the "subsequent safe-method check": once a
// stream's request headers are fully decoded, a request received during
// early data must use an idempotent method (RFC 8446 §8.1), since a
// replay attacker can cause it to be processed twice.
func (sc *serverConn) checkEarlyDataMethod(strm *Stream) error {
	if !sc.isEarlyData() {
		return nil
	}
	if !isSafeMethod(strm.ctx.Request.Header.Method()) {
		return NewResetStreamError(strm.ID(), ProtocolError, "unsafe method during early data")
	}
	return nil
}
