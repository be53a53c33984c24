package http2

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// StreamState is a stream's position in the RFC 7540 §5.1 state machine.
type StreamState int32

const (
	StreamStateIdle StreamState = iota
	StreamStateReserved
	StreamStateOpen
	StreamStateHalfClosed
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReserved:
		return "Reserved"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosed:
		return "HalfClosed"
	case StreamStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Stream holds everything a connection tracks about one HTTP/2 stream:
// wire state (RFC 7540 §5.1), the header-block accumulator used while a
// HEADERS/CONTINUATION sequence is still open, trailer bookkeeping and the
// fasthttp request/response context the stream is decoded into.
type Stream struct {
	id    uint32
	state int32 // StreamState, accessed atomically from handleStreams and timers

	// window is the stream's send window, signed per RFC 7540 §6.9.1 so a
	// SETTINGS_INITIAL_WINDOW_SIZE shrink can legally drive it negative.
	window int64

	// origType records the type of the frame that created this stream
	// (HEADERS, or e.g. PRIORITY for a not-yet-opened id); only
	// HEADERS-opened streams count toward
	// maxConcurrentStreams and participate in idle-stream closure (RFC
	// 7540 §5.1.1).
	origType FrameType

	startedAt time.Time

	ctx *fasthttp.RequestCtx

	// headersFinished is true once an END_HEADERS-flagged frame has been
	// consumed and no CONTINUATION is still pending.
	headersFinished bool
	// previousHeaderBytes buffers a field representation split across a
	// CONTINUATION boundary (can't be decoded until the next chunk
	// arrives). Backed by a pooled buffer so streams that never split a
	// field across CONTINUATION frames don't pay for an allocation.
	previousHeaderBytes *bytebufferpool.ByteBuffer
	// headerBlockNum counts completed header blocks on this stream: 0 for
	// the request block, 1 once trailers begin.
	headerBlockNum int
	// headerListSize accumulates HeaderField.Size() across every field
	// decoded on this stream, the request header block and any trailers
	// alike (it is reset only by reset()), so it can be checked against the
	// connection's MAX_HEADER_LIST_SIZE as a running total rather than
	// per-field.
	headerListSize int

	scheme []byte

	// trailer bookkeeping.
	receiveEndStream         bool
	sendEndStream            bool
	trailingHeaderIsPossible bool
	expectSendTrailer        bool
	expectReceiveTrailer     bool
	isOutbound               bool
	isTunneling              bool

	// node is a slot for this stream's dependency-tree node (deptree.go).
	// Nothing in this package assigns it; the tree looks streams up by id.
	node *depNode

	// contentLength/bodyBytes track the declared content-length header
	// against the actual DATA payload received.
	contentLength int64
	bodyBytes     int64

	// windowUpdateTracker watches this stream's own WINDOW_UPDATE
	// increments for the min_avg_window_update abuse check.
	windowUpdateTracker windowUpdateTracker

	// headerBlockOpenedAt is set when a HEADERS/CONTINUATION sequence
	// starts and cleared once END_HEADERS lands, backing the incomplete-
	// header timeout.
	headerBlockOpenedAt time.Time
	// lastActivity is bumped on every frame addressed to this stream,
	// backing the no-activity timeout.
	lastActivity time.Time
}

var streamPool = sync.Pool{
	New: func() interface{} {
		return &Stream{}
	},
}

// NewStream acquires a Stream from the pool and initializes it for id with
// the given initial send window (the peer's SETTINGS_INITIAL_WINDOW_SIZE
// at the time the stream was opened).
func NewStream(id uint32, window int32) *Stream {
	strm := streamPool.Get().(*Stream)
	strm.reset()
	strm.id = id
	strm.window = int64(window)
	return strm
}

func (s *Stream) reset() {
	s.id = 0
	atomic.StoreInt32(&s.state, int32(StreamStateIdle))
	s.window = 0
	s.origType = 0
	s.startedAt = time.Time{}
	s.ctx = nil
	s.headersFinished = false
	if s.previousHeaderBytes == nil {
		s.previousHeaderBytes = bytebufferpool.Get()
	} else {
		s.previousHeaderBytes.Reset()
	}
	s.headerBlockNum = 0
	s.headerListSize = 0
	s.scheme = s.scheme[:0]
	s.receiveEndStream = false
	s.sendEndStream = false
	s.trailingHeaderIsPossible = false
	s.expectSendTrailer = false
	s.expectReceiveTrailer = false
	s.isOutbound = false
	s.isTunneling = false
	s.node = nil
	s.contentLength = -1
	s.bodyBytes = 0
	s.windowUpdateTracker = windowUpdateTracker{}
	s.headerBlockOpenedAt = time.Time{}
	s.lastActivity = time.Time{}
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// release returns s's pooled buffers before s itself goes back to
// streamPool. Callers must not touch s afterward until NewStream hands it
// out again.
func (s *Stream) release() {
	if s.previousHeaderBytes != nil {
		bytebufferpool.Put(s.previousHeaderBytes)
		s.previousHeaderBytes = nil
	}
}

// State returns the stream's current RFC 7540 §5.1 state.
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// SetState transitions the stream to state. Callers are responsible for
// only making legal transitions (handleState in connstate.go is the single
// place that decides transitions from frame traffic).
func (s *Stream) SetState(state StreamState) {
	atomic.StoreInt32(&s.state, int32(state))
}

// SetData attaches the fasthttp request/response context the stream's
// HEADERS/DATA frames are decoded into.
func (s *Stream) SetData(ctx *fasthttp.RequestCtx) {
	s.ctx = ctx
}

// Window returns the stream's current send window.
func (s *Stream) Window() int64 {
	return atomic.LoadInt64(&s.window)
}

// AddWindow atomically adjusts the stream's send window by delta (may be
// negative, per RFC 7540 §6.9.1) and returns the new value.
func (s *Stream) AddWindow(delta int64) int64 {
	return atomic.AddInt64(&s.window, delta)
}
