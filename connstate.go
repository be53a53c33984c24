package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"
)

// jitterDuration spreads d by up to ±10%, so a fleet of connections that all
// started (or all went idle) at the same instant don't all fire their ping
// or idle-timeout timers in the same tick.
func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := uint32(d / 5)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(fastrand.Uint32n(spread))
}

// connState is the coarse open/closing state of a connection, distinct
// from any individual stream's StreamState.
type connState int32

const (
	connStateOpen connState = iota
	connStateClosed
)

// sessionWindowCeiling is the fixed session receive-window size granted
// once to connections running anything but the static flow-control
// policy: RFC 7540's default 64KiB session window bottlenecks a
// multiplexed connection under any real round-trip latency.
const sessionWindowCeiling = 1 << 24

// streamWindowBoost is granted, on top of the negotiated
// SETTINGS_INITIAL_WINDOW_SIZE, to every stream opened under the
// LargeSessionAndDynamicStream policy.
const streamWindowBoost = 1<<20 - 65535

// trailerUserValuePrefix namespaces trailer fields stashed on a stream's
// fasthttp.RequestCtx via SetUserValue: trailers are decoded to keep the
// HPACK table in sync but must be delivered separately from the leading
// request headers, and fasthttp's RequestHeader has no trailer container
// of its own.
const trailerUserValuePrefix = "http2.trailer."

// serverConn is the per-connection state machine: it owns the HPACK codec
// pair, the three-copy SETTINGS negotiation
// (local/acknowledgedLocal/peer), session-level flow control, the
// dependency tree and the abuse-rate counters, and dispatches inbound
// frames to the right stream. One serverConn exists per accepted
// connection and is not shared across goroutines except via its reader/
// writer channels.
type serverConn struct {
	c net.Conn
	h fasthttp.RequestHandler

	cfg *Config

	br *bufio.Reader
	bw *bufio.Writer

	enc HPACK
	dec HPACK

	lastID uint32

	// clientWindow is the connection-level send window: how much we may
	// send before the peer sends WINDOW_UPDATE on stream 0. It starts at
	// the RFC 7540 §6.9.2 default of 65535 and is mutated ONLY by
	// stream-0 WINDOW_UPDATE increments. A peer SETTINGS_INITIAL_WINDOW_SIZE
	// change is applied as a signed delta to the per-stream windows only
	// (windowDeltas), never to this field, since that parameter governs
	// per-stream windows, not the session window (RFC 7540 §6.9.2).
	clientWindow int64
	// currentWindow is the connection-level receive window we have
	// granted the peer (the session window).
	currentWindow int32
	maxWindow     int32

	// connWindowTracker watches stream-0 WINDOW_UPDATE increments for the
	// min_avg_window_update abuse check (CVE-2019-9511-style small-window
	// trickling).
	connWindowTracker windowUpdateTracker

	// windowDeltas relays a signed per-stream window adjustment, computed
	// by handleSettings when the peer's INITIAL_WINDOW_SIZE changes, to
	// handleStreams, the only goroutine allowed to walk the live stream
	// table (RFC 7540 §6.9.2).
	windowDeltas chan int32

	writer chan *FrameHeader
	reader chan *FrameHeader

	state connState
	// closeRef stores the last stream valid before a graceful GOAWAY, the
	// first half of the two-stage shutdown.
	closeRef uint32

	// continuedStreamID is nonzero while a HEADERS/CONTINUATION sequence
	// is open on that stream id; no frame of any other type or stream may
	// appear until the terminating END_HEADERS frame (RFC 7540 §6.10).
	// Mutated only by handleStreams, read also by readLoop, hence atomic.
	continuedStreamID uint32

	// shutdownReq fires the second stage of a graceful shutdown once the
	// drain interval after the first-stage GOAWAY has elapsed.
	shutdownReq chan struct{}

	maxRequestTime time.Duration
	pingInterval   time.Duration
	maxIdleTime    time.Duration

	// localSettings is what we'd like to use; acknowledgedLocal is what
	// the peer has ack'd (frame-size/header-table-size decisions must use
	// this copy); peerSettings is what the peer told us to use.
	localSettings      Settings
	acknowledgedLocal  Settings
	peerSettings       Settings
	settingsAckPending int // count of un-acked local SETTINGS frames sent

	// advertisedMaxStreams is the MAX_CONCURRENT_STREAMS value we last
	// told the peer, squeezed toward MinConcurrentStreamsIn once the
	// connection gets busy (MaxActiveStreamsIn).
	advertisedMaxStreams uint32

	deps *DependencyTree

	// abuse counters: rapid RST_STREAM, rapid PRIORITY churn, empty
	// (zero-length, non-END_STREAM) DATA frames, oversized SETTINGS
	// frames/records, PING floods and CONTINUATION floods are all tracked
	// so a connection can be torn down with ENHANCE_YOUR_CALM before it
	// costs real resources.
	rstCounter            *FrequencyCounter
	prioCounter           *FrequencyCounter
	emptyCounter          *FrequencyCounter
	settingsRecordCounter *FrequencyCounter
	settingsFrameCounter  *FrequencyCounter
	pingCounter           *FrequencyCounter
	continuationCounter   *FrequencyCounter

	pingTimer         *time.Timer
	maxRequestTimer   *time.Timer
	maxIdleTimer      *time.Timer
	maintenanceTicker *time.Ticker

	closer chan struct{}

	debug  bool
	logger fasthttp.Logger

	// stats counts RST_STREAM emissions by error code, for diagnostics.
	stats Stats
}

func newServerConn(c net.Conn, h fasthttp.RequestHandler, cfg *Config, logger fasthttp.Logger) *serverConn {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sc := &serverConn{
		c: c,
		h: h,
		cfg: cfg,
		br:             bufio.NewReader(c),
		bw:             bufio.NewWriter(c),
		maxWindow:      int32(cfg.InitialWindowSizeIn),
		currentWindow:  int32(cfg.InitialWindowSizeIn),
		// clientWindow is the session send window; RFC 7540 §6.9.2 fixes
		// its initial value at 65535 regardless of any SETTINGS exchange.
		clientWindow:         65535,
		windowDeltas:         make(chan int32, 16),
		writer:               make(chan *FrameHeader, 16),
		reader:               make(chan *FrameHeader, 16),
		shutdownReq:          make(chan struct{}, 1),
		maxRequestTime:       cfg.MaxRequestTime,
		pingInterval:         cfg.PingInterval,
		maxIdleTime:          cfg.MaxIdleTime,
		localSettings:        cfg.settings(),
		peerSettings:         DefaultSettings(),
		advertisedMaxStreams: cfg.MaxConcurrentStreamsIn,
		debug:                cfg.Debug,
		logger:               logger,
	}

	sc.acknowledgedLocal = DefaultSettings()
	sc.enc.SetMaxTableSize(clampTableSize(sc.peerSettings.HeaderTableSize(), cfg.HeaderTableSizeLimit))
	sc.dec = *NewHPACK()
	sc.dec.SetMaxDecoderDynamicTableSize(int(sc.localSettings.HeaderTableSize()))
	sc.dec.SetMaxHeaderListSize(int(sc.localSettings.MaxHeaderListSize()))

	sc.deps = NewDependencyTree(int(cfg.MaxConcurrentStreamsIn))

	now := time.Now()
	sc.rstCounter = NewFrequencyCounter(now)
	sc.prioCounter = NewFrequencyCounter(now)
	sc.emptyCounter = NewFrequencyCounter(now)
	sc.settingsRecordCounter = NewFrequencyCounter(now)
	sc.settingsFrameCounter = NewFrequencyCounter(now)
	sc.pingCounter = NewFrequencyCounter(now)
	sc.continuationCounter = NewFrequencyCounter(now)

	return sc
}

// clampTableSize applies both the hard 64KiB HPACK ceiling (enforced
// again inside HPACK.SetMaxTableSize) and the operator-configured
// HeaderTableSizeLimit to a peer-advertised header table size.
func clampTableSize(n int, limit uint32) int {
	if limit > 0 && int(limit) < n {
		n = int(limit)
	}
	return n
}

func (sc *serverConn) closeIdleConn() {
	sc.writeGoAway(0, NoError, "connection has been idle for a long time")
	if sc.debug {
		sc.logger.Printf("Connection is idle. Closing\n")
	}
	close(sc.closer)
}

// Handshake reads the client connection preface and sends our initial
// SETTINGS frame, along with an immediate session WINDOW_UPDATE when the
// configured flow-control policy grows the session window beyond RFC
// 7540's 65535 default.
func (sc *serverConn) Handshake() error {
	preface := make([]byte, len(http2Preface))
	if _, err := io.ReadFull(sc.br, preface); err != nil {
		return err
	}
	if !bytes.Equal(preface, http2Preface) {
		return ErrBadPreface
	}

	fr := AcquireFrameHeader()
	fr.SetBody(sc.localSettings.ToFrame())
	sc.settingsAckPending++

	_, err := fr.WriteTo(sc.bw)
	ReleaseFrameHeader(fr)
	if err != nil {
		return err
	}

	if boost := sc.sessionWindowBoost(); boost > 0 {
		sc.maxWindow += boost
		sc.currentWindow += boost

		wfr := AcquireFrameHeader()
		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(int(boost))
		wfr.SetBody(wu)

		_, err = wfr.WriteTo(sc.bw)
		ReleaseFrameHeader(wfr)
		if err != nil {
			return err
		}
	}

	return sc.bw.Flush()
}

// sessionWindowBoost reports how much larger the session receive window
// should grow under FlowControlPolicyIn; 0 under the static policy or
// once the window is already at the ceiling.
func (sc *serverConn) sessionWindowBoost() int32 {
	if sc.cfg.FlowControlPolicyIn == StaticSessionAndStaticStream {
		return 0
	}
	if sc.maxWindow >= sessionWindowCeiling {
		return 0
	}
	return sessionWindowCeiling - sc.maxWindow
}

// http2Preface is the connection preface every client must send first,
// RFC 7540 §3.5.
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// WritePreface writes the client connection preface, the first thing a
// client must send on a new HTTP/2 connection (RFC 7540 §3.5).
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.Write(http2Preface)
	return err
}

func (sc *serverConn) Serve() error {
	sc.closer = make(chan struct{}, 1)
	sc.maxRequestTimer = time.NewTimer(0)

	if sc.maxIdleTime > 0 {
		sc.maxIdleTimer = time.AfterFunc(jitterDuration(sc.maxIdleTime), sc.closeIdleConn)
	}

	if sc.cfg.IncompleteHeaderTimeoutIn > 0 || sc.cfg.NoActivityTimeoutIn > 0 ||
		sc.cfg.ActiveTimeoutIn > 0 || sc.cfg.ZombieTimeoutIn > 0 {
		sc.maintenanceTicker = time.NewTicker(time.Second)
	}

	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("Serve panicked: %s:\n%s\n", err, debug.Stack())
		}
	}()

	go func() {
		defer func() {
			_ = sc.c.Close()
		}()

		sc.writeLoop()
	}()

	go func() {
		sc.handleStreams()
		if sc.pingTimer != nil {
			sc.pingTimer.Stop()
		}
		close(sc.writer)
	}()

	defer func() {
		close(sc.reader)
	}()

	var err error

	if err = sc.c.SetWriteDeadline(time.Time{}); err == nil {
		err = sc.c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return err
	}

	err = sc.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	sc.close()

	return err
}

func (sc *serverConn) close() {
	if sc.pingTimer != nil {
		sc.pingTimer.Stop()
	}
	if sc.maxIdleTimer != nil {
		sc.maxIdleTimer.Stop()
	}
	if sc.maintenanceTicker != nil {
		sc.maintenanceTicker.Stop()
	}
	sc.maxRequestTimer.Stop()
}

// GracefulShutdown begins the RFC 7540 §6.8 two-stage GOAWAY drain: an
// immediate GOAWAY advertising the maximum possible stream id, so the
// peer learns no new streams will be refused yet but should stop opening
// more, followed one GracefulDrainInterval later by a second GOAWAY
// naming the actual last stream id this connection will process.
func (sc *serverConn) GracefulShutdown() {
	sc.writeGoAwayFrame(1<<31-1, NoError, "graceful shutdown")

	drain := sc.cfg.GracefulDrainInterval
	if drain <= 0 {
		drain = time.Second
	}

	time.AfterFunc(drain, func() {
		select {
		case sc.shutdownReq <- struct{}{}:
		case <-sc.closer:
		}
	})
}

func (sc *serverConn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) writePing() {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) checkFrameWithStream(fr *FrameHeader) error {
	if fr.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch fr.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

func (sc *serverConn) readLoop() (err error) {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("readLoop panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var fr *FrameHeader

	for err == nil {
		fr, err = ReadFrameFromWithSize(sc.br, sc.acknowledgedLocal.FrameSize())
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				// unknown frame types are ignored (RFC 7540 §4.1).
				err = nil
				continue
			}

			// A frame that failed to parse (e.g. a malformed
			// WINDOW_UPDATE or a self-dependent PRIORITY) never reaches
			// the stream dispatch below, but it's already classified by
			// its own Deserialize: honor that classification instead of
			// just dropping the connection.
			var frameErr *Error
			if errors.As(err, &frameErr) {
				if frameErr.IsConnectionError() {
					sc.writeGoAway(0, frameErr.Code(), frameErr.Error())
				} else {
					sc.writeReset(frameErr.StreamID(), frameErr.Code())
				}
				err = nil
				continue
			}

			break
		}

		if fr.Stream() != 0 {
			if err := sc.checkFrameWithStream(fr); err != nil {
				sc.writeError(nil, err)
			} else if err := sc.checkEarlyDataFrameType(fr); err != nil {
				sc.writeError(nil, err)
			} else {
				sc.reader <- fr
			}

			continue
		}

		if atomic.LoadUint32(&sc.continuedStreamID) != 0 {
			sc.writeGoAway(0, ProtocolError, "frame interleaved within a header block")
			ReleaseFrameHeader(fr)
			continue
		}

		if err := sc.checkEarlyDataFrameType(fr); err != nil {
			sc.writeError(nil, err)
			ReleaseFrameHeader(fr)
			continue
		}

		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*SettingsFrame)
			if st.IsAck() {
				sc.settingsAckPending--
				sc.localSettings.CopyTo(&sc.acknowledgedLocal)
				sc.dec.SetMaxDecoderDynamicTableSize(int(sc.acknowledgedLocal.HeaderTableSize()))
			} else {
				sc.settingsFrameCounter.Increment(time.Now(), 1)
				if int(sc.settingsFrameCounter.Count(time.Now())) > sc.cfg.MaxSettingsFramesPerMinute {
					sc.writeGoAway(0, EnhanceYourCalm, "too many SETTINGS frames")
				} else {
					sc.handleSettings(st)
				}
			}
		case FrameWindowUpdate:
			wu := fr.Body().(*WindowUpdate)

			if sc.cfg.MinAvgWindowUpdate > 0 {
				sc.connWindowTracker.observe(uint32(wu.Increment()))
				if sc.connWindowTracker.full() && sc.connWindowTracker.average() < sc.cfg.MinAvgWindowUpdate {
					sc.writeGoAway(0, EnhanceYourCalm, "WINDOW_UPDATE increments too small")
				}
			}

			win := int64(wu.Increment())
			if atomic.AddInt64(&sc.clientWindow, win) >= 1<<31-1 {
				sc.writeGoAway(0, FlowControlError, "window is above limits")
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				sc.pingCounter.Increment(time.Now(), 1)
				if int(sc.pingCounter.Count(time.Now())) > sc.cfg.MaxPingPerMinute {
					sc.writeGoAway(0, EnhanceYourCalm, "too many PING frames")
				} else {
					sc.handlePing(ping)
				}
			}
		case FrameGoAway:
			ga := fr.Body().(*GoAway)
			if ga.Code() == NoError {
				err = io.EOF
			} else {
				err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
			}
		default:
			sc.writeGoAway(0, ProtocolError, "invalid frame")
		}

		ReleaseFrameHeader(fr)
	}

	return
}

// handleStreams handles everything related to the streams; header blocks
// are only ever encoded and decoded on this goroutine, while readLoop
// adjusts the HPACK table-size limits on SETTINGS and SETTINGS-ACK.
func (sc *serverConn) handleStreams() {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("handleStreams panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var strms Streams
	var reqTimerArmed bool
	var openStreams int

	closedStrms := make(map[uint32]time.Time)

	var maintenanceC <-chan time.Time
	if sc.maintenanceTicker != nil {
		maintenanceC = sc.maintenanceTicker.C
	}

	closeStream := func(strm *Stream) {
		if strm.origType == FrameHeaders {
			openStreams--
			sc.adjustConcurrencyThrottle(openStreams)
		}

		strmID := strm.ID()

		closedStrms[strm.ID()] = time.Now()
		strms.Del(strm.ID())
		sc.deps.Remove(strmID)

		ctxPool.Put(strm.ctx)
		strm.release()
		streamPool.Put(strm)

		if sc.debug {
			sc.logger.Printf("Stream destroyed %d. Open streams: %d\n", strmID, openStreams)
		}
	}

loop:
	for {
		select {
		case <-sc.closer:
			break loop
		case <-sc.shutdownReq:
			sc.writeGoAway(sc.lastID, NoError, "graceful shutdown")
		case delta := <-sc.windowDeltas:
			for _, strm := range strms {
				strm.AddWindow(int64(delta))
			}
		case now := <-maintenanceC:
			if sc.cfg.ZombieTimeoutIn > 0 {
				for id, at := range closedStrms {
					if now.Sub(at) > sc.cfg.ZombieTimeoutIn {
						delete(closedStrms, id)
					}
				}
			}

			var stale []*Stream
			for _, strm := range strms {
				switch {
				case sc.cfg.IncompleteHeaderTimeoutIn > 0 && !strm.headerBlockOpenedAt.IsZero() &&
					now.Sub(strm.headerBlockOpenedAt) > sc.cfg.IncompleteHeaderTimeoutIn:
					stale = append(stale, strm)
				case sc.cfg.NoActivityTimeoutIn > 0 && now.Sub(strm.lastActivity) > sc.cfg.NoActivityTimeoutIn:
					stale = append(stale, strm)
				case sc.cfg.ActiveTimeoutIn > 0 && now.Sub(strm.startedAt) > sc.cfg.ActiveTimeoutIn:
					stale = append(stale, strm)
				}
			}
			for _, strm := range stale {
				sc.writeReset(strm.ID(), CancelError)
				strm.SetState(StreamStateClosed)
				closeStream(strm)
			}
		case <-sc.maxRequestTimer.C:
			reqTimerArmed = false

			deleteUntil := 0
			for _, strm := range strms {
				isDue := time.Now().After(strm.startedAt.Add(sc.maxRequestTime))
				if !isDue {
					break
				}
				deleteUntil++
			}

			for deleteUntil > 0 {
				strm := strms[0]

				if sc.debug {
					sc.logger.Printf("Stream timed out: %d\n", strm.ID())
				}
				sc.writeReset(strm.ID(), CancelError)

				strm.SetState(StreamStateClosed)
				closeStream(strm)

				deleteUntil--
			}

			if len(strms) != 0 && sc.maxRequestTime > 0 {
				strm := strms.GetFirstOf(FrameHeaders)
				if strm != nil {
					reqTimerArmed = true
					when := strm.startedAt.Add(sc.maxRequestTime).Sub(time.Now())
					sc.maxRequestTimer.Reset(when)
				}
			}
		case fr, ok := <-sc.reader:
			if !ok {
				return
			}

			if cs := atomic.LoadUint32(&sc.continuedStreamID); cs != 0 && fr.Stream() != cs {
				sc.writeGoAway(0, ProtocolError, "frame interleaved within a header block")
				break loop
			}

			isClosing := atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed)

			var strm *Stream
			if fr.Stream() <= sc.lastID {
				strm = strms.Search(fr.Stream())
			}

			if strm == nil {
				if fr.Type() == FrameResetStream {
					if _, ok := closedStrms[fr.Stream()]; !ok {
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on idle stream")
					}
					continue
				}

				if _, ok := closedStrms[fr.Stream()]; ok {
					if fr.Type() != FramePriority {
						sc.writeGoAway(fr.Stream(), StreamClosedError, "frame on closed stream")
					}
					continue
				}

				if openStreams >= int(sc.localSettings.MaxStreams()) || isClosing {
					sc.writeReset(fr.Stream(), RefusedStreamError)
					continue
				}

				if fr.Stream() < sc.lastID {
					sc.writeGoAway(fr.Stream(), ProtocolError, "stream ID is lower than the latest")
					continue
				}

				strm = NewStream(fr.Stream(), int32(sc.clientWindow))
				strms = append(strms, strm)

				if fr.Type() == FrameHeaders {
					openStreams++
					sc.lastID = fr.Stream()
					sc.adjustConcurrencyThrottle(openStreams)
				}

				sc.createStream(sc.c, fr.Type(), strm)

				if sc.cfg.FlowControlPolicyIn == LargeSessionAndDynamicStream {
					sc.grantStreamWindowBoost(strm)
				}

				if sc.debug {
					sc.logger.Printf("Stream %d created. Open streams: %d\n", strm.ID(), openStreams)
				}

				if !reqTimerArmed && sc.maxRequestTime > 0 {
					reqTimerArmed = true
					sc.maxRequestTimer.Reset(sc.maxRequestTime)
				}
			}

			strm.lastActivity = time.Now()

			if fr.Type() == FrameHeaders || fr.Type() == FrameContinuation {
				if fr.Flags().Has(FlagEndHeaders) {
					atomic.StoreUint32(&sc.continuedStreamID, 0)
				} else {
					atomic.StoreUint32(&sc.continuedStreamID, fr.Stream())
				}
			}

			if fr.Type() == FrameHeaders {
				nstrm := strms.getPrevious(FrameHeaders)
				if nstrm != nil && nstrm != strm && !nstrm.headersFinished {
					sc.writeError(nstrm, NewGoAwayError(ProtocolError, "previous stream headers not ended"))
					continue
				}

				for len(strms) != 0 {
					idle := strms[0]
					if idle.ID() < strm.ID() &&
						idle.State() == StreamStateIdle &&
						idle.origType == FrameHeaders {

						idle.SetState(StreamStateClosed)
						closeStream(idle)

						sc.writeReset(idle.ID(), CancelError)
						continue
					}
					break
				}

				if sc.maxIdleTimer != nil {
					sc.maxIdleTimer.Reset(jitterDuration(sc.maxIdleTime))
				}
			}

			if fr.Type() == FrameResetStream {
				sc.rstCounter.Increment(time.Now(), 1)
				if int(sc.rstCounter.Count(time.Now())) > sc.cfg.MaxRstStreamsPerMinute {
					sc.writeGoAway(0, EnhanceYourCalm, "too many RST_STREAM frames")
					break loop
				}
			}
			if fr.Type() == FramePriority {
				sc.prioCounter.Increment(time.Now(), 1)
				if int(sc.prioCounter.Count(time.Now())) > sc.cfg.MaxPriorityPerMinute {
					sc.writeGoAway(0, EnhanceYourCalm, "too many PRIORITY frames")
					break loop
				}
			}
			if fr.Type() == FrameContinuation {
				sc.continuationCounter.Increment(time.Now(), 1)
				if int(sc.continuationCounter.Count(time.Now())) > sc.cfg.MaxContinuationPerMinute {
					sc.writeGoAway(0, EnhanceYourCalm, "too many CONTINUATION frames")
					break loop
				}
			}

			if err := sc.handleFrame(strm, fr); err != nil {
				sc.writeError(strm, err)
				strm.SetState(StreamStateClosed)
			}

			handleState(fr, strm)

			switch strm.State() {
			case StreamStateHalfClosed:
				sc.handleEndRequest(strm)
				fallthrough
			case StreamStateClosed:
				closeStream(strm)
			}

			if isClosing {
				ref := atomic.LoadUint32(&sc.closeRef)
				if ref == 0 {
					break loop
				}

				for _, strm := range strms {
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		}
	}
}

// adjustConcurrencyThrottle squeezes the advertised MAX_CONCURRENT_STREAMS
// toward MinConcurrentStreamsIn once the connection's open-stream count
// reaches MaxActiveStreamsIn, and relaxes it back once it drops below,
// pushing a live SETTINGS update either way.
func (sc *serverConn) adjustConcurrencyThrottle(openStreams int) {
	if sc.cfg.MaxActiveStreamsIn == 0 {
		return
	}

	want := sc.cfg.MaxConcurrentStreamsIn
	if uint32(openStreams) >= sc.cfg.MaxActiveStreamsIn && sc.cfg.MinConcurrentStreamsIn > 0 {
		want = sc.cfg.MinConcurrentStreamsIn
	}

	if atomic.SwapUint32(&sc.advertisedMaxStreams, want) == want {
		return
	}

	sc.localSettings.SetMaxStreams(want)

	fr := AcquireFrameHeader()
	st := AcquireFrame(FrameSettings).(*SettingsFrame)
	st.Add(SettingMaxConcurrentStreams, want)
	fr.SetBody(st)
	sc.settingsAckPending++

	sc.writer <- fr
}

// grantStreamWindowBoost sends an unsolicited WINDOW_UPDATE for strm on
// top of the negotiated initial window, used by LargeSessionAndDynamicStream
// to front-load per-stream throughput instead of waiting for the stream to
// earn it through replenishment.
func (sc *serverConn) grantStreamWindowBoost(strm *Stream) {
	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(streamWindowBoost)
	fr.SetBody(wu)

	sc.writer <- fr
}

func (sc *serverConn) writeReset(strm uint32, code ErrorCode) {
	r := AcquireFrame(FrameResetStream).(*RstStream)

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(r)

	r.SetCode(code)

	sc.writer <- fr

	sc.stats.recordReset(code)

	if sc.debug {
		sc.logger.Printf("%s: Reset(stream=%d, code=%s)\n", sc.c.RemoteAddr(), strm, code)
	}
}

// writeGoAwayFrame sends a raw GOAWAY without touching connection state,
// so GracefulShutdown's first stage can announce intent without yet
// rejecting new streams.
func (sc *serverConn) writeGoAwayFrame(strm uint32, code ErrorCode, message string) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)

	fr := AcquireFrameHeader()

	ga.SetStream(strm)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr.SetBody(ga)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf("%s: GoAway(stream=%d, code=%s): %s\n", sc.c.RemoteAddr(), strm, code, message)
	}
}

func (sc *serverConn) writeGoAway(strm uint32, code ErrorCode, message string) {
	sc.writeGoAwayFrame(strm, code, message)

	if strm != 0 {
		atomic.StoreUint32(&sc.closeRef, sc.lastID)
	}

	atomic.StoreInt32((*int32)(&sc.state), int32(connStateClosed))
}

func (sc *serverConn) writeError(strm *Stream, err error) {
	var streamErr *Error
	if !errors.As(err, &streamErr) {
		if strm != nil {
			sc.writeReset(strm.ID(), InternalError)
			strm.SetState(StreamStateClosed)
		} else {
			sc.writeGoAway(0, InternalError, err.Error())
		}
		return
	}

	switch streamErr.frameType {
	case FrameGoAway:
		id := uint32(0)
		if strm != nil {
			id = strm.ID()
		}
		sc.writeGoAway(id, streamErr.Code(), streamErr.Error())
	case FrameResetStream:
		if strm != nil {
			sc.writeReset(strm.ID(), streamErr.Code())
		}
	}

	if strm != nil {
		strm.SetState(StreamStateClosed)
	}
}

func handleState(fr *FrameHeader, strm *Stream) {
	if fr.Type() == FrameResetStream {
		strm.SetState(StreamStateClosed)
		return
	}

	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() == FrameHeaders {
			strm.SetState(StreamStateOpen)
			if fr.Flags().Has(FlagEndStream) {
				strm.SetState(StreamStateHalfClosed)
			}
		}
	case StreamStateOpen:
		if fr.Flags().Has(FlagEndStream) {
			strm.SetState(StreamStateHalfClosed)
		}
	case StreamStateHalfClosed:
	case StreamStateClosed:
	}
}

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sc *serverConn) createStream(c net.Conn, frameType FrameType, strm *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()

	ctx.Init2(c, sc.logger, false)

	strm.origType = frameType
	strm.startedAt = time.Now()
	strm.contentLength = -1
	strm.SetData(ctx)
}

func (sc *serverConn) handleFrame(strm *Stream, fr *FrameHeader) error {
	if err := sc.checkEarlyDataFrameType(fr); err != nil {
		return err
	}

	if err := sc.verifyState(strm, fr); err != nil {
		return err
	}

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		isTrailerStart := fr.Type() == FrameHeaders && strm.headerBlockNum > 0 && !strm.expectReceiveTrailer
		if isTrailerStart {
			if !fr.Flags().Has(FlagEndStream) {
				return NewResetStreamError(strm.ID(), ProtocolError, "trailing headers must carry end_stream")
			}
			strm.expectReceiveTrailer = true
		}

		if strm.State() >= StreamStateHalfClosed && !strm.expectReceiveTrailer {
			return NewGoAwayError(ProtocolError, "received headers on a finished stream")
		}

		if err := sc.handleHeaderFrame(strm, fr, strm.expectReceiveTrailer); err != nil {
			return err
		}

		if fr.Flags().Has(FlagEndHeaders) {
			strm.headersFinished = len(strm.previousHeaderBytes.B) == 0
			if !strm.headersFinished {
				return NewGoAwayError(ProtocolError, "END_HEADERS received on an incomplete stream")
			}

			strm.headerBlockNum++
			strm.headerBlockOpenedAt = time.Time{}

			if !strm.expectReceiveTrailer {
				strm.trailingHeaderIsPossible = !fr.Flags().Has(FlagEndStream)
				strm.ctx.Request.URI().SetSchemeBytes(strm.scheme)

				if err := sc.checkEarlyDataMethod(strm); err != nil {
					return err
				}
			}
		} else if strm.headerBlockOpenedAt.IsZero() {
			strm.headerBlockOpenedAt = time.Now()
		}
	case FrameData:
		if !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "stream didn't end the headers")
		}
		if strm.State() >= StreamStateHalfClosed {
			return NewResetStreamError(strm.ID(), StreamClosedError, "stream closed")
		}

		data := fr.Body().(*Data)
		if len(data.Data()) == 0 && !data.EndStream() {
			sc.emptyCounter.Increment(time.Now(), 1)
			if int(sc.emptyCounter.Count(time.Now())) > sc.cfg.MaxEmptyFramesPerMinute {
				return NewGoAwayError(EnhanceYourCalm, "too many empty DATA frames")
			}
		}

		strm.bodyBytes += int64(len(data.Data()))
		if strm.contentLength >= 0 && strm.bodyBytes > strm.contentLength {
			return NewGoAwayError(ProtocolError, "DATA exceeds declared content-length")
		}

		strm.ctx.Request.AppendBody(data.Data())
	case FrameResetStream:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}
	case FramePriority:
		if pry, ok := fr.Body().(*Priority); ok {
			if pry.Stream() == strm.ID() {
				return NewGoAwayError(ProtocolError, "stream that depends on itself")
			}
			if sc.cfg.StreamPriorityEnabled {
				sc.deps.Insert(strm.ID(), pry.Stream(), pry.Weight(), pry.Exclusive())
			}
		}
	case FrameWindowUpdate:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "window update on idle stream")
		}

		wu := fr.Body().(*WindowUpdate)

		if sc.cfg.MinAvgWindowUpdate > 0 {
			strm.windowUpdateTracker.observe(uint32(wu.Increment()))
			if strm.windowUpdateTracker.full() && strm.windowUpdateTracker.average() < sc.cfg.MinAvgWindowUpdate {
				return NewResetStreamError(strm.ID(), EnhanceYourCalm, "WINDOW_UPDATE increments too small")
			}
		}

		win := int64(wu.Increment())
		if strm.AddWindow(win) >= 1<<31-1 {
			return NewResetStreamError(strm.ID(), FlowControlError, "window is above limits")
		}
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return nil
}

func (sc *serverConn) handleHeaderFrame(strm *Stream, fr *FrameHeader, isTrailer bool) error {
	if h, ok := fr.Body().(*Headers); ok {
		if h.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}
		if h.Weight() > 0 && sc.cfg.StreamPriorityEnabled {
			sc.deps.Insert(strm.ID(), h.Stream(), h.Weight(), false)
		}
	}

	b := append(strm.previousHeaderBytes.B, fr.Body().(FrameWithHeaders).Headers()...)
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)
	req := &strm.ctx.Request

	var err error
	var sawFieldRep bool

	strm.previousHeaderBytes.Reset()

	for len(b) > 0 {
		pb := b

		b, err = sc.dec.Next(hf, b, &sawFieldRep)
		if err != nil {
			if errors.Is(err, ErrMissingBytes) && len(pb) > 0 && !fr.Flags().Has(FlagEndHeaders) {
				err = nil
				_, _ = strm.previousHeaderBytes.Write(pb)
			} else {
				err = NewGoAwayError(CompressionError, err.Error())
			}
			break
		}

		strm.headerListSize += hf.Size()
		if max := int(sc.localSettings.MaxHeaderListSize()); max > 0 && strm.headerListSize > max {
			err = NewResetStreamError(strm.ID(), EnhanceYourCalm, "header list size exceeds MAX_HEADER_LIST_SIZE")
			break
		}

		k, v := hf.KeyBytes(), hf.ValueBytes()

		if isTrailer {
			if hf.IsPseudo() {
				err = NewGoAwayError(ProtocolError, "pseudo-header in trailer")
				break
			}
			if !httpguts.ValidHeaderFieldName(hf.Key()) || !httpguts.ValidHeaderFieldValue(hf.Value()) {
				err = NewResetStreamError(strm.ID(), ProtocolError, fmt.Sprintf("invalid trailer field %q", k))
				break
			}
			strm.ctx.SetUserValue(trailerUserValuePrefix+string(k), string(v))
			continue
		}

		if !hf.IsPseudo() &&
			!bytes.Equal(k, StringUserAgent) &&
			!bytes.Equal(k, StringContentType) &&
			!bytes.Equal(k, StringContentLength) {

			if !httpguts.ValidHeaderFieldName(hf.Key()) || !httpguts.ValidHeaderFieldValue(hf.Value()) {
				err = NewResetStreamError(strm.ID(), ProtocolError, fmt.Sprintf("invalid header field %q", k))
				break
			}

			req.Header.AddBytesKV(k, v)
			continue
		}

		if hf.IsPseudo() {
			k = k[1:]
		}

		switch {
		case bytes.Equal(k, StringMethod[1:]):
			req.Header.SetMethodBytes(v)
		case bytes.Equal(k, StringPath[1:]):
			req.Header.SetRequestURIBytes(v)
		case bytes.Equal(k, StringScheme[1:]):
			strm.scheme = append(strm.scheme[:0], v...)
		case bytes.Equal(k, StringAuthority[1:]):
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		case bytes.Equal(k, StringUserAgent):
			req.Header.SetUserAgentBytes(v)
		case bytes.Equal(k, StringContentType):
			req.Header.SetContentTypeBytes(v)
		case bytes.Equal(k, StringContentLength):
			if n, perr := strconv.ParseInt(string(v), 10, 64); perr == nil {
				strm.contentLength = n
			}
		default:
			return NewGoAwayError(ProtocolError, fmt.Sprintf("unknown pseudo-header %q", k))
		}
	}

	// headerListSize is deliberately NOT reset here: the budget is shared
	// across the request header block and any trailers, not reset per block.

	return err
}

func (sc *serverConn) verifyState(strm *Stream, fr *FrameHeader) error {
	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() != FrameHeaders && fr.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StreamStateHalfClosed:
		if fr.Type() != FrameWindowUpdate && fr.Type() != FramePriority && fr.Type() != FrameResetStream {
			return NewResetStreamError(strm.ID(), StreamClosedError, "wrong frame on half-closed stream")
		}
	}

	return nil
}

func (sc *serverConn) handleEndRequest(strm *Stream) {
	ctx := strm.ctx
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	sc.h(ctx)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	fr.SetBody(h)

	fasthttpResponseHeaders(h, &sc.enc, &ctx.Response)

	sc.writer <- fr

	if hasBody {
		if ctx.Response.IsBodyStream() {
			streamWriter := acquireStreamWrite()
			streamWriter.strm = strm
			streamWriter.writer = sc.writer
			streamWriter.deps = sc.deps
			streamWriter.size = int64(ctx.Response.Header.ContentLength())
			_ = ctx.Response.BodyWriteTo(streamWriter)
			releaseStreamWrite(streamWriter)
		} else {
			sc.writeData(strm, ctx.Response.Body())
		}
	}
}

func (sc *serverConn) writeData(strm *Stream, body []byte) {
	step := int(sc.acknowledgedLocal.FrameSize())
	if w := strm.Window(); w > 0 && int64(step) > w {
		step = int(w)
	}
	if step <= 0 {
		step = 1 << 14
	}

	sc.deps.SetActive(strm.ID(), true)
	defer sc.deps.SetActive(strm.ID(), false)

	for i := 0; i < len(body); i += step {
		if i+step >= len(body) {
			step = len(body) - i
		}

		sc.deps.Top(step)

		fr := AcquireFrameHeader()
		fr.SetStream(strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(i+step == len(body))
		data.SetPadding(false)
		data.SetData(body[i : step+i])

		fr.SetBody(data)

		sc.writer <- fr
	}
}

func (sc *serverConn) sendPingAndSchedule() {
	sc.writePing()
	sc.pingTimer.Reset(jitterDuration(sc.pingInterval))
}

func (sc *serverConn) writeLoop() {
	if sc.pingInterval > 0 {
		sc.pingTimer = time.AfterFunc(jitterDuration(sc.pingInterval), sc.sendPingAndSchedule)
	}

	buffered := 0

	for fr := range sc.writer {
		_, err := fr.WriteTo(sc.bw)
		if err == nil && (len(sc.writer) == 0 || buffered > 10) {
			err = sc.bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			sc.logger.Printf("ERROR: writeLoop: %s\n", err)
			return
		}
	}
}

func (sc *serverConn) handleSettings(st *SettingsFrame) {
	if sc.debug {
		st.ForEach(func(id uint16, value uint32) {
			sc.logger.Printf("%s: %s = %d\n", sc.c.RemoteAddr(), settingName(id), value)
		})
	}

	sc.settingsRecordCounter.Increment(time.Now(), uint64(st.Len()))
	if int(sc.settingsRecordCounter.Count(time.Now())) > sc.cfg.MaxSettingsRecordsPerMinute {
		sc.writeGoAway(0, EnhanceYourCalm, "too many SETTINGS records")
		return
	}

	oldWindow := sc.peerSettings.MaxWindowSize()

	if err := sc.peerSettings.ApplyFrame(st); err != nil {
		sc.writeError(nil, err)
		return
	}

	sc.enc.SetMaxTableSize(clampTableSize(sc.peerSettings.HeaderTableSize(), sc.cfg.HeaderTableSizeLimit))

	if newWindow := sc.peerSettings.MaxWindowSize(); newWindow != oldWindow {
		delta := int32(newWindow) - int32(oldWindow)
		select {
		case sc.windowDeltas <- delta:
		case <-sc.closer:
		}
	}

	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*SettingsFrame)
	stRes.SetAck(true)

	fr.SetBody(stRes)

	sc.writer <- fr
}

func fasthttpResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(strconv.FormatInt(int64(res.Header.StatusCode()), 10))

	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	res.Header.Del("Connection")
	res.Header.Del("Transfer-Encoding")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(append([]byte(nil), k...)), v)
		dst.AppendHeaderField(hp, hf, false)
	})
}

func limitedReaderSize(r io.Reader) int64 {
	lr, ok := r.(*io.LimitedReader)
	if !ok {
		return -1
	}
	return lr.N
}
