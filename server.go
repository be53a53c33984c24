package http2

import (
	"log"
	"net"
	"os"
	"sync"

	"github.com/valyala/fasthttp"
)

var defaultLogger = log.New(os.Stdout, "[HTTP/2] ", log.LstdFlags)

// Server adapts a fasthttp.Server to serve HTTP/2 connections (typically
// handed to it after ALPN negotiation selects "h2", or after an h2c
// upgrade). The connection state machine itself lives in connstate.go;
// Server is just the entry point that wires a fasthttp.Server's handler
// and a Config into one.
type Server struct {
	s   *fasthttp.Server
	cfg *Config

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// NewServer wraps s to serve HTTP/2, using cfg (or DefaultConfig if nil).
func NewServer(s *fasthttp.Server, cfg *Config) *Server {
	return &Server{s: s, cfg: cfg}
}

// ServeConn runs the HTTP/2 connection state machine over c until the
// connection closes or a fatal error occurs. c must already be past TLS/
// ALPN negotiation (or h2c upgrade) and positioned at the start of the
// client connection preface (RFC 7540 §3.5).
func (srv *Server) ServeConn(c net.Conn) error {
	defer func() { _ = c.Close() }()

	logger := fasthttp.Logger(defaultLogger)
	if srv.s != nil && srv.s.Logger != nil {
		logger = srv.s.Logger
	}

	var handler fasthttp.RequestHandler
	if srv.s != nil {
		handler = srv.s.Handler
	}
	if srv.cfg != nil {
		handler = compressionHandler(handler, srv.cfg.ContentEncodings)
	}

	sc := newServerConn(c, handler, srv.cfg, logger)

	srv.trackConn(sc, true)
	defer srv.trackConn(sc, false)

	if err := sc.Handshake(); err != nil {
		return err
	}

	return sc.Serve()
}

func (srv *Server) trackConn(sc *serverConn, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if add {
		if srv.conns == nil {
			srv.conns = make(map[*serverConn]struct{})
		}
		srv.conns[sc] = struct{}{}
	} else {
		delete(srv.conns, sc)
	}
}

// Shutdown begins a graceful two-stage GOAWAY drain (RFC 7540 §6.8) on
// every connection currently being served. It returns once every
// connection has been sent its first-stage GOAWAY; it doesn't wait for
// the drain itself to finish.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for sc := range srv.conns {
		sc.GracefulShutdown()
	}
}
