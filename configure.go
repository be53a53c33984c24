package http2

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	// ErrServerSupport indicates whether the server supports HTTP/2 or not.
	ErrServerSupport = errors.New("server doesn't support HTTP/2")
)

type ClientOpts struct {
	// OnRTT is a handler for RTT measurements. ConfigureClient does not
	// pass it to the connection it dials, so it is never called.
	OnRTT func(time.Duration)
}

// ServerConfig is Config under the name callers configuring a
// fasthttp.Server for HTTP/2 expect, mirroring ConfigureClient's ClientOpts
// on the server side.
type ServerConfig = Config

// ConfigureServer registers HTTP/2 as a fasthttp.Server's ALPN next
// protocol, so a TLS connection that negotiates "h2" is handed to this
// package's connection state machine instead of being served as HTTP/1.1.
func ConfigureServer(s *fasthttp.Server, cfg ServerConfig) {
	c := cfg
	srv := NewServer(s, &c)
	s.NextProto(H2TLSProto, srv.ServeConn)
}

func configureDialer(d *Dialer) {
	if d.TLSConfig == nil {
		d.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	}

	tlsConfig := d.TLSConfig

	emptyServerName := len(tlsConfig.ServerName) == 0
	if emptyServerName {
		host, _, err := net.SplitHostPort(d.Addr)
		if err != nil {
			host = d.Addr
		}

		tlsConfig.ServerName = host
	}

	tlsConfig.NextProtos = append(tlsConfig.NextProtos, "h2")
}

// ConfigureClient configures the fasthttp.HostClient to run over HTTP/2.
func ConfigureClient(c *fasthttp.HostClient, opts ClientOpts) error {
	emptyServerName := c.TLSConfig != nil && len(c.TLSConfig.ServerName) == 0

	d := &Dialer{
		Addr:      c.Addr,
		TLSConfig: c.TLSConfig,
	}

	// TODO: wire opts.OnRTT once Conn exposes a PING-RTT hook.
	cc, err := d.Dial(ConnOpts{})
	if err != nil {
		if err == ErrServerSupport && c.TLSConfig != nil { // remove added config settings
			for i := range c.TLSConfig.NextProtos {
				if c.TLSConfig.NextProtos[i] == "h2" {
					c.TLSConfig.NextProtos = append(c.TLSConfig.NextProtos[:i], c.TLSConfig.NextProtos[i+1:]...)
				}
			}

			if emptyServerName {
				c.TLSConfig.ServerName = ""
			}
		}

		return err
	}

	c.IsTLS = true
	c.TLSConfig = d.TLSConfig

	c.Transport = cc.Do

	return nil
}

var ErrNotAvailableStreams = errors.New("ran out of available streams")
