package http2

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func newTestServerConn(t *testing.T) (*serverConn, net.Conn) {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })

	sc := newServerConn(server, nil, DefaultConfig(), defaultLogger)
	return sc, client
}

// Connection preface + SETTINGS handshake. Sending the preface must make
// Handshake succeed and write our initial (non-ACK) SETTINGS frame back.
// net.Pipe is unbuffered, so Handshake runs on its own goroutine while the
// test reads its output.
func TestHandshakeSendsSettingsAfterPreface(t *testing.T) {
	sc, client := newTestServerConn(t)

	go func() {
		_, _ = client.Write(http2Preface)
	}()

	handshakeErr := make(chan error, 1)
	go func() {
		handshakeErr <- sc.Handshake()
	}()

	br := bufio.NewReader(client)
	out := AcquireFrameHeader()
	if _, err := out.ReadFrom(br); err != nil {
		t.Fatalf("reading server SETTINGS: %s", err)
	}

	if err := <-handshakeErr; err != nil {
		t.Fatalf("Handshake: %s", err)
	}

	if out.Type() != FrameSettings {
		t.Fatalf("got frame type %s, want SETTINGS", out.Type())
	}
	if out.Body().(*SettingsFrame).IsAck() {
		t.Fatal("initial SETTINGS must not be an ACK")
	}
}

// A WINDOW_UPDATE with a zero increment on stream 0 is a connection error;
// readLoop must answer with GOAWAY(PROTOCOL_ERROR) rather than silently
// dropping the connection.
func TestReadLoopZeroWindowUpdateOnStreamZeroSendsGoAway(t *testing.T) {
	sc, client := newTestServerConn(t)

	raw := []byte{0x00, 0x00, 0x04, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	done := make(chan error, 1)
	go func() {
		done <- sc.readLoop()
	}()

	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %s", err)
	}

	select {
	case fr := <-sc.writer:
		if fr.Type() != FrameGoAway {
			t.Fatalf("got frame type %s, want GOAWAY", fr.Type())
		}
		ga := fr.Body().(*GoAway)
		if ga.Code() != ProtocolError {
			t.Fatalf("got code %s, want PROTOCOL_ERROR", ga.Code())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GOAWAY on sc.writer")
	}

	_ = client.Close()
	<-done
}

// A PING must be echoed back with the ACK flag set and the same opaque
// data.
func TestHandlePingEchoesData(t *testing.T) {
	sc, _ := newTestServerConn(t)

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetData([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE})

	sc.handlePing(ping)

	select {
	case fr := <-sc.writer:
		if fr.Type() != FramePing {
			t.Fatalf("got frame type %s, want PING", fr.Type())
		}
		got := fr.Body().(*Ping)
		if !got.IsAck() {
			t.Fatal("expected ACK flag set")
		}
		if !bytes.Equal(got.Data(), []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE}) {
			t.Fatalf("data mismatch: %v", got.Data())
		}
	default:
		t.Fatal("expected a frame queued on sc.writer")
	}
}

// DATA arriving on a stream already half-closed by an earlier END_STREAM
// must be rejected as a stream-scoped STREAM_CLOSED error (RST_STREAM),
// not a connection-wide GOAWAY.
func TestHandleFrameDataAfterEndStreamIsResetStream(t *testing.T) {
	sc, _ := newTestServerConn(t)

	strm := NewStream(1, 65535)
	strm.headersFinished = true
	strm.SetState(StreamStateHalfClosed)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte("A"))
	data.SetEndStream(false)

	fr := AcquireFrameHeader()
	fr.SetStream(1)
	fr.SetBody(data)

	err := sc.handleFrame(strm, fr)
	if err == nil {
		t.Fatal("expected an error for DATA after END_STREAM")
	}

	var herr *Error
	if !errors.As(err, &herr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if herr.IsConnectionError() {
		t.Fatal("expected a stream-scoped error, not a connection error")
	}
	if herr.Code() != StreamClosedError {
		t.Fatalf("got code %s, want STREAM_CLOSED", herr.Code())
	}
	if herr.StreamID() != 1 {
		t.Fatalf("got stream id %d, want 1", herr.StreamID())
	}
}

func TestVerifyStateRejectsWrongFrameOnIdleStream(t *testing.T) {
	sc, _ := newTestServerConn(t)

	strm := NewStream(1, 65535)

	fr := AcquireFrameHeader()
	fr.SetStream(1)
	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte("A"))
	fr.SetBody(data)

	err := sc.verifyState(strm, fr)
	if err == nil {
		t.Fatal("expected an error for DATA on an idle stream")
	}

	var herr *Error
	if !errors.As(err, &herr) || !herr.IsConnectionError() {
		t.Fatal("expected a connection-scoped error for a frame on an idle stream")
	}
}
