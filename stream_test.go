package http2

import "testing"

func TestNewStreamInitialState(t *testing.T) {
	strm := NewStream(3, 65535)

	if strm.ID() != 3 {
		t.Fatalf("id: got %d, want 3", strm.ID())
	}
	if strm.State() != StreamStateIdle {
		t.Fatalf("state: got %s, want Idle", strm.State())
	}
	if strm.Window() != 65535 {
		t.Fatalf("window: got %d, want 65535", strm.Window())
	}
	if strm.contentLength != -1 {
		t.Fatalf("contentLength: got %d, want -1 (undeclared)", strm.contentLength)
	}
}

func TestStreamSetState(t *testing.T) {
	strm := NewStream(1, 0)

	strm.SetState(StreamStateOpen)
	if strm.State() != StreamStateOpen {
		t.Fatalf("got %s, want Open", strm.State())
	}

	strm.SetState(StreamStateHalfClosed)
	if strm.State() != StreamStateHalfClosed {
		t.Fatalf("got %s, want HalfClosed", strm.State())
	}

	strm.SetState(StreamStateClosed)
	if strm.State() != StreamStateClosed {
		t.Fatalf("got %s, want Closed", strm.State())
	}
}

func TestStreamAddWindow(t *testing.T) {
	strm := NewStream(1, 1000)

	if got := strm.AddWindow(-1500); got != -500 {
		t.Fatalf("got %d, want -500 (negative windows are legal per RFC 7540 6.9.1)", got)
	}
	if strm.Window() != -500 {
		t.Fatalf("Window() didn't reflect the update: got %d", strm.Window())
	}

	if got := strm.AddWindow(2000); got != 1500 {
		t.Fatalf("got %d, want 1500", got)
	}
}

func TestStreamStateStringUnknown(t *testing.T) {
	var s StreamState = 99
	if s.String() != "Unknown" {
		t.Fatalf("got %q, want Unknown", s.String())
	}
}

// A reused Stream (from the pool) must not leak header accounting or
// trailer bookkeeping across streams.
func TestStreamResetClearsHeaderAccounting(t *testing.T) {
	strm := NewStream(1, 0)
	strm.headerBlockNum = 2
	strm.headerListSize = 4096
	strm.receiveEndStream = true
	strm.expectReceiveTrailer = true
	strm.node = &depNode{id: 1}

	strm.reset()

	if strm.headerBlockNum != 0 {
		t.Fatalf("headerBlockNum not reset: %d", strm.headerBlockNum)
	}
	if strm.headerListSize != 0 {
		t.Fatalf("headerListSize not reset: %d", strm.headerListSize)
	}
	if strm.receiveEndStream {
		t.Fatal("receiveEndStream not reset")
	}
	if strm.expectReceiveTrailer {
		t.Fatal("expectReceiveTrailer not reset")
	}
	if strm.node != nil {
		t.Fatal("node not cleared")
	}
	if strm.State() != StreamStateIdle {
		t.Fatalf("state not reset: %s", strm.State())
	}
}
