package http2

import (
	"encoding/binary"
	"time"
)

const FramePing FrameType = 0x6

var _ Frame = &Ping{}

// Ping ...
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

// Reset ...
func (ping *Ping) Reset() {
	ping.ack = false
}

// CopyTo ...
func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
}

// Write ...
func (ping *Ping) Write(b []byte) (n int, err error) {
	copy(ping.data[:], b)
	return
}

// SetData ...
func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

// Deserialize ...
func (ping *Ping) Deserialize(frh *FrameHeader) error {
	if frh.Stream() != 0 {
		return NewGoAwayError(ProtocolError, "PING on non-zero stream")
	}
	if frh.Len() != 8 {
		return NewGoAwayError(FrameSizeError, "PING length must be 8")
	}

	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)
	return nil
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// SetCurrentTime stamps the ping payload with the current wall-clock time
// (as Unix nanoseconds), so SentAt can recover the send time from the
// matching PONG without keeping a separate side table.
func (ping *Ping) SetCurrentTime() {
	binary.BigEndian.PutUint64(ping.data[:], uint64(time.Now().UnixNano()))
}

// SentAt decodes the timestamp a prior SetCurrentTime call stored.
func (ping *Ping) SentAt() time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(ping.data[:])))
}

// IsAck reports whether this PING is a PONG (ACK) response.
func (ping *Ping) IsAck() bool {
	return ping.ack
}

// SetAck marks this PING as an ACK.
func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

// Serialize ...
func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}
