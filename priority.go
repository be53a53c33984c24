package http2

import (
	"github.com/dgrr/http2engine/http2utils"
)

const FramePriority FrameType = 0x2

var _ Frame = &Priority{}

// Priority represents the Priority frame.
//
// https://tools.ietf.org/html/rfc7540#section-6.3
type Priority struct {
	exclusive bool
	stream    uint32 // declared parent (dependency), not the owning stream id
	weight    byte
}

func (pry *Priority) Type() FrameType {
	return FramePriority
}

// Reset resets priority fields.
func (pry *Priority) Reset() {
	pry.exclusive = false
	pry.stream = 0
	pry.weight = 0
}

func (pry *Priority) CopyTo(p *Priority) {
	p.exclusive = pry.exclusive
	p.stream = pry.stream
	p.weight = pry.weight
}

// Stream returns the declared dependency (parent) stream id.
func (pry *Priority) Stream() uint32 {
	return pry.stream
}

// SetStream sets the Priority frame's declared dependency.
func (pry *Priority) SetStream(stream uint32) {
	pry.stream = stream & (1<<31 - 1)
}

// Exclusive reports whether the dependency is exclusive (RFC 7540 §5.3.1):
// the owning stream becomes the sole child of Stream(), adopting its former
// children.
func (pry *Priority) Exclusive() bool {
	return pry.exclusive
}

func (pry *Priority) SetExclusive(exclusive bool) {
	pry.exclusive = exclusive
}

// Weight returns the Priority frame weight.
func (pry *Priority) Weight() byte {
	return pry.weight
}

// SetWeight sets the Priority frame weight.
func (pry *Priority) SetWeight(w byte) {
	pry.weight = w
}

func (pry *Priority) Deserialize(fr *FrameHeader) (err error) {
	if fr.Len() != 5 {
		return NewResetStreamError(fr.Stream(), FrameSizeError, "PRIORITY length must be 5")
	}
	if len(fr.payload) < 5 {
		return ErrMissingBytes
	}

	raw := http2utils.BytesToUint32(fr.payload)
	pry.exclusive = raw&(1<<31) != 0
	pry.stream = raw & (1<<31 - 1)
	pry.weight = fr.payload[4]

	if pry.stream == fr.Stream() {
		return NewResetStreamError(fr.Stream(), ProtocolError, "PRIORITY depends on itself")
	}

	return nil
}

func (pry *Priority) Serialize(fr *FrameHeader) {
	raw := pry.stream
	if pry.exclusive {
		raw |= 1 << 31
	}
	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], raw)
	fr.payload = append(fr.payload, pry.weight)
}
