package http2

import "github.com/dgrr/http2engine/http2utils"

const FrameSettings FrameType = 0x4

var _ Frame = &SettingsFrame{}

// Setting ids, as registered in RFC 7540 §6.5.2 / §11.3.
const (
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
)

// settingParam is one 6-octet SETTINGS record (2-byte id + 4-byte value).
type settingParam struct {
	id    uint16
	value uint32
}

// SettingsFrame is the pure wire representation of a SETTINGS frame: a list
// of parameter records, or the empty ACK variant. The negotiation lifecycle
// (local/acknowledged/peer three-copy model) lives in connstate.go's
// Settings type, which is built from and serializes through this frame.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type SettingsFrame struct {
	ack    bool
	params []settingParam
}

func (sf *SettingsFrame) Type() FrameType {
	return FrameSettings
}

func (sf *SettingsFrame) Reset() {
	sf.ack = false
	sf.params = sf.params[:0]
}

func (sf *SettingsFrame) CopyTo(other *SettingsFrame) {
	other.ack = sf.ack
	other.params = append(other.params[:0], sf.params...)
}

// IsAck reports whether this is a SETTINGS acknowledgement (empty, ACK flag
// set).
func (sf *SettingsFrame) IsAck() bool {
	return sf.ack
}

// SetAck marks this frame as a SETTINGS-ACK; any previously added params are
// discarded since an ACK frame's payload must be empty (RFC 7540 §6.5).
func (sf *SettingsFrame) SetAck(ack bool) {
	sf.ack = ack
	if ack {
		sf.params = sf.params[:0]
	}
}

// Add appends a parameter record to be serialized.
func (sf *SettingsFrame) Add(id uint16, value uint32) {
	sf.params = append(sf.params, settingParam{id: id, value: value})
}

// ForEach calls fn for every decoded parameter record, in wire order.
func (sf *SettingsFrame) ForEach(fn func(id uint16, value uint32)) {
	for _, p := range sf.params {
		fn(p.id, p.value)
	}
}

// Len returns the number of parameter records carried by this frame, used
// by the abuse counter to flag an excessive number of records in one frame.
func (sf *SettingsFrame) Len() int {
	return len(sf.params)
}

func (sf *SettingsFrame) Deserialize(fr *FrameHeader) error {
	if fr.Flags().Has(FlagAck) {
		sf.ack = true
		if fr.Len() != 0 {
			return NewGoAwayError(FrameSizeError, "SETTINGS ack with non-empty payload")
		}
		return nil
	}

	if fr.Len()%6 != 0 {
		return NewGoAwayError(FrameSizeError, "SETTINGS length not a multiple of 6")
	}

	b := fr.payload
	for len(b) >= 6 {
		id := uint16(b[0])<<8 | uint16(b[1])
		value := http2utils.BytesToUint32(b[2:6])
		sf.params = append(sf.params, settingParam{id: id, value: value})
		b = b[6:]
	}

	return nil
}

func (sf *SettingsFrame) Serialize(fr *FrameHeader) {
	if sf.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.payload = fr.payload[:0]
		return
	}

	fr.payload = fr.payload[:0]
	for _, p := range sf.params {
		fr.payload = append(fr.payload, byte(p.id>>8), byte(p.id))
		fr.payload = http2utils.AppendUint32Bytes(fr.payload, p.value)
	}
}
