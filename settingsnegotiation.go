package http2

// Settings holds one side's view of the six SETTINGS parameters RFC 7540
// §6.5.2 defines. A connection keeps three copies of this: the values we'd
// like to use (local), the
// values the peer has acknowledged we're using (acknowledgedLocal) and the
// values the peer told us to use (peer). Frame-size limits and the HPACK
// decoder's table size use the acknowledged copy, never the aspirational
// one, since the peer hasn't necessarily seen our latest SETTINGS yet; the
// HPACK encoder follows the peer copy.
type Settings struct {
	headerTableSize   uint32
	enablePush        bool
	maxStreams        uint32
	initialWindowSize uint32
	frameSize         uint32
	maxHeaderListSize uint32
}

// DefaultSettings returns the RFC 7540 §6.5.2 default parameter values.
func DefaultSettings() Settings {
	return Settings{
		headerTableSize:   4096,
		enablePush:        true,
		maxStreams:        1<<32 - 1, // "unlimited" per RFC 7540 §6.5.2
		initialWindowSize: 65535,
		frameSize:         16384,
		maxHeaderListSize: 1<<32 - 1,
	}
}

func (s *Settings) HeaderTableSize() int    { return int(s.headerTableSize) }
func (s *Settings) EnablePush() bool        { return s.enablePush }
func (s *Settings) MaxStreams() uint32      { return s.maxStreams }
func (s *Settings) MaxWindowSize() uint32   { return s.initialWindowSize }
func (s *Settings) FrameSize() uint32       { return s.frameSize }
func (s *Settings) MaxHeaderListSize() uint32 { return s.maxHeaderListSize }

func (s *Settings) SetHeaderTableSize(n uint32)   { s.headerTableSize = n }
func (s *Settings) SetEnablePush(v bool)          { s.enablePush = v }
func (s *Settings) SetMaxStreams(n uint32)        { s.maxStreams = n }
func (s *Settings) SetMaxWindowSize(n uint32)     { s.initialWindowSize = n }
func (s *Settings) SetFrameSize(n uint32)         { s.frameSize = n }
func (s *Settings) SetMaxHeaderListSize(n uint32) { s.maxHeaderListSize = n }

// CopyTo copies s into dst.
func (s *Settings) CopyTo(dst *Settings) {
	*dst = *s
}

// ApplyParam validates and applies one SETTINGS parameter per RFC 7540
// §6.5.2's constraints, returning a connection error for an out-of-range
// value.
func (s *Settings) ApplyParam(id uint16, value uint32) error {
	switch id {
	case SettingHeaderTableSize:
		s.headerTableSize = value
	case SettingEnablePush:
		if value > 1 {
			return NewGoAwayError(ProtocolError, "invalid ENABLE_PUSH value")
		}
		s.enablePush = value == 1
	case SettingMaxConcurrentStreams:
		s.maxStreams = value
	case SettingInitialWindowSize:
		if value > 1<<31-1 {
			return NewGoAwayError(FlowControlError, "initial window size too large")
		}
		s.initialWindowSize = value
	case SettingMaxFrameSize:
		if value < 16384 || value > 1<<24-1 {
			return NewGoAwayError(ProtocolError, "invalid max frame size")
		}
		s.frameSize = value
	case SettingMaxHeaderListSize:
		s.maxHeaderListSize = value
	default:
		// RFC 7540 §6.5.2: unknown parameters are ignored.
	}

	return nil
}

// ApplyFrame applies every parameter in fr to s in order.
func (s *Settings) ApplyFrame(fr *SettingsFrame) error {
	var outerErr error
	fr.ForEach(func(id uint16, value uint32) {
		if outerErr != nil {
			return
		}
		outerErr = s.ApplyParam(id, value)
	})
	return outerErr
}

// ToFrame encodes every parameter of s into a fresh SettingsFrame.
func (s *Settings) ToFrame() *SettingsFrame {
	fr := AcquireFrame(FrameSettings).(*SettingsFrame)
	fr.Add(SettingHeaderTableSize, s.headerTableSize)
	enablePush := uint32(0)
	if s.enablePush {
		enablePush = 1
	}
	fr.Add(SettingEnablePush, enablePush)
	fr.Add(SettingMaxConcurrentStreams, s.maxStreams)
	fr.Add(SettingInitialWindowSize, s.initialWindowSize)
	fr.Add(SettingMaxFrameSize, s.frameSize)
	fr.Add(SettingMaxHeaderListSize, s.maxHeaderListSize)
	return fr
}
