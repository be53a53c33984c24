package http2

import "strconv"

// settingName maps a SETTINGS parameter id to its RFC 7540 §6.5.2 name, for
// logging only. FrameType and ErrorCode already carry their own String()
// methods (frametype.go, errors.go); this fills in the one id space that
// didn't have one.
func settingName(id uint16) string {
	switch id {
	case SettingHeaderTableSize:
		return "SETTINGS_HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "SETTINGS_ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "SETTINGS_MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "SETTINGS_MAX_HEADER_LIST_SIZE"
	default:
		return "SETTINGS_UNKNOWN(0x" + strconv.FormatUint(uint64(id), 16) + ")"
	}
}
