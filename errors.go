package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is one of the 14 error codes defined by RFC 7540 §7.
//
// https://tools.ietf.org/html/rfc7540#section-7
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	CancelError          ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectError         ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

var errCodeStrings = [...]string{
	NoError:              "NO_ERROR",
	ProtocolError:        "PROTOCOL_ERROR",
	InternalError:        "INTERNAL_ERROR",
	FlowControlError:     "FLOW_CONTROL_ERROR",
	SettingsTimeoutError: "SETTINGS_TIMEOUT",
	StreamClosedError:    "STREAM_CLOSED",
	FrameSizeError:       "FRAME_SIZE_ERROR",
	RefusedStreamError:   "REFUSED_STREAM",
	CancelError:          "CANCEL",
	CompressionError:     "COMPRESSION_ERROR",
	ConnectError:         "CONNECT_ERROR",
	EnhanceYourCalm:      "ENHANCE_YOUR_CALM",
	InadequateSecurity:   "INADEQUATE_SECURITY",
	HTTP11Required:       "HTTP_1_1_REQUIRED",
}

func (code ErrorCode) String() string {
	if int(code) < len(errCodeStrings) {
		return errCodeStrings[code]
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(code))
}

// Error is the connection/stream-scoped error type flowing through the
// dispatch tables in connstate.go. frameType pins which wire frame carries
// the error back to the peer: FrameGoAway for connection-class errors,
// FrameResetStream for stream-class errors.
type Error struct {
	code      ErrorCode
	msg       string
	frameType FrameType
	streamID  uint32
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("http2: %s: %s", e.code, e.msg)
	}
	return fmt.Sprintf("http2: %s", e.code)
}

// Code returns the RFC 7540 error code carried by e.
func (e *Error) Code() ErrorCode {
	return e.code
}

// IsConnectionError reports whether e must be surfaced as a GOAWAY
// (connection-class), as opposed to a stream-scoped RST_STREAM.
func (e *Error) IsConnectionError() bool {
	return e.frameType == FrameGoAway
}

// StreamID is the stream the error concerns; zero for connection errors.
func (e *Error) StreamID() uint32 {
	return e.streamID
}

// NewError builds a generic Error with no frame classification attached;
// callers should prefer NewGoAwayError/NewResetStreamError.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// NewGoAwayError builds a connection-class error: the caller must send a
// GOAWAY and begin shutdown.
func NewGoAwayError(code ErrorCode, msg string) *Error {
	return &Error{code: code, msg: msg, frameType: FrameGoAway}
}

// NewResetStreamError builds a stream-class error: the caller must send a
// RST_STREAM on streamID; the connection and other streams continue.
func NewResetStreamError(streamID uint32, code ErrorCode, msg string) *Error {
	return &Error{code: code, msg: msg, frameType: FrameResetStream, streamID: streamID}
}

// Sentinel parse/protocol errors, kept as plain package errors since not
// every failure needs the classification Error carries — these are
// internal parsing failures surfaced before a frame has enough context to
// classify.
var (
	ErrUnknownFrameType = errors.New("http2: unknown frame type")
	ErrMissingBytes    = errors.New("http2: frame payload too short")
	ErrPayloadExceeds  = errors.New("http2: frame payload exceeds negotiated maximum size")
	ErrBadPreface      = errors.New("http2: bad connection preface")
	ErrZeroPayload     = errors.New("http2: frame payload is empty")
	ErrNilConn         = errors.New("http2: connection is nil")
)
