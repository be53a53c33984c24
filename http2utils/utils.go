package http2utils

import (
	"crypto/rand"
	"errors"
	"reflect"
	"unsafe"

	"github.com/valyala/fastrand"
)

// ErrPadding is returned by CutPadding when a peer declares a pad length
// that does not fit within the frame's payload (RFC 7540 §6.1's
// "pad length >= payload length" case). The caller classifies this as a
// PROTOCOL_ERROR (stream-scoped for DATA, connection-scoped for HEADERS
// carrying the continued-header-block invariant).
var ErrPadding = errors.New("http2utils: invalid pad length")

func Uint24ToBytes(b []byte, n uint32) {
	_ = b[2] // bound checking
	b[0] = byte(n >> 16)
	b[1] = byte(n >> 8)
	b[2] = byte(n)
}

func BytesToUint24(b []byte) uint32 {
	_ = b[2] // bound checking
	return uint32(b[0])<<16 |
		uint32(b[1])<<8 |
		uint32(b[2])
}

func AppendUint32Bytes(dst []byte, n uint32) []byte {
	dst = append(dst, byte(n>>24))
	dst = append(dst, byte(n>>16))
	dst = append(dst, byte(n>>8))
	dst = append(dst, byte(n))
	return dst
}

func Uint32ToBytes(b []byte, n uint32) {
	_ = b[3] // bound checking
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

func BytesToUint32(b []byte) uint32 {
	_ = b[3] // bound checking
	n := uint32(b[0])<<24 |
		uint32(b[1])<<16 |
		uint32(b[2])<<8 |
		uint32(b[3])
	return n
}

func EqualsFold(a, b []byte) bool {
	n := len(a)
	if n != len(b) {
		return false
	}
	for i := 0; i < n; i++ {
		if a[i]|0x20 != b[i]|0x20 {
			return false
		}
	}
	return true
}

func Resize(b []byte, neededLen int) []byte {
	b = b[:cap(b)]

	if n := neededLen - len(b); n > 0 {
		b = append(b, make([]byte, n)...)
	}

	return b[:neededLen]
}

// CutPadding strips the 1-byte pad-length prefix and trailing pad bytes a
// PADDED frame carries, per RFC 7540 §6.1/§6.2. length is the frame's
// declared payload length (fr.Len()), which may be larger than len(payload)
// has been trimmed to by an earlier caller, so both are checked explicitly
// rather than inferred from payload's own length.
func CutPadding(payload []byte, length int) ([]byte, error) {
	if length == 0 || len(payload) == 0 {
		return nil, ErrPadding
	}

	pad := int(payload[0])
	if pad >= length || len(payload) < length {
		return nil, ErrPadding
	}

	return payload[1 : length-pad], nil
}

// AddPadding prepends a random pad-length byte and appends that many random
// bytes after b, per RFC 7540 §6.1/§6.2's PADDED flag. The pad length itself
// is chosen with the fast non-cryptographic valyala/fastrand generator (it
// only needs to vary traffic shape, not resist prediction); the pad bytes
// are still drawn from crypto/rand since they go out on the wire.
func AddPadding(b []byte) []byte {
	padLen := int(fastrand.Uint32n(256-9)) + 9

	padded := make([]byte, 1+len(b)+padLen)
	padded[0] = byte(padLen)
	copy(padded[1:], b)
	rand.Read(padded[1+len(b):])

	return padded
}

func FastBytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

func FastStringToBytes(s string) []byte {
	sh := (*reflect.StringHeader)(unsafe.Pointer(&s))
	bh := reflect.SliceHeader{
		Data: sh.Data,
		Len:  sh.Len,
		Cap:  sh.Len,
	}

	return *(*[]byte)(unsafe.Pointer(&bh))
}
