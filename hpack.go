package http2

import (
	"errors"

	"github.com/dgrr/http2engine/http2utils"
	"golang.org/x/crypto/cryptobyte"
)

// Errors surfaced by the HPACK decoder. Every one of these
// is a COMPRESSION_ERROR and therefore connection-fatal — HPACK state is
// shared across the whole connection, so a decode failure leaves the
// dynamic table in an unknown state and the connection cannot continue.
var (
	ErrBadHeaderIndex  = errors.New("http2: invalid HPACK index")
	ErrStringTooLarge  = errors.New("http2: HPACK string literal too large")
	ErrHeaderListSize  = errors.New("http2: header list exceeds MAX_HEADER_LIST_SIZE")
	ErrTableSizeUpdate = errors.New("http2: dynamic table size update not at start of header block")
)

// hpackEntry is one row of the dynamic table.
type hpackEntry struct {
	name, value []byte
}

func (e *hpackEntry) size() int {
	return len(e.name) + len(e.value) + 32
}

// HPACK implements the stateful HPACK encoder/decoder: a static table
// (statictable.go) plus a FIFO dynamic table bounded by a negotiated size,
// RFC 7541 integer/string coding and the five field representations. One
// HPACK instance belongs to one HTTP/2 connection and is used for exactly
// one direction — encoder and decoder state are kept separate for the two
// directions, so callers hold two of these, one per Connection.
type HPACK struct {
	dynamic []hpackEntry
	size    int // current size of the dynamic table, per RFC 7541 §4.1
	maxSize int // SETTINGS_HEADER_TABLE_SIZE negotiated by the peer we encode for
	// maxSizeLimit bounds how large maxSize may ever be set to (the local
	// configuration ceiling); a dynamic table size update from the peer
	// that exceeds it is a connection error.
	maxSizeLimit int

	// maxHeaderListSize caps the size of each single decoded field during
	// Next; the running total across a block is not tracked here. Zero
	// means unbounded.
	maxHeaderListSize int

	// DisableCompression, when set, forces the encoder to always emit
	// literal-without-indexing representations: useful for interop tests
	// that want to inspect plaintext wire bytes.
	DisableCompression bool
}

// NewHPACK allocates an HPACK codec with the RFC 7541 default table size
// (4096 bytes) for both the negotiated size and its ceiling.
func NewHPACK() *HPACK {
	return &HPACK{
		maxSize:      4096,
		maxSizeLimit: 4096,
	}
}

// hpackMaxTableSizeCeiling is the hard upper bound RFC 7541 implementations
// conventionally hold the encoder table to (64 KiB) regardless of how large
// a value the peer advertises.
const hpackMaxTableSizeCeiling = 1 << 16

// SetMaxTableSize sets the encoder's notion of the peer's
// SETTINGS_HEADER_TABLE_SIZE, clamped to min(n, 64 KiB), and evicts entries
// if the table has shrunk.
func (hp *HPACK) SetMaxTableSize(n int) {
	if n > hpackMaxTableSizeCeiling {
		n = hpackMaxTableSizeCeiling
	}
	hp.maxSize = n
	hp.maxSizeLimit = n
	hp.evictTo(n)
}

// SetMaxDecoderDynamicTableSize sets the ceiling the *decoder* enforces
// against a peer-sent dynamic table size update: the local
// HEADER_TABLE_SIZE we advertised via our own SETTINGS frame.
func (hp *HPACK) SetMaxDecoderDynamicTableSize(n int) {
	hp.maxSizeLimit = n
	if hp.maxSize > n {
		hp.maxSize = n
		hp.evictTo(n)
	}
}

// SetMaxHeaderListSize bounds the uncompressed size (HeaderField.Size())
// of any single field Next will accept (MAX_HEADER_LIST_SIZE); the
// whole-block total is not checked here.
func (hp *HPACK) SetMaxHeaderListSize(n int) {
	hp.maxHeaderListSize = n
}

func (hp *HPACK) evictTo(n int) {
	for hp.size > n && len(hp.dynamic) > 0 {
		hp.evictOldest()
	}
}

func (hp *HPACK) evictOldest() {
	last := len(hp.dynamic) - 1
	hp.size -= hp.dynamic[last].size()
	hp.dynamic = hp.dynamic[:last]
}

// insert adds a new entry at the front (index 62) of the dynamic table,
// evicting from the back until the entry fits, per RFC 7541 §4.4.
func (hp *HPACK) insert(name, value []byte) {
	e := hpackEntry{
		name:  append([]byte(nil), name...),
		value: append([]byte(nil), value...),
	}
	entrySize := e.size()

	if entrySize > hp.maxSize {
		// RFC 7541 §4.4: an entry larger than the whole table empties it.
		hp.dynamic = hp.dynamic[:0]
		hp.size = 0
		return
	}

	hp.dynamic = append(hp.dynamic, hpackEntry{})
	copy(hp.dynamic[1:], hp.dynamic)
	hp.dynamic[0] = e
	hp.size += entrySize

	hp.evictTo(hp.maxSize)
}

// dynamicLen returns the number of live dynamic table entries.
func (hp *HPACK) dynamicLen() int {
	return len(hp.dynamic)
}

// at resolves a 1-based HPACK index (covering both the static table,
// indices 1..61, and the dynamic table, indices 62..) to name/value. ok is
// false for an out-of-range index, which the caller turns into
// ErrBadHeaderIndex (a COMPRESSION_ERROR).
func (hp *HPACK) at(idx int) (name, value []byte, ok bool) {
	if idx <= 0 {
		return nil, nil, false
	}
	if idx <= len(staticTable) {
		e := staticTable[idx-1]
		return http2utils.FastStringToBytes(e.name), http2utils.FastStringToBytes(e.value), true
	}
	idx -= len(staticTable) + 1
	if idx < 0 || idx >= len(hp.dynamic) {
		return nil, nil, false
	}
	e := hp.dynamic[idx]
	return e.name, e.value, true
}

// find looks up name/value across the static table then the dynamic table,
// returning the best match for encoding (full match preferred over
// name-only), per RFC 7541 §4.2/§6.1.
func (hp *HPACK) find(name, value []byte) (idx int, nameValueMatch bool) {
	idx, nameValueMatch = staticTableLookup(name, value)
	if nameValueMatch {
		return idx, true
	}

	base := len(staticTable)
	for i := range hp.dynamic {
		if !bytesEqual(hp.dynamic[i].name, name) {
			continue
		}
		pos := base + i + 1
		if idx == 0 {
			idx = pos
		}
		if bytesEqual(hp.dynamic[i].value, value) {
			return pos, true
		}
	}

	return idx, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---- integer coding, RFC 7541 §5.1 ----

// appendInt encodes n with an N-bit prefix, ORing the low bits into the
// already-present flag/representation bits of prefix.
func appendInt(dst []byte, n uint64, prefixBits uint8, prefix byte) []byte {
	max := uint64(1<<prefixBits) - 1

	if n < max {
		return append(dst, prefix|byte(n))
	}

	dst = append(dst, prefix|byte(max))
	n -= max
	for n >= 128 {
		dst = append(dst, byte(n&0x7f)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}

// readInt decodes an N-bit-prefixed integer starting at b[0], returning the
// value, the number of bytes consumed, and an error if b is truncated or
// the continuation would overflow a reasonable header size.
func readInt(b []byte, prefixBits uint8) (n uint64, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, ErrMissingBytes
	}

	max := uint64(1<<prefixBits) - 1
	n = uint64(b[0]) & max
	if n < max {
		return n, 1, nil
	}

	var m uint64
	i := 1
	for {
		if i >= len(b) {
			return 0, 0, ErrMissingBytes
		}
		c := b[i]
		n += uint64(c&0x7f) << m
		i++
		if c&0x80 == 0 {
			break
		}
		m += 7
		if m > 63 {
			return 0, 0, ErrStringTooLarge
		}
	}

	return n, i, nil
}

// ---- string coding, RFC 7541 §5.2 ----

// appendString encodes s as an HPACK string literal, preferring whichever
// of plain/Huffman is shorter (Huffman is essentially always shorter for
// header text, but never assume).
func appendString(dst []byte, s []byte) []byte {
	huffLen := (huffmanEncodedLen(s) + 7) / 8

	if huffLen < len(s) {
		dst = appendInt(dst, uint64(huffLen), 7, 0x80)
		dst = appendHuffman(dst, s)
	} else {
		dst = appendInt(dst, uint64(len(s)), 7, 0x00)
		dst = append(dst, s...)
	}

	return dst
}

// readString decodes an HPACK string literal from b, appending the result
// to dst and returning the bytes of b consumed.
func readString(dst []byte, b []byte) (out []byte, consumed int, err error) {
	if len(b) == 0 {
		return dst, 0, ErrMissingBytes
	}

	huff := b[0]&0x80 != 0
	strLen, n, err := readInt(b, 7)
	if err != nil {
		return dst, 0, err
	}
	consumed = n

	if strLen > 1<<24 {
		// A single header string this large is never legitimate traffic;
		// reject before attempting to decode it.
		return dst, 0, ErrStringTooLarge
	}

	// cryptobyte.String gives us a bounds-checked cursor over the
	// remaining bytes instead of a manual slice-length comparison: ReadBytes
	// reports false rather than panicking if strLen overruns what's left.
	rest := cryptobyte.String(b[consumed:])
	var raw []byte
	if !rest.ReadBytes(&raw, int(strLen)) {
		return dst, 0, ErrMissingBytes
	}
	consumed += int(strLen)

	if huff {
		dst, err = huffmanDecode(dst, raw)
		if err != nil {
			return dst, 0, err
		}
	} else {
		dst = append(dst, raw...)
	}

	return dst, consumed, nil
}

// ---- field representations, RFC 7541 §6 ----

// AppendHeader encodes hf as one HPACK field representation and appends it
// to dst. When store is true and hf isn't marked sensible, the field is
// also inserted into the dynamic table (incremental indexing); sensible
// fields always use literal-never-indexed regardless of store, keeping
// credential-shaped headers out of the dynamic table entirely.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	name, value := hf.KeyBytes(), hf.ValueBytes()

	if hf.IsSensible() {
		dst = append(dst, 0x10)
		idx, _ := hp.find(name, nil)
		if idx > 0 {
			dst = appendInt(dst[:len(dst)-1], uint64(idx), 4, 0x10)
		} else {
			dst = appendString(dst, name)
		}
		dst = appendString(dst, value)
		return dst
	}

	idx, full := hp.find(name, value)
	if full {
		return appendInt(dst, uint64(idx), 7, 0x80)
	}

	if hp.DisableCompression || !store {
		if idx > 0 {
			dst = appendInt(dst, uint64(idx), 4, 0x00)
		} else {
			dst = appendInt(dst, 0, 4, 0x00)
			dst = appendString(dst, name)
		}
		dst = appendString(dst, value)
		return dst
	}

	if idx > 0 {
		dst = appendInt(dst, uint64(idx), 6, 0x40)
	} else {
		dst = appendInt(dst, 0, 6, 0x40)
		dst = appendString(dst, name)
	}
	dst = appendString(dst, value)
	hp.insert(name, value)

	return dst
}

// AppendTableSizeUpdate appends a dynamic table size update representation
// (RFC 7541 §6.3). It must be the caller's responsibility to only emit
// this before any field representation in the same header block.
func (hp *HPACK) AppendTableSizeUpdate(dst []byte, n int) []byte {
	hp.maxSize = n
	hp.evictTo(n)
	return appendInt(dst, uint64(n), 5, 0x20)
}

// Next decodes one field representation from b, filling hf, and returns
// the unconsumed remainder of b. sawFieldRep must be passed as a pointer
// to a bool the caller keeps per header block: once true, a subsequent
// dynamic table size update is a protocol violation (RFC 7541 §6.3), and
// Next returns ErrTableSizeUpdate.
func (hp *HPACK) Next(hf *HeaderField, b []byte, sawFieldRep *bool) ([]byte, error) {
	for len(b) > 0 {
		switch {
		case b[0]&0x80 != 0: // indexed header field, §6.1
			idx, n, err := readInt(b, 7)
			if err != nil {
				return nil, err
			}
			name, value, ok := hp.at(int(idx))
			if !ok {
				return nil, ErrBadHeaderIndex
			}
			hf.SetKeyBytes(name)
			hf.SetValueBytes(value)
			*sawFieldRep = true
			return b[n:], hp.checkListSize(hf)

		case b[0]&0xc0 == 0x40: // literal with incremental indexing, §6.2.1
			return hp.readLiteral(hf, b, 6, true, sawFieldRep)

		case b[0]&0xf0 == 0x00: // literal without indexing, §6.2.2
			return hp.readLiteral(hf, b, 4, false, sawFieldRep)

		case b[0]&0xf0 == 0x10: // literal never indexed, §6.2.3
			rest, err := hp.readLiteral(hf, b, 4, false, sawFieldRep)
			hf.sensible = true
			return rest, err

		case b[0]&0xe0 == 0x20: // dynamic table size update, §6.3
			if *sawFieldRep {
				return nil, ErrTableSizeUpdate
			}
			n, consumed, err := readInt(b, 5)
			if err != nil {
				return nil, err
			}
			if int(n) > hp.maxSizeLimit {
				return nil, NewError(CompressionError, "dynamic table size update exceeds limit")
			}
			hp.maxSize = int(n)
			hp.evictTo(hp.maxSize)
			b = b[consumed:]
			continue

		default:
			return nil, ErrBadHeaderIndex
		}
	}

	return b, ErrMissingBytes
}

func (hp *HPACK) readLiteral(hf *HeaderField, b []byte, prefixBits uint8, store bool, sawFieldRep *bool) ([]byte, error) {
	idx, n, err := readInt(b, prefixBits)
	if err != nil {
		return nil, err
	}
	b = b[n:]

	var name []byte
	if idx == 0 {
		hf.key = hf.key[:0]
		hf.key, n, err = readString(hf.key, b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		name = hf.key
	} else {
		staticOrDynamic, _, ok := hp.at(int(idx))
		if !ok {
			return nil, ErrBadHeaderIndex
		}
		hf.key = append(hf.key[:0], staticOrDynamic...)
		name = hf.key
	}

	hf.value = hf.value[:0]
	hf.value, n, err = readString(hf.value, b)
	if err != nil {
		return nil, err
	}
	b = b[n:]

	if !isLowerHeaderName(name) {
		return nil, NewError(CompressionError, "header field name contains upper-case letters")
	}

	if store {
		hp.insert(hf.key, hf.value)
	}

	*sawFieldRep = true

	return b, hp.checkListSize(hf)
}

func (hp *HPACK) checkListSize(hf *HeaderField) error {
	if hp.maxHeaderListSize > 0 && hf.Size() > hp.maxHeaderListSize {
		return ErrHeaderListSize
	}
	return nil
}
