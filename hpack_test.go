package http2

import (
	"bytes"
	"testing"
)

func decodeAll(t *testing.T, hp *HPACK, b []byte) []*HeaderField {
	var out []*HeaderField
	var sawFieldRep bool

	for len(b) > 0 {
		hf := AcquireHeaderField()
		var err error
		b, err = hp.Next(hf, b, &sawFieldRep)
		if err != nil {
			t.Fatalf("Next: %s", err)
		}
		out = append(out, hf)
	}

	return out
}

func checkField(t *testing.T, fields []*HeaderField, i int, k, v string) {
	if len(fields) <= i {
		t.Fatalf("fields len exceeded. %d <= %d", len(fields), i)
	}
	hf := fields[i]
	if hf.Key() != k {
		t.Fatalf("unexpected key: %s<>%s", hf.Key(), k)
	}
	if hf.Value() != v {
		t.Fatalf("unexpected value: %s<>%s", hf.Value(), v)
	}
}

func checkDynamic(t *testing.T, hp *HPACK, i int, k, v string) {
	name, value, ok := hp.at(len(staticTable) + 1 + i)
	if !ok {
		t.Fatalf("dynamic entry %d not found", i)
	}
	if string(name) != k || string(value) != v {
		t.Fatalf("unexpected dynamic entry %d: %s=%s <> %s=%s", i, name, value, k, v)
	}
}

// RFC 7541 Appendix C.6.1: first response, without Huffman coding.
func TestHPACKDecodeResponseWithoutHuffman(t *testing.T) {
	b := []byte{
		0x48, 0x03, 0x33, 0x30, 0x32, 0x58,
		0x07, 0x70, 0x72, 0x69, 0x76, 0x61,
		0x74, 0x65, 0x61, 0x1d, 0x4d, 0x6f,
		0x6e, 0x2c, 0x20, 0x32, 0x31, 0x20,
		0x4f, 0x63, 0x74, 0x20, 0x32, 0x30,
		0x31, 0x33, 0x20, 0x32, 0x30, 0x3a,
		0x31, 0x33, 0x3a, 0x32, 0x31, 0x20,
		0x47, 0x4d, 0x54, 0x6e, 0x17, 0x68,
		0x74, 0x74, 0x70, 0x73, 0x3a, 0x2f,
		0x2f, 0x77, 0x77, 0x77, 0x2e, 0x65,
		0x78, 0x61, 0x6d, 0x70, 0x6c, 0x65,
		0x2e, 0x63, 0x6f, 0x6d,
	}

	hp := NewHPACK()
	hp.SetMaxTableSize(256)

	fields := decodeAll(t, hp, b)

	checkField(t, fields, 0, ":status", "302")
	checkField(t, fields, 1, "cache-control", "private")
	checkField(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkField(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, 0, "location", "https://www.example.com")
	checkDynamic(t, hp, 1, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 2, "cache-control", "private")
	checkDynamic(t, hp, 3, ":status", "302")

	if hp.size != 222 {
		t.Fatalf("unexpected table size: %d<>222", hp.size)
	}
}

// RFC 7541 Appendix C.6.2: second response, without Huffman coding, reusing
// the dynamic table built by the first.
func TestHPACKDecodeResponseWithoutHuffmanSecond(t *testing.T) {
	first := []byte{
		0x48, 0x03, 0x33, 0x30, 0x32, 0x58,
		0x07, 0x70, 0x72, 0x69, 0x76, 0x61,
		0x74, 0x65, 0x61, 0x1d, 0x4d, 0x6f,
		0x6e, 0x2c, 0x20, 0x32, 0x31, 0x20,
		0x4f, 0x63, 0x74, 0x20, 0x32, 0x30,
		0x31, 0x33, 0x20, 0x32, 0x30, 0x3a,
		0x31, 0x33, 0x3a, 0x32, 0x31, 0x20,
		0x47, 0x4d, 0x54, 0x6e, 0x17, 0x68,
		0x74, 0x74, 0x70, 0x73, 0x3a, 0x2f,
		0x2f, 0x77, 0x77, 0x77, 0x2e, 0x65,
		0x78, 0x61, 0x6d, 0x70, 0x6c, 0x65,
		0x2e, 0x63, 0x6f, 0x6d,
	}

	hp := NewHPACK()
	hp.SetMaxTableSize(256)
	decodeAll(t, hp, first)

	b := []byte{0x48, 0x03, 0x33, 0x30, 0x37, 0xc1, 0xc0, 0xbf}
	fields := decodeAll(t, hp, b)

	checkField(t, fields, 0, ":status", "307")
	checkField(t, fields, 1, "cache-control", "private")
	checkField(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkField(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, 0, ":status", "307")
	checkDynamic(t, hp, 1, "location", "https://www.example.com")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkDynamic(t, hp, 3, "cache-control", "private")

	if hp.size != 222 {
		t.Fatalf("unexpected table size: %d<>222", hp.size)
	}
}

// RFC 7541 Appendix C.6.3: third response, with Huffman-coded literals,
// exercising eviction (the table shrinks below its max size).
func TestHPACKDecodeResponseWithHuffmanEviction(t *testing.T) {
	first := []byte{
		0x48, 0x82, 0x64, 0x02, 0x58, 0x85,
		0xae, 0xc3, 0x77, 0x1a, 0x4b, 0x61,
		0x96, 0xd0, 0x7a, 0xbe, 0x94, 0x10,
		0x54, 0xd4, 0x44, 0xa8, 0x20, 0x05,
		0x95, 0x04, 0x0b, 0x81, 0x66, 0xe0,
		0x82, 0xa6, 0x2d, 0x1b, 0xff, 0x6e,
		0x91, 0x9d, 0x29, 0xad, 0x17, 0x18,
		0x63, 0xc7, 0x8f, 0x0b, 0x97, 0xc8,
		0xe9, 0xae, 0x82, 0xae, 0x43, 0xd3,
	}
	second := []byte{0x48, 0x83, 0x64, 0x0e, 0xff, 0xc1, 0xc0, 0xbf}
	third := []byte{
		0x88, 0xc1, 0x61, 0x96, 0xd0, 0x7a,
		0xbe, 0x94, 0x10, 0x54, 0xd4, 0x44,
		0xa8, 0x20, 0x05, 0x95, 0x04, 0x0b,
		0x81, 0x66, 0xe0, 0x84, 0xa6, 0x2d,
		0x1b, 0xff, 0xc0, 0x5a, 0x83, 0x9b,
		0xd9, 0xab, 0x77, 0xad, 0x94, 0xe7,
		0x82, 0x1d, 0xd7, 0xf2, 0xe6, 0xc7,
		0xb3, 0x35, 0xdf, 0xdf, 0xcd, 0x5b,
		0x39, 0x60, 0xd5, 0xaf, 0x27, 0x08,
		0x7f, 0x36, 0x72, 0xc1, 0xab, 0x27,
		0x0f, 0xb5, 0x29, 0x1f, 0x95, 0x87,
		0x31, 0x60, 0x65, 0xc0, 0x03, 0xed,
		0x4e, 0xe5, 0xb1, 0x06, 0x3d, 0x50, 0x07,
	}

	hp := NewHPACK()
	hp.SetMaxTableSize(256)

	decodeAll(t, hp, first)
	decodeAll(t, hp, second)
	fields := decodeAll(t, hp, third)

	checkField(t, fields, 0, ":status", "200")
	checkField(t, fields, 1, "cache-control", "private")
	checkField(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	checkField(t, fields, 3, "location", "https://www.example.com")
	checkField(t, fields, 4, "content-encoding", "gzip")
	checkField(t, fields, 5, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")

	checkDynamic(t, hp, 0, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")
	checkDynamic(t, hp, 1, "content-encoding", "gzip")
	checkDynamic(t, hp, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")

	if hp.size != 215 {
		t.Fatalf("unexpected table size: %d<>215", hp.size)
	}
}

// Round-trips a field through AppendHeader then Next (with whichever of
// plain or Huffman string coding appendString picks), confirming the
// encoder/decoder agree with each other even where no RFC golden vector
// exists.
func TestHPACKRoundTrip(t *testing.T) {
	hp := NewHPACK()

	hf := AcquireHeaderField()
	hf.SetBytes([]byte("x-request-id"), []byte("af399b49-27ca-4f3f-9a1f-000000000001"))

	dst := hp.AppendHeader(nil, hf, true)

	dec := NewHPACK()
	out := AcquireHeaderField()
	var sawFieldRep bool
	rest, err := dec.Next(out, dst, &sawFieldRep)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected leftover bytes: %d", len(rest))
	}
	if out.Key() != "x-request-id" || out.Value() != "af399b49-27ca-4f3f-9a1f-000000000001" {
		t.Fatalf("round-trip mismatch: %s=%s", out.Key(), out.Value())
	}

	name, value, ok := dec.at(len(staticTable) + 1)
	if !ok || string(name) != "x-request-id" {
		t.Fatalf("expected field to be inserted into dynamic table")
	}
	_ = value
}

// An empty header value must round-trip.
func TestHPACKEmptyValue(t *testing.T) {
	hp := NewHPACK()

	hf := AcquireHeaderField()
	hf.SetBytes([]byte("x-empty"), nil)

	dst := hp.AppendHeader(nil, hf, false)

	dec := NewHPACK()
	out := AcquireHeaderField()
	var sawFieldRep bool
	_, err := dec.Next(out, dst, &sawFieldRep)
	if err != nil {
		t.Fatal(err)
	}
	if out.Key() != "x-empty" || out.Value() != "" {
		t.Fatalf("unexpected field: %s=%q", out.Key(), out.Value())
	}
}

func TestHPACKAppendReadInt(t *testing.T) {
	dst := appendInt(nil, 15, 5, 0)
	if !bytes.Equal(dst, []byte{15}) {
		t.Fatalf("got %v, want [15]", dst)
	}

	dst = appendInt(nil, 1337, 5, 0)
	if !bytes.Equal(dst, []byte{31, 154, 10}) {
		t.Fatalf("got %v, want [31 154 10]", dst)
	}

	n, consumed, err := readInt(dst, 5)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1337 {
		t.Fatalf("got %d, want 1337", n)
	}
	if consumed != len(dst) {
		t.Fatalf("consumed %d, want %d", consumed, len(dst))
	}
}

func TestHPACKTableSizeUpdateShrinksAndEvicts(t *testing.T) {
	hp := NewHPACK()

	hf := AcquireHeaderField()
	hf.SetBytes([]byte("x-long-header-name"), []byte("some-moderately-long-value-here"))
	hp.insert(hf.KeyBytes(), hf.ValueBytes())

	if hp.size == 0 {
		t.Fatal("expected a non-empty table after insert")
	}

	hp.SetMaxTableSize(16) // smaller than the entry's size() accounting
	if hp.size != 0 {
		t.Fatalf("expected table to be fully evicted, size=%d", hp.size)
	}
	if len(hp.dynamic) != 0 {
		t.Fatalf("expected dynamic table empty, got %d entries", len(hp.dynamic))
	}
}
