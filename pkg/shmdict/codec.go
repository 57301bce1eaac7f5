package shmdict

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/valyala/bytebufferpool"
)

// Payload format constants.
//
// The payload encodes the entire mapping as one blob:
//
//	magic "SMD1" (4 bytes)
//	codec version (uint16 LE)
//	entry count (uint32 LE)
//	entries: key (uint16 len + bytes), value (tag byte + payload)
//
// Value payloads: bool = 1 byte; int/float = 8 bytes LE; string = uint32
// len + bytes; list = uint32 count + values; map = uint32 count + entries
// (keyed like top-level entries). Null has no payload.
//
// The format is codec-internal and not guaranteed portable across codec
// versions; a version bump makes old payloads decode as [ErrDecode].
const (
	codecMagic      = "SMD1"
	codecVersion    = 1
	codecHeaderSize = 10

	maxKeyLen   = math.MaxUint16
	maxNesting  = 1000
	maxStrLen   = math.MaxUint32
	maxElements = math.MaxUint32
)

// encodePool recycles encode scratch buffers. Every mutation re-encodes the
// full mapping, so these buffers are hot.
var encodePool bytebufferpool.Pool

// encodeMapping serializes the full mapping. Keys are written in sorted
// order so equal mappings produce identical payloads.
func encodeMapping(m map[string]Value) ([]byte, error) {
	buf := encodePool.Get()
	defer encodePool.Put(buf)

	_, _ = buf.WriteString(codecMagic)
	writeUint16(buf, codecVersion)

	if uint64(len(m)) > maxElements {
		return nil, fmt.Errorf("%w: %d entries", ErrInvalidInput, len(m))
	}

	writeUint32(buf, uint32(len(m)))

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if err := writeKey(buf, k); err != nil {
			return nil, err
		}

		if err := writeValue(buf, m[k], 0); err != nil {
			return nil, fmt.Errorf("encoding key %q: %w", k, err)
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)

	return out, nil
}

// decodeMapping parses a payload produced by encodeMapping.
//
// Zero-length (or all-zero) input decodes to an empty mapping, since a
// freshly created segment starts zero-filled. Anything else that does not
// parse completely and exactly fails with [ErrDecode]; a truncated or
// corrupt payload never yields a partial mapping.
func decodeMapping(data []byte) (map[string]Value, error) {
	if len(data) == 0 || allZero(data) {
		return make(map[string]Value), nil
	}

	if len(data) < codecHeaderSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, want at least %d", ErrDecode, len(data), codecHeaderSize)
	}

	if string(data[:4]) != codecMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrDecode)
	}

	version := binary.LittleEndian.Uint16(data[4:6])
	if version != codecVersion {
		return nil, fmt.Errorf("%w: payload version %d, want %d", ErrDecode, version, codecVersion)
	}

	count := binary.LittleEndian.Uint32(data[6:10])

	r := &payloadReader{data: data, pos: codecHeaderSize}

	m := make(map[string]Value, count)

	for i := uint32(0); i < count; i++ {
		key, err := r.readKey()
		if err != nil {
			return nil, err
		}

		val, err := r.readValue(0)
		if err != nil {
			return nil, fmt.Errorf("decoding key %q: %w", key, err)
		}

		m[key] = val
	}

	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(data)-r.pos)
	}

	return m, nil
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}

	return true
}

func writeKey(buf *bytebufferpool.ByteBuffer, k string) error {
	if len(k) > maxKeyLen {
		return fmt.Errorf("%w: key length %d exceeds max %d", ErrInvalidInput, len(k), maxKeyLen)
	}

	writeUint16(buf, uint16(len(k)))
	_, _ = buf.WriteString(k)

	return nil
}

func writeValue(buf *bytebufferpool.ByteBuffer, v Value, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidInput, maxNesting)
	}

	_ = buf.WriteByte(byte(v.kind))

	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		b := byte(0)
		if v.b {
			b = 1
		}

		_ = buf.WriteByte(b)

		return nil
	case KindInt:
		writeUint64(buf, uint64(v.i))

		return nil
	case KindFloat:
		writeUint64(buf, math.Float64bits(v.f))

		return nil
	case KindString:
		if uint64(len(v.s)) > maxStrLen {
			return fmt.Errorf("%w: string length %d", ErrInvalidInput, len(v.s))
		}

		writeUint32(buf, uint32(len(v.s)))
		_, _ = buf.WriteString(v.s)

		return nil
	case KindList:
		if uint64(len(v.list)) > maxElements {
			return fmt.Errorf("%w: %d list elements", ErrInvalidInput, len(v.list))
		}

		writeUint32(buf, uint32(len(v.list)))

		for _, e := range v.list {
			if err := writeValue(buf, e, depth+1); err != nil {
				return err
			}
		}

		return nil
	case KindMap:
		if uint64(len(v.m)) > maxElements {
			return fmt.Errorf("%w: %d map entries", ErrInvalidInput, len(v.m))
		}

		writeUint32(buf, uint32(len(v.m)))

		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			if err := writeKey(buf, k); err != nil {
				return err
			}

			if err := writeValue(buf, v.m[k], depth+1); err != nil {
				return err
			}
		}

		return nil
	default:
		return fmt.Errorf("%w: invalid value kind %d", ErrInvalidInput, v.kind)
	}
}

func writeUint16(buf *bytebufferpool.ByteBuffer, v uint16) {
	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], v)
	_, _ = buf.Write(b[:])
}

func writeUint32(buf *bytebufferpool.ByteBuffer, v uint32) {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)
	_, _ = buf.Write(b[:])
}

func writeUint64(buf *bytebufferpool.ByteBuffer, v uint64) {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)
	_, _ = buf.Write(b[:])
}

// payloadReader walks a payload with bounds checking. Every read either
// advances pos or fails with ErrDecode.
type payloadReader struct {
	data []byte
	pos  int
}

func (r *payloadReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated payload at offset %d", ErrDecode, r.pos)
	}

	b := r.data[r.pos : r.pos+n]
	r.pos += n

	return b, nil
}

func (r *payloadReader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

func (r *payloadReader) readUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (r *payloadReader) readUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (r *payloadReader) readUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (r *payloadReader) readKey() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}

	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (r *payloadReader) readValue(depth int) (Value, error) {
	if depth > maxNesting {
		return Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrDecode, maxNesting)
	}

	tag, err := r.readByte()
	if err != nil {
		return Value{}, err
	}

	switch Kind(tag) {
	case KindNull:
		return Null(), nil
	case KindBool:
		b, err := r.readByte()
		if err != nil {
			return Value{}, err
		}

		if b > 1 {
			return Value{}, fmt.Errorf("%w: invalid bool byte %d", ErrDecode, b)
		}

		return Bool(b == 1), nil
	case KindInt:
		u, err := r.readUint64()
		if err != nil {
			return Value{}, err
		}

		return Int(int64(u)), nil
	case KindFloat:
		u, err := r.readUint64()
		if err != nil {
			return Value{}, err
		}

		return Float(math.Float64frombits(u)), nil
	case KindString:
		n, err := r.readUint32()
		if err != nil {
			return Value{}, err
		}

		b, err := r.take(int(n))
		if err != nil {
			return Value{}, err
		}

		return String(string(b)), nil
	case KindList:
		n, err := r.readUint32()
		if err != nil {
			return Value{}, err
		}

		// A list element is at least 1 byte; reject counts the remaining
		// bytes cannot possibly satisfy before allocating.
		if int(n) > len(r.data)-r.pos {
			return Value{}, fmt.Errorf("%w: list count %d exceeds remaining payload", ErrDecode, n)
		}

		elems := make([]Value, 0, n)

		for i := uint32(0); i < n; i++ {
			e, err := r.readValue(depth + 1)
			if err != nil {
				return Value{}, err
			}

			elems = append(elems, e)
		}

		return List(elems...), nil
	case KindMap:
		n, err := r.readUint32()
		if err != nil {
			return Value{}, err
		}

		if int(n) > len(r.data)-r.pos {
			return Value{}, fmt.Errorf("%w: map count %d exceeds remaining payload", ErrDecode, n)
		}

		entries := make(map[string]Value, n)

		for i := uint32(0); i < n; i++ {
			k, err := r.readKey()
			if err != nil {
				return Value{}, err
			}

			v, err := r.readValue(depth + 1)
			if err != nil {
				return Value{}, err
			}

			entries[k] = v
		}

		return Map(entries), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown value tag %d", ErrDecode, tag)
	}
}
