package cbor

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/edgelesssys/go-nitro-qvl/verification/status"
)

const (
	// DefaultMaxSize is the default limit for the size of a decoded buffer.
	DefaultMaxSize = 16 * 1024
	// DefaultMaxDepth is the default limit for nested arrays and maps.
	DefaultMaxDepth = 16
)

const (
	majorUnsigned byte = 0
	majorNegative byte = 1
	majorBytes    byte = 2
	majorText     byte = 3
	majorArray    byte = 4
	majorMap      byte = 5
	majorTag      byte = 6
	majorSimple   byte = 7
)

const (
	simpleFalse = 20
	simpleTrue  = 21
	simpleNull  = 22

	argIndefinite = 31
)

// Decoder decodes CBOR data items.
// The zero value uses DefaultMaxSize and DefaultMaxDepth.
type Decoder struct {
	// MaxSize bounds the length of the buffer passed to Decode.
	MaxSize int
	// MaxDepth bounds the nesting of arrays and maps.
	MaxDepth int
}

// Decode decodes the data item starting at offset.
// It returns the item and the number of bytes it occupies.
// Returned byte strings alias buf.
func (d Decoder) Decode(buf []byte, offset int) (Value, int, error) {
	maxSize := d.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(buf) > maxSize {
		return nil, 0, status.Newf(status.EvidenceTooLarge, "%d bytes exceed the limit of %d bytes", len(buf), maxSize).
			WithLengths(maxSize, len(buf))
	}
	if offset < 0 || offset > len(buf) {
		return nil, 0, status.Newf(status.MalformedEncoding, "offset out of range for %d byte buffer", len(buf)).AtOffset(offset)
	}

	maxDepth := d.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	state := decodeState{buf: buf, maxDepth: maxDepth}
	value, next, err := state.value(offset)
	if err != nil {
		return nil, 0, err
	}
	return value, next - offset, nil
}

// DecodeAll decodes buf as exactly one data item.
func (d Decoder) DecodeAll(buf []byte) (Value, error) {
	value, n, err := d.Decode(buf, 0)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, status.Newf(status.MalformedEncoding, "%d trailing bytes after data item", len(buf)-n).AtOffset(n)
	}
	return value, nil
}

// Unmarshal decodes buf as exactly one data item using the default limits.
func Unmarshal(buf []byte) (Value, error) {
	return Decoder{}.DecodeAll(buf)
}

type decodeState struct {
	buf      []byte
	depth    int
	maxDepth int
}

func (s *decodeState) value(off int) (Value, int, error) {
	if off >= len(s.buf) {
		return nil, 0, truncated(off, "data item")
	}
	major := s.buf[off] >> 5
	info := s.buf[off] & 0x1f

	if major == majorSimple {
		return s.simple(off, info)
	}
	if major == majorTag {
		return nil, 0, status.New(status.MalformedEncoding, "tags are not supported").AtOffset(off)
	}

	arg, next, err := s.argument(off, info)
	if err != nil {
		return nil, 0, err
	}

	switch major {
	case majorUnsigned:
		return Int{Magnitude: arg}, next, nil
	case majorNegative:
		return Int{Negative: true, Magnitude: arg}, next, nil
	case majorBytes:
		data, end, err := s.str(off, next, arg)
		if err != nil {
			return nil, 0, err
		}
		return Bytes(data), end, nil
	case majorText:
		data, end, err := s.str(off, next, arg)
		if err != nil {
			return nil, 0, err
		}
		if !utf8.Valid(data) {
			return nil, 0, status.New(status.MalformedEncoding, "text string is not valid UTF-8").AtOffset(off)
		}
		return Text(data), end, nil
	case majorArray:
		return s.array(off, next, arg)
	default:
		return s.dict(off, next, arg)
	}
}

// argument reads the argument of the head at off.
func (s *decodeState) argument(off int, info byte) (uint64, int, error) {
	next := off + 1
	var size int
	switch {
	case info < 24:
		return uint64(info), next, nil
	case info == 24:
		size = 1
	case info == 25:
		size = 2
	case info == 26:
		size = 4
	case info == 27:
		size = 8
	case info == argIndefinite:
		return 0, 0, status.New(status.MalformedEncoding, "indefinite-length items are not supported").AtOffset(off)
	default:
		return 0, 0, status.Newf(status.MalformedEncoding, "reserved additional information %d", info).AtOffset(off)
	}

	if len(s.buf)-next < size {
		return 0, 0, truncated(off, "argument")
	}
	arg := s.buf[next : next+size]
	next += size
	switch size {
	case 1:
		return uint64(arg[0]), next, nil
	case 2:
		return uint64(binary.BigEndian.Uint16(arg)), next, nil
	case 4:
		return uint64(binary.BigEndian.Uint32(arg)), next, nil
	default:
		return binary.BigEndian.Uint64(arg), next, nil
	}
}

func (s *decodeState) simple(off int, info byte) (Value, int, error) {
	switch info {
	case simpleFalse:
		return Bool(false), off + 1, nil
	case simpleTrue:
		return Bool(true), off + 1, nil
	case simpleNull:
		return Null{}, off + 1, nil
	case 25, 26, 27:
		return nil, 0, status.New(status.MalformedEncoding, "floating point numbers are not supported").AtOffset(off)
	case argIndefinite:
		return nil, 0, status.New(status.MalformedEncoding, "unexpected break").AtOffset(off)
	default:
		return nil, 0, status.Newf(status.MalformedEncoding, "simple value %d is not supported", info).AtOffset(off)
	}
}

// str slices a definite-length string of n bytes starting at next.
// The result aliases the input with its capacity capped to the string.
func (s *decodeState) str(off, next int, n uint64) ([]byte, int, error) {
	if n > uint64(len(s.buf)-next) {
		return nil, 0, truncated(off, "string")
	}
	end := next + int(n)
	return s.buf[next:end:end], end, nil
}

func (s *decodeState) array(off, next int, n uint64) (Value, int, error) {
	// every element occupies at least one byte
	if n > uint64(len(s.buf)-next) {
		return nil, 0, truncated(off, "array")
	}
	if err := s.enter(off); err != nil {
		return nil, 0, err
	}
	defer s.leave()

	items := make(Array, 0, int(n))
	for i := uint64(0); i < n; i++ {
		item, end, err := s.value(next)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
		next = end
	}
	return items, next, nil
}

func (s *decodeState) dict(off, next int, n uint64) (Value, int, error) {
	// every entry occupies at least two bytes
	if n > uint64(len(s.buf)-next)/2 {
		return nil, 0, truncated(off, "map")
	}
	if err := s.enter(off); err != nil {
		return nil, 0, err
	}
	defer s.leave()

	entries := make(Map, 0, int(n))
	seen := make(map[string]struct{}, int(n))
	var composite []Value
	for i := uint64(0); i < n; i++ {
		keyOff := next
		key, end, err := s.value(next)
		if err != nil {
			return nil, 0, err
		}

		duplicate := false
		if fp, ok := fingerprint(key); ok {
			_, duplicate = seen[fp]
			seen[fp] = struct{}{}
		} else {
			for _, other := range composite {
				if Equal(key, other) {
					duplicate = true
					break
				}
			}
			composite = append(composite, key)
		}
		if duplicate {
			return nil, 0, status.New(status.DuplicateKey, "map key occurs more than once").AtOffset(keyOff)
		}

		value, end, err := s.value(end)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, MapEntry{Key: key, Value: value})
		next = end
	}
	return entries, next, nil
}

func (s *decodeState) enter(off int) error {
	if s.depth >= s.maxDepth {
		return status.Newf(status.MalformedEncoding, "nesting exceeds the limit of %d", s.maxDepth).AtOffset(off)
	}
	s.depth++
	return nil
}

func (s *decodeState) leave() {
	s.depth--
}

// fingerprint returns a lookup key for scalar map keys.
// Arrays and maps as keys are compared with Equal instead.
func fingerprint(v Value) (string, bool) {
	switch v := v.(type) {
	case Int:
		var b [10]byte
		b[0] = 'i'
		if v.Negative {
			b[1] = 1
		}
		binary.BigEndian.PutUint64(b[2:], v.Magnitude)
		return string(b[:]), true
	case Bytes:
		return "b" + string(v), true
	case Text:
		return "t" + string(v), true
	case Bool:
		if v {
			return "T", true
		}
		return "F", true
	case Null:
		return "N", true
	default:
		return "", false
	}
}

func truncated(off int, what string) *status.Error {
	return status.Newf(status.MalformedEncoding, "unexpected end of data in %s", what).AtOffset(off)
}
