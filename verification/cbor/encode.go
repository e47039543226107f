package cbor

import (
	"encoding/binary"
	"fmt"
)

// Marshal encodes v using shortest-form heads.
// Map entries are written in their stored order.
func Marshal(v Value) []byte {
	return Append(nil, v)
}

// Append appends the encoding of v to dst.
// A nil Value is encoded as null.
func Append(dst []byte, v Value) []byte {
	switch v := v.(type) {
	case nil, Null:
		return append(dst, majorSimple<<5|simpleNull)
	case Bool:
		if v {
			return append(dst, majorSimple<<5|simpleTrue)
		}
		return append(dst, majorSimple<<5|simpleFalse)
	case Int:
		if v.Negative {
			return appendHead(dst, majorNegative, v.Magnitude)
		}
		return appendHead(dst, majorUnsigned, v.Magnitude)
	case Bytes:
		dst = appendHead(dst, majorBytes, uint64(len(v)))
		return append(dst, v...)
	case Text:
		dst = appendHead(dst, majorText, uint64(len(v)))
		return append(dst, v...)
	case Array:
		dst = appendHead(dst, majorArray, uint64(len(v)))
		for _, item := range v {
			dst = Append(dst, item)
		}
		return dst
	case Map:
		dst = appendHead(dst, majorMap, uint64(len(v)))
		for _, entry := range v {
			dst = Append(dst, entry.Key)
			dst = Append(dst, entry.Value)
		}
		return dst
	default:
		panic(fmt.Sprintf("cbor: unsupported value type %T", v))
	}
}

func appendHead(dst []byte, major byte, arg uint64) []byte {
	m := major << 5
	switch {
	case arg < 24:
		return append(dst, m|byte(arg))
	case arg <= 0xff:
		return append(dst, m|24, byte(arg))
	case arg <= 0xffff:
		return binary.BigEndian.AppendUint16(append(dst, m|25), uint16(arg))
	case arg <= 0xffffffff:
		return binary.BigEndian.AppendUint32(append(dst, m|26), uint32(arg))
	default:
		return binary.BigEndian.AppendUint64(append(dst, m|27), arg)
	}
}
