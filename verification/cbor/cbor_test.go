package cbor

import (
	"bytes"
	"encoding/hex"
	"math"
	"testing"

	"github.com/edgelesssys/go-nitro-qvl/verification/status"
	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecode(t *testing.T) {
	testCases := map[string]struct {
		in   string
		want Value
	}{
		"zero":             {in: "00", want: NewUint(0)},
		"small uint":       {in: "17", want: NewUint(23)},
		"uint8":            {in: "1818", want: NewUint(24)},
		"uint16":           {in: "190100", want: NewUint(256)},
		"uint32":           {in: "1a000f4240", want: NewUint(1000000)},
		"uint64 max":       {in: "1bffffffffffffffff", want: NewUint(math.MaxUint64)},
		"negative one":     {in: "20", want: NewInt(-1)},
		"negative 35":      {in: "3822", want: NewInt(-35)},
		"most negative":    {in: "3bffffffffffffffff", want: Int{Negative: true, Magnitude: math.MaxUint64}},
		"empty bytes":      {in: "40", want: Bytes{}},
		"bytes":            {in: "4401020304", want: Bytes{1, 2, 3, 4}},
		"text":             {in: "6449455446", want: Text("IETF")},
		"utf8 text":        {in: "62c3bc", want: Text("ü")},
		"false":            {in: "f4", want: Bool(false)},
		"true":             {in: "f5", want: Bool(true)},
		"null":             {in: "f6", want: Null{}},
		"empty array":      {in: "80", want: Array{}},
		"nested array":     {in: "8301820203820405", want: Array{NewUint(1), Array{NewUint(2), NewUint(3)}, Array{NewUint(4), NewUint(5)}}},
		"empty map":        {in: "a0", want: Map{}},
		"map keeps order":  {in: "a2616201616102", want: Map{{Key: Text("b"), Value: NewUint(1)}, {Key: Text("a"), Value: NewUint(2)}}},
		"int keyed map":    {in: "a201022003", want: Map{{Key: NewUint(1), Value: NewUint(2)}, {Key: NewInt(-1), Value: NewUint(3)}}},
		"array key in map": {in: "a1820102f5", want: Map{{Key: Array{NewUint(1), NewUint(2)}, Value: Bool(true)}}},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			in := mustHex(t, tc.in)
			got, n, err := Decoder{}.Decode(in, 0)
			require.NoError(err)
			assert.Equal(len(in), n)
			assert.True(Equal(tc.want, got), "got %#v", got)
			assert.Equal(in, Marshal(got))
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	testCases := map[string]struct {
		in         string
		wantCode   status.Code
		wantOffset int
	}{
		"empty input":           {in: "", wantCode: status.MalformedEncoding, wantOffset: 0},
		"truncated argument":    {in: "19ff", wantCode: status.MalformedEncoding, wantOffset: 0},
		"truncated bytes":       {in: "450102", wantCode: status.MalformedEncoding, wantOffset: 0},
		"huge declared length":  {in: "5bffffffffffffffff00", wantCode: status.MalformedEncoding, wantOffset: 0},
		"huge array":            {in: "9bffffffffffffffff", wantCode: status.MalformedEncoding, wantOffset: 0},
		"huge map":              {in: "ba7fffffff", wantCode: status.MalformedEncoding, wantOffset: 0},
		"indefinite bytes":      {in: "5f4101ff", wantCode: status.MalformedEncoding, wantOffset: 0},
		"indefinite array":      {in: "9f01ff", wantCode: status.MalformedEncoding, wantOffset: 0},
		"reserved info":         {in: "1c", wantCode: status.MalformedEncoding, wantOffset: 0},
		"tag":                   {in: "c11a514b67b0", wantCode: status.MalformedEncoding, wantOffset: 0},
		"half float":            {in: "f93c00", wantCode: status.MalformedEncoding, wantOffset: 0},
		"double":                {in: "fb3ff199999999999a", wantCode: status.MalformedEncoding, wantOffset: 0},
		"undefined":             {in: "f7", wantCode: status.MalformedEncoding, wantOffset: 0},
		"simple value":          {in: "f0", wantCode: status.MalformedEncoding, wantOffset: 0},
		"stray break":           {in: "ff", wantCode: status.MalformedEncoding, wantOffset: 0},
		"invalid utf8":          {in: "62c328", wantCode: status.MalformedEncoding, wantOffset: 0},
		"error in nested item":  {in: "8201f7", wantCode: status.MalformedEncoding, wantOffset: 2},
		"duplicate text key":    {in: "a3616101616202616103", wantCode: status.DuplicateKey, wantOffset: 7},
		"duplicate int key":     {in: "a2010201f6", wantCode: status.DuplicateKey, wantOffset: 3},
		"duplicate array key":   {in: "a28101f48101f5", wantCode: status.DuplicateKey, wantOffset: 4},
		"truncated map value":   {in: "a16161", wantCode: status.MalformedEncoding, wantOffset: 3},
		"truncated nested text": {in: "a1616163", wantCode: status.MalformedEncoding, wantOffset: 3},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			_, _, err := Decoder{}.Decode(mustHex(t, tc.in), 0)
			assert.ErrorIs(err, tc.wantCode)
			if statusErr := status.AsError(err); assert.NotNil(statusErr) {
				assert.Equal(tc.wantOffset, statusErr.Offset)
			}
		})
	}
}

func TestDecodeOffset(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	buf := mustHex(t, "f6820102f5")
	value, n, err := Decoder{}.Decode(buf, 1)
	require.NoError(err)
	assert.Equal(3, n)
	assert.True(Equal(Array{NewUint(1), NewUint(2)}, value))

	_, _, err = Decoder{}.Decode(buf, 6)
	assert.ErrorIs(err, status.MalformedEncoding)
	_, _, err = Decoder{}.Decode(buf, len(buf))
	assert.ErrorIs(err, status.MalformedEncoding)
}

func TestDecodeAllTrailingBytes(t *testing.T) {
	_, err := Unmarshal(mustHex(t, "0102"))
	assert.ErrorIs(t, err, status.MalformedEncoding)
	assert.Equal(t, 1, status.AsError(err).Offset)
}

func TestDecodeLimits(t *testing.T) {
	t.Run("size", func(t *testing.T) {
		assert := assert.New(t)

		buf := Marshal(Bytes(make([]byte, 100)))
		_, _, err := Decoder{MaxSize: 64}.Decode(buf, 0)
		assert.ErrorIs(err, status.EvidenceTooLarge)
		assert.Equal(64, status.AsError(err).Expected)
		assert.Equal(len(buf), status.AsError(err).Actual)

		_, _, err = Decoder{MaxSize: len(buf)}.Decode(buf, 0)
		assert.NoError(err)

		_, err = Unmarshal(make([]byte, DefaultMaxSize+1))
		assert.ErrorIs(err, status.EvidenceTooLarge)
	})

	t.Run("depth", func(t *testing.T) {
		assert := assert.New(t)

		nested := bytes.Repeat([]byte{0x81}, 4)
		nested = append(nested, 0x00)
		_, _, err := Decoder{MaxDepth: 4}.Decode(nested, 0)
		assert.NoError(err)
		_, _, err = Decoder{MaxDepth: 3}.Decode(nested, 0)
		assert.ErrorIs(err, status.MalformedEncoding)

		deep := append(bytes.Repeat([]byte{0xa1, 0x00}, DefaultMaxDepth+1), 0x00)
		_, err = Unmarshal(deep)
		assert.ErrorIs(err, status.MalformedEncoding)
	})
}

func TestBytesAliasInput(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	buf := mustHex(t, "82420102420304")
	value, err := Unmarshal(buf)
	require.NoError(err)

	items := value.(Array)
	first := items[0].(Bytes)
	assert.Equal(2, cap(first))

	// appending must not clobber the following item
	_ = append(first, 0xff)
	assert.Equal(Bytes{3, 4}, items[1].(Bytes))
}

func TestIntConversions(t *testing.T) {
	assert := assert.New(t)

	n, ok := NewInt(-36).Int64()
	assert.True(ok)
	assert.EqualValues(-36, n)

	n, ok = NewInt(math.MinInt64).Int64()
	assert.True(ok)
	assert.EqualValues(math.MinInt64, n)

	_, ok = NewUint(math.MaxUint64).Int64()
	assert.False(ok)
	_, ok = NewInt(-1).Uint64()
	assert.False(ok)

	u, ok := NewUint(42).Uint64()
	assert.True(ok)
	assert.EqualValues(42, u)
}

func TestMapGet(t *testing.T) {
	assert := assert.New(t)

	m := Map{{Key: Text("module_id"), Value: Text("i-1")}, {Key: NewUint(1), Value: NewInt(-7)}}
	v, ok := m.Get(Text("module_id"))
	assert.True(ok)
	assert.Equal(Text("i-1"), v)
	v, ok = m.Get(NewUint(1))
	assert.True(ok)
	assert.Equal(NewInt(-7), v)
	_, ok = m.Get(Text("nonce"))
	assert.False(ok)
}

func TestInteropWithGenericEncoder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	type document struct {
		ModuleID  string          `cbor:"module_id"`
		Timestamp uint64          `cbor:"timestamp"`
		PCRs      map[int][]byte  `cbor:"pcrs"`
		CABundle  [][]byte        `cbor:"cabundle"`
		Nonce     []byte          `cbor:"nonce"`
		Extra     map[string]bool `cbor:"extra"`
	}
	in := document{
		ModuleID:  "i-0123456789abcdef0-enc0123456789abcdef",
		Timestamp: 1634504863212,
		PCRs:      map[int][]byte{0: make([]byte, 48), 4: bytes.Repeat([]byte{0xab}, 48)},
		CABundle:  [][]byte{{1, 2, 3}},
		Extra:     map[string]bool{"x": true},
	}

	encMode, err := fxcbor.CoreDetEncOptions().EncMode()
	require.NoError(err)
	raw, err := encMode.Marshal(in)
	require.NoError(err)

	value, err := Unmarshal(raw)
	require.NoError(err)
	doc, ok := value.(Map)
	require.True(ok)

	moduleID, ok := doc.Get(Text("module_id"))
	assert.True(ok)
	assert.Equal(Text(in.ModuleID), moduleID)
	timestamp, _ := doc.Get(Text("timestamp"))
	assert.Equal(NewUint(in.Timestamp), timestamp)
	nonce, _ := doc.Get(Text("nonce"))
	assert.Equal(Null{}, nonce)
	pcrs, _ := doc.Get(Text("pcrs"))
	pcr4, ok := pcrs.(Map).Get(NewUint(4))
	assert.True(ok)
	assert.Equal(Bytes(in.PCRs[4]), pcr4)

	// deterministic encodings survive a round trip bit for bit
	assert.Equal(raw, Marshal(value))

	var out document
	require.NoError(fxcbor.Unmarshal(Marshal(value), &out))
	assert.Equal(in.ModuleID, out.ModuleID)
	assert.Equal(in.PCRs, out.PCRs)
}

func TestMarshalHeads(t *testing.T) {
	testCases := map[string]struct {
		in   Value
		want string
	}{
		"nil":       {in: nil, want: "f6"},
		"23":        {in: NewUint(23), want: "17"},
		"24":        {in: NewUint(24), want: "1818"},
		"255":       {in: NewUint(255), want: "18ff"},
		"256":       {in: NewUint(256), want: "190100"},
		"65536":     {in: NewUint(65536), want: "1a00010000"},
		"1<<32":     {in: NewUint(1 << 32), want: "1b0000000100000000"},
		"-36":       {in: NewInt(-36), want: "3823"},
		"signature": {in: Text("Signature1"), want: "6a5369676e617475726531"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, hex.EncodeToString(Marshal(tc.in)))
		})
	}
}

func FuzzDecode(f *testing.F) {
	f.Add(mustHexF(f, "a2616201616102"))
	f.Add(mustHexF(f, "8301820203820405"))
	f.Add(mustHexF(f, "5bffffffffffffffff00"))
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() {
			value, err := Unmarshal(a)
			if err != nil {
				return
			}
			// non-shortest heads are accepted, so compare values instead of bytes
			again, err := Unmarshal(Marshal(value))
			assert.NoError(err)
			assert.True(Equal(value, again))
		})
	})
}

func mustHexF(f *testing.F, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(f, err)
	return b
}
