package codec

import (
	"bytes"
	"testing"

	gofuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	cases := []struct {
		v     uint64
		bytes int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{1<<32 - 1, 5},
		{1 << 63, 10},
	}

	for _, c := range cases {
		buf := PutUvarint(nil, c.v)
		require.Lenf(t, buf, c.bytes, "value %d", c.v)
		require.Equal(t, SizeUvarint(c.v), len(buf))

		got, err := ReadUvarint(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, c.v, got)
	}
}

func TestUvarintFuzzRoundTrip(t *testing.T) {
	f := gofuzz.New().NilChance(0)
	for i := 0; i < 2000; i++ {
		var v uint64
		f.Fuzz(&v)

		buf := PutUvarint(nil, v)
		got, err := ReadUvarint(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestUvarintIsPrefixFree(t *testing.T) {
	// No encoding is a prefix of the encoding of a larger distinct value
	// sharing the same leading bytes; continuation bit placement
	// guarantees this structurally. Spot-check across byte-length
	// boundaries.
	values := []uint64{0, 1, 126, 127, 128, 129, 16382, 16383, 16384, 16385}
	for i, a := range values {
		for j, b := range values {
			if i == j {
				continue
			}
			ea := PutUvarint(nil, a)
			eb := PutUvarint(nil, b)
			if len(ea) <= len(eb) && bytes.Equal(eb[:len(ea)], ea) {
				t.Fatalf("encoding of %d is a prefix of encoding of %d", a, b)
			}
		}
	}
}

func TestOneHitPositionRoundTrip(t *testing.T) {
	positions := []uint64{0, 1, 0xFFFFFF, 0x1000000, 1 << 40}
	for _, pos := range positions {
		buf := EncodeOneHitPosition(nil, pos)
		got, err := DecodeOneHitPosition(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, pos, got)
	}
}

func TestDeltaWriterReaderRoundTrip(t *testing.T) {
	values := []uint64{5, 5, 9, 100, 100, 101}

	dw := NewDeltaWriter()
	for _, v := range values {
		dw.Put(v)
	}

	dr := NewDeltaReader(bytes.NewReader(dw.Bytes()))
	for _, want := range values {
		got, err := dr.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDeltaRestartResetsBase(t *testing.T) {
	dw := NewDeltaWriter()
	dw.Put(1000)
	dw.Restart()
	dw.Put(5)

	dr := NewDeltaReader(bytes.NewReader(dw.Bytes()))
	first, err := dr.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(1000), first)

	dr.Restart()
	second, err := dr.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(5), second)
}
