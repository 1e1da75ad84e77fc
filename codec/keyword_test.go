package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeywordDeltaRoundTrip(t *testing.T) {
	cases := []struct {
		prev, cur string
	}{
		{"", "apple"},
		{"apple", "application"},
		{"application", "apply"},
		{"apply", "banana"},
		{"banana", "banana"},
		{"zzzzzzzzzzzzzzzzzzzz", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"}, // long match/delta forces the 2-byte header
	}

	prev := []byte{}
	for _, c := range cases {
		prev = []byte(c.prev)
		cur := []byte(c.cur)

		buf := EncodeKeywordDelta(nil, prev, cur)
		got, n, err := DecodeKeywordDelta(buf, prev)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, cur, got)
	}
}

func TestKeywordDeltaSequence(t *testing.T) {
	keywords := []string{"ant", "ante", "anteater", "antelope", "ants", "apple", "application"}

	var prev []byte
	var stream []byte
	var starts []int
	for _, kw := range keywords {
		starts = append(starts, len(stream))
		stream = EncodeKeywordDelta(stream, prev, []byte(kw))
		prev = []byte(kw)
	}

	prev = nil
	for i, kw := range keywords {
		got, n, err := DecodeKeywordDelta(stream[starts[i]:], prev)
		require.NoError(t, err)
		require.Equal(t, kw, string(got))
		require.LessOrEqual(t, n, len(stream)-starts[i])
		prev = got
	}
}

func TestDecodeKeywordDeltaRejectsBadMatch(t *testing.T) {
	_, _, err := DecodeKeywordDelta([]byte{0x80 | (1 << 4) | 5}, []byte("ab"))
	require.Error(t, err)
}
