package infixbloom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	p := Params{MinInfixLen: 2, EstimatedKeywords: 64, FalsePositiveRate: 0.01}
	b := NewBlock(p)

	keywords := []string{"elephant", "elegant", "elevator", "banana", "bandana"}
	for _, kw := range keywords {
		b.AddKeyword([]byte(kw))
	}

	for _, kw := range keywords {
		for _, g := range ngrams([]byte(kw), 2) {
			require.True(t, b.MayContainInfix(g), "2-gram %q of %q missing", g, kw)
		}
		for _, g := range ngrams([]byte(kw), 4) {
			require.True(t, b.MayContainInfix(g), "4-gram %q of %q missing", g, kw)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	p := Params{MinInfixLen: 2, EstimatedKeywords: 64, FalsePositiveRate: 0.01}
	b := NewBlock(p)
	b.AddKeyword([]byte("wildcard"))

	data, err := b.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(p, data)
	require.NoError(t, err)

	for _, g := range ngrams([]byte("wildcard"), 2) {
		require.Equal(t, b.MayContainInfix(g), got.MayContainInfix(g))
	}
}

func TestMinInfixLenZeroSkipsBuild(t *testing.T) {
	p := Params{MinInfixLen: 0, EstimatedKeywords: 64, FalsePositiveRate: 0.01}
	b := NewBlock(p)
	b.AddKeyword([]byte("whatever"))
	// With building disabled the filters stay empty; any n-gram of the
	// supported widths is then reported as absent by an empty filter
	// rather than present.
	require.False(t, b.twoGram.Test([]byte("wh")))
}

func TestParamsEqual(t *testing.T) {
	require.True(t, DefaultParams.Equal(DefaultParams))
	other := DefaultParams
	other.MinInfixLen = 0
	require.False(t, DefaultParams.Equal(other))
}
