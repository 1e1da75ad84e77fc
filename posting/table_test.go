package posting

import (
	"testing"

	"github.com/sprtio/rtindex/infixbloom"
	"github.com/stretchr/testify/require"
)

func TestTableBuildAndDecodeKeywordsRoundTrip(t *testing.T) {
	entries := []KeywordEntry{
		{Keyword: []byte("ant"), Hits: []Hit{{RowID: 0, Position: 0}}},
		{Keyword: []byte("ante"), Hits: []Hit{{RowID: 1, Position: 0}}},
		{Keyword: []byte("anteater"), Hits: []Hit{{RowID: 2, Position: 0}}},
		{Keyword: []byte("apple"), Hits: []Hit{{RowID: 0, Position: 1}, {RowID: 3, Position: 0}}},
	}

	table, err := Build(entries, infixbloom.DefaultParams)
	require.NoError(t, err)

	kws, err := table.DecodeKeywords()
	require.NoError(t, err)
	require.Len(t, kws, len(entries))
	for i, e := range entries {
		require.Equal(t, string(e.Keyword), string(kws[i]))
	}
}

func TestTableCheckspointsMonotonic(t *testing.T) {
	var entries []KeywordEntry
	for i := 0; i < CheckpointStride*3+5; i++ {
		kw := []byte{byte('a' + (i / 26)), byte('a' + (i % 26))}
		entries = append(entries, KeywordEntry{Keyword: kw, Hits: []Hit{{RowID: uint32(i), Position: 0}}})
	}

	table, err := Build(entries, infixbloom.DefaultParams)
	require.NoError(t, err)

	require.Equal(t, 4, len(table.Checkpoints)) // one every 48 keywords across ~149 keywords
	for i := 1; i < len(table.Checkpoints); i++ {
		require.Greater(t, table.Checkpoints[i].WordOffset, table.Checkpoints[i-1].WordOffset)
		require.GreaterOrEqual(t, table.Checkpoints[i].DocOffset, table.Checkpoints[i-1].DocOffset)
	}
}

func TestTableKeywordsSlicesStreamsCorrectly(t *testing.T) {
	entries := []KeywordEntry{
		{Keyword: []byte("ant"), Hits: []Hit{{RowID: 0, Position: 0}}},
		{Keyword: []byte("bee"), Hits: []Hit{
			{RowID: 1, Position: 0},
			{RowID: 1, Position: 2},
		}},
	}

	table, err := Build(entries, infixbloom.DefaultParams)
	require.NoError(t, err)

	kws, err := table.Keywords()
	require.NoError(t, err)
	require.Len(t, kws, 2)
	require.Equal(t, "ant", string(kws[0].Keyword))
	require.Equal(t, "bee", string(kws[1].Keyword))
	require.NotEmpty(t, kws[1].HitBytes, "multi-hit keyword must carry hit-stream bytes")
	require.Empty(t, kws[0].HitBytes, "single-hit keyword folds its position inline")

	r := NewDocListReader(kws[0].DocBytes)
	entry, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(0), entry.RowID)
}

func TestTableInfixBloomCoversCheckpointKeywords(t *testing.T) {
	entries := []KeywordEntry{
		{Keyword: []byte("elephant"), Hits: []Hit{{RowID: 0, Position: 0}}},
		{Keyword: []byte("elevator"), Hits: []Hit{{RowID: 1, Position: 0}}},
	}

	table, err := Build(entries, infixbloom.Params{MinInfixLen: 2, EstimatedKeywords: 64, FalsePositiveRate: 0.01})
	require.NoError(t, err)

	require.True(t, table.Bloom.MayContainInfix(0, []byte("ep")))
	require.True(t, table.Bloom.MayContainInfix(0, []byte("ele")[:2]))
}
