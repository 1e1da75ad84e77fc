package posting

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndDecodeSingleHitDoc(t *testing.T) {
	hits := []Hit{{RowID: 5, Field: 0, Position: 3}}

	list, err := BuildList(hits)
	require.NoError(t, err)
	require.Equal(t, uint32(1), list.DocCount)

	r := NewDocListReader(list.DocBytes)
	entry, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(5), entry.RowID)
	require.Equal(t, uint32(1), entry.HitCount)
	require.Equal(t, uint32(3), entry.InlinePosition)

	_, ok, err = r.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBuildAndDecodeMultiHitDoc(t *testing.T) {
	hits := []Hit{
		{RowID: 2, Field: 0, Position: 1},
		{RowID: 2, Field: 0, Position: 4},
		{RowID: 2, Field: 1, Position: 0},
	}

	list, err := BuildList(hits)
	require.NoError(t, err)

	r := NewDocListReader(list.DocBytes)
	entry, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), entry.RowID)
	require.Equal(t, uint32(3), entry.HitCount)
	require.Equal(t, uint32(0x3), entry.FieldMask) // fields 0 and 1

	hr := NewHitListReader(bytes.NewReader(list.HitBytes), entry.HitCount)
	var positions []uint32
	for {
		pos, ok, err := hr.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		positions = append(positions, pos)
	}
	require.Equal(t, []uint32{1, 4, 0}, positions)
}

func TestBuildMultipleDocsRowidDeltas(t *testing.T) {
	hits := []Hit{
		{RowID: 10, Field: 0, Position: 0},
		{RowID: 20, Field: 0, Position: 0},
		{RowID: 21, Field: 0, Position: 0},
	}

	list, err := BuildList(hits)
	require.NoError(t, err)
	require.Equal(t, uint32(3), list.DocCount)

	r := NewDocListReader(list.DocBytes)
	var gotRowIDs []uint32
	for {
		e, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		gotRowIDs = append(gotRowIDs, e.RowID)
	}
	require.Equal(t, []uint32{10, 20, 21}, gotRowIDs)
}

func TestBuildEmptyHitsProducesEmptyList(t *testing.T) {
	list, err := BuildList(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), list.DocCount)
	require.Empty(t, list.DocBytes)
}
