package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
	"github.com/sprtio/rtindex/segment"
)

func TestSaveMetaThenLoadMetaRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.meta")

	m := Meta{
		TotalDocs:        42,
		LastTxnID:        7,
		CheckpointStride: posting.CheckpointStride,
		Bloom:            infixbloom.DefaultParams,
		RAMSoftLimit:     128 << 20,
		ChunkIDs:         []uint32{1, 2, 5},
	}

	require.NoError(t, SaveMeta(path, m))

	loaded, err := LoadMeta(path)
	require.NoError(t, err)
	require.Equal(t, MetaFormatVersion, loaded.FormatVersion)
	require.Equal(t, m.TotalDocs, loaded.TotalDocs)
	require.Equal(t, m.LastTxnID, loaded.LastTxnID)
	require.Equal(t, m.CheckpointStride, loaded.CheckpointStride)
	require.Equal(t, m.Bloom, loaded.Bloom)
	require.Equal(t, m.RAMSoftLimit, loaded.RAMSoftLimit)
	require.Equal(t, m.ChunkIDs, loaded.ChunkIDs)
}

func TestLoadMetaRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.meta")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 0, 0, 0, 0, 0}, 0o644))

	_, err := LoadMeta(path)
	require.ErrorIs(t, err, ErrCorruptMeta)
}

func TestLoadMetaRejectsOutOfRangeVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "futuristic.meta")

	m := Meta{Bloom: infixbloom.DefaultParams}
	require.NoError(t, SaveMeta(path, m))

	raw, err := readFile(path)
	require.NoError(t, err)
	raw[4] = 255 // corrupt the version field beyond MetaFormatVersion
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = LoadMeta(path)
	require.ErrorIs(t, err, ErrCorruptMeta)
}

func buildSegmentForPersistence(t *testing.T, docIDs []int64) *segment.Segment {
	t.Helper()
	rows := rowstore.NewStore(1)
	for _, d := range docIDs {
		_, err := rows.AppendRow(rowstore.Row{uint64(d)})
		require.NoError(t, err)
	}
	blobs := rowstore.NewBlobPool()
	var entries []posting.KeywordEntry
	for i := range docIDs {
		entries = append(entries, posting.KeywordEntry{
			Keyword: []byte{byte('a' + i)},
			Hits:    []posting.Hit{{RowID: uint32(i), Position: 0}},
		})
	}
	table, err := posting.Build(entries, infixbloom.DefaultParams)
	require.NoError(t, err)
	return segment.New(rows, blobs, table, docIDs)
}

func TestSaveRAMThenLoadRAMRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.ram")

	segA := buildSegmentForPersistence(t, []int64{1, 2, 3})
	require.Equal(t, 1, segA.Kill(2))
	segB := buildSegmentForPersistence(t, []int64{10, 20})

	require.NoError(t, SaveRAM(path, []*segment.Segment{segA, segB}))

	loaded, err := LoadRAM(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	require.Equal(t, segA.AliveRows(), loaded[0].AliveRows())
	_, ok := loaded[0].FindAliveRow(2)
	require.False(t, ok)
	require.Equal(t, segB.URows(), loaded[1].URows())
}

func TestLoadRAMEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.ram")

	require.NoError(t, SaveRAM(path, nil))

	loaded, err := LoadRAM(path)
	require.NoError(t, err)
	require.Empty(t, loaded)
}
