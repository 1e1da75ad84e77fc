package optimizer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/diskchunk"
	"github.com/sprtio/rtindex/executor"
	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
	"github.com/sprtio/rtindex/snapshot"
)

func buildOptChunk(t *testing.T, dir string, id uint32, docIDs []int64) *diskchunk.Chunk {
	t.Helper()
	path := filepath.Join(dir, "chunk-"+string(rune('a'+id))+".dat")

	rows := rowstore.NewStore(1)
	for _, d := range docIDs {
		_, err := rows.AppendRow(rowstore.Row{uint64(d)})
		require.NoError(t, err)
	}
	blobs := rowstore.NewBlobPool()

	var entries []posting.KeywordEntry
	for i, d := range docIDs {
		entries = append(entries, posting.KeywordEntry{
			Keyword: []byte{byte('m'), byte('0' + id), byte('0' + i)},
			Hits:    []posting.Hit{{RowID: uint32(i), Position: 0}},
		})
		_ = d
	}
	table, err := posting.Build(entries, infixbloom.DefaultParams)
	require.NoError(t, err)

	dead := bitmap.New(uint32(len(docIDs)))
	c, err := diskchunk.Write(path, id, rows, blobs, table, dead, docIDs)
	require.NoError(t, err)
	return c
}

func newTestOptimizer(t *testing.T, dir string, chunks ...*diskchunk.Chunk) *Optimizer {
	t.Helper()
	holder := snapshot.NewHolder()
	var ds []snapshot.DiskChunk
	for _, c := range chunks {
		ds = append(ds, c)
	}
	holder.ReplaceChunks(ds)
	ex := executor.New(holder)
	t.Cleanup(ex.Close)
	return New(ex, dir, WithStartChunkID(100))
}

func TestDropRemovesChunkFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	c0 := buildOptChunk(t, dir, 0, []int64{1, 2})
	c1 := buildOptChunk(t, dir, 1, []int64{3, 4})
	opt := newTestOptimizer(t, dir, c0, c1)

	require.NoError(t, opt.Drop(0))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 1)
	require.Equal(t, uint32(1), remaining[0].ID())
}

func TestCompressDropsDeadRows(t *testing.T) {
	dir := t.TempDir()
	c0 := buildOptChunk(t, dir, 0, []int64{1, 2, 3})
	require.Equal(t, 1, c0.KillMulti([]int64{2}))
	opt := newTestOptimizer(t, dir, c0)

	require.NoError(t, opt.Compress(0))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 1)
	dc := remaining[0].(*diskchunk.Chunk)
	status := dc.GetStatus()
	require.Equal(t, uint32(2), status.TotalRows)
	require.Equal(t, uint32(2), status.AliveRows)
	require.True(t, dc.BlobsCompressed())

	reopened, err := diskchunk.OpenSelfDescribing(dc.ID(), dc.Path())
	require.NoError(t, err)
	require.True(t, reopened.BlobsCompressed())
}

func TestMergeFoldsOlderIntoNewer(t *testing.T) {
	dir := t.TempDir()
	older := buildOptChunk(t, dir, 0, []int64{1, 2})
	newer := buildOptChunk(t, dir, 1, []int64{3, 4})
	opt := newTestOptimizer(t, dir, older, newer)

	require.NoError(t, opt.Merge(0, 1))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 1)
	require.Equal(t, uint32(1), remaining[0].ID())

	dc := remaining[0].(*diskchunk.Chunk)
	status := dc.GetStatus()
	require.Equal(t, uint32(4), status.TotalRows)
	require.Equal(t, uint32(4), status.AliveRows)
}

func TestMergePreservesFieldMask(t *testing.T) {
	dir := t.TempDir()

	buildShared := func(id uint32, docID int64, fields []uint8) *diskchunk.Chunk {
		path := filepath.Join(dir, "chunk-shared-"+string(rune('a'+id))+".dat")
		rows := rowstore.NewStore(1)
		_, err := rows.AppendRow(rowstore.Row{uint64(docID)})
		require.NoError(t, err)
		blobs := rowstore.NewBlobPool()

		var hits []posting.Hit
		for _, f := range fields {
			hits = append(hits, posting.Hit{RowID: 0, Field: f, Position: 0})
		}
		entries := []posting.KeywordEntry{{Keyword: []byte("shared"), Hits: hits}}
		table, err := posting.Build(entries, infixbloom.DefaultParams)
		require.NoError(t, err)

		dead := bitmap.New(1)
		c, err := diskchunk.Write(path, id, rows, blobs, table, dead, []int64{docID})
		require.NoError(t, err)
		return c
	}

	older := buildShared(0, 1, []uint8{0, 2})
	newer := buildShared(1, 2, []uint8{1})
	opt := newTestOptimizer(t, dir, older, newer)

	require.NoError(t, opt.Merge(0, 1))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 1)
	dc := remaining[0].(*diskchunk.Chunk)

	var rowOf1 uint32 = ^uint32(0)
	for i, docID := range dc.DocIDs() {
		if docID == 1 {
			rowOf1 = uint32(i)
		}
	}
	require.NotEqual(t, ^uint32(0), rowOf1)

	kws, err := dc.PostingTable().Keywords()
	require.NoError(t, err)
	require.Len(t, kws, 1)

	r := posting.NewDocListReader(kws[0].DocBytes)
	var mask uint32
	for {
		entry, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if entry.RowID == rowOf1 {
			mask = entry.FieldMask
		}
	}
	require.Equal(t, uint32(1<<0|1<<2), mask)
}

func TestSplitPartitionsByFilter(t *testing.T) {
	dir := t.TempDir()
	c0 := buildOptChunk(t, dir, 0, []int64{1, 2, 3, 4})
	opt := newTestOptimizer(t, dir, c0)

	require.NoError(t, opt.Split(0, func(docID int64) bool { return docID <= 2 }))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 2)

	var total uint32
	for _, c := range remaining {
		dc := c.(*diskchunk.Chunk)
		total += dc.GetStatus().TotalRows
	}
	require.Equal(t, uint32(4), total)
}

func TestSplitIncompleteFilterFails(t *testing.T) {
	dir := t.TempDir()
	c0 := buildOptChunk(t, dir, 0, []int64{1, 2})
	opt := newTestOptimizer(t, dir, c0)

	err := opt.Split(0, func(docID int64) bool { return true })
	require.ErrorIs(t, err, ErrSplitIncomplete)

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 1, "a failed split must not change the snapshot")
}

func TestAutoDropsEmptyChunks(t *testing.T) {
	dir := t.TempDir()
	c0 := buildOptChunk(t, dir, 0, []int64{1})
	require.Equal(t, 1, c0.KillMulti([]int64{1}))
	c1 := buildOptChunk(t, dir, 1, []int64{2, 3})
	opt := newTestOptimizer(t, dir, c0, c1)

	require.NoError(t, opt.Auto(10))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 1)
	require.Equal(t, uint32(1), remaining[0].ID())
}

func TestAutoRespectsStopFlag(t *testing.T) {
	dir := t.TempDir()
	c0 := buildOptChunk(t, dir, 0, []int64{1, 2})
	c1 := buildOptChunk(t, dir, 1, []int64{3, 4})
	opt := newTestOptimizer(t, dir, c0, c1)

	opt.Stop()
	require.True(t, opt.Stopped())
	require.NoError(t, opt.Auto(0))

	remaining := opt.ex.Snapshot.Acquire().ChunkSlice()
	require.Len(t, remaining, 2, "a pre-stopped optimizer must not merge anything")
}
