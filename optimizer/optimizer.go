// Package optimizer implements the disk-chunk compactor of spec §4.8: an
// explicit state machine exposing drop/compress/merge/split/auto verbs,
// replacing the teacher's closest analogue (none — this concern has no
// teacher precedent) with a redesign the spec itself calls for (§9
// "coroutine-generator auto-optimize becomes an explicit, interruptible
// state machine: one step per call, a monotone stop flag checked between
// steps, instead of a suspended generator").
package optimizer

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/diskchunk"
	"github.com/sprtio/rtindex/executor"
	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
	"github.com/sprtio/rtindex/snapshot"
)

// Optimizer owns the compaction verbs for one index's disk chunks.
type Optimizer struct {
	ex          *executor.Executor
	dir         string
	bloomParams infixbloom.Params
	log         *zap.SugaredLogger

	nextChunkID uint32 // atomic, shared id space with the flusher's counter

	stop atomic.Bool
}

// Option configures a new Optimizer.
type Option func(*Optimizer)

// WithInfixBloom sets the bloom parameters used when rewriting chunks.
func WithInfixBloom(p infixbloom.Params) Option {
	return func(o *Optimizer) { o.bloomParams = p }
}

// WithStartChunkID seeds the id counter used by compress/merge/split
// rewrites, which must mint ids disjoint from the flusher's.
func WithStartChunkID(id uint32) Option {
	return func(o *Optimizer) { o.nextChunkID = id }
}

// WithLogger installs a structured logger for compaction diagnostics.
func WithLogger(l *zap.SugaredLogger) Option { return func(o *Optimizer) { o.log = l } }

// New returns an Optimizer that writes rewritten chunk files under dir.
func New(ex *executor.Executor, dir string, opts ...Option) *Optimizer {
	o := &Optimizer{ex: ex, dir: dir, bloomParams: infixbloom.DefaultParams, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stop raises the monotone stop flag; Auto checks it between sub-steps so a
// shutdown request can interrupt a long progressive optimize pass (spec
// §4.8 "auto... respect a monotone stop flag").
func (o *Optimizer) Stop() { o.stop.Store(true) }

// Stopped reports the current stop-flag state.
func (o *Optimizer) Stopped() bool { return o.stop.Load() }

func (o *Optimizer) allocChunkID() uint32 {
	return atomic.AddUint32(&o.nextChunkID, 1) - 1
}

func (o *Optimizer) chunkPath(id uint32) string {
	return filepath.Join(o.dir, fmt.Sprintf("chunk-%d.dat", id))
}

func findChunk(chunks []snapshot.DiskChunk, id uint32) (*diskchunk.Chunk, int, error) {
	for i, c := range chunks {
		if c.ID() == id {
			dc, ok := c.(*diskchunk.Chunk)
			if !ok {
				return nil, -1, fmt.Errorf("optimizer: chunk %d is not a *diskchunk.Chunk", id)
			}
			return dc, i, nil
		}
	}
	return nil, -1, fmt.Errorf("optimizer: no chunk with id %d", id)
}

func replaceChunk(chunks []snapshot.DiskChunk, idx int, with snapshot.DiskChunk) []snapshot.DiskChunk {
	out := make([]snapshot.DiskChunk, 0, len(chunks))
	for i, c := range chunks {
		if i == idx {
			if with != nil {
				out = append(out, with)
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// Drop removes a disk chunk immediately (spec §4.8 "drop: remove a disk
// chunk (immediate)").
func (o *Optimizer) Drop(id uint32) error {
	o.log.Infow("dropping chunk", "chunk_id", id)
	return o.ex.Serial.Run(func() {
		pair := o.ex.Snapshot.Acquire()
		chunks := pair.ChunkSlice()
		dc, idx, err := findChunk(chunks, id)
		if err != nil {
			return
		}
		_ = dc.Unlink()
		o.ex.Snapshot.ReplaceChunks(replaceChunk(chunks, idx, nil))
	})
}

// Compress rewrites one chunk dropping its dead rows (spec §4.8
// "compress"). The rewritten chunk keeps the same id; its file is written
// under a fresh temporary path and renamed into place once complete so
// concurrent readers of the old file are never disrupted mid-write.
func (o *Optimizer) Compress(id uint32) error {
	pair := o.ex.Snapshot.Acquire()
	chunks := pair.ChunkSlice()
	dc, idx, err := findChunk(chunks, id)
	if err != nil {
		return err
	}

	if !dc.SetOptimizingIfIdle() {
		return fmt.Errorf("optimizer: chunk %d is already optimizing", id)
	}
	defer dc.SetOptimizing(false)

	o.log.Infow("compressing chunk", "chunk_id", id)
	tmpPath := o.chunkPath(id) + ".compress.tmp"
	rewritten, err := rewriteDroppingDead(dc, id, tmpPath, o.bloomParams)
	if err != nil {
		o.log.Warnw("compress failed", "chunk_id", id, "error", err)
		return fmt.Errorf("optimizer: compress chunk %d: %w", id, err)
	}

	finalPath := dc.Path()
	if err := rewritten.Rename(finalPath + ".new"); err != nil {
		return err
	}
	if err := dc.Unlink(); err != nil {
		return err
	}
	if err := rewritten.Rename(finalPath); err != nil {
		return err
	}

	return o.ex.Serial.Run(func() {
		cur := o.ex.Snapshot.Acquire().ChunkSlice()
		o.ex.Snapshot.ReplaceChunks(replaceChunk(cur, idx, rewritten))
	})
}

// Merge rewrites two chunks into one (spec §4.8 "merge"), always folding
// olderID into newerID so kill-lists built against the newer chunk id
// remain valid (spec §4.8 "Order-preserving rule"). Kills that land on
// either input mid-merge are captured by the serial worker's normal
// kill-application path (since both inputs stay in the snapshot, tagged
// optimizing, until the rewrite publishes) and are simply re-read from
// their dead bitmaps at merge time, then replayed if they arrive after.
func (o *Optimizer) Merge(olderID, newerID uint32) error {
	pair := o.ex.Snapshot.Acquire()
	chunks := pair.ChunkSlice()

	older, olderIdx, err := findChunk(chunks, olderID)
	if err != nil {
		return err
	}
	newer, newerIdx, err := findChunk(chunks, newerID)
	if err != nil {
		return err
	}

	if !older.SetOptimizingIfIdle() {
		return fmt.Errorf("optimizer: chunk %d is already optimizing", olderID)
	}
	defer older.SetOptimizing(false)
	if !newer.SetOptimizingIfIdle() {
		return fmt.Errorf("optimizer: chunk %d is already optimizing", newerID)
	}
	defer newer.SetOptimizing(false)

	o.log.Infow("merging chunks", "older_id", olderID, "newer_id", newerID)
	tmpPath := o.chunkPath(newerID) + ".merge.tmp"
	merged, err := mergeChunks(older, newer, newerID, tmpPath, o.bloomParams)
	if err != nil {
		o.log.Warnw("merge failed", "older_id", olderID, "newer_id", newerID, "error", err)
		return fmt.Errorf("optimizer: merge chunks %d,%d: %w", olderID, newerID, err)
	}

	finalPath := newer.Path()
	if err := merged.Rename(finalPath + ".new"); err != nil {
		return err
	}
	if err := older.Unlink(); err != nil {
		return err
	}
	if err := newer.Unlink(); err != nil {
		return err
	}
	if err := merged.Rename(finalPath); err != nil {
		return err
	}

	return o.ex.Serial.Run(func() {
		// Replay kills that reached either input after mergeChunks read its
		// dead bitmap, unless the other input still holds that doc alive.
		for _, pr := range [][2]*diskchunk.Chunk{{older, newer}, {newer, older}} {
			src, other := pr[0], pr[1]
			for rowID, docID := range src.DocIDs() {
				if !src.DeadBitmap().IsDead(uint32(rowID)) {
					continue
				}
				if _, alive := other.MultiQuery([]int64{docID})[docID]; !alive {
					merged.KillMulti([]int64{docID})
				}
			}
		}
		cur := o.ex.Snapshot.Acquire().ChunkSlice()
		lo, hi := olderIdx, newerIdx
		if lo > hi {
			lo, hi = hi, lo
		}
		cur = replaceChunk(cur, hi, merged)
		cur = replaceChunk(cur, lo, nil)
		o.ex.Snapshot.ReplaceChunks(cur)
	})
}

// SplitFilter reports which half a doc id belongs to: true for the first
// half, false for the second (spec §4.8 "split: rewrite one chunk into
// two, separated by a filter (id ∈ user-variable set)").
type SplitFilter func(docID int64) bool

// ErrSplitIncomplete is returned when filter sends every alive row to the
// same half, so that the other half would be empty.
var ErrSplitIncomplete = fmt.Errorf("optimizer: split filter left one half empty")

// Split rewrites one chunk into two new chunks, separated by filter. Both
// halves start with no dead rows (dead rows never round-trip a rewrite);
// if filter sends every alive row to the same half, nothing is changed and
// ErrSplitIncomplete is returned.
func (o *Optimizer) Split(id uint32, filter SplitFilter) error {
	pair := o.ex.Snapshot.Acquire()
	chunks := pair.ChunkSlice()
	dc, idx, err := findChunk(chunks, id)
	if err != nil {
		return err
	}

	if !dc.SetOptimizingIfIdle() {
		return fmt.Errorf("optimizer: chunk %d is already optimizing", id)
	}
	defer dc.SetOptimizing(false)

	leftID := o.allocChunkID()
	rightID := o.allocChunkID()
	leftPath := o.chunkPath(leftID)
	rightPath := o.chunkPath(rightID)

	o.log.Infow("splitting chunk", "chunk_id", id, "left_id", leftID, "right_id", rightID)
	left, right, err := splitChunk(dc, leftID, leftPath, rightID, rightPath, filter, o.bloomParams)
	if err != nil {
		o.log.Warnw("split failed", "chunk_id", id, "error", err)
		return fmt.Errorf("optimizer: split chunk %d: %w", id, err)
	}

	return o.ex.Serial.Run(func() {
		cur := o.ex.Snapshot.Acquire().ChunkSlice()
		out := make([]snapshot.DiskChunk, 0, len(cur)+1)
		for i, c := range cur {
			if i == idx {
				continue
			}
			out = append(out, c)
		}
		out = append(out, left, right)
		o.ex.Snapshot.ReplaceChunks(out)
	})
}

// Cutoff is Auto's stopping criterion: progressive merging continues until
// at most this many chunks remain (spec §4.8 "continue until
// chunks-remaining <= cutoff").
type Cutoff = int

// Auto runs one full progressive-optimize pass (spec §4.8 "auto"): drop any
// empty chunks as a fast path, repeatedly merge the two smallest-by-
// effective-size chunks until at most cutoff remain, then compress every
// remaining chunk once. It checks the stop flag between every sub-step.
func (o *Optimizer) Auto(cutoff Cutoff) error {
	for {
		if o.Stopped() {
			return nil
		}
		chunks := o.ex.Snapshot.Acquire().ChunkSlice()
		var emptyID uint32
		var found bool
		for _, c := range chunks {
			if dc, ok := c.(*diskchunk.Chunk); ok && dc.GetStatus().AliveRows == 0 {
				emptyID, found = dc.ID(), true
				break
			}
		}
		if !found {
			break
		}
		if err := o.Drop(emptyID); err != nil {
			return err
		}
	}

	for {
		if o.Stopped() {
			return nil
		}
		chunks := o.ex.Snapshot.Acquire().ChunkSlice()
		if len(chunks) <= cutoff {
			break
		}
		a, b, err := twoSmallestByEffectiveSize(chunks)
		if err != nil {
			return err
		}
		older, newer := a, b
		if older > newer {
			older, newer = newer, older
		}
		if err := o.Merge(older, newer); err != nil {
			return err
		}
	}

	chunks := o.ex.Snapshot.Acquire().ChunkSlice()
	for _, c := range chunks {
		if o.Stopped() {
			return nil
		}
		if err := o.Compress(c.ID()); err != nil {
			return err
		}
	}
	return nil
}

func effectiveSize(c *diskchunk.Chunk) float64 {
	status := c.GetStatus()
	stats := c.GetStats()
	if status.TotalRows == 0 {
		return 0
	}
	diskUse := float64(stats.RowBytes + stats.BlobBytes + stats.PostingBytes + stats.DeadRowBytes)
	aliveFraction := float64(status.AliveRows) / float64(status.TotalRows)
	return diskUse * aliveFraction
}

func twoSmallestByEffectiveSize(chunks []snapshot.DiskChunk) (a, b uint32, err error) {
	type sized struct {
		id   uint32
		size float64
	}
	var sizes []sized
	for _, c := range chunks {
		dc, ok := c.(*diskchunk.Chunk)
		if !ok {
			continue
		}
		sizes = append(sizes, sized{id: dc.ID(), size: effectiveSize(dc)})
	}
	if len(sizes) < 2 {
		return 0, 0, fmt.Errorf("optimizer: fewer than 2 chunks to merge")
	}
	ai, bi := 0, 1
	if sizes[bi].size < sizes[ai].size {
		ai, bi = bi, ai
	}
	for i := 2; i < len(sizes); i++ {
		switch {
		case sizes[i].size < sizes[ai].size:
			bi = ai
			ai = i
		case sizes[i].size < sizes[bi].size:
			bi = i
		}
	}
	return sizes[ai].id, sizes[bi].id, nil
}

// rewriteDroppingDead builds a fresh chunk containing only id's alive
// rows, under new consecutive rowids, keeping the same docids (spec §4.8
// "compress: rewrite one chunk dropping dead rows").
func rewriteDroppingDead(c *diskchunk.Chunk, id uint32, path string, bloomParams infixbloom.Params) (*diskchunk.Chunk, error) {
	stride := c.Rows().Stride()
	rows := rowstore.NewStore(stride)
	blobs := rowstore.NewBlobPool()
	var docIDs []int64

	remap := make(map[uint32]uint32, c.GetStatus().AliveRows)
	for rowID := uint32(0); rowID < c.Rows().NumRows(); rowID++ {
		if c.DeadBitmap().IsDead(rowID) {
			continue
		}
		newID, err := rows.AppendRow(c.Rows().Row(rowID))
		if err != nil {
			return nil, err
		}
		remap[rowID] = newID
		docIDs = append(docIDs, c.DocIDs()[rowID])
	}

	entries, err := remapKeywords(c.PostingTable(), remap)
	if err != nil {
		return nil, err
	}
	table, err := posting.Build(entries, bloomParams)
	if err != nil {
		return nil, err
	}

	dead := bitmap.New(uint32(len(docIDs)))
	return diskchunk.WriteCompressed(path, id, rows, blobs, table, dead, docIDs, true)
}

// mergeChunks walks both chunks' alive rows into one new row store and
// lock-step-merges their posting tables, mirroring flusher's N-way merge
// specialized to two disk-chunk sources.
func mergeChunks(older, newer *diskchunk.Chunk, id uint32, path string, bloomParams infixbloom.Params) (*diskchunk.Chunk, error) {
	stride := older.Rows().Stride()
	rows := rowstore.NewStore(stride)
	blobs := rowstore.NewBlobPool()
	var docIDs []int64

	remapOlder := make(map[uint32]uint32, older.GetStatus().AliveRows)
	for rowID := uint32(0); rowID < older.Rows().NumRows(); rowID++ {
		if older.DeadBitmap().IsDead(rowID) {
			continue
		}
		newID, err := rows.AppendRow(older.Rows().Row(rowID))
		if err != nil {
			return nil, err
		}
		remapOlder[rowID] = newID
		docIDs = append(docIDs, older.DocIDs()[rowID])
	}

	remapNewer := make(map[uint32]uint32, newer.GetStatus().AliveRows)
	for rowID := uint32(0); rowID < newer.Rows().NumRows(); rowID++ {
		if newer.DeadBitmap().IsDead(rowID) {
			continue
		}
		newID, err := rows.AppendRow(newer.Rows().Row(rowID))
		if err != nil {
			return nil, err
		}
		remapNewer[rowID] = newID
		docIDs = append(docIDs, newer.DocIDs()[rowID])
	}

	entries, err := mergeTwoKeywordTables(older.PostingTable(), remapOlder, newer.PostingTable(), remapNewer)
	if err != nil {
		return nil, err
	}
	table, err := posting.Build(entries, bloomParams)
	if err != nil {
		return nil, err
	}

	dead := bitmap.New(uint32(len(docIDs)))
	return diskchunk.Write(path, id, rows, blobs, table, dead, docIDs)
}

// splitChunk partitions id's alive rows by filter into two fresh chunks.
func splitChunk(c *diskchunk.Chunk, leftID uint32, leftPath string, rightID uint32, rightPath string, filter SplitFilter, bloomParams infixbloom.Params) (left, right *diskchunk.Chunk, err error) {
	stride := c.Rows().Stride()
	leftRows := rowstore.NewStore(stride)
	rightRows := rowstore.NewStore(stride)
	leftBlobs := rowstore.NewBlobPool()
	rightBlobs := rowstore.NewBlobPool()
	var leftDocIDs, rightDocIDs []int64

	remapLeft := make(map[uint32]uint32)
	remapRight := make(map[uint32]uint32)

	for rowID := uint32(0); rowID < c.Rows().NumRows(); rowID++ {
		if c.DeadBitmap().IsDead(rowID) {
			continue
		}
		docID := c.DocIDs()[rowID]
		if filter(docID) {
			newID, e := leftRows.AppendRow(c.Rows().Row(rowID))
			if e != nil {
				return nil, nil, e
			}
			remapLeft[rowID] = newID
			leftDocIDs = append(leftDocIDs, docID)
		} else {
			newID, e := rightRows.AppendRow(c.Rows().Row(rowID))
			if e != nil {
				return nil, nil, e
			}
			remapRight[rowID] = newID
			rightDocIDs = append(rightDocIDs, docID)
		}
	}

	if len(leftDocIDs) == 0 || len(rightDocIDs) == 0 {
		return nil, nil, ErrSplitIncomplete
	}

	leftEntries, err := remapKeywords(c.PostingTable(), remapLeft)
	if err != nil {
		return nil, nil, err
	}
	rightEntries, err := remapKeywords(c.PostingTable(), remapRight)
	if err != nil {
		return nil, nil, err
	}

	leftTable, err := posting.Build(leftEntries, bloomParams)
	if err != nil {
		return nil, nil, err
	}
	rightTable, err := posting.Build(rightEntries, bloomParams)
	if err != nil {
		return nil, nil, err
	}

	left, err = diskchunk.Write(leftPath, leftID, leftRows, leftBlobs, leftTable, bitmap.New(uint32(len(leftDocIDs))), leftDocIDs)
	if err != nil {
		return nil, nil, err
	}
	right, err = diskchunk.Write(rightPath, rightID, rightRows, rightBlobs, rightTable, bitmap.New(uint32(len(rightDocIDs))), rightDocIDs)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// remapKeywords decodes table's keywords and remaps their rowids through
// remap, dropping any posting whose rowid has no entry (excluded or dead).
func remapKeywords(table *posting.Table, remap map[uint32]uint32) ([]posting.KeywordEntry, error) {
	kws, err := table.Keywords()
	if err != nil {
		return nil, err
	}
	var out []posting.KeywordEntry
	for _, kp := range kws {
		hits := decodeRemappedHits(kp, remap)
		if len(hits) == 0 {
			continue
		}
		out = append(out, posting.KeywordEntry{Keyword: kp.Keyword, Hits: hits})
	}
	return out, nil
}

// mergeTwoKeywordTables lock-step-merges two tables' decoded keyword
// postings in lexicographic order, the same procedure merger.go uses for
// RAM segments, specialized here to two disk-chunk posting tables.
func mergeTwoKeywordTables(ta *posting.Table, remapA map[uint32]uint32, tb *posting.Table, remapB map[uint32]uint32) ([]posting.KeywordEntry, error) {
	kwsA, err := ta.Keywords()
	if err != nil {
		return nil, err
	}
	kwsB, err := tb.Keywords()
	if err != nil {
		return nil, err
	}

	var out []posting.KeywordEntry
	i, j := 0, 0
	for i < len(kwsA) || j < len(kwsB) {
		switch {
		case i >= len(kwsA):
			out = appendRemapped(out, kwsB[j], remapB)
			j++
		case j >= len(kwsB):
			out = appendRemapped(out, kwsA[i], remapA)
			i++
		default:
			c := bytes.Compare(kwsA[i].Keyword, kwsB[j].Keyword)
			switch {
			case c < 0:
				out = appendRemapped(out, kwsA[i], remapA)
				i++
			case c > 0:
				out = appendRemapped(out, kwsB[j], remapB)
				j++
			default:
				hitsA := decodeRemappedHits(kwsA[i], remapA)
				hitsB := decodeRemappedHits(kwsB[j], remapB)
				out = append(out, posting.KeywordEntry{Keyword: kwsA[i].Keyword, Hits: append(hitsA, hitsB...)})
				i++
				j++
			}
		}
	}
	return out, nil
}

func appendRemapped(out []posting.KeywordEntry, kp posting.KeywordPosting, remap map[uint32]uint32) []posting.KeywordEntry {
	hits := decodeRemappedHits(kp, remap)
	if len(hits) == 0 {
		return out
	}
	return append(out, posting.KeywordEntry{Keyword: kp.Keyword, Hits: hits})
}

func decodeRemappedHits(kp posting.KeywordPosting, remap map[uint32]uint32) []posting.Hit {
	r := posting.NewDocListReader(kp.DocBytes)
	hitReader := bytes.NewReader(kp.HitBytes)

	var hits []posting.Hit
	for {
		entry, ok, err := r.Next()
		if err != nil || !ok {
			break
		}
		newRowID, alive := remap[entry.RowID]
		fields := posting.FieldsFromMask(entry.FieldMask)

		if entry.HitCount == 1 {
			if alive {
				hits = append(hits, posting.Hit{RowID: newRowID, Field: fieldAt(fields, 0), Position: entry.InlinePosition})
			}
			continue
		}

		hr := posting.NewHitListReader(hitReader, entry.HitCount)
		i := 0
		for {
			pos, ok, err := hr.Next()
			if err != nil || !ok {
				break
			}
			if alive {
				hits = append(hits, posting.Hit{RowID: newRowID, Field: fieldAt(fields, i), Position: pos})
			}
			i++
		}
	}
	return hits
}

// fieldAt cycles through fields (the distinct field ids a doc entry's
// aggregate mask decoded to) by occurrence index i, so re-aggregating the
// reconstructed hits' Field values reproduces the original FieldMask
// exactly (spec §3 doc-record field mask).
func fieldAt(fields []uint8, i int) uint8 {
	if len(fields) == 0 {
		return 0
	}
	return fields[i%len(fields)]
}
