// Package flusher implements the RAM-segments -> new-disk-chunk procedure
// of spec §4.6: once RAM usage crosses the soft limit, every untagged
// segment is tagged, merged under one set of consecutive rowids exactly as
// the merger does pairwise (but across all of them at once), written to a
// freshly preallocated chunk file, and published in place of its RAM-segment
// inputs.
package flusher

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
	"github.com/sprtio/rtindex/segment"
	"github.com/sprtio/rtindex/snapshot"
)

// Flusher owns the flush procedure for one index. It satisfies
// merger.Flusher so the merger can invoke it directly when the soft RAM
// limit is crossed (spec §4.5 "FLUSH").
type Flusher struct {
	ex          *executor.Executor
	dir         string
	bloomParams infixbloom.Params
	log         *zap.SugaredLogger

	nextChunkID uint32 // atomic, incremented past every id ever assigned
}

// Option configures a new Flusher.
type Option func(*Flusher)

// WithInfixBloom sets the bloom parameters used when building the flushed
// chunk's posting table.
func WithInfixBloom(p infixbloom.Params) Option {
	return func(f *Flusher) { f.bloomParams = p }
}

// WithStartChunkID seeds the chunk id counter, used when reopening an index
// that already has chunks on disk (spec §4.9 "chunk ids are assigned
// strictly increasing").
func WithStartChunkID(id uint32) Option {
	return func(f *Flusher) { f.nextChunkID = id }
}

// WithLogger installs a structured logger for flush-pass diagnostics.
func WithLogger(l *zap.SugaredLogger) Option { return func(f *Flusher) { f.log = l } }

// New returns a Flusher that writes chunk files under dir.
func New(ex *executor.Executor, dir string, opts ...Option) *Flusher {
	f := &Flusher{ex: ex, dir: dir, bloomParams: infixbloom.DefaultParams, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flush runs one full flush pass (spec §4.6 steps 1-7): tag every untagged
// segment, merge their live rows/postings under new consecutive rowids on
// the merger worker, preallocate and write the resulting chunk, then
// install it in the snapshot in place of its segment inputs on the serial
// worker.
func (f *Flusher) Flush() error {
	pair := f.ex.Snapshot.Acquire()

	var targets []*segment.Segment
	err := f.ex.Serial.Run(func() {
		for _, s := range pair.SegmentSlice() {
			if s.Ticket() != 0 {
				continue
			}
			ticket := f.ex.NextTicket()
			if s.Tag(ticket) {
				targets = append(targets, s)
			}
		}
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	f.log.Infow("flushing segments to disk chunk", "segments", len(targets))

	collector := &killCollector{}
	for _, s := range targets {
		s.InstallKillHook(collector)
	}

	id := atomic.AddUint32(&f.nextChunkID, 1) - 1
	path := filepath.Join(f.dir, fmt.Sprintf("chunk-%d.dat", id))
	if err := diskchunk.Preallocate(path); err != nil {
		return fmt.Errorf("flusher: %w", err)
	}

	// Heavy merge/write work. Flush is only ever invoked as a
	// merger.Flusher, i.e. from runOnePass on the merger worker (via
	// CheckForWork), so this runs inline rather than through another
	// Merger.Run — a worker cannot block on its own queue.
	chunk, mergeErr := mergeSegments(targets, id, path, f.bloomParams)
	if mergeErr != nil {
		for _, s := range targets {
			s.ClearKillHook()
			s.Untag()
		}
		f.log.Warnw("flush merge failed", "chunk_id", id, "error", mergeErr)
		return fmt.Errorf("flusher: merge: %w", mergeErr)
	}
	f.log.Infow("wrote disk chunk", "chunk_id", id, "path", path)

	return f.ex.Serial.Run(func() {
		for _, docID := range collector.kills {
			chunk.KillMulti([]int64{docID})
		}

		var changes []diskchunk.AttributeChange
		for _, s := range targets {
			for _, u := range s.DrainPostponedUpdates() {
				changes = append(changes, diskchunk.AttributeChange{DocID: u.DocID, WordIdx: u.WordIdx, Value: u.Value})
			}
			s.ClearKillHook()
		}
		if len(changes) > 0 {
			chunk.UpdateAttributes(changes)
		}

		curPair := f.ex.Snapshot.Acquire()

		nextSegs := make([]*segment.Segment, 0, curPair.Segments.Len())
		targetSet := make(map[*segment.Segment]bool, len(targets))
		for _, s := range targets {
			targetSet[s] = true
		}
		for _, s := range curPair.SegmentSlice() {
			if targetSet[s] {
				continue
			}
			nextSegs = append(nextSegs, s)
		}

		nextChunks := append(curPair.ChunkSlice(), snapshot.DiskChunk(chunk))
		f.ex.Snapshot.ReplaceSegments(nextSegs)
		f.ex.Snapshot.ReplaceChunks(nextChunks)

		for _, s := range targets {
			s.Untag()
		}
	})
}

type killCollector struct {
	kills []int64
}

func (c *killCollector) OnKill(docID int64, rowID uint32) {
	c.kills = append(c.kills, docID)
}

// mergeSegments walks every target segment's live rows into one new row
// store under consecutive rowids, lock-step-merges their keyword streams
// (generalizing merger.mergeKeywordStreams to N inputs), and writes the
// result to path as a new disk chunk (spec §4.6 steps 3-6).
func mergeSegments(targets []*segment.Segment, id uint32, path string, bloomParams infixbloom.Params) (*diskchunk.Chunk, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("flusher: no segments to flush")
	}
	stride := targets[0].Rows.Stride()

	rows := rowstore.NewStore(stride)
	blobs := rowstore.NewBlobPool()
	var docIDs []int64

	remaps := make([]map[uint32]uint32, len(targets))
	for i, s := range targets {
		remap := make(map[uint32]uint32, s.AliveRows())
		ids := s.DocIDs()
		s.RLock()
		for rowID := uint32(0); rowID < s.URows(); rowID++ {
			if s.DeadBitmap().IsDead(rowID) {
				continue
			}
			newID, err := rows.AppendRow(s.GetRow(rowID))
			if err != nil {
				s.RUnlock()
				return nil, err
			}
			remap[rowID] = newID
			docIDs = append(docIDs, ids[rowID])
		}
		s.RUnlock()
		remaps[i] = remap
	}

	entries, err := mergeKeywordStreamsN(targets, remaps)
	if err != nil {
		return nil, err
	}

	table, err := posting.Build(entries, bloomParams)
	if err != nil {
		return nil, fmt.Errorf("flusher: build chunk postings: %w", err)
	}

	dead := bitmap.New(uint32(len(docIDs)))

	chunk, err := diskchunk.Write(path, id, rows, blobs, table, dead, docIDs)
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// mergeKeywordStreamsN walks every target's decoded keyword postings in
// lock-step lexicographic order across all of them at once, generalizing
// the pairwise merge to N inputs (spec §4.6 step 4).
func mergeKeywordStreamsN(targets []*segment.Segment, remaps []map[uint32]uint32) ([]posting.KeywordEntry, error) {
	streams := make([][]posting.KeywordPosting, len(targets))
	for i, s := range targets {
		kws, err := s.Postings.Keywords()
		if err != nil {
			return nil, err
		}
		streams[i] = kws
	}
	positions := make([]int, len(streams))

	var out []posting.KeywordEntry
	for {
		var min []byte
		for i, pos := range positions {
			if pos >= len(streams[i]) {
				continue
			}
			kw := streams[i][pos].Keyword
			if min == nil || bytes.Compare(kw, min) < 0 {
				min = kw
			}
		}
		if min == nil {
			break
		}

		var hits []posting.Hit
		for i, pos := range positions {
			if pos >= len(streams[i]) {
				continue
			}
			kp := streams[i][pos]
			if !bytes.Equal(kp.Keyword, min) {
				continue
			}
			hits = append(hits, decodeRemappedHits(kp, remaps[i])...)
			positions[i]++
		}

		if len(hits) > 0 {
			out = append(out, posting.KeywordEntry{Keyword: min, Hits: hits})
		}
	}
	return out, nil
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

// ensure snapshot.DiskChunk is satisfied by *diskchunk.Chunk at compile
// time (the assignment in Flush already requires this; kept explicit here
// as a cheap self-check next to the rest of the package's wiring).
var _ snapshot.DiskChunk = (*diskchunk.Chunk)(nil)
