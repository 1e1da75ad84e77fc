// Package query implements the query-time snapshot readers of spec §2/§4:
// RtWordReader, RtDocReader and RtHitReader walk a segment's or disk
// chunk's codec-encoded posting lists, using the word checkpoints to skip
// most of a table's keyword prefix rather than decoding it in full. Dead
// rows are filtered out here, at read time, rather than rewritten out of
// an immutable posting list (that only happens on compress/merge).
package query

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/codec"
	"github.com/sprtio/rtindex/diskchunk"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/segment"
)

// Source normalizes a RAM segment or disk chunk into the posting table and
// dead-row bitmap pair the readers below walk; both artifacts expose the
// same shape once acquired from a snapshot.
type Source struct {
	Table *posting.Table
	Dead  *bitmap.DeadRows
}

// FromSegment builds a Source from a RAM segment.
func FromSegment(s *segment.Segment) Source {
	return Source{Table: s.Postings, Dead: s.DeadBitmap()}
}

// FromChunk builds a Source from a disk chunk.
func FromChunk(c *diskchunk.Chunk) Source {
	return Source{Table: c.PostingTable(), Dead: c.DeadBitmap()}
}

// RtWordReader locates keyword posting lists within one Source. Lookups
// start from the nearest word checkpoint (found by binary search over the
// monotonic Checkpoints vector) rather than decoding the keyword stream
// from its start (spec §3 "Word checkpoint ... offset into word stream").
type RtWordReader struct {
	src Source

	// checkpointHitOffsets[i] is the hit-stream byte offset of
	// Checkpoints[i]'s first keyword. Unlike WordOffset/DocOffset, this is
	// not part of the on-disk checkpoint record, so it is computed once
	// here from Lengths when the reader is opened.
	checkpointHitOffsets []uint32
}

// NewRtWordReader opens a reader over src, precomputing the per-checkpoint
// hit-stream offsets the table itself does not carry.
func NewRtWordReader(src Source) *RtWordReader {
	offsets := make([]uint32, len(src.Table.Checkpoints))
	var hitOff uint32
	cp := 0
	for i, l := range src.Table.Lengths {
		if cp < len(offsets) && i == cp*posting.CheckpointStride {
			offsets[cp] = hitOff
			cp++
		}
		hitOff += l.HitLen
	}
	return &RtWordReader{src: src, checkpointHitOffsets: offsets}
}

// Find locates keyword's posting list and returns a reader positioned over
// it, or ok=false if the table has no such keyword.
func (w *RtWordReader) Find(keyword []byte) (reader *RtDocReader, ok bool, err error) {
	cps := w.src.Table.Checkpoints
	if len(cps) == 0 {
		return nil, false, nil
	}

	// Last checkpoint whose keyword is <= target.
	cpIdx := sort.Search(len(cps), func(i int) bool {
		return bytes.Compare(cps[i].Keyword, keyword) > 0
	}) - 1
	if cpIdx < 0 {
		return nil, false, nil
	}

	docOff := cps[cpIdx].DocOffset
	hitOff := w.checkpointHitOffsets[cpIdx]
	buf := w.src.Table.WordStream[cps[cpIdx].WordOffset:]

	startIdx := cpIdx * posting.CheckpointStride
	limit := startIdx + posting.CheckpointStride
	if limit > len(w.src.Table.Lengths) {
		limit = len(w.src.Table.Lengths)
	}

	var prev []byte
	for i := startIdx; i < limit; i++ {
		kw, n, err := codec.DecodeKeywordDelta(buf, prev)
		if err != nil {
			return nil, false, fmt.Errorf("query: decode word stream at keyword %d: %w", i, err)
		}
		buf = buf[n:]
		prev = kw

		l := w.src.Table.Lengths[i]
		switch bytes.Compare(kw, keyword) {
		case 0:
			docBytes := w.src.Table.DocStream[docOff : docOff+l.DocLen]
			hitBytes := w.src.Table.HitStream[hitOff : hitOff+l.HitLen]
			return NewRtDocReader(docBytes, hitBytes, w.src.Dead), true, nil
		case 1:
			return nil, false, nil
		}
		docOff += l.DocLen
		hitOff += l.HitLen
	}
	return nil, false, nil
}

// AllKeywords decodes every keyword in the table, for prefix/infix scans
// that a bloom pre-filter (package infixbloom) has already narrowed down.
func (w *RtWordReader) AllKeywords() ([][]byte, error) {
	return w.src.Table.DecodeKeywords()
}

// DocHit is one decoded, alive (rowid, field mask, positions) occurrence
// of a keyword.
type DocHit struct {
	RowID     uint32
	FieldMask uint32
	Positions []uint32
}

// RtDocReader iterates one keyword's doc list, silently skipping any row
// the source's dead-row bitmap marks killed.
type RtDocReader struct {
	docs *posting.DocListReader
	hits *bytes.Reader
	dead *bitmap.DeadRows
}

// NewRtDocReader wraps one keyword's doc/hit byte ranges for sequential
// reading. dead may be nil, meaning no rows are filtered.
func NewRtDocReader(docBytes, hitBytes []byte, dead *bitmap.DeadRows) *RtDocReader {
	return &RtDocReader{
		docs: posting.NewDocListReader(docBytes),
		hits: bytes.NewReader(hitBytes),
		dead: dead,
	}
}

// Next returns the next alive doc hit, or ok=false once the doc list is
// exhausted.
func (r *RtDocReader) Next() (DocHit, bool, error) {
	for {
		entry, ok, err := r.docs.Next()
		if err != nil {
			return DocHit{}, false, err
		}
		if !ok {
			return DocHit{}, false, nil
		}

		var positions []uint32
		if entry.HitCount == 1 {
			positions = []uint32{entry.InlinePosition}
		} else {
			hr := NewRtHitReader(r.hits, entry.HitCount)
			for {
				pos, ok, err := hr.Next()
				if err != nil {
					return DocHit{}, false, err
				}
				if !ok {
					break
				}
				positions = append(positions, pos)
			}
		}

		if r.dead != nil && r.dead.IsDead(entry.RowID) {
			continue
		}
		return DocHit{RowID: entry.RowID, FieldMask: entry.FieldMask, Positions: positions}, true, nil
	}
}

// RtHitReader iterates the position deltas of one multi-hit doc entry. It
// is a thin public wrapper over posting.HitListReader so the query package
// alone is the ecosystem-facing surface for posting-list iteration, per
// spec §2's naming of RtDocReader/RtWordReader/RtHitReader as the three
// query snapshot readers.
type RtHitReader struct {
	inner *posting.HitListReader
}

// NewRtHitReader returns a reader over count positions from r.
func NewRtHitReader(r *bytes.Reader, count uint32) *RtHitReader {
	return &RtHitReader{inner: posting.NewHitListReader(r, count)}
}

// Next returns the next position, or ok=false once count positions have
// been read.
func (r *RtHitReader) Next() (uint32, bool, error) { return r.inner.Next() }
