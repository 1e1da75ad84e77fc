// Package posting implements the per-keyword posting-list format described
// in spec §3/§4.1/§4.3: a doc list (rowid-delta, field mask, hit count, hit
// ref) and a hit list (position deltas), VLB-encoded, with the one-hit
// special case folding the single position into the doc record.
package posting

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sprtio/rtindex/codec"
)

// CheckpointStride is N in spec §3's "every Nth keyword (N ≈ 48)".
const CheckpointStride = 48

// Hit is one (rowid, field, position) occurrence of a keyword, produced by
// tokenization (out of scope) and consumed here.
type Hit struct {
	RowID    uint32
	Field    uint8
	Position uint32
}

// byRowidField sorts hits of a single keyword by (rowid, field, position),
// satisfying spec §3's "sorted by (word, rowid, position) inside a
// segment" once grouped per keyword, and §8 property 5's "strictly
// increasing positions per field".
type byRowidField []Hit

func (h byRowidField) Len() int { return len(h) }
func (h byRowidField) Less(i, j int) bool {
	if h[i].RowID != h[j].RowID {
		return h[i].RowID < h[j].RowID
	}
	if h[i].Field != h[j].Field {
		return h[i].Field < h[j].Field
	}
	return h[i].Position < h[j].Position
}
func (h byRowidField) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// List is one keyword's built posting list: the doc stream and hit stream
// bytes, ready to be concatenated into a segment's shared word/doc/hit
// streams.
type List struct {
	DocBytes []byte
	HitBytes []byte
	DocCount uint32
}

// BuildList sorts hits (if not already sorted) and serializes the doc/hit
// streams for one keyword. Dead rows must already be filtered out by the
// caller (accumulator/merger/flusher) before calling BuildList, since
// posting lists never reference killed rows once serialized.
func BuildList(hits []Hit) (*List, error) {
	if len(hits) == 0 {
		return &List{}, nil
	}

	sort.Stable(byRowidField(hits))

	var docBuf, hitBuf bytes.Buffer
	var rowidBase uint64
	var docCount uint32

	i := 0
	for i < len(hits) {
		j := i
		rowid := hits[i].RowID
		for j < len(hits) && hits[j].RowID == rowid {
			j++
		}
		group := hits[i:j]

		fieldMask := uint32(0)
		for _, h := range group {
			if h.Field < 32 {
				fieldMask |= 1 << h.Field
			}
		}

		if err := codec.WriteUvarint(&docBuf, uint64(rowid)-rowidBase); err != nil {
			return nil, fmt.Errorf("posting: write rowid delta: %w", err)
		}
		rowidBase = uint64(rowid)

		if err := codec.WriteUvarint(&docBuf, uint64(fieldMask)); err != nil {
			return nil, fmt.Errorf("posting: write field mask: %w", err)
		}
		if err := codec.WriteUvarint(&docBuf, uint64(len(group))); err != nil {
			return nil, fmt.Errorf("posting: write hit count: %w", err)
		}

		if len(group) == 1 {
			docBuf.Write(codec.EncodeOneHitPosition(nil, uint64(group[0].Position)))
		} else {
			var posBase uint64
			for _, h := range group {
				if err := codec.WriteUvarint(&hitBuf, uint64(h.Position)-posBase); err != nil {
					return nil, fmt.Errorf("posting: write hit position delta: %w", err)
				}
				posBase = uint64(h.Position)
			}
		}

		docCount++
		i = j
	}

	return &List{DocBytes: docBuf.Bytes(), HitBytes: hitBuf.Bytes(), DocCount: docCount}, nil
}

// FieldsFromMask returns the set field ids of mask in ascending order. The
// wire format only stores the aggregate field mask per doc entry (spec §3
// "doc record: ... field mask"), not the field each individual hit
// belonged to, so a merge/flush that re-encodes a doc's hits from a
// decoded entry must reconstruct per-hit fields that reproduce this exact
// mask when re-aggregated (cycled across FieldsFromMask's result), rather
// than leaving Hit.Field unset and silently collapsing the mask to field 0.
func FieldsFromMask(mask uint32) []uint8 {
	var fields []uint8
	for f := uint8(0); f < 32; f++ {
		if mask&(1<<f) != 0 {
			fields = append(fields, f)
		}
	}
	return fields
}

// DocEntry is one decoded doc-list record.
type DocEntry struct {
	RowID     uint32
	FieldMask uint32
	HitCount  uint32
	// InlinePosition is valid iff HitCount == 1 (spec §3/§8 property 5).
	InlinePosition uint32
}

// DocListReader iterates a decoded doc stream in order.
type DocListReader struct {
	r         *bytes.Reader
	rowidBase uint64
}

// NewDocListReader wraps a doc-list byte stream for sequential reading.
func NewDocListReader(buf []byte) *DocListReader {
	return &DocListReader{r: bytes.NewReader(buf)}
}

// Next decodes the next doc entry, or returns ok=false at end of stream.
func (r *DocListReader) Next() (entry DocEntry, ok bool, err error) {
	if r.r.Len() == 0 {
		return DocEntry{}, false, nil
	}

	delta, err := codec.ReadUvarint(r.r)
	if err != nil {
		return DocEntry{}, false, fmt.Errorf("posting: truncated rowid delta: %w", err)
	}
	r.rowidBase += delta

	fm, err := codec.ReadUvarint(r.r)
	if err != nil {
		return DocEntry{}, false, fmt.Errorf("posting: truncated field mask: %w", err)
	}
	hc, err := codec.ReadUvarint(r.r)
	if err != nil {
		return DocEntry{}, false, fmt.Errorf("posting: truncated hit count: %w", err)
	}

	entry = DocEntry{RowID: uint32(r.rowidBase), FieldMask: uint32(fm), HitCount: uint32(hc)}

	if hc == 1 {
		pos, err := codec.DecodeOneHitPosition(r.r)
		if err != nil {
			return DocEntry{}, false, fmt.Errorf("posting: truncated inline position: %w", err)
		}
		entry.InlinePosition = uint32(pos)
	}

	return entry, true, nil
}

// HitListReader iterates the position deltas of one multi-hit doc entry.
// Callers must track the byte offset into the shared hit stream themselves
// (the doc entry does not store a hit-stream offset explicitly; hit lists
// for multi-hit docs are consumed in the same order their doc entries were
// written, matching Build's emission order).
type HitListReader struct {
	r       *bytes.Reader
	posBase uint64
	count   uint32
	read    uint32
}

// NewHitListReader returns a reader over count positions from r.
func NewHitListReader(r *bytes.Reader, count uint32) *HitListReader {
	return &HitListReader{r: r, count: count}
}

// Next returns the next position, or ok=false once count positions have
// been read.
func (r *HitListReader) Next() (pos uint32, ok bool, err error) {
	if r.read >= r.count {
		return 0, false, nil
	}
	delta, err := codec.ReadUvarint(r.r)
	if err != nil {
		return 0, false, fmt.Errorf("posting: truncated hit list: %w", err)
	}
	r.posBase += delta
	r.read++
	return uint32(r.posBase), true, nil
}
