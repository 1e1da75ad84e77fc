// Package rowstore implements the fixed-stride row store and the
// append-only blob pool described in spec §3/§4.2: a row at rowid r lives
// at r*stride in a flat word array, and variable-length attributes (blobs)
// live in a side pool referenced by per-row offset/length pairs.
package rowstore

import (
	"encoding/binary"
	"fmt"
)

// Row is a fixed-width slice of uint64 words, the unit of the row store.
type Row []uint64

// Store is an immutable-once-published array of fixed-stride rows.
type Store struct {
	stride int
	words  []uint64
}

// NewStore allocates an empty store with the given row stride (word count).
func NewStore(stride int) *Store {
	if stride <= 0 {
		stride = 1
	}
	return &Store{stride: stride}
}

// Stride returns the row width in words.
func (s *Store) Stride() int { return s.stride }

// NumRows returns the number of rows currently stored.
func (s *Store) NumRows() uint32 {
	if s.stride == 0 {
		return 0
	}
	return uint32(len(s.words) / s.stride)
}

// AppendRow appends one row of exactly Stride() words and returns its
// rowid. Used only during accumulator/merge/flush construction; a Store is
// immutable after the segment that owns it is published (spec §3).
func (s *Store) AppendRow(row Row) (uint32, error) {
	if len(row) != s.stride {
		return 0, fmt.Errorf("rowstore: row has %d words, want stride %d", len(row), s.stride)
	}
	rowid := s.NumRows()
	s.words = append(s.words, row...)
	return rowid, nil
}

// Row returns the row at rowid. The returned slice aliases the store's
// backing array and must not be mutated by query-time readers.
func (s *Store) Row(rowid uint32) Row {
	off := int(rowid) * s.stride
	return Row(s.words[off : off+s.stride])
}

// WriteWord overwrites a single word of an existing row. Used by the
// update path (spec §4.7) for fixed-width attribute updates; blob-typed
// attributes instead go through BlobPool.
func (s *Store) WriteWord(rowid uint32, wordIdx int, v uint64) error {
	if wordIdx < 0 || wordIdx >= s.stride {
		return fmt.Errorf("rowstore: word index %d out of range [0,%d)", wordIdx, s.stride)
	}
	off := int(rowid)*s.stride + wordIdx
	s.words[off] = v
	return nil
}

// UsedBytes returns the number of bytes owned by the store's backing
// array, fed into the segment's used_ram() accounting (spec §4.2).
func (s *Store) UsedBytes() uint64 {
	return uint64(len(s.words)) * 8
}

// Bytes serializes the row store for .ram/disk-chunk persistence: row
// count, stride, then the raw little-endian words.
func (s *Store) Bytes() []byte {
	buf := make([]byte, 8+len(s.words)*8)
	binary.LittleEndian.PutUint32(buf[0:4], s.NumRows())
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.stride))
	for i, w := range s.words {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], w)
	}
	return buf
}

// Load reconstructs a Store from bytes produced by Bytes.
func Load(buf []byte) (*Store, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("rowstore: truncated header")
	}
	nRows := binary.LittleEndian.Uint32(buf[0:4])
	stride := binary.LittleEndian.Uint32(buf[4:8])
	want := 8 + int(nRows)*int(stride)*8
	if len(buf) < want {
		return nil, fmt.Errorf("rowstore: truncated body, want %d bytes got %d", want, len(buf))
	}
	words := make([]uint64, int(nRows)*int(stride))
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[8+i*8 : 16+i*8])
	}
	return &Store{stride: int(stride), words: words}, nil
}
