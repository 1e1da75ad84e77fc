package rowstore

import (
	"encoding/binary"
	"fmt"
)

// BlobRef locates a variable-length attribute payload within a BlobPool.
type BlobRef struct {
	Offset uint64
	Length uint32
}

// BlobPool is the append-only byte vector holding variable-length
// attributes referenced by per-row offsets (spec §3 Blob pool). Updates may
// overwrite in place only when the new value is the same size or smaller
// than the old one; a larger value is always appended and the row's
// reference is repointed (spec §4.7 step 2).
type BlobPool struct {
	data []byte
}

// NewBlobPool returns an empty pool.
func NewBlobPool() *BlobPool { return &BlobPool{} }

// Append writes payload to the end of the pool and returns its reference.
func (p *BlobPool) Append(payload []byte) BlobRef {
	ref := BlobRef{Offset: uint64(len(p.data)), Length: uint32(len(payload))}
	p.data = append(p.data, payload...)
	return ref
}

// Get returns the payload at ref. The returned slice aliases the pool's
// backing array.
func (p *BlobPool) Get(ref BlobRef) ([]byte, error) {
	end := ref.Offset + uint64(ref.Length)
	if end > uint64(len(p.data)) {
		return nil, fmt.Errorf("rowstore: blob ref [%d,%d) out of range (pool size %d)", ref.Offset, end, len(p.data))
	}
	return p.data[ref.Offset:end], nil
}

// Update writes a new payload for an existing ref. If payload fits within
// the old ref's length, it is overwritten in place and the (possibly
// smaller) new length is returned in the updated ref. Otherwise the payload
// is appended and a brand new ref is returned. Either way the old bytes
// past the new length (if overwritten in place) are left untouched but
// unreferenced.
func (p *BlobPool) Update(old BlobRef, payload []byte) (BlobRef, error) {
	if uint32(len(payload)) <= old.Length {
		end := old.Offset + uint64(old.Length)
		if end > uint64(len(p.data)) {
			return BlobRef{}, fmt.Errorf("rowstore: stale blob ref [%d,%d)", old.Offset, end)
		}
		copy(p.data[old.Offset:old.Offset+uint64(len(payload))], payload)
		return BlobRef{Offset: old.Offset, Length: uint32(len(payload))}, nil
	}
	return p.Append(payload), nil
}

// Len returns the current size of the pool in bytes.
func (p *BlobPool) Len() uint64 { return uint64(len(p.data)) }

// Bytes serializes the pool for persistence.
func (p *BlobPool) Bytes() []byte {
	buf := make([]byte, 8+len(p.data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(p.data)))
	copy(buf[8:], p.data)
	return buf
}

// LoadBlobPool reconstructs a pool from bytes produced by Bytes.
func LoadBlobPool(buf []byte) (*BlobPool, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("rowstore: truncated blob pool header")
	}
	n := binary.LittleEndian.Uint64(buf[0:8])
	if uint64(len(buf)-8) < n {
		return nil, fmt.Errorf("rowstore: truncated blob pool body")
	}
	data := make([]byte, n)
	copy(data, buf[8:8+n])
	return &BlobPool{data: data}, nil
}
