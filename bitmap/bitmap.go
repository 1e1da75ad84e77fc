// Package bitmap provides the dead-row bitmap used by RAM segments and disk
// chunks, and the small tagged-set helper used to mark segments as
// participating in a merge/flush op ticket (spec §4.5, §5).
package bitmap

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// DeadRows is a bit-per-rowid dead-row bitmap. Alive-count bookkeeping
// (uRows - popcount) is kept by the owner (segment.Segment); this type only
// owns the bits. Every operation takes a short internal mutex, so the
// bitmap is safe for concurrent use but is not lock-free.
type DeadRows struct {
	mu  sync.Mutex
	set *bitset.BitSet
}

// New returns a DeadRows sized for n rows, all initially alive.
func New(n uint32) *DeadRows {
	return &DeadRows{set: bitset.New(uint(n))}
}

// Kill marks rowid dead. It returns true the first time a given rowid is
// killed and false on every subsequent call (kill idempotence, spec §8).
func (d *DeadRows) Kill(rowid uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set.Test(uint(rowid)) {
		return false
	}
	d.set.Set(uint(rowid))
	return true
}

// IsDead reports whether rowid has been killed.
func (d *DeadRows) IsDead(rowid uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set.Test(uint(rowid))
}

// DeadCount returns the population count of the bitmap (number of killed
// rows).
func (d *DeadRows) DeadCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(d.set.Count())
}

// Clone returns a deep copy, used when a merge/flush needs a stable view of
// the bitmap at the moment a segment is tagged.
func (d *DeadRows) Clone() *DeadRows {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &DeadRows{set: d.set.Clone()}
}

// Bytes serializes the bitmap for the .ram/disk-chunk dead-row map.
func (d *DeadRows) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, _ := d.set.MarshalBinary()
	return b
}

// FromBytes reconstructs a DeadRows from a serialized bitmap.
func FromBytes(b []byte) (*DeadRows, error) {
	s := &bitset.BitSet{}
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &DeadRows{set: s}, nil
}

// Len returns the bitmap's declared length in bits (rows).
func (d *DeadRows) Len() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(d.set.Len())
}
