package codec

import "io"

// DeltaWriter accumulates a running base and emits each value as a VLB
// delta from the previous one. Restart resets the running base to zero,
// matching the segment/keyword boundary reset rule in spec §4.1.
type DeltaWriter struct {
	base uint64
	buf  []byte
}

// NewDeltaWriter returns a DeltaWriter with an empty running base.
func NewDeltaWriter() *DeltaWriter { return &DeltaWriter{} }

// Put appends the VLB-encoded delta (v - base) to buf and advances base to
// v. Callers must only ever supply non-decreasing v within one run; that
// invariant is the caller's (posting list builder's) responsibility, not
// this type's.
func (d *DeltaWriter) Put(v uint64) {
	d.buf = PutUvarint(d.buf, v-d.base)
	d.base = v
}

// Restart resets the running base to zero, as required at segment or
// keyword-stream boundaries.
func (d *DeltaWriter) Restart() { d.base = 0 }

// Bytes returns the accumulated byte stream.
func (d *DeltaWriter) Bytes() []byte { return d.buf }

// DeltaReader is the read-side counterpart of DeltaWriter.
type DeltaReader struct {
	base uint64
	r    io.ByteReader
}

// NewDeltaReader wraps r for delta decoding starting from a zero base.
func NewDeltaReader(r io.ByteReader) *DeltaReader {
	return &DeltaReader{r: r}
}

// Next decodes the next delta and returns base+delta, advancing the
// running base.
func (d *DeltaReader) Next() (uint64, error) {
	delta, err := ReadUvarint(d.r)
	if err != nil {
		return 0, err
	}
	d.base += delta
	return d.base, nil
}

// Restart resets the running base to zero, mirroring DeltaWriter.Restart.
func (d *DeltaReader) Restart() { d.base = 0 }
