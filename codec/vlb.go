// Package codec implements the variable-length byte (VLB) integer codec and
// the keyword-delta packing used by posting lists and word checkpoints.
//
// VLB encodes unsigned integers little-endian, 7 data bits per byte, with
// the high bit of every byte but the last set as a continuation marker. It
// is a prefix-free code: no encoding of one value is a prefix of another.
package codec

import (
	"bufio"
	"errors"
	"io"
)

// ErrOverflow is returned when decoding a VLB integer would not fit in the
// requested width (used by the one-hit inline position path, which packs
// two 7-bit streams into a pair of DWORDs).
var ErrOverflow = errors.New("codec: vlb value overflows target width")

// PutUvarint appends the VLB encoding of v to dst and returns the result.
func PutUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// SizeUvarint returns the number of bytes PutUvarint would emit for v.
func SizeUvarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

// WriteUvarint writes the VLB encoding of v to w.
func WriteUvarint(w io.ByteWriter, v uint64) error {
	for v >= 0x80 {
		if err := w.WriteByte(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return w.WriteByte(byte(v))
}

// ReadUvarint decodes one VLB integer from r. It mirrors encoding/binary's
// ReadUvarint but documents the 7-bit/byte, MSB-continuation scheme
// normatively (encoding/binary's varint is wire-compatible with it, but we
// keep our own decoder so the continuation/overflow behavior is pinned to
// the spec rather than to an upstream implementation detail).
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, ErrOverflow
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

// DecodeOneHitPosition decodes the special-cased embedded hit position of a
// single-hit document record: two independently VLB-encoded DWORDs, a and
// b, recombined as a | (b << 24).
func DecodeOneHitPosition(r io.ByteReader) (uint64, error) {
	a, err := ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if a > 0xFFFFFFFF {
		return 0, ErrOverflow
	}
	b, err := ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if b > 0xFFFFFFFF {
		return 0, ErrOverflow
	}
	return (a & 0xFFFFFF) | (b << 24), nil
}

// EncodeOneHitPosition is the inverse of DecodeOneHitPosition.
func EncodeOneHitPosition(dst []byte, pos uint64) []byte {
	a := pos & 0xFFFFFF
	b := pos >> 24
	dst = PutUvarint(dst, a)
	dst = PutUvarint(dst, b)
	return dst
}

// ByteReader adapts a bufio.Reader (or anything with ReadByte) so callers
// that only have an io.Reader can still drive ReadUvarint.
func ByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return bufio.NewReader(r)
}
