// Package persistence implements the `.meta`/`.ram` on-disk formats of
// spec §4.9/§6: `.meta` carries the index's totals, last transaction id,
// word-checkpoint stride, infix bloom parameters, RAM soft limit, and the
// ordered list of disk-chunk ids; `.ram` carries the serialized RAM
// segments. Both files are written to a temporary sibling file and renamed
// into place atomically, grounded on the teacher's own VLB/byte framing in
// `wal.go` combined with `github.com/natefinch/atomic`'s write-then-rename
// helper (also used by package diskchunk).
package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	natomic "github.com/natefinch/atomic"

	"github.com/sprtio/rtindex/codec"
	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/segment"
)

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

func f64bits(f float64) uint64     { return math.Float64bits(f) }
func f64frombits(b uint64) float64 { return math.Float64frombits(b) }

// Magic and version constants for the .meta file (spec §6 "magic
// 0x54525053, current version 19, minimum readable 14").
const (
	MetaMagic         uint32 = 0x54525053
	MetaFormatVersion uint32 = 19
	MetaMinReadable   uint32 = 14
)

// Meta is the decoded contents of an index's `.meta` file (spec §4.9).
type Meta struct {
	FormatVersion    uint32
	TotalDocs        uint64
	LastTxnID        uint64
	CheckpointStride uint32
	Bloom            infixbloom.Params
	RAMSoftLimit     uint64
	ChunkIDs         []uint32
}

// ErrCorruptMeta is returned when the `.meta` file's magic, version, or a
// size sanity check fails at load (spec §7 "Corruption at load: magic/
// version mismatch or sanity-check failure on vector sizes => startup
// fails with message; no partial-load continuation").
var ErrCorruptMeta = fmt.Errorf("persistence: corrupt .meta file")

// SaveMeta writes m to path via a temporary sibling file and an atomic
// rename (spec §4.9).
func SaveMeta(path string, m Meta) error {
	var buf bytes.Buffer

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MetaMagic)
	buf.Write(hdr[:])
	binary.LittleEndian.PutUint32(hdr[:], MetaFormatVersion)
	buf.Write(hdr[:])

	if err := codec.WriteUvarint(&buf, m.TotalDocs); err != nil {
		return fmt.Errorf("persistence: write totals: %w", err)
	}
	if err := codec.WriteUvarint(&buf, m.LastTxnID); err != nil {
		return fmt.Errorf("persistence: write last txn id: %w", err)
	}
	if err := codec.WriteUvarint(&buf, uint64(m.CheckpointStride)); err != nil {
		return fmt.Errorf("persistence: write checkpoint stride: %w", err)
	}

	if err := codec.WriteUvarint(&buf, uint64(m.Bloom.MinInfixLen)); err != nil {
		return fmt.Errorf("persistence: write bloom min infix len: %w", err)
	}
	if err := codec.WriteUvarint(&buf, uint64(m.Bloom.EstimatedKeywords)); err != nil {
		return fmt.Errorf("persistence: write bloom estimated keywords: %w", err)
	}
	var fpBits [8]byte
	binary.LittleEndian.PutUint64(fpBits[:], f64bits(m.Bloom.FalsePositiveRate))
	buf.Write(fpBits[:])

	if err := codec.WriteUvarint(&buf, m.RAMSoftLimit); err != nil {
		return fmt.Errorf("persistence: write ram soft limit: %w", err)
	}

	if err := codec.WriteUvarint(&buf, uint64(len(m.ChunkIDs))); err != nil {
		return fmt.Errorf("persistence: write chunk id count: %w", err)
	}
	for _, id := range m.ChunkIDs {
		if err := codec.WriteUvarint(&buf, uint64(id)); err != nil {
			return fmt.Errorf("persistence: write chunk id: %w", err)
		}
	}

	return natomic.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// LoadMeta reads and validates an index's `.meta` file (spec §4.9 startup
// step 1, §7 "Corruption at load").
func LoadMeta(path string) (Meta, error) {
	raw, err := readFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("persistence: read %s: %w", path, err)
	}
	if len(raw) < 8 {
		return Meta{}, fmt.Errorf("%w: %s truncated", ErrCorruptMeta, path)
	}

	gotMagic := binary.LittleEndian.Uint32(raw[0:4])
	if gotMagic != MetaMagic {
		return Meta{}, fmt.Errorf("%w: %s bad magic %#x", ErrCorruptMeta, path, gotMagic)
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version < MetaMinReadable || version > MetaFormatVersion {
		return Meta{}, fmt.Errorf("%w: %s format version %d outside readable range [%d,%d]", ErrCorruptMeta, path, version, MetaMinReadable, MetaFormatVersion)
	}

	r := bytes.NewReader(raw[8:])

	totalDocs, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: totals: %v", ErrCorruptMeta, path, err)
	}
	lastTxnID, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: last txn id: %v", ErrCorruptMeta, path, err)
	}
	checkpointStride, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: checkpoint stride: %v", ErrCorruptMeta, path, err)
	}

	minInfixLen, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: bloom min infix len: %v", ErrCorruptMeta, path, err)
	}
	estKeywords, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: bloom estimated keywords: %v", ErrCorruptMeta, path, err)
	}
	var fpBits [8]byte
	if _, err := io.ReadFull(r, fpBits[:]); err != nil {
		return Meta{}, fmt.Errorf("%w: %s: bloom false positive rate: %v", ErrCorruptMeta, path, err)
	}

	ramSoftLimit, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: ram soft limit: %v", ErrCorruptMeta, path, err)
	}

	numChunks, err := codec.ReadUvarint(r)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s: chunk id count: %v", ErrCorruptMeta, path, err)
	}
	if numChunks > 1<<20 {
		return Meta{}, fmt.Errorf("%w: %s: implausible chunk id count %d", ErrCorruptMeta, path, numChunks)
	}
	chunkIDs := make([]uint32, numChunks)
	for i := range chunkIDs {
		id, err := codec.ReadUvarint(r)
		if err != nil {
			return Meta{}, fmt.Errorf("%w: %s: chunk id %d: %v", ErrCorruptMeta, path, i, err)
		}
		chunkIDs[i] = uint32(id)
	}

	return Meta{
		FormatVersion:    version,
		TotalDocs:        totalDocs,
		LastTxnID:        lastTxnID,
		CheckpointStride: uint32(checkpointStride),
		Bloom: infixbloom.Params{
			MinInfixLen:       int(minInfixLen),
			EstimatedKeywords: uint(estKeywords),
			FalsePositiveRate: f64frombits(binary.LittleEndian.Uint64(fpBits[:])),
		},
		RAMSoftLimit: ramSoftLimit,
		ChunkIDs:     chunkIDs,
	}, nil
}

// SaveRAM writes the given segments' serialized state to path (spec §4.9
// ".ram: serialized RAM segments: count + per-segment (...)").
func SaveRAM(path string, segments []*segment.Segment) error {
	var buf bytes.Buffer

	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(segments)))
	buf.Write(cnt[:])

	for _, seg := range segments {
		body := seg.Bytes()
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(body)))
		buf.Write(n[:])
		buf.Write(body)
	}

	return natomic.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// LoadRAM reads and reconstructs every RAM segment serialized at path
// (spec §4.9 startup step 3). A missing file, or one too short to hold the
// segment count, is returned as an error; callers that treat a missing
// `.ram` as a brand-new index check for the file before calling.
func LoadRAM(path string) ([]*segment.Segment, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("persistence: read %s: %w", path, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("persistence: %s: truncated segment count", path)
	}

	count := binary.LittleEndian.Uint32(raw[0:4])
	off := 4

	segments := make([]*segment.Segment, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(raw) {
			return nil, fmt.Errorf("persistence: %s: truncated segment %d length", path, i)
		}
		n := binary.LittleEndian.Uint32(raw[off : off+4])
		off += 4
		if off+int(n) > len(raw) {
			return nil, fmt.Errorf("persistence: %s: truncated segment %d body", path, i)
		}
		seg, err := segment.LoadSegment(raw[off : off+int(n)])
		if err != nil {
			return nil, fmt.Errorf("persistence: %s: segment %d: %w", path, i, err)
		}
		segments = append(segments, seg)
		off += int(n)
	}

	return segments, nil
}
