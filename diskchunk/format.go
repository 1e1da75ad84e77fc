// Package diskchunk implements the on-disk chunk collaborator of spec §6:
// opaque to the core except for preallocation, rename, unlink, multi_query,
// kill_multi, update_attributes, save_attributes, get_status, get_stats,
// add_remove_attribute, add_remove_field, get_field_lens. The on-disk
// layout is five length+CRC-framed sections (rows, blobs, postings,
// dead-row map, docids) followed by a fixed-size footer with its own CRC,
// after the teacher's SST writer section-plus-footer shape.
package diskchunk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic and version constants for the chunk file footer.
const (
	magic         = 0x54525053 // "SPRT" read little-endian as a dword, per spec .meta magic
	formatVersion = 2
	// footerSize is magic(4) + version(4) + 5 (offset(8)+size(4)) pairs + crc(4).
	footerSize = 4 + 4 + (8+4)*5 + 4
)

// footer is written last so a reader can seek to the end and find every
// section without scanning, mirroring the teacher's fixed-size SST footer.
// The docIDs section makes a chunk file self-describing (spec §6 "doc-id
// lookup" built as part of the attribute file), so Open no longer needs the
// docid list handed in externally by the meta file.
type footer struct {
	rowsOffset, rowsSize         uint64
	blobsOffset, blobsSize       uint64
	postingsOffset, postingsSize uint64
	deadOffset, deadSize         uint64
	docIDsOffset, docIDsSize     uint64
	crc                          uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], f.rowsOffset)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.rowsSize))
	binary.LittleEndian.PutUint64(buf[20:28], f.blobsOffset)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.blobsSize))
	binary.LittleEndian.PutUint64(buf[32:40], f.postingsOffset)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(f.postingsSize))
	binary.LittleEndian.PutUint64(buf[44:52], f.deadOffset)
	binary.LittleEndian.PutUint32(buf[52:56], uint32(f.deadSize))
	binary.LittleEndian.PutUint64(buf[56:64], f.docIDsOffset)
	binary.LittleEndian.PutUint32(buf[64:68], uint32(f.docIDsSize))
	crc := crc32.ChecksumIEEE(buf[:68])
	binary.LittleEndian.PutUint32(buf[68:72], crc)
	return buf[:72]
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) < 72 {
		return footer{}, fmt.Errorf("diskchunk: truncated footer")
	}
	buf = buf[len(buf)-72:]

	gotMagic := binary.LittleEndian.Uint32(buf[0:4])
	if gotMagic != magic {
		return footer{}, fmt.Errorf("diskchunk: bad magic %#x", gotMagic)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version > formatVersion {
		return footer{}, fmt.Errorf("diskchunk: unsupported version %d", version)
	}

	wantCRC := binary.LittleEndian.Uint32(buf[68:72])
	gotCRC := crc32.ChecksumIEEE(buf[:68])
	if wantCRC != gotCRC {
		return footer{}, fmt.Errorf("diskchunk: footer CRC mismatch")
	}

	return footer{
		rowsOffset:     binary.LittleEndian.Uint64(buf[8:16]),
		rowsSize:       uint64(binary.LittleEndian.Uint32(buf[16:20])),
		blobsOffset:    binary.LittleEndian.Uint64(buf[20:28]),
		blobsSize:      uint64(binary.LittleEndian.Uint32(buf[28:32])),
		postingsOffset: binary.LittleEndian.Uint64(buf[32:40]),
		postingsSize:   uint64(binary.LittleEndian.Uint32(buf[40:44])),
		deadOffset:     binary.LittleEndian.Uint64(buf[44:52]),
		deadSize:       uint64(binary.LittleEndian.Uint32(buf[52:56])),
		docIDsOffset:   binary.LittleEndian.Uint64(buf[56:64]),
		docIDsSize:     uint64(binary.LittleEndian.Uint32(buf[64:68])),
		crc:            gotCRC,
	}, nil
}

// encodeDocIDs serializes a docid-per-rowid vector for the chunk's
// self-describing docids section.
func encodeDocIDs(ids []int64) []byte {
	buf := make([]byte, 4+len(ids)*8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[4+i*8:12+i*8], uint64(id))
	}
	return buf
}

func decodeDocIDs(buf []byte) ([]int64, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("diskchunk: truncated docids header")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + int(n)*8
	if len(buf) < want {
		return nil, fmt.Errorf("diskchunk: truncated docids body")
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(binary.LittleEndian.Uint64(buf[4+i*8 : 12+i*8]))
	}
	return ids, nil
}

// encodeSection length-prefixes payload with a trailing CRC32, the unit
// the writer appends once per section (rows, blobs, postings, dead map).
func encodeSection(payload []byte) []byte {
	buf := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc)
	return buf
}

func decodeSection(buf []byte) (payload []byte, rest []byte, err error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("diskchunk: truncated section header")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 8+uint64(n) {
		return nil, nil, fmt.Errorf("diskchunk: truncated section body")
	}
	payload = buf[4 : 4+n]
	wantCRC := binary.LittleEndian.Uint32(buf[4+n : 8+n])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, nil, fmt.Errorf("diskchunk: section CRC mismatch")
	}
	return payload, buf[8+n:], nil
}
