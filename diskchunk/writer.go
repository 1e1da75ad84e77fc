package diskchunk

import (
	"fmt"
	"os"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
)

// Write serializes rows/blobs/postings/dead-row-map into a brand new chunk
// file at path and returns the in-memory Chunk handle for it (spec §4.6
// steps 3-6: attribute file, dictionary/docs/hits, dead-row map, header).
func Write(path string, id uint32, rows *rowstore.Store, blobs *rowstore.BlobPool, postings *posting.Table, dead *bitmap.DeadRows, docIDs []int64) (*Chunk, error) {
	return WriteCompressed(path, id, rows, blobs, postings, dead, docIDs, false)
}

// WriteCompressed is Write with the blob-pool section optionally zstd-framed
// (spec §6 "chunk attribute files may opt into zstd framing for the
// blob-pool segment"). The optimizer's compress verb uses this to shrink the
// blob pool of a chunk it is already rewriting to drop dead rows.
func WriteCompressed(path string, id uint32, rows *rowstore.Store, blobs *rowstore.BlobPool, postings *posting.Table, dead *bitmap.DeadRows, docIDs []int64, compressBlobs bool) (*Chunk, error) {
	postingsPayload := postings.Bytes()
	blobsPayload, err := encodeBlobsPayload(blobs.Bytes(), compressBlobs)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: write %s: %w", path, err)
	}

	if err := writeChunkFile(path, rows.Bytes(), blobsPayload, postingsPayload, dead.Bytes(), encodeDocIDs(docIDs)); err != nil {
		return nil, fmt.Errorf("diskchunk: write %s: %w", path, err)
	}

	return newChunk(id, path, rows, blobs, postings, dead, docIDs, compressBlobs), nil
}

func newChunk(id uint32, path string, rows *rowstore.Store, blobs *rowstore.BlobPool, postings *posting.Table, dead *bitmap.DeadRows, docIDs []int64, blobsCompressed bool) *Chunk {
	c := &Chunk{
		id:              id,
		path:            path,
		rows:            rows,
		blobs:           blobs,
		postings:        postings,
		dead:            dead,
		docIDs:          docIDs,
		docToRow:        make(map[int64]uint32, len(docIDs)),
		blobsCompressed: blobsCompressed,
	}
	for rowID, docID := range docIDs {
		c.docToRow[docID] = uint32(rowID)
	}
	return c
}

// OpenSelfDescribing loads an existing chunk file wholesale, verifying its
// footer CRC and reconstructing the docid->rowid map from the file's own
// docids section (spec §4.9 startup step 2 "Preallocate every listed disk
// chunk; verify schema compatibility"). Used by the meta/persistence
// loader, which only knows chunk ids, not their docid lists.
func OpenSelfDescribing(id uint32, path string) (*Chunk, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: open %s: %w", path, err)
	}

	f, err := decodeFooter(buf)
	if err != nil {
		return nil, err
	}

	rowsSection := buf[f.rowsOffset : f.rowsOffset+8+f.rowsSize]
	rowsPayload, _, err := decodeSection(rowsSection)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: rows section: %w", path, err)
	}
	rows, err := rowstore.Load(rowsPayload)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: decode rows: %w", path, err)
	}

	blobsSection := buf[f.blobsOffset : f.blobsOffset+8+f.blobsSize]
	taggedBlobsPayload, _, err := decodeSection(blobsSection)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: blobs section: %w", path, err)
	}
	blobsPayload, blobsCompressed, err := decodeBlobsPayload(taggedBlobsPayload)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: blobs codec: %w", path, err)
	}
	blobs, err := rowstore.LoadBlobPool(blobsPayload)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: decode blobs: %w", path, err)
	}

	postingsSection := buf[f.postingsOffset : f.postingsOffset+8+f.postingsSize]
	postingsPayload, _, err := decodeSection(postingsSection)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: postings section: %w", path, err)
	}
	postings, err := posting.LoadTable(postingsPayload)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: decode postings: %w", path, err)
	}

	deadSection := buf[f.deadOffset : f.deadOffset+8+f.deadSize]
	deadPayload, _, err := decodeSection(deadSection)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: dead-row section: %w", path, err)
	}
	dead, err := bitmap.FromBytes(deadPayload)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: decode dead-row map: %w", path, err)
	}

	docIDsSection := buf[f.docIDsOffset : f.docIDsOffset+8+f.docIDsSize]
	docIDsPayload, _, err := decodeSection(docIDsSection)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: docids section: %w", path, err)
	}
	docIDs, err := decodeDocIDs(docIDsPayload)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: %s: decode docids: %w", path, err)
	}

	if len(docIDs) != int(rows.NumRows()) {
		return nil, fmt.Errorf("diskchunk: %s: docid list length %d does not match %d rows", path, len(docIDs), rows.NumRows())
	}

	return newChunk(id, path, rows, blobs, postings, dead, docIDs, blobsCompressed), nil
}

// Open loads an existing chunk file and verifies the caller-supplied docid
// list against the file's own self-describing docids section (spec §4.9).
// Kept for callers that already track a chunk's docid list independently
// (e.g. tests); OpenSelfDescribing is the variant the meta loader uses.
func Open(id uint32, path string, docIDs []int64) (*Chunk, error) {
	c, err := OpenSelfDescribing(id, path)
	if err != nil {
		return nil, err
	}
	if len(docIDs) != len(c.docIDs) {
		return nil, fmt.Errorf("diskchunk: %s: docid list length %d does not match stored %d", path, len(docIDs), len(c.docIDs))
	}
	for i, d := range docIDs {
		if d != c.docIDs[i] {
			return nil, fmt.Errorf("diskchunk: %s: docid %d at row %d does not match stored %d", path, d, i, c.docIDs[i])
		}
	}
	return c, nil
}
