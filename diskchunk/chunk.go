// Package diskchunk (continued): Chunk is the in-memory representation of
// one immutable on-disk index, loaded wholesale on Open and rewritten
// wholesale on SaveAttributes, matching the flusher/optimizer's
// whole-chunk rewrite model (spec §4.6, §4.8).
package diskchunk

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
)

// Status mirrors spec §6 get_status(): whether the chunk currently
// participates in an optimizer pass.
type Status struct {
	ID         uint32
	Optimizing bool
	AliveRows  uint32
	TotalRows  uint32
}

// Stats mirrors get_stats(): size accounting used by admin tooling and the
// optimizer's compaction heuristics.
type Stats struct {
	RowBytes      uint64
	BlobBytes     uint64
	PostingBytes  uint64
	DeadRowBytes  uint64
}

// Chunk is one immutable on-disk index (spec §3 Disk chunk). It is opaque
// to the rest of the core except for the method set spec §6 names.
type Chunk struct {
	mu sync.RWMutex

	id   uint32
	path string

	rows     *rowstore.Store
	blobs    *rowstore.BlobPool
	postings *posting.Table
	dead     *bitmap.DeadRows
	docIDs   []int64
	docToRow map[int64]uint32

	blobsCompressed bool

	optimizing atomic.Bool
}

// ID returns the chunk's id, assigned strictly greater than all existing
// chunk ids at creation time (spec §4.6 step 2).
func (c *Chunk) ID() uint32 { return c.id }

// Path returns the chunk's current backing file path.
func (c *Chunk) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Rows, Blobs, Postings, DeadBitmap and DocIDs expose the chunk's
// components for the optimizer's compress/merge/split rewrites, which need
// to read another chunk's full content the same way the flusher reads a
// RAM segment's.
func (c *Chunk) Rows() *rowstore.Store        { return c.rows }
func (c *Chunk) BlobPool() *rowstore.BlobPool { return c.blobs }
func (c *Chunk) PostingTable() *posting.Table { return c.postings }
func (c *Chunk) DeadBitmap() *bitmap.DeadRows { return c.dead }
func (c *Chunk) DocIDs() []int64              { return c.docIDs }

// BlobsCompressed reports whether this chunk's blob-pool section is
// zstd-framed on disk (set by the optimizer's compress verb).
func (c *Chunk) BlobsCompressed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blobsCompressed
}

// Preallocate creates path as a zero-length placeholder file so the
// flusher can reserve a chunk id before the write completes (spec §6
// "preallocation").
func Preallocate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("diskchunk: preallocate %s: %w", path, err)
	}
	return f.Close()
}

// Rename atomically renames the chunk's backing file, used when
// publishing a finished write under its final name (spec §6 "rename").
func (c *Chunk) Rename(newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Rename(c.path, newPath); err != nil {
		return fmt.Errorf("diskchunk: rename %s -> %s: %w", c.path, newPath, err)
	}
	c.path = newPath
	return nil
}

// Unlink removes the chunk's backing file (spec §6 "unlink"), called when
// the last snapshot referencing it is dropped (spec §3 "finally-unlink").
func (c *Chunk) Unlink() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("diskchunk: unlink %s: %w", path, err)
	}
	return nil
}

// MultiQuery looks up rows for a batch of doc ids, skipping dead or
// missing ones (spec §6 "multi_query").
func (c *Chunk) MultiQuery(ids []int64) map[int64]rowstore.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int64]rowstore.Row, len(ids))
	for _, id := range ids {
		rowID, ok := c.docToRow[id]
		if !ok || c.dead.IsDead(rowID) {
			continue
		}
		out[id] = c.rows.Row(rowID)
	}
	return out
}

// KillMulti marks the given doc ids dead, returning the number actually
// killed (spec §6 "kill_multi"; satisfies snapshot.DiskChunk).
func (c *Chunk) KillMulti(ids []int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, id := range ids {
		rowID, ok := c.docToRow[id]
		if !ok {
			continue
		}
		if c.dead.Kill(rowID) {
			n++
		}
	}
	return n
}

// AttributeChange is one (doc id, word index, value) attribute update, the
// unit update_attributes and UpdateAttributes operate on (spec §4.7).
type AttributeChange struct {
	DocID   int64
	WordIdx int
	Value   uint64
}

// UpdateAttributes applies changes best-effort: failures for individual
// rows are reported but do not abort remaining changes (spec §6
// "update_attributes"; spec §5 "failures in disk-chunk updates emit
// warnings but do not roll back already-applied RAM-segment updates").
func (c *Chunk) UpdateAttributes(changes []AttributeChange) (applied int, errs []error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range changes {
		rowID, ok := c.docToRow[ch.DocID]
		if !ok || c.dead.IsDead(rowID) {
			continue
		}
		if err := c.rows.WriteWord(rowID, ch.WordIdx, ch.Value); err != nil {
			errs = append(errs, fmt.Errorf("diskchunk: update doc %d: %w", ch.DocID, err))
			continue
		}
		applied++
	}
	return applied, errs
}

// SaveAttributes persists the current in-memory row store and dead-row
// bitmap back to the chunk's file, preserving the immutable posting data
// (spec §6 "save_attributes"). It writes to a temporary path and renames
// into place so readers never observe a partially-written file.
func (c *Chunk) SaveAttributes() error {
	c.mu.RLock()
	rowsBytes := c.rows.Bytes()
	deadBytes := c.dead.Bytes()
	blobsRaw := c.blobs.Bytes()
	blobsCompressed := c.blobsCompressed
	docIDsBytes := encodeDocIDs(c.docIDs)
	path := c.path
	c.mu.RUnlock()

	blobsBytes, err := encodeBlobsPayload(blobsRaw, blobsCompressed)
	if err != nil {
		return fmt.Errorf("diskchunk: save attributes %s: %w", path, err)
	}

	return rewriteSections(path, rowsBytes, blobsBytes, nil, deadBytes, docIDsBytes)
}

// rewriteSections rewrites the chunk file keeping postingsBytes untouched
// when nil is passed (SaveAttributes case) by re-reading the current
// postings section first.
func rewriteSections(path string, rowsBytes, blobsBytes, postingsBytes, deadBytes, docIDsBytes []byte) error {
	if postingsBytes == nil {
		existing, err := readFile(path)
		if err != nil {
			return err
		}
		f, err := decodeFooter(existing)
		if err != nil {
			return err
		}
		postingsBytes = existing[f.postingsOffset : f.postingsOffset+8+f.postingsSize]
		payload, _, err := decodeSection(postingsBytes)
		if err != nil {
			return err
		}
		postingsBytes = payload
	}
	return writeChunkFile(path, rowsBytes, blobsBytes, postingsBytes, deadBytes, docIDsBytes)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// writeChunkFile serializes the five sections plus footer and commits them
// atomically via natefinch/atomic, matching the flusher's durability
// requirement (spec §4.6 step 6 "Preallocate the new chunk... verify
// schema compatibility").
func writeChunkFile(path string, rowsPayload, blobsPayload, postingsPayload, deadPayload, docIDsPayload []byte) error {
	var buf []byte
	var f footer

	f.rowsOffset = uint64(len(buf))
	sec := encodeSection(rowsPayload)
	buf = append(buf, sec...)
	f.rowsSize = uint64(len(rowsPayload))

	f.blobsOffset = uint64(len(buf))
	sec = encodeSection(blobsPayload)
	buf = append(buf, sec...)
	f.blobsSize = uint64(len(blobsPayload))

	f.postingsOffset = uint64(len(buf))
	sec = encodeSection(postingsPayload)
	buf = append(buf, sec...)
	f.postingsSize = uint64(len(postingsPayload))

	f.deadOffset = uint64(len(buf))
	sec = encodeSection(deadPayload)
	buf = append(buf, sec...)
	f.deadSize = uint64(len(deadPayload))

	f.docIDsOffset = uint64(len(buf))
	sec = encodeSection(docIDsPayload)
	buf = append(buf, sec...)
	f.docIDsSize = uint64(len(docIDsPayload))

	buf = append(buf, f.encode()...)

	return natomic.WriteFile(path, bytes.NewReader(buf))
}

// GetStatus reports whether an optimizer pass currently owns this chunk
// (spec §6 "get_status").
func (c *Chunk) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{ID: c.id, Optimizing: c.optimizing.Load(), AliveRows: c.rows.NumRows() - c.dead.DeadCount(), TotalRows: c.rows.NumRows()}
}

// GetStats reports the chunk's on-disk/in-memory size breakdown (spec §6
// "get_stats").
func (c *Chunk) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		RowBytes:     c.rows.UsedBytes(),
		BlobBytes:    c.blobs.Len(),
		PostingBytes: uint64(len(c.postings.WordStream) + len(c.postings.DocStream) + len(c.postings.HitStream)),
		DeadRowBytes: uint64(len(c.dead.Bytes())),
	}
}

// AddRemoveAttribute and AddRemoveField are schema-evolution hooks (spec
// §6 "add_remove_attribute", "add_remove_field"). The core's schema
// mutation is out of this package's scope (it is driven by the owning
// index's schema object); these simply gate whether this chunk can accept
// such a change without a full rebuild, reported via an error.
func (c *Chunk) AddRemoveAttribute() error {
	return fmt.Errorf("diskchunk: attribute schema changes require a rebuild via the optimizer")
}

func (c *Chunk) AddRemoveField() error {
	return fmt.Errorf("diskchunk: field schema changes require a rebuild via the optimizer")
}

// GetFieldLens returns the recorded per-field length attribute for a row,
// if the schema carries one (spec §6 "get_field_lens"). Field lengths are
// out of this minimal schema's scope; it is a seam for a richer schema to
// fill in.
func (c *Chunk) GetFieldLens(rowID uint32) map[uint8]uint32 {
	return nil
}

// SetOptimizing marks or clears the chunk's optimizer-owned flag (spec
// §4.8 "states per chunk: idle, optimizing").
func (c *Chunk) SetOptimizing(v bool) { c.optimizing.Store(v) }

// SetOptimizingIfIdle claims the chunk for an optimizer op, returning false
// if it is already optimizing (spec §4.8 "states per chunk: idle,
// optimizing").
func (c *Chunk) SetOptimizingIfIdle() bool { return c.optimizing.CompareAndSwap(false, true) }

// Optimizing reports the chunk's current optimizer-owned flag.
func (c *Chunk) Optimizing() bool { return c.optimizing.Load() }
