// Package segment implements the RAM segment: an immutable-once-published
// shard of posting lists, row store, dead-row bitmap, and blob pool,
// fronted by a fine-grained read/write lock (spec §3, §4.2).
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dchest/siphash"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
)

// hashKey is a fixed, process-lifetime siphash key. A fixed key (rather
// than one derived from the docid stream itself) is sufficient here since
// the map is only ever consulted within one process and never persisted;
// it exists to give the build-time docid->rowid index a fast, low-collision
// hash without depending on a generic hash-map framework (spec §4.2 "O(1)
// hash lookup").
var hashKey0, hashKey1 uint64 = 0x5344e1a9c1b27f61, 0x9e3779b97f4a7c15

func hashDocID(docID int64) uint64 {
	var b [8]byte
	u := uint64(docID)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
	return siphash.Hash(hashKey0, hashKey1, b[:])
}

// KillHook is invoked once per actual (non-idempotent) kill, installed by
// whichever op currently owns this segment's merge/flush ticket so kills
// arriving mid-op are also captured into that op's side buffer (spec §4.5
// step 1, §4.7).
type KillHook interface {
	OnKill(docID int64, rowID uint32)
}

// PostponedUpdate is an attribute-update batch recorded against a segment
// that was tagged "attrs-busy" (mid-merge or mid-flush) when the update
// landed, to be replayed onto the successor artifact (spec §4.7 step 3).
type PostponedUpdate struct {
	DocID   int64
	WordIdx int
	Value   uint64
}

// Segment is an immutable-once-published RAM segment.
type Segment struct {
	mu sync.RWMutex // guards Rows/Blobs only; postings are immutable (spec §4.2)

	Rows  *rowstore.Store
	Blobs *rowstore.BlobPool

	Postings *posting.Table

	dead      *bitmap.DeadRows
	aliveRows uint32 // atomic

	uRows uint32

	// docIDs is the rowid-ordered docid vector this segment was built or
	// restored from; kept verbatim so persistence (spec §4.9 .ram format)
	// and merge/flush (which need to re-walk a source segment's docids)
	// don't have to reconstruct row order from the hash index.
	docIDs []int64

	docToRow map[uint64][]docRowPair

	// ticket is the non-zero op ticket (merge or flush) currently
	// claiming this segment, or 0 if free (spec §4.5 step 1, §8 property 6).
	ticket uint64

	killHookMu sync.Mutex
	killHook   KillHook

	postponedMu sync.Mutex
	postponed   []PostponedUpdate
}

type docRowPair struct {
	docID int64
	rowID uint32
}

// New wraps already-built components into a published segment. aliveRows
// must equal uRows at construction time (spec §4.3 step 5: "Return a new
// RAM segment with alive_rows == uRows").
func New(rows *rowstore.Store, blobs *rowstore.BlobPool, postings *posting.Table, docIDs []int64) *Segment {
	uRows := uint32(len(docIDs))

	s := &Segment{
		Rows:      rows,
		Blobs:     blobs,
		Postings:  postings,
		dead:      bitmap.New(uRows),
		uRows:     uRows,
		aliveRows: uRows,
		docIDs:    append([]int64(nil), docIDs...),
		docToRow:  make(map[uint64][]docRowPair, uRows),
	}

	for rowID, docID := range docIDs {
		h := hashDocID(docID)
		s.docToRow[h] = append(s.docToRow[h], docRowPair{docID: docID, rowID: uint32(rowID)})
	}

	return s
}

// Restore reconstructs a published segment from already-built components
// and a dead-row bitmap loaded from persistence, unlike New (which always
// starts with every row alive). Used by the .ram loader (spec §4.9 startup
// step 3: "Load `.ram`; for each segment, reconstruct docid->rowid map").
func Restore(rows *rowstore.Store, blobs *rowstore.BlobPool, postings *posting.Table, docIDs []int64, dead *bitmap.DeadRows) *Segment {
	s := New(rows, blobs, postings, docIDs)
	s.dead = dead
	s.aliveRows = s.uRows - dead.DeadCount()
	return s
}

// DocIDs returns the segment's rowid-ordered docid vector (spec §4.9 .ram
// format; also used by the merger/flusher to walk a source segment's rows
// in rowid order).
func (s *Segment) DocIDs() []int64 { return append([]int64(nil), s.docIDs...) }

// FindAliveRow returns the rowid for docID, or ok=false if not present or
// already killed (spec §4.2).
func (s *Segment) FindAliveRow(docID int64) (rowID uint32, ok bool) {
	h := hashDocID(docID)
	for _, p := range s.docToRow[h] {
		if p.docID == docID {
			if s.dead.IsDead(p.rowID) {
				return 0, false
			}
			return p.rowID, true
		}
	}
	return 0, false
}

// findRow returns the rowid for docID regardless of alive/dead state, used
// internally by Kill.
func (s *Segment) findRow(docID int64) (rowID uint32, ok bool) {
	h := hashDocID(docID)
	for _, p := range s.docToRow[h] {
		if p.docID == docID {
			return p.rowID, true
		}
	}
	return 0, false
}

// Kill marks docID's row dead if present, returning 1 on an actual kill, 0
// if already dead or not present (spec §4.2 "kill(doc_id) -> 0|1", §8 kill
// idempotence).
func (s *Segment) Kill(docID int64) int {
	rowID, ok := s.findRow(docID)
	if !ok {
		return 0
	}
	if !s.dead.Kill(rowID) {
		return 0
	}
	atomic.AddUint32(&s.aliveRows, ^uint32(0)) // aliveRows--

	s.killHookMu.Lock()
	hook := s.killHook
	s.killHookMu.Unlock()
	if hook != nil {
		hook.OnKill(docID, rowID)
	}
	return 1
}

// KillMulti kills every id present in the segment and returns the count of
// rows actually killed (spec §4.2, §4.7).
func (s *Segment) KillMulti(ids []int64) int {
	n := 0
	for _, id := range ids {
		n += s.Kill(id)
	}
	return n
}

// GetRow returns the row at rowID. Callers must hold a read lock via
// RLock/RUnlock for the duration of any attribute/blob access that must be
// consistent with concurrent updates (spec §4.2).
func (s *Segment) GetRow(rowID uint32) rowstore.Row {
	return s.Rows.Row(rowID)
}

// RLock/RUnlock/Lock/Unlock expose the segment's row-store/blob-pool lock
// directly; posting-list reads never need to take it (spec §4.2, §5).
func (s *Segment) RLock()   { s.mu.RLock() }
func (s *Segment) RUnlock() { s.mu.RUnlock() }
func (s *Segment) Lock()    { s.mu.Lock() }
func (s *Segment) Unlock()  { s.mu.Unlock() }

// AliveRows returns the current alive-row count (spec §8 property 1).
func (s *Segment) AliveRows() uint32 { return atomic.LoadUint32(&s.aliveRows) }

// URows returns the segment's total row count (dead + alive).
func (s *Segment) URows() uint32 { return s.uRows }

// UsedRAM sums the bytes owned by this segment's buffers (spec §4.2
// "used_ram() -> bytes"), recomputed lazily on each call.
func (s *Segment) UsedRAM() uint64 {
	return s.Rows.UsedBytes() + s.Blobs.Len() + uint64(len(s.Postings.WordStream)+len(s.Postings.DocStream)+len(s.Postings.HitStream))
}

// DeadBitmap exposes the dead-row bitmap for merge/flush/persistence code
// that needs to walk or serialize it directly.
func (s *Segment) DeadBitmap() *bitmap.DeadRows { return s.dead }

// Tag stamps the segment with a non-zero op ticket; it is an error
// (returns false) to tag an already-tagged segment, enforcing spec §8
// property 6.
func (s *Segment) Tag(ticket uint64) bool {
	s.killHookMu.Lock()
	defer s.killHookMu.Unlock()
	if s.ticket != 0 {
		return false
	}
	s.ticket = ticket
	return true
}

// Untag clears the segment's op ticket.
func (s *Segment) Untag() {
	s.killHookMu.Lock()
	defer s.killHookMu.Unlock()
	s.ticket = 0
}

// Ticket returns the segment's current op ticket, or 0 if untagged.
func (s *Segment) Ticket() uint64 {
	s.killHookMu.Lock()
	defer s.killHookMu.Unlock()
	return s.ticket
}

// InstallKillHook installs the side-channel kill collector for the
// duration of a merge/flush op (spec §4.5 step 1).
func (s *Segment) InstallKillHook(h KillHook) {
	s.killHookMu.Lock()
	s.killHook = h
	s.killHookMu.Unlock()
}

// ClearKillHook removes the kill hook, normally called when the owning op
// terminates.
func (s *Segment) ClearKillHook() {
	s.killHookMu.Lock()
	s.killHook = nil
	s.killHookMu.Unlock()
}

// EnqueuePostponedUpdate records an update that landed while this segment
// was tagged busy, for the merger/flusher to replay onto the successor
// artifact (spec §4.7 step 3).
func (s *Segment) EnqueuePostponedUpdate(u PostponedUpdate) {
	s.postponedMu.Lock()
	s.postponed = append(s.postponed, u)
	s.postponedMu.Unlock()
}

// DrainPostponedUpdates returns and clears the postponed-update queue.
func (s *Segment) DrainPostponedUpdates() []PostponedUpdate {
	s.postponedMu.Lock()
	defer s.postponedMu.Unlock()
	out := s.postponed
	s.postponed = nil
	return out
}

// UpdateAttribute writes a single fixed-width attribute word for docID if
// alive in this segment, growing/overwriting via the blob pool for
// variable-length columns is handled by callers directly against Blobs.
// Returns ok=false if docID is not alive here.
func (s *Segment) UpdateAttribute(docID int64, wordIdx int, value uint64) (ok bool, err error) {
	rowID, alive := s.FindAliveRow(docID)
	if !alive {
		return false, nil
	}

	s.Lock()
	defer s.Unlock()
	if err := s.Rows.WriteWord(rowID, wordIdx, value); err != nil {
		return false, err
	}

	if s.Ticket() != 0 {
		s.EnqueuePostponedUpdate(PostponedUpdate{DocID: docID, WordIdx: wordIdx, Value: value})
	}

	return true, nil
}

// InfixBlockParams reports the bloom parameters this segment's infix table
// was built with, used at load time to decide whether a rebuild is needed
// (spec §4.9 step 1).
func (s *Segment) InfixBlockParams() infixbloom.Params {
	if s.Postings == nil || s.Postings.Bloom == nil {
		return infixbloom.Params{}
	}
	return s.Postings.Bloom.Params
}

// Bytes serializes the segment's rows, blobs, postings, dead bitmap and
// docid vector for the .ram file, in the field order spec §4.9 mandates:
// "per-segment (uRows, alive-rows, all tight vectors, word checkpoints...,
// dead-row map, blobs, ... )". Postponed updates and the op ticket are
// transaction-scoped and never persisted; a segment mid-merge/mid-flush at
// shutdown is saved as a plain untagged segment on the next snapshot.
func (s *Segment) Bytes() []byte {
	var buf []byte
	putUint32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putSection := func(payload []byte) {
		putUint32(uint32(len(payload)))
		buf = append(buf, payload...)
	}

	putUint32(s.uRows)
	putUint32(s.AliveRows())
	putSection(s.Rows.Bytes())
	putSection(s.Blobs.Bytes())
	putSection(s.Postings.Bytes())
	putSection(s.dead.Bytes())
	putSection(encodeDocIDs(s.docIDs))
	return buf
}

// LoadSegment reconstructs a segment from bytes produced by Bytes (spec
// §4.9 "Load `.ram`; for each segment, reconstruct docid->rowid map").
func LoadSegment(buf []byte) (*Segment, error) {
	r := bytes.NewReader(buf)
	readUint32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("segment: truncated header: %w", err)
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	readSection := func() ([]byte, error) {
		n, err := readUint32()
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, out); err != nil {
				return nil, fmt.Errorf("segment: truncated section: %w", err)
			}
		}
		return out, nil
	}

	uRows, err := readUint32()
	if err != nil {
		return nil, err
	}
	_ = uRows // recomputed from the docid vector length below; kept for format parity

	if _, err := readUint32(); err != nil { // alive-rows, recomputed from the loaded dead bitmap
		return nil, err
	}

	rowsPayload, err := readSection()
	if err != nil {
		return nil, err
	}
	rows, err := rowstore.Load(rowsPayload)
	if err != nil {
		return nil, fmt.Errorf("segment: decode rows: %w", err)
	}

	blobsPayload, err := readSection()
	if err != nil {
		return nil, err
	}
	blobs, err := rowstore.LoadBlobPool(blobsPayload)
	if err != nil {
		return nil, fmt.Errorf("segment: decode blobs: %w", err)
	}

	postingsPayload, err := readSection()
	if err != nil {
		return nil, err
	}
	postings, err := posting.LoadTable(postingsPayload)
	if err != nil {
		return nil, fmt.Errorf("segment: decode postings: %w", err)
	}

	deadPayload, err := readSection()
	if err != nil {
		return nil, err
	}
	dead, err := bitmap.FromBytes(deadPayload)
	if err != nil {
		return nil, fmt.Errorf("segment: decode dead-row map: %w", err)
	}

	docIDsPayload, err := readSection()
	if err != nil {
		return nil, err
	}
	docIDs, err := decodeDocIDs(docIDsPayload)
	if err != nil {
		return nil, fmt.Errorf("segment: decode docids: %w", err)
	}

	if len(docIDs) != int(rows.NumRows()) {
		return nil, fmt.Errorf("segment: docid list length %d does not match %d rows", len(docIDs), rows.NumRows())
	}

	return Restore(rows, blobs, postings, docIDs, dead), nil
}

// encodeDocIDs/decodeDocIDs mirror diskchunk's identically-shaped section
// codec (kept local rather than exported from package diskchunk, since
// segment must not import diskchunk and the format is a four-byte count
// plus one little-endian int64 per rowid either way).
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
		return nil, fmt.Errorf("segment: truncated docids header")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + int(n)*8
	if len(buf) < want {
		return nil, fmt.Errorf("segment: truncated docids body")
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(binary.LittleEndian.Uint64(buf[4+i*8 : 12+i*8]))
	}
	return ids, nil
}
