// Package accumulator implements the per-writer transaction staging area
// described in spec §4.3: callers add and delete documents against one
// open transaction, and commit materializes the staged rows, blobs, and
// hits into a new immutable RAM segment.
package accumulator

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
	"github.com/sprtio/rtindex/segment"
	"github.com/sprtio/rtindex/tokenizer"
)

// Mode selects the dedup policy applied at Commit when the same doc id is
// added more than once within a transaction (spec §4.3 step 1).
type Mode int

const (
	// ModeReplace keeps the last add_document call for a given doc id.
	ModeReplace Mode = iota
	// ModeInsert keeps the first add_document call for a given doc id.
	ModeInsert
)

type pendingDoc struct {
	docID    int64
	seq      int
	row      rowstore.Row
	blobs    [][]byte
	wordHits []tokenizer.WordHit
}

// killEntry records one delete_document call against docID at sequence
// seq, so Commit can tell whether a same-transaction add of the same id
// happened before or after it (spec §4.4/§5 "a delete of an old value +
// insert of a new value with the same doc id yields exactly one live row
// with the new attributes").
type killEntry struct {
	docID int64
	seq   int
}

// Accumulator is a per-writer staging area for one transaction (spec
// §4.3). It is not safe for concurrent use: the core forbids two open
// transactions from the same caller (spec §9 REDESIGN FLAGS "thread-local
// accumulator").
type Accumulator struct {
	stride      int
	mode        Mode
	dict        *tokenizer.Dictionary
	bloomParams infixbloom.Params

	seq int

	docs     []*pendingDoc
	docIndex map[int64]int

	kills []killEntry
}

// Option configures a new Accumulator.
type Option func(*Accumulator)

// WithMode selects the dedup policy (default ModeReplace).
func WithMode(m Mode) Option { return func(a *Accumulator) { a.mode = m } }

// WithDictionary installs a keyword dictionary; when set, hits are grouped
// by the bytes the dictionary returns for each wordid, which for
// tokenizer.Dictionary are the keyword's own bytes.
func WithDictionary(d *tokenizer.Dictionary) Option {
	return func(a *Accumulator) { a.dict = d }
}

// WithInfixBloom sets the infix bloom parameters used to build the
// committed segment's infix table (spec §4.3 step 4).
func WithInfixBloom(p infixbloom.Params) Option {
	return func(a *Accumulator) { a.bloomParams = p }
}

// New returns an empty accumulator for rows of the given fixed-attribute
// word stride.
func New(stride int, opts ...Option) *Accumulator {
	a := &Accumulator{
		stride:      stride,
		bloomParams: infixbloom.DefaultParams,
		docIndex:    make(map[int64]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddDocument records one document's row, blob payloads, and pre-tokenized
// hits (spec §4.3 "add_document(row, blobs, hits, doc_id)"). Segment-local
// rowid assignment is deferred to Commit, after dedup (spec step 1
// "rewrite rowids consecutively").
func (a *Accumulator) AddDocument(docID int64, row []uint64, blobs [][]byte, hits []tokenizer.WordHit) error {
	if len(row) != a.stride {
		return fmt.Errorf("accumulator: row has %d words, want stride %d", len(row), a.stride)
	}

	a.seq++
	doc := &pendingDoc{
		docID:    docID,
		seq:      a.seq,
		row:      append(rowstore.Row(nil), row...),
		blobs:    append([][]byte(nil), blobs...),
		wordHits: append([]tokenizer.WordHit(nil), hits...),
	}

	if idx, ok := a.docIndex[docID]; ok {
		switch a.mode {
		case ModeReplace:
			a.docs[idx] = doc
		case ModeInsert:
			// keep the first add_document call; silently drop this one
		}
		return nil
	}

	a.docIndex[docID] = len(a.docs)
	a.docs = append(a.docs, doc)
	return nil
}

// DeleteDocument appends ids to the accumulator's kill list (spec §4.3
// "delete_document(ids)"), recording each against the transaction's
// sequence counter so Commit can order it against any same-transaction
// add of the same id.
func (a *Accumulator) DeleteDocument(ids ...int64) {
	for _, id := range ids {
		a.seq++
		a.kills = append(a.kills, killEntry{docID: id, seq: a.seq})
	}
}

// Rollback discards all staged state (spec §4.3 "rollback(): discard
// accumulator state").
func (a *Accumulator) Rollback() {
	a.seq = 0
	a.docs = nil
	a.docIndex = make(map[int64]int)
	a.kills = nil
}

// Commit performs the dedup/sort/serialize/bloom-build pipeline of spec
// §4.3 step "commit()" and returns a freshly built RAM segment. An empty
// accumulator (no surviving documents) returns (nil, nil): spec §8 "Empty
// accumulator commit ⇒ no segment, no-op."
func (a *Accumulator) Commit() (*segment.Segment, error) {
	defer a.Rollback()

	// lastKillSeq holds, per doc id, the sequence number of its most
	// recent delete_document call in this transaction. A same-transaction
	// add only cancels out a delete that preceded it; an add that follows
	// a delete of the same id must survive (spec §8 scenario 2, §4.4/§5
	// "delete-then-insert ... yields exactly one live row with the new
	// attributes").
	lastKillSeq := make(map[int64]int, len(a.kills))
	for _, k := range a.kills {
		if k.seq > lastKillSeq[k.docID] {
			lastKillSeq[k.docID] = k.seq
		}
	}

	// Step 1: drop rows killed within this same transaction by a delete
	// that came after their add, and rewrite rowids consecutively in
	// original add order.
	var kept []*pendingDoc
	for _, d := range a.docs {
		if ks, ok := lastKillSeq[d.docID]; ok && ks > d.seq {
			continue
		}
		kept = append(kept, d)
	}

	if len(kept) == 0 {
		return nil, nil
	}

	rows := rowstore.NewStore(a.stride)
	blobs := rowstore.NewBlobPool()
	docIDs := make([]int64, len(kept))

	wordHits := make(map[string][]posting.Hit)

	for rowID, d := range kept {
		if _, err := rows.AppendRow(d.row); err != nil {
			return nil, fmt.Errorf("accumulator: commit row %d: %w", d.docID, err)
		}
		for _, b := range d.blobs {
			blobs.Append(b)
		}
		docIDs[rowID] = d.docID

		grouped := tokenizer.ToPostingHits(uint32(rowID), d.wordHits, a.dict)
		for word, hs := range grouped {
			wordHits[word] = append(wordHits[word], hs...)
		}
	}

	// Step 2: sort keywords lexicographically (byte-wise, matching a
	// packed-keyword dictionary compare when one is in use).
	keywords := make([]string, 0, len(wordHits))
	for kw := range wordHits {
		keywords = append(keywords, kw)
	}
	slices.Sort(keywords)

	entries := make([]posting.KeywordEntry, 0, len(keywords))
	for _, kw := range keywords {
		entries = append(entries, posting.KeywordEntry{Keyword: []byte(kw), Hits: wordHits[kw]})
	}

	// Steps 3-4: serialize posting lists and build infix blooms.
	table, err := posting.Build(entries, a.bloomParams)
	if err != nil {
		return nil, fmt.Errorf("accumulator: commit: %w", err)
	}

	// Step 5.
	return segment.New(rows, blobs, table, docIDs), nil
}

// Kills returns the pending kill list, used by the serial executor to
// apply kills against the previous snapshot before publishing the
// committed segment (spec §4.4 "kill list for the same transaction has
// been applied to the previous snapshot"). This applies to rows that
// already existed in a prior snapshot; same-transaction adds are resolved
// separately by Commit's own add/delete ordering.
func (a *Accumulator) Kills() []int64 {
	out := make([]int64, 0, len(a.kills))
	for _, k := range a.kills {
		out = append(out, k.docID)
	}
	return out
}
