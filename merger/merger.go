// Package merger implements the segment-merge decision and procedure of
// spec §4.5: pick the two smallest RAM segments, merge their rows/blobs and
// posting lists under new consecutive rowids, apply kills collected during
// the merge, and publish the result.
package merger

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/executor"
	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/rowstore"
	"github.com/sprtio/rtindex/segment"
)

// MaxSegments and MaxProgression bound the NOMERGE fast path (spec §4.5
// "fewer than MAX_SEGMENTS - MAX_PROGRESSION (32 - 8) segments AND the two
// smallest obey a geometric progression").
const (
	MaxSegments    = 32
	MaxProgression = 8
)

// Decision is the merger's per-pass outcome.
type Decision int

const (
	NoMerge Decision = iota
	Merge
	Flush
)

// Flusher is the collaborator the merger hands off to when RAM usage
// crosses the soft limit (spec §4.5 "FLUSH... the flusher is invoked").
type Flusher interface {
	Flush() error
}

// Merger owns the merge policy and procedure for one index's segments.
type Merger struct {
	ex          *executor.Executor
	softLimit   uint64
	bloomParams infixbloom.Params
	flusher     Flusher
	log         *zap.SugaredLogger

	queued atomic.Bool // guards "a task is queued at most once" (spec §4.5)
}

// Option configures a new Merger.
type Option func(*Merger)

// WithSoftLimit sets the RAM soft limit that triggers FLUSH.
func WithSoftLimit(bytes uint64) Option { return func(m *Merger) { m.softLimit = bytes } }

// WithInfixBloom sets the infix bloom parameters used when building merged
// segments.
func WithInfixBloom(p infixbloom.Params) Option {
	return func(m *Merger) { m.bloomParams = p }
}

// WithFlusher installs the flush collaborator.
func WithFlusher(f Flusher) Option { return func(m *Merger) { m.flusher = f } }

// WithLogger installs a structured logger; merge/flush decisions are logged
// at Debug/Info, failures at Warn.
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Merger) { m.log = l } }

// New returns a Merger bound to ex's snapshot and op-ticket counter.
func New(ex *executor.Executor, opts ...Option) *Merger {
	m := &Merger{ex: ex, bloomParams: infixbloom.DefaultParams, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckForWork is the merge-signal callback wired via executor.OnCommit
// (spec §4.5 "Trigger: after every commit that added a new segment; also
// after any kill to re-check. A task is queued at most once"). It runs on
// the merger worker.
func (m *Merger) CheckForWork() {
	if !m.queued.CompareAndSwap(false, true) {
		return
	}
	defer m.queued.Store(false)

	for {
		decision, err := m.runOnePass()
		if err != nil {
			return
		}
		if decision != Merge {
			return
		}
		// step 7: tail-recursive re-check in case more merging is useful.
	}
}

func (m *Merger) decide() (Decision, []*segment.Segment) {
	pair := m.ex.Snapshot.Acquire()
	segs := pair.SegmentSlice()

	var used uint64
	var eligible []*segment.Segment
	for _, s := range segs {
		used += s.UsedRAM()
		if s.Ticket() == 0 {
			eligible = append(eligible, s)
		}
	}

	if m.softLimit > 0 && used > m.softLimit {
		return Flush, nil
	}

	if len(segs) < MaxSegments-MaxProgression && len(eligible) >= 2 {
		a, b := twoSmallest(eligible)
		if b.URows() < 2*a.URows() {
			return NoMerge, nil
		}
	}

	if len(eligible) < 2 {
		return NoMerge, nil
	}

	a, b := twoSmallest(eligible)
	return Merge, []*segment.Segment{a, b}
}

func twoSmallest(segs []*segment.Segment) (a, b *segment.Segment) {
	a, b = segs[0], segs[1]
	if b.URows() < a.URows() {
		a, b = b, a
	}
	for _, s := range segs[2:] {
		switch {
		case s.URows() < a.URows():
			b = a
			a = s
		case s.URows() < b.URows():
			b = s
		}
	}
	return a, b
}

func (m *Merger) runOnePass() (Decision, error) {
	decision, targets := m.decide()

	switch decision {
	case Flush:
		m.log.Info("ram soft limit exceeded, flushing")
		if m.flusher != nil {
			if err := m.flusher.Flush(); err != nil {
				m.log.Warnw("flush failed", "error", err)
				return Flush, err
			}
		}
		return Flush, nil
	case NoMerge:
		return NoMerge, nil
	}

	a, b := targets[0], targets[1]
	ticket := m.ex.NextTicket()
	m.log.Debugw("merging segments", "ticket", ticket, "a_rows", a.URows(), "b_rows", b.URows())

	// Step 1: tag on the serial worker, then install kill hooks.
	err := m.ex.Serial.Run(func() {
		a.Tag(ticket)
		b.Tag(ticket)
	})
	if err != nil {
		return NoMerge, err
	}

	collector := &killCollector{}
	a.InstallKillHook(collector)
	b.InstallKillHook(collector)

	// Steps 2-3: heavy merge work. runOnePass is itself only ever invoked on
	// the merger worker (via CheckForWork, submitted there by
	// executor.Commit after a commit), so this runs inline rather than
	// through another Merger.Run — a worker cannot block on its own queue.
	merged, mergeErr := mergeSegments(a, b, m.bloomParams)
	if mergeErr != nil {
		a.ClearKillHook()
		b.ClearKillHook()
		a.Untag()
		b.Untag()
		m.log.Warnw("merge failed", "ticket", ticket, "error", mergeErr)
		return NoMerge, fmt.Errorf("merger: merge: %w", mergeErr)
	}

	// Steps 4-6, back on the serial worker.
	err = m.ex.Serial.Run(func() {
		for _, id := range collector.kills {
			merged.Kill(id)
		}

		for _, u := range a.DrainPostponedUpdates() {
			merged.UpdateAttribute(u.DocID, u.WordIdx, u.Value)
		}
		for _, u := range b.DrainPostponedUpdates() {
			merged.UpdateAttribute(u.DocID, u.WordIdx, u.Value)
		}

		a.ClearKillHook()
		b.ClearKillHook()

		pair := m.ex.Snapshot.Acquire()
		next := make([]*segment.Segment, 0, pair.Segments.Len())
		for _, s := range pair.SegmentSlice() {
			if s == a || s == b {
				continue
			}
			next = append(next, s)
		}
		if merged.AliveRows() > 0 {
			next = append(next, merged)
		}
		m.ex.Snapshot.ReplaceSegments(next)

		a.Untag()
		b.Untag()
	})
	if err != nil {
		return NoMerge, err
	}

	return Merge, nil
}

type killCollector struct {
	kills []int64
}

func (c *killCollector) OnKill(docID int64, rowID uint32) {
	c.kills = append(c.kills, docID)
}

// mergeSegments copies a and b's live rows into a freshly built segment
// with consecutive rowids (spec §4.5 steps 2-3): rows/blobs are walked in
// live-row order per source segment, and the two sorted keyword streams
// are walked in lock-step, remapping rowids and skipping dead rows.
func mergeSegments(a, b *segment.Segment, bloomParams infixbloom.Params) (*segment.Segment, error) {
	stride := a.Rows.Stride()

	rows := rowstore.NewStore(stride)
	blobs := rowstore.NewBlobPool()
	var docIDs []int64

	remapA := make(map[uint32]uint32, a.AliveRows())
	remapB := make(map[uint32]uint32, b.AliveRows())
	idsA, idsB := a.DocIDs(), b.DocIDs()

	a.RLock()
	for rowID := uint32(0); rowID < a.URows(); rowID++ {
		if a.DeadBitmap().IsDead(rowID) {
			continue
		}
		newID, err := rows.AppendRow(a.GetRow(rowID))
		if err != nil {
			a.RUnlock()
			return nil, err
		}
		remapA[rowID] = newID
		docIDs = append(docIDs, idsA[rowID])
	}
	a.RUnlock()

	b.RLock()
	for rowID := uint32(0); rowID < b.URows(); rowID++ {
		if b.DeadBitmap().IsDead(rowID) {
			continue
		}
		newID, err := rows.AppendRow(b.GetRow(rowID))
		if err != nil {
			b.RUnlock()
			return nil, err
		}
		remapB[rowID] = newID
		docIDs = append(docIDs, idsB[rowID])
	}
	b.RUnlock()

	entries, err := mergeKeywordStreams(a.Postings, remapA, b.Postings, remapB)
	if err != nil {
		return nil, err
	}

	table, err := posting.Build(entries, bloomParams)
	if err != nil {
		return nil, fmt.Errorf("merger: build merged postings: %w", err)
	}

	return segment.New(rows, blobs, table, docIDs), nil
}

// mergeKeywordStreams walks both tables' decoded keyword postings in
// lock-step lexicographic order, remapping rowids through the supplied
// maps and skipping postings whose rowid has no entry (i.e. was dead and
// excluded from the remap), per spec §4.5 step 3.
func mergeKeywordStreams(ta *posting.Table, remapA map[uint32]uint32, tb *posting.Table, remapB map[uint32]uint32) ([]posting.KeywordEntry, error) {
	kwsA, err := ta.Keywords()
	if err != nil {
		return nil, err
	}
	kwsB, err := tb.Keywords()
	if err != nil {
		return nil, err
	}

	var out []posting.KeywordEntry
	i, j := 0, 0
	for i < len(kwsA) || j < len(kwsB) {
		switch {
		case i >= len(kwsA):
			out = appendRemapped(out, kwsB[j], remapB)
			j++
		case j >= len(kwsB):
			out = appendRemapped(out, kwsA[i], remapA)
			i++
		default:
			c := bytes.Compare(kwsA[i].Keyword, kwsB[j].Keyword)
			switch {
			case c < 0:
				out = appendRemapped(out, kwsA[i], remapA)
				i++
			case c > 0:
				out = appendRemapped(out, kwsB[j], remapB)
				j++
			default:
				hitsA := decodeRemappedHits(kwsA[i], remapA)
				hitsB := decodeRemappedHits(kwsB[j], remapB)
				out = append(out, posting.KeywordEntry{
					Keyword: kwsA[i].Keyword,
					Hits:    append(hitsA, hitsB...),
				})
				i++
				j++
			}
		}
	}
	return out, nil
}

func appendRemapped(out []posting.KeywordEntry, kp posting.KeywordPosting, remap map[uint32]uint32) []posting.KeywordEntry {
	hits := decodeRemappedHits(kp, remap)
	if len(hits) == 0 {
		return out
	}
	return append(out, posting.KeywordEntry{Keyword: kp.Keyword, Hits: hits})
}

func decodeRemappedHits(kp posting.KeywordPosting, remap map[uint32]uint32) []posting.Hit {
	r := posting.NewDocListReader(kp.DocBytes)
	hitReader := bytes.NewReader(kp.HitBytes)

	var hits []posting.Hit
	for {
		entry, ok, err := r.Next()
		if err != nil || !ok {
			break
		}

		newRowID, alive := remap[entry.RowID]
		fields := posting.FieldsFromMask(entry.FieldMask)

		if entry.HitCount == 1 {
			if alive {
				hits = append(hits, posting.Hit{RowID: newRowID, Field: fieldAt(fields, 0), Position: entry.InlinePosition})
			}
			continue
		}

		hr := posting.NewHitListReader(hitReader, entry.HitCount)
		i := 0
		for {
			pos, ok, err := hr.Next()
			if err != nil || !ok {
				break
			}
			if alive {
				hits = append(hits, posting.Hit{RowID: newRowID, Field: fieldAt(fields, i), Position: pos})
			}
			i++
		}
	}
	return hits
}

// fieldAt cycles through fields (the distinct field ids a doc entry's
// aggregate mask decoded to) by occurrence index i, so re-aggregating the
// reconstructed hits' Field values reproduces the original FieldMask
// exactly (spec §3 doc-record field mask).
func fieldAt(fields []uint8, i int) uint8 {
	if len(fields) == 0 {
		return 0
	}
	return fields[i%len(fields)]
}

// TicketCounter re-exports bitmap.TicketCounter for callers constructing a
// standalone Merger without a full executor.Executor (e.g. tests).
type TicketCounter = bitmap.TicketCounter
