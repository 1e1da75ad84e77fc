// Package snapshot implements the atomic (disk_chunks, ram_segments) pair
// described in spec §4.4: readers acquire the pair under a brief mutex,
// clone both immutable lists, release the mutex, and hold the clones for
// the query lifetime; only the serial executor ever installs a new pair.
package snapshot

import (
	"sync"

	"github.com/benbjohnson/immutable"

	"github.com/sprtio/rtindex/segment"
)

// DiskChunk is the opaque handle the snapshot holds per disk chunk; the
// snapshot package never calls into it, matching spec §6's "opaque to the
// core except for" boundary (those methods live on the concrete type in
// package diskchunk).
type DiskChunk interface {
	ID() uint32
	KillMulti(ids []int64) int
}

// Pair is one immutable view of the index's storage: an ordered list of
// disk chunks and an ordered list of RAM segments (spec §4.4 "(disk_chunks:
// Arc<Vec<Arc<DiskChunk>>>, ram_segments: Arc<Vec<Arc<RamSegment>>>)").
type Pair struct {
	Chunks   *immutable.List[DiskChunk]
	Segments *immutable.List[*segment.Segment]
}

// emptyPair is the zero-document starting state.
func emptyPair() Pair {
	return Pair{
		Chunks:   immutable.NewList[DiskChunk](),
		Segments: immutable.NewList[*segment.Segment](),
	}
}

// Holder owns the index's current Pair and publishes new ones atomically.
// Mutation is single-writer (the serial executor); reads are lock-free
// once a Pair value has been copied out (spec §4.4 "acquire... under a
// brief mutex, clone both Arcs, release the mutex").
type Holder struct {
	mu      sync.Mutex
	current Pair
}

// NewHolder returns a Holder initialized to the empty pair.
func NewHolder() *Holder {
	return &Holder{current: emptyPair()}
}

// Acquire returns the current pair. The returned lists are immutable and
// safe to hold for the entire query lifetime without further locking
// (spec §4.4 "A reader holding a snapshot always sees a self-consistent
// pair").
func (h *Holder) Acquire() Pair {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Swap installs a new pair built by fn from the current one. fn runs while
// the mutex is held, so it must be cheap: construct the new immutable
// lists first, then call Swap only to publish them (spec §4.4 "construct a
// new pair... and atomically install it under the same mutex").
func (h *Holder) Swap(fn func(Pair) Pair) Pair {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = fn(h.current)
	return h.current
}

// AppendSegment publishes a pair with seg appended to the RAM-segment list,
// used by the serial executor after a commit (spec §4.3 step 5, §4.4).
func (h *Holder) AppendSegment(seg *segment.Segment) Pair {
	return h.Swap(func(p Pair) Pair {
		return Pair{Chunks: p.Chunks, Segments: p.Segments.Append(seg)}
	})
}

// ReplaceSegments publishes a pair with the RAM-segment list replaced
// wholesale, used by the merger when it retires the inputs of a completed
// merge and installs the merged output (spec §4.5).
func (h *Holder) ReplaceSegments(segments []*segment.Segment) Pair {
	return h.Swap(func(p Pair) Pair {
		list := immutable.NewList[*segment.Segment]()
		for _, s := range segments {
			list = list.Append(s)
		}
		return Pair{Chunks: p.Chunks, Segments: list}
	})
}

// ReplaceChunks publishes a pair with the disk-chunk list replaced
// wholesale, used by the flusher and optimizer.
func (h *Holder) ReplaceChunks(chunks []DiskChunk) Pair {
	return h.Swap(func(p Pair) Pair {
		list := immutable.NewList[DiskChunk]()
		for _, c := range chunks {
			list = list.Append(c)
		}
		return Pair{Chunks: list, Segments: p.Segments}
	})
}

// SegmentSlice materializes the pair's RAM segments into a plain slice, for
// callers that want simple iteration rather than the immutable.List API.
func (p Pair) SegmentSlice() []*segment.Segment {
	out := make([]*segment.Segment, 0, p.Segments.Len())
	itr := p.Segments.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v)
	}
	return out
}

// ChunkSlice materializes the pair's disk chunks into a plain slice.
func (p Pair) ChunkSlice() []DiskChunk {
	out := make([]DiskChunk, 0, p.Chunks.Len())
	itr := p.Chunks.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v)
	}
	return out
}
