package posting

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sprtio/rtindex/codec"
	"github.com/sprtio/rtindex/infixbloom"
)

// Checkpoint marks every Nth keyword (spec §3 Word checkpoint): the byte
// offset into the word (keyword-delta) stream at which that keyword's
// record begins, plus the offset into the doc stream where its doc list
// begins. Checkpoints are monotonic in both fields (spec §8 property 3).
type Checkpoint struct {
	WordOffset uint32
	DocOffset  uint32
	Keyword    []byte
}

// Table is a whole segment's (or disk chunk's) keyword -> posting-list
// mapping: one shared word stream, one shared doc stream, one shared hit
// stream, a checkpoint vector, and the parallel infix bloom table.
type Table struct {
	WordStream []byte
	DocStream  []byte
	HitStream  []byte
	Checkpoints []Checkpoint
	Bloom       *infixbloom.Table

	// Lengths holds one entry per keyword, in word-stream order, giving
	// the doc/hit byte extents of that keyword's posting list. This is
	// not itself part of the spec's wire format (the word stream alone is
	// normative); it is the in-memory index that lets the merger and
	// flusher lock-step-walk two keyword streams without a full decode of
	// every intervening posting list (spec §4.5 step 3, §4.6 step 4).
	Lengths []KeywordLen
}

// KeywordLen records one keyword's doc-list/hit-list byte lengths.
type KeywordLen struct {
	DocCount uint32
	DocLen   uint32
	HitLen   uint32
}

// KeywordEntry is one input keyword's sorted hits, supplied already merged
// and deduplicated by the accumulator/merger (spec §4.3 steps 2-3).
type KeywordEntry struct {
	Keyword []byte
	Hits    []Hit
}

// Build serializes an ordered sequence of keyword entries (already sorted
// lexicographically, as produced by the accumulator's hit sort) into a
// Table, emitting a checkpoint every CheckpointStride keywords and, if
// bloomParams.MinInfixLen > 0, an infix bloom block per checkpoint.
func Build(entries []KeywordEntry, bloomParams infixbloom.Params) (*Table, error) {
	t := &Table{Bloom: infixbloom.NewTable(bloomParams)}

	var wordBuf, docBuf, hitBuf bytes.Buffer
	var prevKeyword []byte
	var curBlock *infixbloom.Block

	for i, e := range entries {
		if i%CheckpointStride == 0 {
			t.Checkpoints = append(t.Checkpoints, Checkpoint{
				WordOffset: uint32(wordBuf.Len()),
				DocOffset:  uint32(docBuf.Len()),
				Keyword:    append([]byte(nil), e.Keyword...),
			})
			prevKeyword = nil
			curBlock = t.Bloom.AddBlock()
		}

		wordBuf.Write(codec.EncodeKeywordDelta(nil, prevKeyword, e.Keyword))
		prevKeyword = e.Keyword

		list, err := BuildList(e.Hits)
		if err != nil {
			return nil, fmt.Errorf("posting: build keyword %q: %w", e.Keyword, err)
		}

		docBuf.Write(list.DocBytes)
		hitBuf.Write(list.HitBytes)

		t.Lengths = append(t.Lengths, KeywordLen{
			DocCount: list.DocCount,
			DocLen:   uint32(len(list.DocBytes)),
			HitLen:   uint32(len(list.HitBytes)),
		})

		if curBlock != nil {
			curBlock.AddKeyword(e.Keyword)
		}
	}

	t.WordStream = wordBuf.Bytes()
	t.DocStream = docBuf.Bytes()
	t.HitStream = hitBuf.Bytes()
	return t, nil
}

// DecodeKeywords walks the word stream decoding every keyword in order;
// used by query-time readers and by round-trip tests (spec §8 property 4).
func (t *Table) DecodeKeywords() ([][]byte, error) {
	var out [][]byte
	var prev []byte
	buf := t.WordStream
	for len(buf) > 0 {
		kw, n, err := codec.DecodeKeywordDelta(buf, prev)
		if err != nil {
			return nil, fmt.Errorf("posting: decode word stream: %w", err)
		}
		out = append(out, kw)
		prev = kw
		buf = buf[n:]
	}
	return out, nil
}

// CheckpointFor returns the index of the last checkpoint whose Keyword is
// <= target, via linear scan (the stream is short enough per segment that
// a binary search is not required for correctness, only for query
// latency — query package implements the accelerated lookup).
func (t *Table) CheckpointFor(target []byte) int {
	idx := -1
	for i, cp := range t.Checkpoints {
		if bytesCompare(cp.Keyword, target) <= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func bytesCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// KeywordPosting is one fully-decoded keyword's posting list, as produced
// by Keywords for merge/flush consumption.
type KeywordPosting struct {
	Keyword  []byte
	DocBytes []byte
	HitBytes []byte
}

// Keywords decodes the whole table into one entry per keyword, in word-
// stream order, using Lengths to slice the shared doc/hit streams. Both
// inputs to a segment merge or flush are walked via this method in
// lock-step (spec §4.5 step 3, §4.6 step 4).
func (t *Table) Keywords() ([]KeywordPosting, error) {
	kws, err := t.DecodeKeywords()
	if err != nil {
		return nil, err
	}
	if len(kws) != len(t.Lengths) {
		return nil, fmt.Errorf("posting: %d keywords but %d length entries", len(kws), len(t.Lengths))
	}

	out := make([]KeywordPosting, len(kws))
	var docOff, hitOff uint32
	for i, kw := range kws {
		l := t.Lengths[i]
		out[i] = KeywordPosting{
			Keyword:  kw,
			DocBytes: t.DocStream[docOff : docOff+l.DocLen],
			HitBytes: t.HitStream[hitOff : hitOff+l.HitLen],
		}
		docOff += l.DocLen
		hitOff += l.HitLen
	}
	return out, nil
}

// Bytes serializes the table whole: checkpoint vector, per-keyword length
// table, bloom params and blocks, then the three shared streams. Used by
// the disk-chunk writer to persist a segment's merged/flushed postings
// (spec §4.6 step 4, §4.9).
func (t *Table) Bytes() []byte {
	var buf bytes.Buffer
	putUint32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	putBytes := func(b []byte) {
		putUint32(uint32(len(b)))
		buf.Write(b)
	}

	putUint32(uint32(len(t.Checkpoints)))
	for _, cp := range t.Checkpoints {
		putUint32(cp.WordOffset)
		putUint32(cp.DocOffset)
		putBytes(cp.Keyword)
	}

	putUint32(uint32(len(t.Lengths)))
	for _, l := range t.Lengths {
		putUint32(l.DocCount)
		putUint32(l.DocLen)
		putUint32(l.HitLen)
	}

	putUint32(uint32(t.Bloom.Params.MinInfixLen))
	putUint32(uint32(t.Bloom.Params.EstimatedKeywords))
	var fpBits [8]byte
	binary.LittleEndian.PutUint64(fpBits[:], math.Float64bits(t.Bloom.Params.FalsePositiveRate))
	buf.Write(fpBits[:])

	putUint32(uint32(len(t.Bloom.Blocks)))
	for _, blk := range t.Bloom.Blocks {
		mb, err := blk.Marshal()
		if err != nil {
			// A block built by this process must marshal; this would only
			// fail on an I/O error from bytes.Buffer, which never occurs.
			mb = nil
		}
		putBytes(mb)
	}

	putBytes(t.WordStream)
	putBytes(t.DocStream)
	putBytes(t.HitStream)

	return buf.Bytes()
}

// LoadTable reconstructs a Table from bytes produced by Bytes.
func LoadTable(buf []byte) (*Table, error) {
	r := bytes.NewReader(buf)
	readUint32 := func() (uint32, error) {
		var b [4]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, fmt.Errorf("posting: truncated table: %w", err)
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	readBytes := func() ([]byte, error) {
		n, err := readUint32()
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		if n > 0 {
			if _, err := r.Read(out); err != nil {
				return nil, fmt.Errorf("posting: truncated table body: %w", err)
			}
		}
		return out, nil
	}

	t := &Table{}

	numCP, err := readUint32()
	if err != nil {
		return nil, err
	}
	t.Checkpoints = make([]Checkpoint, numCP)
	for i := range t.Checkpoints {
		wordOff, err := readUint32()
		if err != nil {
			return nil, err
		}
		docOff, err := readUint32()
		if err != nil {
			return nil, err
		}
		kw, err := readBytes()
		if err != nil {
			return nil, err
		}
		t.Checkpoints[i] = Checkpoint{WordOffset: wordOff, DocOffset: docOff, Keyword: kw}
	}

	numLen, err := readUint32()
	if err != nil {
		return nil, err
	}
	t.Lengths = make([]KeywordLen, numLen)
	for i := range t.Lengths {
		docCount, err := readUint32()
		if err != nil {
			return nil, err
		}
		docLen, err := readUint32()
		if err != nil {
			return nil, err
		}
		hitLen, err := readUint32()
		if err != nil {
			return nil, err
		}
		t.Lengths[i] = KeywordLen{DocCount: docCount, DocLen: docLen, HitLen: hitLen}
	}

	minInfixLen, err := readUint32()
	if err != nil {
		return nil, err
	}
	estKeywords, err := readUint32()
	if err != nil {
		return nil, err
	}
	var fpBits [8]byte
	if _, err := r.Read(fpBits[:]); err != nil {
		return nil, fmt.Errorf("posting: truncated bloom params: %w", err)
	}
	params := infixbloom.Params{
		MinInfixLen:       int(minInfixLen),
		EstimatedKeywords: uint(estKeywords),
		FalsePositiveRate: math.Float64frombits(binary.LittleEndian.Uint64(fpBits[:])),
	}
	t.Bloom = infixbloom.NewTable(params)

	numBlocks, err := readUint32()
	if err != nil {
		return nil, err
	}
	t.Bloom.Blocks = make([]*infixbloom.Block, numBlocks)
	for i := range t.Bloom.Blocks {
		raw, err := readBytes()
		if err != nil {
			return nil, err
		}
		blk, err := infixbloom.Unmarshal(params, raw)
		if err != nil {
			return nil, fmt.Errorf("posting: decode bloom block %d: %w", i, err)
		}
		t.Bloom.Blocks[i] = blk
	}

	if t.WordStream, err = readBytes(); err != nil {
		return nil, err
	}
	if t.DocStream, err = readBytes(); err != nil {
		return nil, err
	}
	if t.HitStream, err = readBytes(); err != nil {
		return nil, err
	}

	return t, nil
}
