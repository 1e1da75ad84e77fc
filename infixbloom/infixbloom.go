// Package infixbloom implements the per-checkpoint infix bloom block
// described in spec §4.1/§4.3 step 4: two bloom filters per word
// checkpoint, one over 2-grams and one over 4-grams of the keywords that
// fall in that checkpoint's range, used to skip checkpoints during wildcard
// and infix search without ever producing a false negative.
package infixbloom

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
)

// Params controls bloom sizing and the n-gram lengths built. Two n-gram
// widths are specified explicitly (2 and 4) because that is what spec §4.1
// mandates; MinInfixLen gates whether blocks are built at all (spec §4.3
// step 4: "if min-infix-length > 0 and a keyword dictionary is in use").
type Params struct {
	MinInfixLen       int
	EstimatedKeywords uint
	FalsePositiveRate float64
}

// DefaultParams mirrors the teacher's bloom sizing call
// (bloom.NewWithEstimates(100000, 0.01)) scaled down to a per-checkpoint
// block, since spec §4.1 sizes one block per ~48-keyword checkpoint rather
// than per-segment.
var DefaultParams = Params{
	MinInfixLen:       2,
	EstimatedKeywords: 48 * 8, // checkpoint stride (48) times 2/4-gram fanout headroom
	FalsePositiveRate: 0.01,
}

// Equal reports whether two Params describe the same bloom shape; used at
// load time to decide whether on-disk blocks must be rebuilt (spec §4.9
// step 1: "if the on-disk infix-bloom params differ from current, a
// rebuild flag is set").
func (p Params) Equal(o Params) bool {
	return p.MinInfixLen == o.MinInfixLen &&
		p.EstimatedKeywords == o.EstimatedKeywords &&
		p.FalsePositiveRate == o.FalsePositiveRate
}

// Block is one checkpoint's pair of n-gram bloom filters.
type Block struct {
	params  Params
	twoGram *bloom.BloomFilter
	fourGram *bloom.BloomFilter
}

// NewBlock allocates an empty block for the given params.
func NewBlock(p Params) *Block {
	return &Block{
		params:   p,
		twoGram:  bloom.NewWithEstimates(p.EstimatedKeywords, p.FalsePositiveRate),
		fourGram: bloom.NewWithEstimates(p.EstimatedKeywords, p.FalsePositiveRate),
	}
}

// AddKeyword inserts every 2-gram and 4-gram of kw into the block. No-op if
// the block's MinInfixLen is <= 0 or kw is shorter than the n-gram width in
// question (spec §8 property 5 only promises coverage for keywords of
// length >= 4, which is exactly when both n-gram widths apply).
func (b *Block) AddKeyword(kw []byte) {
	if b.params.MinInfixLen <= 0 {
		return
	}
	for _, g := range ngrams(kw, 2) {
		b.twoGram.Add(g)
	}
	for _, g := range ngrams(kw, 4) {
		b.fourGram.Add(g)
	}
}

// MayContainInfix reports whether infix could plausibly appear in this
// block's keyword range. It picks the n-gram filter matching infix's length
// (2 or 4); for other lengths it conservatively reports true (the bloom
// cannot help, so it must never produce a false negative).
func (b *Block) MayContainInfix(infix []byte) bool {
	switch len(infix) {
	case 2:
		return b.twoGram.Test(infix)
	case 4:
		return b.fourGram.Test(infix)
	default:
		return true
	}
}

// ngrams returns every contiguous substring of kw with length n (n-1
// overlapping windows included), or nil if kw is shorter than n.
func ngrams(kw []byte, n int) [][]byte {
	if len(kw) < n {
		return nil
	}
	out := make([][]byte, 0, len(kw)-n+1)
	for i := 0; i+n <= len(kw); i++ {
		out = append(out, kw[i:i+n])
	}
	return out
}

// Marshal serializes the block (both filters back to back, length
// prefixed) for the RAM segment / disk chunk on-disk format.
func (b *Block) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFilter(&buf, b.twoGram); err != nil {
		return nil, fmt.Errorf("infixbloom: marshal 2-gram filter: %w", err)
	}
	if err := writeFilter(&buf, b.fourGram); err != nil {
		return nil, fmt.Errorf("infixbloom: marshal 4-gram filter: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal reconstructs a block previously produced by Marshal.
func Unmarshal(p Params, data []byte) (*Block, error) {
	r := bytes.NewReader(data)

	two, err := readFilter(r)
	if err != nil {
		return nil, fmt.Errorf("infixbloom: unmarshal 2-gram filter: %w", err)
	}
	four, err := readFilter(r)
	if err != nil {
		return nil, fmt.Errorf("infixbloom: unmarshal 4-gram filter: %w", err)
	}

	return &Block{params: p, twoGram: two, fourGram: four}, nil
}

func writeFilter(buf *bytes.Buffer, f *bloom.BloomFilter) error {
	n, err := f.WriteTo(buf)
	if err != nil {
		return err
	}
	_ = n
	return nil
}

func readFilter(r *bytes.Reader) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(r); err != nil {
		return nil, err
	}
	return f, nil
}

// Table is the ordered, per-checkpoint sequence of blocks for one segment
// or disk chunk.
type Table struct {
	Params Params
	Blocks []*Block
}

// NewTable returns an empty table for the given params.
func NewTable(p Params) *Table {
	return &Table{Params: p}
}

// AddBlock appends a new checkpoint block, built fresh, and returns it for
// the caller to populate via AddKeyword as it walks that checkpoint's
// keyword range.
func (t *Table) AddBlock() *Block {
	b := NewBlock(t.Params)
	t.Blocks = append(t.Blocks, b)
	return b
}

// MayContainInfix checks the block at checkpoint index idx. Callers locate
// idx the same way RtWordReader locates a word checkpoint (spec §4.2/§4.9).
func (t *Table) MayContainInfix(idx int, infix []byte) bool {
	if idx < 0 || idx >= len(t.Blocks) {
		return true
	}
	return t.Blocks[idx].MayContainInfix(infix)
}
