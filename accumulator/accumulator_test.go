package accumulator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sprtio/rtindex/tokenizer"
)

func words(tok tokenizer.Tokenizer, field uint8, text string) []tokenizer.WordHit {
	return tok.Tokenize(field, []byte(text), nil)
}

func TestCommitBuildsSegmentWithHits(t *testing.T) {
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1, Lowercase: true})
	a := New(1)

	require.NoError(t, a.AddDocument(10, []uint64{1}, nil, words(tok, 0, "quick brown fox")))
	require.NoError(t, a.AddDocument(20, []uint64{2}, nil, words(tok, 0, "brown dog")))

	seg, err := a.Commit()
	require.NoError(t, err)
	require.NotNil(t, seg)
	require.Equal(t, uint32(2), seg.AliveRows())

	row, ok := seg.FindAliveRow(10)
	require.True(t, ok)
	require.Equal(t, uint64(1), seg.GetRow(row)[0])

	kws, err := seg.Postings.DecodeKeywords()
	require.NoError(t, err)
	require.Contains(t, kws, []byte("brown"))
}

func TestCommitEmptyAccumulatorIsNoop(t *testing.T) {
	a := New(1)
	seg, err := a.Commit()
	require.NoError(t, err)
	require.Nil(t, seg)
}

func TestCommitDropsSelfDeletedDocument(t *testing.T) {
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	a := New(1)

	require.NoError(t, a.AddDocument(1, []uint64{0}, nil, words(tok, 0, "ephemeral")))
	a.DeleteDocument(1)

	seg, err := a.Commit()
	require.NoError(t, err)
	require.Nil(t, seg)
}

func TestCommitKeepsAddThatFollowsSelfDelete(t *testing.T) {
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	a := New(1)

	a.DeleteDocument(10)
	require.NoError(t, a.AddDocument(10, []uint64{0}, nil, words(tok, 0, "x")))

	seg, err := a.Commit()
	require.NoError(t, err)
	require.NotNil(t, seg)
	require.Equal(t, uint32(1), seg.AliveRows())

	_, ok := seg.FindAliveRow(10)
	require.True(t, ok)

	kws, err := seg.Postings.DecodeKeywords()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x")}, kws)
}

func TestAddDocumentReplaceModeKeepsLast(t *testing.T) {
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	a := New(1, WithMode(ModeReplace))

	require.NoError(t, a.AddDocument(1, []uint64{0}, nil, words(tok, 0, "first")))
	require.NoError(t, a.AddDocument(1, []uint64{9}, nil, words(tok, 0, "second")))

	seg, err := a.Commit()
	require.NoError(t, err)
	require.Equal(t, uint32(1), seg.AliveRows())

	row, ok := seg.FindAliveRow(1)
	require.True(t, ok)
	require.Equal(t, uint64(9), seg.GetRow(row)[0])

	kws, err := seg.Postings.DecodeKeywords()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("second")}, kws)
}

func TestAddDocumentInsertModeKeepsFirst(t *testing.T) {
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	a := New(1, WithMode(ModeInsert))

	require.NoError(t, a.AddDocument(1, []uint64{0}, nil, words(tok, 0, "first")))
	require.NoError(t, a.AddDocument(1, []uint64{9}, nil, words(tok, 0, "second")))

	seg, err := a.Commit()
	require.NoError(t, err)

	row, ok := seg.FindAliveRow(1)
	require.True(t, ok)
	require.Equal(t, uint64(0), seg.GetRow(row)[0])
}

func TestAddDocumentWrongStrideErrors(t *testing.T) {
	a := New(2)
	err := a.AddDocument(1, []uint64{1}, nil, nil)
	require.Error(t, err)
}

func TestRollbackDiscardsState(t *testing.T) {
	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	a := New(1)
	require.NoError(t, a.AddDocument(1, []uint64{0}, nil, words(tok, 0, "hello")))
	a.DeleteDocument(2)

	a.Rollback()

	seg, err := a.Commit()
	require.NoError(t, err)
	require.Nil(t, seg)
}

func TestKillsReturnsCopy(t *testing.T) {
	a := New(1)
	a.DeleteDocument(5, 6)
	kills := a.Kills()
	require.Equal(t, []int64{5, 6}, kills)

	kills[0] = 999
	require.Equal(t, []int64{5, 6}, a.Kills())
}
