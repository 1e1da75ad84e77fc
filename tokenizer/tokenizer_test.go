package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleTokenizerSplitsWords(t *testing.T) {
	tok := New(Settings{MinWordLen: 1, Lowercase: true})
	hits := tok.Tokenize(0, []byte("Hello, World! Go-lang."), nil)

	var words []string
	for _, h := range hits {
		words = append(words, string(h.Word))
	}
	require.Equal(t, []string{"hello", "world", "go", "lang"}, words)
}

func TestSimpleTokenizerRespectsMinWordLen(t *testing.T) {
	tok := New(Settings{MinWordLen: 3})
	hits := tok.Tokenize(0, []byte("a an the"), nil)

	var words []string
	for _, h := range hits {
		words = append(words, string(h.Word))
	}
	require.Equal(t, []string{"the"}, words)
}

func TestSimpleTokenizerPositionsIncrementPerEmittedWord(t *testing.T) {
	tok := New(Settings{MinWordLen: 1})
	hits := tok.Tokenize(2, []byte("one two three"), nil)

	require.Len(t, hits, 3)
	for i, h := range hits {
		require.Equal(t, uint32(i), h.Position)
		require.Equal(t, uint8(2), h.Field)
	}
}

func TestDictionaryAssignsStableIDs(t *testing.T) {
	d := NewDictionary(false)
	id1 := d.WordID([]byte("cat"))
	id2 := d.WordID([]byte("dog"))
	id1Again := d.WordID([]byte("cat"))

	require.Equal(t, id1, id1Again)
	require.NotEqual(t, id1, id2)
	require.Equal(t, []byte("cat"), d.Word(id1))
}

func TestDictionaryCloneSharesTable(t *testing.T) {
	d := NewDictionary(true)
	id := d.WordID([]byte("shared"))

	clone := d.Clone()
	require.True(t, clone.HasMorphology())
	require.Equal(t, []byte("shared"), clone.Word(id))
}

func TestFieldFilterLowercase(t *testing.T) {
	f := FieldFilter{Lowercase: true}
	require.Equal(t, []byte("café"), f.Apply([]byte("CAFÉ")))
}

func TestSettingsFingerprintDiffersOnChange(t *testing.T) {
	a := Settings{MinWordLen: 1, MaxWordLen: 10, Lowercase: true}
	b := Settings{MinWordLen: 2, MaxWordLen: 10, Lowercase: true}
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestToPostingHitsGroupsByWord(t *testing.T) {
	tok := New(Settings{MinWordLen: 1, Lowercase: true})
	hits := tok.Tokenize(0, []byte("go go lang"), nil)

	grouped := ToPostingHits(7, hits, nil)
	require.Len(t, grouped["go"], 2)
	require.Len(t, grouped["lang"], 1)
	require.Equal(t, uint32(7), grouped["go"][0].RowID)
}

func TestToPostingHitsWithDictionary(t *testing.T) {
	tok := New(Settings{MinWordLen: 1, Lowercase: true})
	hits := tok.Tokenize(0, []byte("go go"), nil)

	dict := NewDictionary(false)
	grouped := ToPostingHits(1, hits, dict)
	require.Len(t, grouped, 1)
	for _, g := range grouped {
		require.Len(t, g, 2)
	}
}
