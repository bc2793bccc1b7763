package chunkanalyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze_PureInsertion(t *testing.T) {
	_, ok := Analyze(nil, []string{"x\n", "y\n"}, false)
	assert.False(t, ok, "pure insert must be irrelevant, not analyzed")
}

func TestAnalyze_PureDeletion(t *testing.T) {
	_, ok := Analyze([]string{"x\n", "y\n"}, nil, false)
	assert.False(t, ok)
}

func TestAnalyze_WhitespaceOnlyChange(t *testing.T) {
	got, ok := Analyze([]string{"foo\n"}, []string{" foo\n"}, false)
	assert.True(t, ok)
	assert.Equal(t, "0=0:ws,i0-1", got)
}

func TestAnalyze_SingleLineReplace(t *testing.T) {
	got, ok := Analyze([]string{"int x = 1;"}, []string{"int x = 2;"}, false)
	assert.True(t, ok)
	assert.Contains(t, got, "0=0:r8-9=8-9")
}

func TestAnalyze_BulkIdenticalTail(t *testing.T) {
	got, ok := Analyze([]string{"a", "b", "c"}, []string{"x", "b", "c"}, false)
	assert.True(t, ok)
	assert.Equal(t, "1=1;2=2", got)
}

func TestAnalyze_Deterministic(t *testing.T) {
	d := []string{"foo(bar, baz)", "qux"}
	i := []string{"foo(bar, quux)", "qux"}
	first, _ := Analyze(d, i, false)
	second, _ := Analyze(d, i, false)
	assert.Equal(t, first, second, "ChunkAnalyzer must be a pure, deterministic function")
}

// TestAnalyze_SmallBlockAgreesAcrossFastAndSlowPaths checks that a small
// 2x2 block, which takes the single-window analyzeChunk1 path when not
// moved (len(D)*len(I) <= 10000), produces the same output when forced
// onto the line-matching slow path with moved=true.
func TestAnalyze_SmallBlockAgreesAcrossFastAndSlowPaths(t *testing.T) {
	d := []string{"alpha", "beta"}
	i := []string{"alpha", "gamma"}
	fastPath, _ := Analyze(d, i, false)
	forcedSlowPath, _ := Analyze(d, i, true)
	assert.Equal(t, fastPath, forcedSlowPath, "small blocks should agree across both paths")
}

func TestRatio_AsymmetricSingleBlockCase(t *testing.T) {
	// Deleted side has more than 5 non-whitespace characters and the word
	// matcher finds exactly one matching block: the ratio divides only by
	// the deleted side's length, per spec.md §9 Open Question.
	matchingBlocks := []matchBlock{{i: 0, j: 0, n: 3}, {i: 3, j: 3, n: 0}}
	deletedWords := []string{"foobar", " ", "x"}
	r := ratio(matchingBlocks, deletedWords, 10, 3)
	assert.InDelta(t, 7.0/10.0, r, 1e-9)
}

func TestRatio_SymmetricDefaultCase(t *testing.T) {
	matchingBlocks := []matchBlock{{i: 0, j: 0, n: 1}, {i: 1, j: 1, n: 0}}
	deletedWords := []string{"ab"}
	r := ratio(matchingBlocks, deletedWords, 2, 2)
	assert.InDelta(t, 2.0*2/(2+2), r, 1e-9)
}

func TestAnalyzeWhiteSpaceChanges_EOL(t *testing.T) {
	got := analyzeWhiteSpaceChanges([]string{"same"}, []string{"same"}, 4, 4, true, false)
	assert.Equal(t, "4=4:eol", got)
}

func TestTokenizeWords(t *testing.T) {
	words := tokenizeWords("Foo123 BAR")
	assert.Equal(t, []string{"Foo", "123", " ", "BAR"}, words)
}
