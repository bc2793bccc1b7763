// Package chunkanalyzer implements the intra-chunk analyzer: a pure
// function that, given the deleted and inserted line sequences of one
// changed-lines block, produces the compact per-line/per-word edit
// encoding consumed by the review UI.
//
// This is a direct port of critic's analyzechunk.py (see
// original_source/src/critic/criticctl/commands/run_worker/analyzechunk.py
// in the retrieval pack); the output format, the word tokenizer, the
// asymmetric similarity-ratio formula and the fast/slow-path split are all
// preserved byte-for-byte, including the two behaviors spec.md §9 flags as
// open questions.
package chunkanalyzer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	reIgnore   = regexp.MustCompile(`^\s*(?:[{}*]|else|do|\*/)?\s*$`)
	reWords    = regexp.MustCompile(`[0-9]+|[A-Z][a-z]+|[A-Z]+|[a-z]+|[\[\]{}()]|\s+|.`)
	reWS       = regexp.MustCompile(`\s+`)
	reConflict = regexp.MustCompile(`^<<<<<<< .*$|^=======$|^>>>>>>> .*$`)
	reWSWords  = regexp.MustCompile(`( |\t|\s+|\S+)`)
)

// Analyze computes the edit encoding for one changed-lines block.
//
// A pure delete or pure insert (one side empty) yields "" with ok=false,
// meaning "irrelevant" per spec.md §4.1. Otherwise it returns the
// semicolon-separated record string (possibly empty, meaning "no
// intra-line detail") with ok=true.
//
// moved indicates the block is a detected move (reordering), which forces
// the slow path and turns on analyzeWhiteSpaceChanges's "full" mode, so
// identical lines inside matching windows are emitted as "d=i" records.
func Analyze(deleted, inserted []string, moved bool) (string, bool) {
	if len(deleted) == 0 || len(inserted) == 0 {
		return "", false
	}

	var analysis string
	// NOTE: this condition is preserved exactly as specified (spec.md §9
	// Open Question): a large chunk takes the *fast* path when
	// len(D)*len(I) <= 10000 and not moved. The surrounding shape of the
	// algorithm suggests the intended condition was the opposite, but the
	// observed behavior is preserved verbatim per instruction.
	if len(deleted)*len(inserted) <= 10000 && !moved {
		analysis = analyzeChunk1(deleted, inserted, 0, 0)
	} else {
		deletedNoWS := make([]string, len(deleted))
		insertedNoWS := make([]string, len(inserted))
		for i, l := range deleted {
			deletedNoWS[i] = reWS.ReplaceAllString(strings.TrimSpace(l), " ")
		}
		for i, l := range inserted {
			insertedNoWS[i] = reWS.ReplaceAllString(strings.TrimSpace(l), " ")
		}

		blocks := lineMatchingBlocks(deletedNoWS, insertedNoWS)

		var edits []string
		pi, pj := 0, 0
		for _, b := range blocks {
			if b.n == 0 {
				continue
			}
			if b.i > pi && b.j > pj {
				edits = append(edits, analyzeChunk1(deleted[pi:b.i], inserted[pj:b.j], pi, pj))
			}
			edits = append(edits, analyzeWhiteSpaceChanges(
				deleted[b.i:b.i+b.n], inserted[b.j:b.j+b.n], b.i, b.j, false, moved))
			pi = b.i + b.n
			pj = b.j + b.n
		}
		if pi < len(deleted) && pj < len(inserted) {
			edits = append(edits, analyzeChunk1(deleted[pi:], inserted[pj:], pi, pj))
		}

		var nonEmpty []string
		for _, e := range edits {
			if e != "" {
				nonEmpty = append(nonEmpty, e)
			}
		}
		analysis = strings.Join(nonEmpty, ";")
	}

	return analysis, true
}

type matchBlock struct{ i, j, n int }

// lineMatchingBlocks runs a line-level SequenceMatcher-equivalent over two
// whitespace-normalized line sequences and returns the non-overlapping
// matching blocks, in ascending (i, j) order — the same contract as
// Python's difflib.SequenceMatcher.get_matching_blocks(), including the
// trailing zero-length sentinel block.
func lineMatchingBlocks(a, b []string) []matchBlock {
	dmp := diffmatchpatch.New()
	aRunes, bRunes, lines := dmp.DiffLinesToRunes(strings.Join(a, "\n")+"\n", strings.Join(b, "\n")+"\n")
	_ = lines
	diffs := dmp.DiffMainRunes(aRunes, bRunes, false)

	var blocks []matchBlock
	i, j := 0, 0
	for _, d := range diffs {
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if n > 0 {
				blocks = append(blocks, matchBlock{i: i, j: j, n: n})
			}
			i += n
			j += n
		case diffmatchpatch.DiffDelete:
			i += n
		case diffmatchpatch.DiffInsert:
			j += n
		}
	}
	blocks = append(blocks, matchBlock{i: len(a), j: len(b), n: 0})
	return blocks
}

type wordMatch struct {
	ratio         float64
	deletedIndex  int
	insertedIndex int
	deletedWords  []string
	insertedWords []string
	ops           []opcode
}

type opcode struct {
	tag        string // "replace", "delete", "insert"
	i1, i2     int
	j1, j2     int
}

// analyzeChunk1 is the per-line, per-word analysis for one window of
// deleted/inserted lines, emitting absolute offsets shifted by
// (offsetA, offsetB).
func analyzeChunk1(deleted, inserted []string, offsetA, offsetB int) string {
	if len(deleted)*len(inserted) > 10000 {
		return ""
	}

	var matches []wordMatch
	var equals [][2]int

	for di, d := range deleted {
		dStripped := strings.TrimSpace(d)
		dNoWS := reWS.ReplaceAllString(dStripped, "")

		if reConflict.MatchString(d) {
			continue
		}

		if !reIgnore.MatchString(d) {
			dWords := tokenizeWords(d)
			for ii, ins := range inserted {
				iStripped := strings.TrimSpace(ins)
				iNoWS := reWS.ReplaceAllString(iStripped, "")

				if !reIgnore.MatchString(ins) {
					iWords := tokenizeWords(ins)
					ops, matchingBlocks := wordOpcodes(dWords, iWords)
					r := ratio(matchingBlocks, dWords, len(dNoWS), len(iNoWS))
					if r > 0.5 {
						matches = append(matches, wordMatch{
							ratio: r, deletedIndex: di, insertedIndex: ii,
							deletedWords: dWords, insertedWords: iWords, ops: ops,
						})
					}
				} else if dStripped == iStripped {
					equals = append(equals, [2]int{di, ii})
				}
			}
		} else {
			for ii, ins := range inserted {
				if dStripped == strings.TrimSpace(ins) {
					equals = append(equals, [2]int{di, ii})
				}
			}
		}
	}

	if len(matches) > 0 {
		return renderMatches(matches, equals, deleted, inserted, offsetA, offsetB)
	}
	if deleted[len(deleted)-1] == inserted[len(inserted)-1] {
		return trailingEqualities(deleted, inserted, offsetA, offsetB)
	}
	return ""
}

// ratio implements the spec's documented-asymmetric similarity score
// (spec.md §9 Open Question): normally 2*matching/(|D|+|I|), except when
// the deleted side has more than 5 non-whitespace characters and the word
// matcher found exactly one matching block, in which case it divides only
// by the deleted side's length. Preserved verbatim.
func ratio(matchingBlocks []matchBlock, deletedWords []string, aLength, bLength int) float64 {
	matching := 0
	for _, blk := range matchingBlocks {
		if blk.n == 0 {
			continue
		}
		for _, w := range deletedWords[blk.i : blk.i+blk.n] {
			matching += len(strings.TrimSpace(w))
		}
	}
	if aLength > 5 && len(matchingBlocks) == 2 {
		return float64(matching) / float64(aLength)
	}
	return 2.0 * float64(matching) / float64(aLength+bLength)
}

// wordOpcodes runs a SequenceMatcher-equivalent over two word sequences,
// returning both the opcodes (replace/delete/insert spans, matching the
// shape difflib.SequenceMatcher.get_opcodes() produces sans "equal") and
// the raw matching blocks (needed by ratio, matching
// get_matching_blocks()).
func wordOpcodes(a, b []string) ([]opcode, []matchBlock) {
	blocks := wordMatchingBlocks(a, b)

	var ops []opcode
	pi, pj := 0, 0
	for _, blk := range blocks {
		if blk.i > pi || blk.j > pj {
			switch {
			case blk.i > pi && blk.j > pj:
				ops = append(ops, opcode{tag: "replace", i1: pi, i2: blk.i, j1: pj, j2: blk.j})
			case blk.i > pi:
				ops = append(ops, opcode{tag: "delete", i1: pi, i2: blk.i})
			case blk.j > pj:
				ops = append(ops, opcode{tag: "insert", j1: pj, j2: blk.j})
			}
		}
		pi = blk.i + blk.n
		pj = blk.j + blk.n
	}
	return ops, blocks
}

// wordMatchingBlocks returns the non-overlapping matching blocks between
// two word sequences, using an exact longest-common-subsequence-style
// greedy matcher equivalent to difflib's autojunk-free SequenceMatcher for
// these (short) word lists.
func wordMatchingBlocks(a, b []string) []matchBlock {
	// Build index of b word -> positions.
	bIdx := map[string][]int{}
	for j, w := range b {
		bIdx[w] = append(bIdx[w], j)
	}

	type cand struct{ i, j, n int }
	var blocks []matchBlock

	// find_longest_match, recursively, over [aLo,aHi) x [bLo,bHi)
	var findLongest func(aLo, aHi, bLo, bHi int) cand
	findLongest = func(aLo, aHi, bLo, bHi int) cand {
		best := cand{i: aLo, j: bLo, n: 0}
		j2len := map[int]int{}
		for i := aLo; i < aHi; i++ {
			newJ2len := map[int]int{}
			for _, j := range bIdx[a[i]] {
				if j < bLo || j >= bHi {
					continue
				}
				k := j2len[j-1] + 1
				newJ2len[j] = k
				if k > best.n {
					best = cand{i: i - k + 1, j: j - k + 1, n: k}
				}
			}
			j2len = newJ2len
		}
		return best
	}

	var recurse func(aLo, aHi, bLo, bHi int)
	recurse = func(aLo, aHi, bLo, bHi int) {
		m := findLongest(aLo, aHi, bLo, bHi)
		if m.n == 0 {
			return
		}
		recurse(aLo, m.i, bLo, m.j)
		blocks = append(blocks, matchBlock{i: m.i, j: m.j, n: m.n})
		recurse(m.i+m.n, aHi, m.j+m.n, bHi)
	}
	recurse(0, len(a), 0, len(b))

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].i != blocks[j].i {
			return blocks[i].i < blocks[j].i
		}
		return blocks[i].j < blocks[j].j
	})
	blocks = append(blocks, matchBlock{i: len(a), j: len(b), n: 0})
	return blocks
}

// renderMatches greedily accepts the highest-ratio, non-crossing word
// matches, interleaves whitespace-only equalities, and renders the final
// record string in ascending deletedIndex order.
func renderMatches(matches []wordMatch, equals [][2]int, deleted, inserted []string, offsetA, offsetB int) string {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].ratio > matches[j].ratio })

	type final struct {
		di, ii int
		m      *wordMatch
	}
	var finals []final

	remaining := matches
	for len(remaining) > 0 {
		m := remaining[0]
		finals = append(finals, final{di: m.deletedIndex, ii: m.insertedIndex, m: &m})

		var kept []wordMatch
		for _, other := range remaining[1:] {
			if other.deletedIndex == m.deletedIndex || other.insertedIndex == m.insertedIndex {
				continue
			}
			if (other.deletedIndex < m.deletedIndex) != (other.insertedIndex < m.insertedIndex) {
				continue
			}
			kept = append(kept, other)
		}
		remaining = kept

		var keptEquals [][2]int
		for _, e := range equals {
			if (e[0] < m.deletedIndex) == (e[1] < m.insertedIndex) {
				keptEquals = append(keptEquals, e)
			}
		}
		equals = keptEquals
	}

	sort.Slice(finals, func(i, j int) bool { return finals[i].di < finals[j].di })
	sort.Slice(equals, func(i, j int) bool {
		if equals[i][0] != equals[j][0] {
			return equals[i][0] < equals[j][0]
		}
		return equals[i][1] < equals[j][1]
	})

	finals = append(finals, final{di: len(deleted), ii: len(inserted), m: nil})

	var result []string
	prevDI, prevII := -1, -1

	for _, f := range finals {
		for len(equals) > 0 && (equals[0][0] < f.di || equals[0][1] < f.ii) {
			di, ii := equals[0][0], equals[0][1]
			equals = equals[1:]
			if prevDI < di && di < f.di && prevII < ii && ii < f.ii {
				lineDiff := analyzeWhiteSpaceLine(deleted[di], inserted[ii])
				if lineDiff != "" {
					result = append(result, formatRecord(di+offsetA, ii+offsetB, []string{"ws", lineDiff}))
				} else {
					result = append(result, formatRecord(di+offsetA, ii+offsetB, nil))
				}
				prevDI, prevII = di, ii
			}
			for len(equals) > 0 && (di == equals[0][0] || ii == equals[0][1]) {
				equals = equals[1:]
			}
		}

		if f.m == nil {
			break
		}
		m := f.m

		var items []string
		dLine := deleted[f.di]
		iLine := inserted[f.ii]
		if dLine != iLine && strings.TrimSpace(dLine) == strings.TrimSpace(iLine) {
			items = append(items, "ws")
			if wsDiff := analyzeWhiteSpaceLine(dLine, iLine); wsDiff != "" {
				items = append(items, wsDiff)
			}
		} else {
			for _, op := range m.ops {
				switch op.tag {
				case "replace":
					items = append(items, formatReplace(
						offsetInLine(m.deletedWords, op.i1), offsetInLine(m.deletedWords, op.i2),
						offsetInLine(m.insertedWords, op.j1), offsetInLine(m.insertedWords, op.j2)))
				case "delete":
					items = append(items, formatDelete(offsetInLine(m.deletedWords, op.i1), offsetInLine(m.deletedWords, op.i2)))
				case "insert":
					items = append(items, formatInsert(offsetInLine(m.insertedWords, op.j1), offsetInLine(m.insertedWords, op.j2)))
				}
			}
		}
		result = append(result, formatRecord(f.di+offsetA, f.ii+offsetB, items))
		prevDI, prevII = f.di, f.ii
	}

	return strings.Join(result, ";")
}

// trailingEqualities emits the run of identical trailing lines when no
// word match was found anywhere in the window, per spec.md §4.1 step 3.
func trailingEqualities(deleted, inserted []string, offsetA, offsetB int) string {
	nd, ni := len(deleted), len(inserted)
	var result []string
	for idx := 1; idx <= nd && idx <= ni && deleted[nd-idx] == inserted[ni-idx]; idx++ {
		result = append(result, formatRecord(nd-idx+offsetA, ni-idx+offsetB, nil))
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return strings.Join(result, ";")
}

// analyzeWhiteSpaceChanges emits one record per line pair in a matching
// block, per spec.md §4.1 step 4: "d=i:<wsdiff>" when lines differ only in
// whitespace, "d=i:eol" for a trailing-newline-only difference when atEOF,
// and (when full) "d=i" for identical lines.
func analyzeWhiteSpaceChanges(deleted, inserted []string, offsetA, offsetB int, atEOF, full bool) string {
	var result []string
	n := len(deleted)
	if len(inserted) < n {
		n = len(inserted)
	}
	for idx := 0; idx < n; idx++ {
		d, ins := deleted[idx], inserted[idx]
		switch {
		case d != ins:
			result = append(result, formatRecord(idx+offsetA, idx+offsetB, []string{analyzeWhiteSpaceLine(d, ins)}))
		case idx == len(deleted)-1 && atEOF:
			result = append(result, formatRecord(idx+offsetA, idx+offsetB, []string{"eol"}))
		case full:
			result = append(result, formatRecord(idx+offsetA, idx+offsetB, nil))
		}
	}
	if len(result) == 0 && (offsetA != 0 || offsetB != 0) {
		result = append(result, formatRecord(offsetA, offsetB, nil))
	}
	return strings.Join(result, ";")
}

// analyzeWhiteSpaceLine diffs two lines that differ only in whitespace at
// the word-separator granularity and renders the r/d/i item list.
func analyzeWhiteSpaceLine(deleted, inserted string) string {
	dWords := wsTokenize(deleted)
	iWords := wsTokenize(inserted)
	ops, _ := wordOpcodes(dWords, iWords)

	var items []string
	for _, op := range ops {
		switch op.tag {
		case "replace":
			items = append(items, formatReplace(
				offsetInLine(dWords, op.i1), offsetInLine(dWords, op.i2),
				offsetInLine(iWords, op.j1), offsetInLine(iWords, op.j2)))
		case "delete":
			items = append(items, formatDelete(offsetInLine(dWords, op.i1), offsetInLine(dWords, op.i2)))
		case "insert":
			items = append(items, formatInsert(offsetInLine(iWords, op.j1), offsetInLine(iWords, op.j2)))
		}
	}
	return strings.Join(items, ",")
}

func tokenizeWords(line string) []string {
	return reWords.FindAllString(line, -1)
}

func wsTokenize(line string) []string {
	matches := reWSWords.FindAllString(line, -1)
	out := matches[:0]
	for _, m := range matches {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

func offsetInLine(words []string, offset int) int {
	total := 0
	for _, w := range words[:offset] {
		total += len([]rune(w))
	}
	return total
}

func formatRecord(d, i int, items []string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(d))
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(i))
	if len(items) > 0 {
		b.WriteByte(':')
		b.WriteString(strings.Join(items, ","))
	}
	return b.String()
}

func formatReplace(a, b, c, d int) string {
	return "r" + strconv.Itoa(a) + "-" + strconv.Itoa(b) + "=" + strconv.Itoa(c) + "-" + strconv.Itoa(d)
}

func formatDelete(a, b int) string {
	return "d" + strconv.Itoa(a) + "-" + strconv.Itoa(b)
}

func formatInsert(a, b int) string {
	return "i" + strconv.Itoa(a) + "-" + strconv.Itoa(b)
}
