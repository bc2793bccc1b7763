package jobs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/model"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileDiffJob is CalculateFileDifference (spec §4.2.3): runs the
// line-level diff for one file pair, replaces its changesetchangedlines
// rows wholesale, and clears comparison_pending. Its follow-ups are one
// AnalyzeChangedLines per block it produced.
type FileDiffJob struct {
	ChangesetID  int64
	RepositoryID int64
	File         FileDiff

	Git   GitReader
	Store Store
}

func (j FileDiffJob) Key() job.Key {
	return job.Key(fmt.Sprintf("file-diff:%d:%d", j.ChangesetID, j.File.FileID))
}

func (FileDiffJob) Kind() job.Kind     { return job.KindFileDiff }
func (FileDiffJob) FatalOnError() bool { return true }

func (j FileDiffJob) Run(ctx context.Context) (job.Result, error) {
	oldBlob, err := j.Git.ReadBlob(ctx, j.RepositoryID, j.File.OldSHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("file-diff %d/%d: read old blob: %w", j.ChangesetID, j.File.FileID, err)
	}
	newBlob, err := j.Git.ReadBlob(ctx, j.RepositoryID, j.File.NewSHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("file-diff %d/%d: read new blob: %w", j.ChangesetID, j.File.FileID, err)
	}

	oldLines := splitLines(oldBlob)
	newLines := splitLines(newBlob)
	blocks := lineDiffBlocks(oldLines, newLines)

	rows := make([]model.ChangesetChangedLines, len(blocks))
	for i, b := range blocks {
		rows[i] = model.ChangesetChangedLines{
			ChangesetID:  j.ChangesetID,
			FileID:       j.File.FileID,
			Index:        int32(i),
			Offset:       int32(b.offset),
			DeleteCount:  int32(b.deleteCount),
			DeleteLength: int32(b.deleteLength),
			InsertCount:  int32(b.insertCount),
			InsertLength: int32(b.insertLength),
		}
	}

	if err := j.Store.ReplaceChangedLines(ctx, j.ChangesetID, j.File.FileID, rows); err != nil {
		return job.Result{}, fmt.Errorf("file-diff %d/%d: persist blocks: %w", j.ChangesetID, j.File.FileID, err)
	}
	if err := j.Store.ClearComparisonPending(ctx, j.ChangesetID, j.File.FileID); err != nil {
		return job.Result{}, fmt.Errorf("file-diff %d/%d: clear pending: %w", j.ChangesetID, j.File.FileID, err)
	}

	var followUp []job.Job
	deleteOffset, insertOffset := 0, 0
	for i, b := range blocks {
		deleteOffset += b.offset
		insertOffset += b.offset
		followUp = append(followUp, AnalyzeChangedLines{
			ChangesetID:  j.ChangesetID,
			File:         j.File,
			Index:        int32(i),
			DeleteOffset: deleteOffset,
			DeleteCount:  b.deleteCount,
			InsertOffset: insertOffset,
			InsertCount:  b.insertCount,
			Git:          j.Git,
			Store:        j.Store,
		})
		deleteOffset += b.deleteCount
		insertOffset += b.insertCount
	}

	return job.Result{FollowUp: followUp}, nil
}

func splitLines(blob []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text()+"\n")
	}
	return lines
}

type lineBlock struct {
	offset       int
	deleteCount  int
	deleteLength int
	insertCount  int
	insertLength int
}

// lineDiffBlocks runs a line-level diff (via diffmatchpatch's line-hash
// trick, the same approach the teacher's diff_refiner.go uses) and
// collapses the result into contiguous changed-line blocks, each
// recording how many equal lines preceded it (offset) and the delete/
// insert line counts and character lengths within it.
func lineDiffBlocks(oldLines, newLines []string) []lineBlock {
	dmp := diffmatchpatch.New()
	aRunes, bRunes, _ := dmp.DiffLinesToRunes(strings.Join(oldLines, ""), strings.Join(newLines, ""))
	diffs := dmp.DiffMainRunes(aRunes, bRunes, false)

	var blocks []lineBlock
	var pending *lineBlock
	gap := 0

	flush := func() {
		if pending != nil {
			blocks = append(blocks, *pending)
			pending = nil
			gap = 0
		}
	}

	lineLen := func(lines []string, from, n int) int {
		total := 0
		for _, l := range lines[from : from+n] {
			total += len([]rune(l))
		}
		return total
	}

	oldIdx, newIdx := 0, 0
	for _, d := range diffs {
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			gap += n
			oldIdx += n
			newIdx += n
		case diffmatchpatch.DiffDelete:
			if pending == nil {
				pending = &lineBlock{offset: gap}
			}
			pending.deleteCount += n
			pending.deleteLength += lineLen(oldLines, oldIdx, n)
			oldIdx += n
		case diffmatchpatch.DiffInsert:
			if pending == nil {
				pending = &lineBlock{offset: gap}
			}
			pending.insertCount += n
			pending.insertLength += lineLen(newLines, newIdx, n)
			newIdx += n
		}
	}
	flush()
	return blocks
}
