package jobs

import (
	"context"
	"fmt"

	"github.com/sergeys-opera/critic/internal/chunkanalyzer"
	"github.com/sergeys-opera/critic/internal/job"
)

// AnalyzeChangedLines is AnalyzeChangedLines (spec §4.2.4): re-slices the
// deleted/inserted line ranges for one changed-lines block and hands them
// to the pure chunk analyzer, writing the resulting encoding back.
//
// It re-reads both blobs rather than carrying line text in the job value:
// jobs must remain small, restart-safe values (their Key alone identifies
// them across a process restart), and blob reads are cheap relative to
// the analysis itself.
type AnalyzeChangedLines struct {
	ChangesetID  int64
	RepositoryID int64
	File         FileDiff

	Index        int32
	DeleteOffset int
	DeleteCount  int
	InsertOffset int
	InsertCount  int

	Git   GitReader
	Store Store
}

func (j AnalyzeChangedLines) Key() job.Key {
	return job.Key(fmt.Sprintf("analyze-changed-lines:%d:%d:%d", j.ChangesetID, j.File.FileID, j.Index))
}

func (AnalyzeChangedLines) Kind() job.Kind     { return job.KindAnalyzeChangedLines }
func (AnalyzeChangedLines) FatalOnError() bool { return false }

func (j AnalyzeChangedLines) Run(ctx context.Context) (job.Result, error) {
	oldBlob, err := j.Git.ReadBlob(ctx, j.RepositoryID, j.File.OldSHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("analyze-changed-lines %d/%d#%d: read old blob: %w",
			j.ChangesetID, j.File.FileID, j.Index, err)
	}
	newBlob, err := j.Git.ReadBlob(ctx, j.RepositoryID, j.File.NewSHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("analyze-changed-lines %d/%d#%d: read new blob: %w",
			j.ChangesetID, j.File.FileID, j.Index, err)
	}

	oldLines := splitLines(oldBlob)
	newLines := splitLines(newBlob)

	deleted := sliceLines(oldLines, j.DeleteOffset, j.DeleteCount)
	inserted := sliceLines(newLines, j.InsertOffset, j.InsertCount)

	analysis, ok := chunkanalyzer.Analyze(deleted, inserted, false)
	if !ok {
		// A pure insert or pure delete block: nothing to analyze, but the
		// block is still "done" — record the empty string so the
		// completion scan (analysis IS NULL) stops seeing it.
		analysis = ""
	}

	if err := j.Store.SetChangedLinesAnalysis(ctx, j.ChangesetID, j.File.FileID, j.Index, analysis); err != nil {
		return job.Result{}, fmt.Errorf("analyze-changed-lines %d/%d#%d: persist: %w",
			j.ChangesetID, j.File.FileID, j.Index, err)
	}
	return job.Result{}, nil
}

func sliceLines(lines []string, offset, count int) []string {
	if offset < 0 || offset > len(lines) {
		return nil
	}
	end := offset + count
	if end > len(lines) {
		end = len(lines)
	}
	return lines[offset:end]
}
