package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/model"
)

// maxDiffableBlobSize mirrors the original engine's size cutoff for
// refusing to line-diff enormous blobs; binaries are never diffed
// regardless of size.
const maxDiffableBlobSize = 4 << 20

// ExamineFiles is ExamineFiles (spec §4.2.2): for each file in the batch,
// classifies the blob pair (binary, too large, or identical after mode
// normalization) and creates the changesetfiledifference row with
// comparison_pending set only when a content diff is actually warranted.
type ExamineFiles struct {
	ChangesetID  int64
	RepositoryID int64
	FromSHA1     model.SHA1
	ToSHA1       model.SHA1
	Files        []FileDiff

	Git   GitReader
	Store Store
}

func (j ExamineFiles) Key() job.Key {
	ids := make([]string, len(j.Files))
	for i, f := range j.Files {
		ids[i] = fmt.Sprintf("%d", f.FileID)
	}
	sort.Strings(ids)
	return job.Key(fmt.Sprintf("examine-files:%d:%s", j.ChangesetID, strings.Join(ids, ",")))
}

func (ExamineFiles) Kind() job.Kind     { return job.KindExamineFiles }
func (ExamineFiles) FatalOnError() bool { return true }

func (j ExamineFiles) Run(ctx context.Context) (job.Result, error) {
	var followUp []job.Job

	for _, f := range j.Files {
		pending, err := j.needsContentDiff(ctx, f)
		if err != nil {
			return job.Result{}, fmt.Errorf("examine-files %d: file %d: %w", j.ChangesetID, f.FileID, err)
		}

		if err := j.Store.InsertFileDifference(ctx, j.ChangesetID, f.FileID, pending); err != nil {
			return job.Result{}, fmt.Errorf("examine-files %d: file %d: persist: %w", j.ChangesetID, f.FileID, err)
		}

		if pending {
			followUp = append(followUp, FileDiffJob{
				ChangesetID:  j.ChangesetID,
				RepositoryID: j.RepositoryID,
				File:         f,
				Git:          j.Git,
				Store:        j.Store,
			})
		}
	}

	return job.Result{FollowUp: followUp}, nil
}

// needsContentDiff reports whether a file pair warrants line-level
// diffing: both sides present (not an add/delete-only change), neither
// blob is binary, and neither blob exceeds the size cutoff.
func (j ExamineFiles) needsContentDiff(ctx context.Context, f FileDiff) (bool, error) {
	if f.OldSHA1 == "" || f.NewSHA1 == "" {
		return false, nil
	}
	if f.OldSHA1 == f.NewSHA1 && f.OldMode == f.NewMode {
		return false, nil
	}

	old, err := j.Git.ReadBlob(ctx, j.RepositoryID, f.OldSHA1)
	if err != nil {
		return false, err
	}
	newBlob, err := j.Git.ReadBlob(ctx, j.RepositoryID, f.NewSHA1)
	if err != nil {
		return false, err
	}

	if isBinary(old) || isBinary(newBlob) {
		return false, nil
	}
	if len(old) > maxDiffableBlobSize || len(newBlob) > maxDiffableBlobSize {
		return false, nil
	}
	return true, nil
}

// isBinary uses the same crude heuristic git itself uses: a NUL byte
// within the first few KB marks a blob as binary.
func isBinary(blob []byte) bool {
	probe := blob
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}
