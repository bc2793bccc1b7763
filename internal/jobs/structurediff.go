package jobs

import (
	"context"
	"fmt"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/model"
)

// StructureDiff is CalculateStructureDifference (spec §4.2.1): computes the
// tree diff between two commits and populates changesetfiles plus a
// placeholder changesetchangedlines row per file, then marks the
// changeset processed. When QueueContent is set, it returns one
// ExamineFiles job per file as a follow-up (an optimization: the caller
// would otherwise discover the same files on its next scan).
type StructureDiff struct {
	ChangesetID   int64
	RepositoryID  int64
	FromSHA1      model.SHA1
	ToSHA1        model.SHA1
	QueueContent  bool
	IsForMerge    bool

	Git   GitReader
	Store Store
}

func (j StructureDiff) Key() job.Key {
	return job.Key(fmt.Sprintf("structure-diff:%d", j.ChangesetID))
}

func (StructureDiff) Kind() job.Kind       { return job.KindStructureDiff }
func (StructureDiff) FatalOnError() bool   { return true }

func (j StructureDiff) Run(ctx context.Context) (job.Result, error) {
	entries, err := j.Git.TreeDiff(ctx, j.RepositoryID, j.FromSHA1, j.ToSHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("structure diff %d: tree diff: %w", j.ChangesetID, err)
	}

	// The file list, the initial changed-lines placeholder per file, and
	// processed all land in one transaction, so a crash can never leave
	// processed true with a partial or stale file list (spec §4.3).
	fileIDs, err := j.Store.FinalizeStructureDiff(ctx, j.ChangesetID, entries)
	if err != nil {
		return job.Result{}, fmt.Errorf("structure diff %d: finalize: %w", j.ChangesetID, err)
	}

	var followUp []job.Job
	if j.QueueContent {
		for i, entry := range entries {
			followUp = append(followUp, ExamineFiles{
				ChangesetID:  j.ChangesetID,
				RepositoryID: j.RepositoryID,
				FromSHA1:     j.FromSHA1,
				ToSHA1:       j.ToSHA1,
				Files: []FileDiff{{
					FileID:  fileIDs[i],
					Path:    entry.Path,
					OldSHA1: entry.OldSHA1,
					OldMode: entry.OldMode,
					NewSHA1: entry.NewSHA1,
					NewMode: entry.NewMode,
				}},
				Git:   j.Git,
				Store: j.Store,
			})
		}
	}

	return job.Result{FollowUp: followUp}, nil
}
