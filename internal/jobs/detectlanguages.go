package jobs

import (
	"context"
	"fmt"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/model"
)

// DetectLanguages is DetectFileLanguages (spec §4.2.5): classifies one
// file version's language and resolves (creating if necessary) the
// content-addressed highlightfile row for it, then links it into the
// file's changesetfiledifference. Conflicts mirrors the changeset's
// is_replay flag, since a replay changeset's blobs may carry conflict
// markers the highlighter needs to know about (spec §1 "replay detection
// of merge conflicts").
type DetectLanguages struct {
	ChangesetID  int64
	RepositoryID int64
	FileID       int64
	Side         model.Side
	SHA1         model.SHA1
	Path         string
	Conflicts    bool

	Git      GitReader
	Detector LanguageDetector
	Store    Store
}

func (j DetectLanguages) Key() job.Key {
	return job.Key(fmt.Sprintf("detect-languages:%d:%d:%s", j.ChangesetID, j.FileID, j.Side))
}

func (DetectLanguages) Kind() job.Kind     { return job.KindDetectLanguages }
func (DetectLanguages) FatalOnError() bool { return false }

func (j DetectLanguages) Run(ctx context.Context) (job.Result, error) {
	blob, err := j.Git.ReadBlob(ctx, j.RepositoryID, j.SHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("detect-languages %d/%d: read blob: %w", j.ChangesetID, j.FileID, err)
	}

	languageLabel, err := j.Detector.DetectLanguage(ctx, j.Path, blob)
	if err != nil {
		return job.Result{}, fmt.Errorf("detect-languages %d/%d: detect: %w", j.ChangesetID, j.FileID, err)
	}

	languageID, err := j.Store.ResolveLanguageID(ctx, languageLabel)
	if err != nil {
		return job.Result{}, fmt.Errorf("detect-languages %d/%d: resolve language: %w", j.ChangesetID, j.FileID, err)
	}

	highlightFileID, err := j.Store.ResolveHighlightFile(ctx, j.SHA1, languageID, j.Conflicts)
	if err != nil {
		return job.Result{}, fmt.Errorf("detect-languages %d/%d: resolve highlightfile: %w", j.ChangesetID, j.FileID, err)
	}

	if err := j.Store.SetFileDifferenceHighlightFile(ctx, j.ChangesetID, j.FileID, j.Side, highlightFileID); err != nil {
		return job.Result{}, fmt.Errorf("detect-languages %d/%d: link: %w", j.ChangesetID, j.FileID, err)
	}

	return job.Result{}, nil
}
