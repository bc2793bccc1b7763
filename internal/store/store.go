// Package store is the SQL persistence layer (spec §4.3): the only code
// in this module that talks to the database. Each mutating method runs as
// its own transaction: a single statement, or an explicit pgx.Tx for
// FinalizeStructureDiff and ReplaceChangedLines. A state advance that
// spans several methods, such as ChangesetGroup's merge filter (two prunes
// and two MarkComplete calls), is not atomic across them.
package store

import (
	"context"

	"github.com/sergeys-opera/critic/internal/model"
)

// IncompleteRow is one row of the find_incomplete union (spec §4.6): a
// changeset that the runner must track with a ChangesetGroup. It does not
// record which of the three queries matched (a changeset may match more
// than one; Persistence returns one row per changeset, since the group
// figures out what's left on its own first calculate_remaining pass).
type IncompleteRow struct {
	ChangesetID  int64
	RepositoryID int64
	IsReplay     bool
}

// ChangedFileRow mirrors one changesetfiles/files join row, the shape
// returned by the file-level phase-C/D scans.
type ChangedFileRow struct {
	FileID  int64
	Path    string
	OldSHA1 model.SHA1
	OldMode model.FileMode
	NewSHA1 model.SHA1
	NewMode model.FileMode
}

// ChangedLinesRow is one changesetchangedlines row, as needed for the
// Phase C step-3 cumulative-offset reconstruction (spec §4.5).
type ChangedLinesRow struct {
	FileID         int64
	Index          int32
	Offset         int32
	DeleteCount    int32
	DeleteLength   int32
	InsertCount    int32
	InsertLength   int32
	NeedsAnalysis  bool
}

// HighlightCandidateRow is one (file, side) highlightfile association
// gathered for Phase D.
type HighlightCandidateRow struct {
	HighlightFileID int64
	FileID          int64
	Side            model.Side
	SHA1            model.SHA1
	Language        *int32
	Conflicts       bool
	Highlighted     bool
	Path            string
}

// Persistence is the full set of typed SQL operations the engine needs.
// internal/jobs only depends on the narrower jobs.Store subset it
// actually writes through; internal/changeset depends on this, the scan
// side.
type Persistence interface {
	ScanIncomplete(ctx context.Context) ([]IncompleteRow, error)

	LoadChangeset(ctx context.Context, changesetID int64) (model.Changeset, error)
	LoadFailedKeys(ctx context.Context, changesetID int64) ([]string, error)
	FindReferenceChangeset(ctx context.Context, toCommitID int64, forMerge int64) (model.Changeset, bool, error)
	LoadHighlightRequest(ctx context.Context, changesetID int64) (model.ChangesetHighlightRequest, error)
	LoadContentDifferenceComplete(ctx context.Context, changesetID int64) (exists bool, complete bool, err error)

	// ResolveCommitSHA1 looks up a commit id's sha1. Changeset.FromCommit/
	// ToCommit are stable internal ids (SPEC_FULL.md supplemented feature
	// #3); job bodies operate on sha1s against the git store, so
	// ChangesetGroup resolves ids to sha1s before building a job. A
	// root-commit changeset has a nil FromCommit, which ChangesetGroup
	// never resolves; its "from" sha1 stays empty, meaning "diff against
	// the empty tree". An unknown commitID is an error.
	ResolveCommitSHA1(ctx context.Context, commitID int64) (model.SHA1, error)

	MarkProcessed(ctx context.Context, changesetID int64) error
	MarkComplete(ctx context.Context, changesetID int64) error
	PruneFilesNotPresentInOther(ctx context.Context, changesetID, otherChangesetID int64) error
	MarkContentComplete(ctx context.Context, changesetID int64) error
	SetHighlightEvaluated(ctx context.Context, changesetID int64, evaluated bool) error

	RecordError(ctx context.Context, changesetID int64, jobKey string, fatal bool, traceback string) error

	ScanFilesNeedingExamine(ctx context.Context, changesetID int64) ([]ChangedFileRow, error)
	ScanPendingDiffs(ctx context.Context, changesetID int64) ([]ChangedFileRow, error)
	ScanChangedLinesForReconstruction(ctx context.Context, changesetID int64, fileIDs []int64) ([]ChangedLinesRow, error)
	ScanFilesWithUnanalyzedBlocks(ctx context.Context, changesetID int64) ([]ChangedFileRow, error)

	ScanHighlightCandidates(ctx context.Context, changesetID int64) ([]HighlightCandidateRow, error)
	ScanChangedFiles(ctx context.Context, changesetID int64) ([]ChangedFileRow, error)

	ResolveLanguageID(ctx context.Context, label *string) (*int32, error)
	LanguageLabel(ctx context.Context, languageID int32) (string, error)

	// The remaining methods match internal/jobs.Store's signatures
	// exactly (modulo the TreeEntry type, which jobs owns) so the same
	// pgx-backed implementation satisfies both interfaces.
	InsertFileDifference(ctx context.Context, changesetID, fileID int64, comparisonPending bool) error
	ReplaceChangedLines(ctx context.Context, changesetID, fileID int64, blocks []model.ChangesetChangedLines) error
	ClearComparisonPending(ctx context.Context, changesetID, fileID int64) error
	SetChangedLinesAnalysis(ctx context.Context, changesetID, fileID int64, index int32, analysis string) error
	ResolveHighlightFile(ctx context.Context, sha1 model.SHA1, language *int32, conflicts bool) (int64, error)
	SetFileDifferenceHighlightFile(ctx context.Context, changesetID, fileID int64, side model.Side, highlightFileID int64) error
	SetHighlightFileHighlighted(ctx context.Context, highlightFileID int64) error
}
