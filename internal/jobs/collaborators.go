// Package jobs implements the six job kinds of §4.2: the concrete work a
// worker performs for one changeset phase. Each type is a small value
// holding its inputs, a stable Key, and a Run method; job.Group only ever
// sees them through the job.Job interface.
package jobs

import (
	"context"

	"github.com/sergeys-opera/critic/internal/model"
)

// FileDiff is one changed path with its two blob identities, the shape
// every job in this package that touches file content needs.
type FileDiff struct {
	FileID  int64
	Path    string
	OldSHA1 model.SHA1
	OldMode model.FileMode
	NewSHA1 model.SHA1
	NewMode model.FileMode
}

// TreeEntry is one row of a structural tree diff, before it has been
// written to changesetfiles.
type TreeEntry struct {
	Path    string
	OldSHA1 model.SHA1
	OldMode model.FileMode
	NewSHA1 model.SHA1
	NewMode model.FileMode
}

// GitReader is the subset of the opaque RepositoryReader collaborator
// (spec §6) the job bodies in this package need.
type GitReader interface {
	TreeDiff(ctx context.Context, repositoryID int64, fromSHA1, toSHA1 model.SHA1) ([]TreeEntry, error)
	ReadBlob(ctx context.Context, repositoryID int64, sha1 model.SHA1) ([]byte, error)
	EncodingHints(ctx context.Context, repositoryID int64, path string) ([]string, error)
}

// Highlighter is the opaque highlighter collaborator (spec §6).
type Highlighter interface {
	Highlight(ctx context.Context, blob []byte, language string, conflicts bool, encodings []string) ([]byte, error)
}

// LanguageDetector classifies a blob's language, independent of the
// highlighter itself (DetectFileLanguages needs this before it knows
// which highlightfile row to create/reuse).
type LanguageDetector interface {
	DetectLanguage(ctx context.Context, path string, blob []byte) (language *string, err error)
}

// Store is the subset of internal/store.Persistence the job bodies write
// through directly. internal/changeset uses the full Persistence
// interface for scans; jobs only need the mutators relevant to their own
// single-file/single-changeset write.
type Store interface {
	// FinalizeStructureDiff persists a structure diff's whole result —
	// the changeset's file list, one zero-length placeholder changed-lines
	// block per file, and the processed flag — in a single transaction,
	// per spec §4.3: "processed is set atomically with the insertion of
	// the complete file list and the initial changed-line blocks."
	FinalizeStructureDiff(ctx context.Context, changesetID int64, entries []TreeEntry) (fileIDs []int64, err error)

	InsertFileDifference(ctx context.Context, changesetID, fileID int64, comparisonPending bool) error

	ReplaceChangedLines(ctx context.Context, changesetID, fileID int64, blocks []model.ChangesetChangedLines) error
	ClearComparisonPending(ctx context.Context, changesetID, fileID int64) error

	SetChangedLinesAnalysis(ctx context.Context, changesetID, fileID int64, index int32, analysis string) error

	// ResolveLanguageID maps a detected language label (nil meaning "no
	// language detected") to the stable id SyntaxHighlightFile and
	// highlightfile rows key on, inserting a new Language row on first
	// use. See SPEC_FULL.md supplemented feature #2.
	ResolveLanguageID(ctx context.Context, label *string) (languageID *int32, err error)

	ResolveHighlightFile(ctx context.Context, sha1 model.SHA1, language *int32, conflicts bool) (highlightFileID int64, err error)
	SetFileDifferenceHighlightFile(ctx context.Context, changesetID, fileID int64, side model.Side, highlightFileID int64) error

	SetHighlightFileHighlighted(ctx context.Context, highlightFileID int64) error
}
