// Package model defines the persistent data shapes of the difference engine:
// the nine tables described by the changeset schema. Nothing here talks to
// the database directly; internal/store is the only package that does.
package model

// SHA1 is a hex-encoded git object id. It is never decoded to bytes here;
// the git collaborator (internal/gitrepo) is the only thing that resolves
// it to tree/blob content.
type SHA1 string

// FileMode mirrors the handful of git file modes the engine cares about
// (regular, executable, symlink, gitlink); it is opaque beyond that.
type FileMode int32

// Changeset is the central row: the diff between two commits (or a root
// commit) in one repository.
//
// FromCommit is nil for a root-commit changeset (diff against the empty
// tree). ForMerge is non-nil only for auxiliary reference changesets
// computed to filter a merge; ForMerge == ToCommit identifies the primary
// merge changeset.
type Changeset struct {
	ID           int64
	RepositoryID int64
	FromCommit   *int64
	ToCommit     int64
	ForMerge     *int64
	IsReplay     bool
	Processed    bool
	Complete     bool
}

// IsPrimaryMerge reports whether this changeset is the user-visible merge
// diff, as opposed to an auxiliary reference changeset.
func (c Changeset) IsPrimaryMerge() bool {
	return c.ForMerge != nil && *c.ForMerge == c.ToCommit
}

// ChangesetContentDifference tracks whether line-level + word-level content
// analysis has finished for a changeset. The row is created when content
// diffs are requested, and also by MarkContentComplete once a changeset's
// content phase has no work left, whether or not content diffs were
// requested for it.
type ChangesetContentDifference struct {
	ChangesetID int64
	Complete    bool
}

// ChangesetHighlightRequest tracks syntax-highlight evaluation progress.
// Requested is set by readers; Evaluated means language detection has run
// for every file version referenced by the changeset.
type ChangesetHighlightRequest struct {
	ChangesetID int64
	Requested   bool
	Evaluated   bool
}

// ChangesetFile is one changed file within a changeset.
type ChangesetFile struct {
	ChangesetID int64
	FileID      int64
	Path        string
	OldSHA1     SHA1
	OldMode     FileMode
	NewSHA1     SHA1
	NewMode     FileMode
}

// ChangesetFileDifference records the per-file content-diff bookkeeping.
// OldHighlightFile/NewHighlightFile are nil until language detection has
// resolved a highlightfile row for that side.
type ChangesetFileDifference struct {
	ChangesetID       int64
	FileID            int64
	OldHighlightFile  *int64
	NewHighlightFile  *int64
	ComparisonPending bool
}

// ChangesetChangedLines is one contiguous edit block within a file diff.
// Analysis is nil until the intra-chunk analyzer has produced the compact
// per-line/per-word encoding for this block.
type ChangesetChangedLines struct {
	ChangesetID  int64
	FileID       int64
	Index        int32
	Offset       int32
	DeleteCount  int32
	DeleteLength int32
	InsertCount  int32
	InsertLength int32
	Analysis     *string
}

// HighlightFile is a content-addressed syntax-highlight rendering, shared
// across changesets by (SHA1, Language, Conflicts).
type HighlightFile struct {
	ID          int64
	SHA1        SHA1
	Language    *int32
	Conflicts   bool
	Highlighted bool
}

// Language is the small lookup table (id -> label) the highlighter
// interface needs to turn a detected language id into a label string.
// Not named in spec.md's table list; see SPEC_FULL.md supplemented
// features #2.
type Language struct {
	ID    int32
	Label string
}

// ChangesetError memoizes a prior job failure so the scheduler never
// re-emits that job key.
type ChangesetError struct {
	ChangesetID int64
	JobKey      string
	Fatal       bool
	Traceback   string
}

// Side identifies which half of a file-version pair (old or new) a
// highlight/language job pertains to.
type Side int

const (
	SideOld Side = iota
	SideNew
)

func (s Side) String() string {
	if s == SideOld {
		return "old"
	}
	return "new"
}
