// Package job holds the generic scheduler primitives shared by every job
// taxonomy: a stable job identity, a discriminated kind tag (replacing the
// source's isinstance checks per the design note on dynamic typing), and
// JobGroup, the dependency-tracking container a domain-specific group
// embeds.
package job

import "context"

// Kind tags a job's taxonomy so a JobGroup can make phase-completion
// decisions (e.g. "are there any ExamineFiles jobs left") without type
// assertions.
type Kind int

const (
	KindStructureDiff Kind = iota
	KindExamineFiles
	KindFileDiff
	KindAnalyzeChangedLines
	KindDetectLanguages
	KindSyntaxHighlight
)

func (k Kind) String() string {
	switch k {
	case KindStructureDiff:
		return "structure-diff"
	case KindExamineFiles:
		return "examine-files"
	case KindFileDiff:
		return "file-diff"
	case KindAnalyzeChangedLines:
		return "analyze-changed-lines"
	case KindDetectLanguages:
		return "detect-languages"
	case KindSyntaxHighlight:
		return "syntax-highlight"
	default:
		return "unknown"
	}
}

// Key is a job's stable identity: used both to deduplicate within a group
// and to permanently memoize failures in ChangesetError. Two jobs that
// would do the same work must produce the same Key.
type Key string

// Job is one unit of dispatchable work. Run may suspend on database I/O,
// git object reads, or highlighter subprocess I/O, but never spins —
// CPU-only work (the chunk analyzer) does not itself implement Job, it is
// invoked from within AnalyzeChangedLines's Run.
type Job interface {
	Key() Key
	Kind() Kind
	// FatalOnError reports whether a failure of this job should be
	// recorded permanently (ChangesetError, failed_keys) rather than
	// simply dropped and retried on the next calculate_remaining pass.
	FatalOnError() bool
	Run(ctx context.Context) (Result, error)
}

// Result is the outcome handed back to the group that emitted a job. Its
// zero value is valid for jobs whose effect is entirely the side effect of
// Run's persistence writes (most job kinds: the row writes happen inside
// Run itself, since each job owns its own transaction per §4.3).
type Result struct {
	// FollowUp holds jobs this job's completion unblocks, for job kinds
	// that can determine their follow-ups locally (e.g. a structure-diff
	// knowing its own file count). Most follow-up emission instead goes
	// through the owning ChangesetGroup's next calculate_remaining scan,
	// in which case FollowUp is left nil.
	FollowUp []Job
}
