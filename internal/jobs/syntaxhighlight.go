package jobs

import (
	"context"
	"fmt"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/model"
)

// SyntaxHighlight is SyntaxHighlightFile (spec §4.2.6): renders and stores
// the highlighted form of one content-addressed highlightfile row. Its
// key is the same (sha1, language, conflicts) tuple the row is
// content-addressed by, so two changesets that reference the same blob
// version never highlight it twice.
type SyntaxHighlight struct {
	RepositoryID   int64
	HighlightFileID int64
	SHA1            model.SHA1
	Language        string
	Conflicts       bool
	Encodings       []string

	Git         GitReader
	Highlighter Highlighter
	Store       Store
}

func (j SyntaxHighlight) Key() job.Key {
	return job.Key(fmt.Sprintf("syntax-highlight:%s:%s:%t", j.SHA1, j.Language, j.Conflicts))
}

func (SyntaxHighlight) Kind() job.Kind     { return job.KindSyntaxHighlight }
func (SyntaxHighlight) FatalOnError() bool { return false }

func (j SyntaxHighlight) Run(ctx context.Context) (job.Result, error) {
	blob, err := j.Git.ReadBlob(ctx, j.RepositoryID, j.SHA1)
	if err != nil {
		return job.Result{}, fmt.Errorf("syntax-highlight %s: read blob: %w", j.SHA1, err)
	}

	if _, err := j.Highlighter.Highlight(ctx, blob, j.Language, j.Conflicts, j.Encodings); err != nil {
		return job.Result{}, fmt.Errorf("syntax-highlight %s: highlight: %w", j.SHA1, err)
	}

	if err := j.Store.SetHighlightFileHighlighted(ctx, j.HighlightFileID); err != nil {
		return job.Result{}, fmt.Errorf("syntax-highlight %s: persist: %w", j.SHA1, err)
	}

	return job.Result{}, nil
}
