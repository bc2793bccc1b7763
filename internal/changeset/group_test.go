package changeset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/jobs"
	"github.com/sergeys-opera/critic/internal/model"
	"github.com/sergeys-opera/critic/internal/pubsub"
)

// runToCompletion drives every job a Group queues, synchronously, until it
// reports nothing pending. It stands in for runner.Runner's pool+select
// loop, collapsed onto one goroutine the way job.Group itself expects.
func runToCompletion(t *testing.T, ctx context.Context, g *Group) {
	t.Helper()
	for i := 0; i < 50 && g.Pending(); i++ {
		started := g.StartNext(10)
		if len(started) == 0 {
			break
		}
		completions := make([]job.Completion, len(started))
		for i, j := range started {
			res, err := j.Run(ctx)
			completions[i] = job.Completion{Job: j, Result: res, Err: err}
		}
		require.NoError(t, g.OnJobCompleted(ctx, completions))
	}
}

func TestGroup_RootCommitAddedFile_CompletesWithoutContentOrHighlight(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.changesets[1] = &model.Changeset{ID: 1, RepositoryID: 10, ToCommit: 100}
	db.commits[100] = "to00000000000000000000000000000000000000"

	git := &fakeGit{
		diff: []jobs.TreeEntry{{Path: "main.go", NewSHA1: "cafe000000000000000000000000000000000000", NewMode: 0100644}},
		blobs: map[model.SHA1][]byte{
			"cafe000000000000000000000000000000000000": []byte("package main\n"),
		},
	}

	bus := pubsub.NewBus(16)
	g, err := New(ctx, 1, 10, db, git, fakeDetector{}, fakeHighlighter{}, bus)
	require.NoError(t, err)

	runToCompletion(t, ctx, g)

	cs, err := db.LoadChangeset(ctx, 1)
	require.NoError(t, err)
	assert.True(t, cs.Processed)
	assert.True(t, cs.Complete)

	exists, complete, err := db.LoadContentDifferenceComplete(ctx, 1)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, complete)

	assert.False(t, g.Pending())
}

func TestGroup_HighlightRequested_DetectsLanguageAndHighlights(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.changesets[1] = &model.Changeset{ID: 1, RepositoryID: 10, ToCommit: 100, Processed: true, Complete: true}
	db.commits[100] = "to00000000000000000000000000000000000000"
	db.highlightReq[1] = &model.ChangesetHighlightRequest{ChangesetID: 1, Requested: true}
	db.fileByPath["main.go"] = 1
	db.changesetFiles[1] = map[int64]model.ChangesetFile{
		1: {ChangesetID: 1, FileID: 1, Path: "main.go", NewSHA1: "cafe000000000000000000000000000000000000", NewMode: 0100644},
	}

	git := &fakeGit{
		blobs: map[model.SHA1][]byte{
			"cafe000000000000000000000000000000000000": []byte("package main\n"),
		},
	}

	bus := pubsub.NewBus(16)
	g, err := New(ctx, 1, 10, db, git, fakeDetector{language: "Go"}, fakeHighlighter{}, bus)
	require.NoError(t, err)

	runToCompletion(t, ctx, g)

	req, err := db.LoadHighlightRequest(ctx, 1)
	require.NoError(t, err)
	assert.True(t, req.Evaluated)

	diff := db.fileDiffs[1][1]
	require.NotNil(t, diff)
	require.NotNil(t, diff.NewHighlightFile)
	hf := db.highlightFiles[*diff.NewHighlightFile]
	require.NotNil(t, hf)
	assert.True(t, hf.Highlighted)
	assert.NotNil(t, hf.Language)

	label, err := db.LanguageLabel(ctx, *hf.Language)
	require.NoError(t, err)
	assert.Equal(t, "Go", label)
}

func TestGroup_MergeFilter_KeepsOnlyFilesTouchedByBothSides(t *testing.T) {
	// spec.md §8 scenario 5: primary P touches {alpha, beta}, reference R
	// touches {beta, gamma}; after phase B both must converge on {beta}.
	ctx := context.Background()
	db := newFakeDB()

	const mergeCommit, parent1, parent2 = int64(300), int64(100), int64(200)
	db.commits[mergeCommit] = "merge0000000000000000000000000000000000"
	db.commits[parent1] = "p1000000000000000000000000000000000000"
	db.commits[parent2] = "p2000000000000000000000000000000000000"

	db.changesets[1] = &model.Changeset{ID: 1, RepositoryID: 10, FromCommit: &parent1, ToCommit: mergeCommit, ForMerge: &mergeCommit}
	db.changesets[2] = &model.Changeset{ID: 2, RepositoryID: 10, FromCommit: &parent2, ToCommit: parent1, ForMerge: &mergeCommit}

	git := &fakeGit{
		blobs: map[model.SHA1][]byte{
			"alpha0000000000000000000000000000000000": []byte("alpha\n"),
			"beta00000000000000000000000000000000000": []byte("beta\n"),
			"beta10000000000000000000000000000000000": []byte("beta!\n"),
			"gamma0000000000000000000000000000000000": []byte("gamma\n"),
		},
	}
	treeDiffs := map[string][]jobs.TreeEntry{
		"p1000000000000000000000000000000000000->merge0000000000000000000000000000000000": {
			{Path: "alpha", NewSHA1: "alpha0000000000000000000000000000000000", NewMode: 0100644},
			{Path: "beta", NewSHA1: "beta10000000000000000000000000000000000", NewMode: 0100644},
		},
		"p2000000000000000000000000000000000000->p1000000000000000000000000000000000000": {
			{Path: "beta", NewSHA1: "beta00000000000000000000000000000000000", NewMode: 0100644},
			{Path: "gamma", NewSHA1: "gamma0000000000000000000000000000000000", NewMode: 0100644},
		},
	}
	routedGit := &routingGit{fakeGit: git, diffs: treeDiffs}

	bus := pubsub.NewBus(16)
	g, err := New(ctx, 1, 10, db, routedGit, fakeDetector{}, fakeHighlighter{}, bus)
	require.NoError(t, err)

	runToCompletion(t, ctx, g)

	primaryPaths := pathSet(db.changesetFiles[1])
	referencePaths := pathSet(db.changesetFiles[2])
	assert.Equal(t, map[string]bool{"beta": true}, primaryPaths)
	assert.Equal(t, map[string]bool{"beta": true}, referencePaths)

	assert.True(t, db.changesets[1].Complete)
	assert.True(t, db.changesets[2].Complete)
}

func pathSet(files map[int64]model.ChangesetFile) map[string]bool {
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f.Path] = true
	}
	return out
}

// routingGit dispatches TreeDiff by (from,to) sha1 pair so a single test can
// drive two distinct structure-diff jobs (primary and reference) against
// two distinct tree shapes.
type routingGit struct {
	*fakeGit
	diffs map[string][]jobs.TreeEntry
}

func (g *routingGit) TreeDiff(ctx context.Context, repositoryID int64, fromSHA1, toSHA1 model.SHA1) ([]jobs.TreeEntry, error) {
	key := string(fromSHA1) + "->" + string(toSHA1)
	return g.diffs[key], nil
}

func TestGroup_FatalStructureDiffFailureIsRecordedAndNeverRetried(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.changesets[1] = &model.Changeset{ID: 1, RepositoryID: 10, ToCommit: 100}
	db.commits[100] = "to00000000000000000000000000000000000000"

	bus := pubsub.NewBus(16)
	git := &failingGit{err: errBoom}
	g, err := New(ctx, 1, 10, db, git, fakeDetector{}, fakeHighlighter{}, bus)
	require.NoError(t, err)

	runToCompletion(t, ctx, g)

	assert.False(t, db.changesets[1].Processed, "the structure diff never succeeded")
	require.Len(t, db.errors[1], 1)
	for _, e := range db.errors[1] {
		assert.True(t, e.Fatal)
	}
	// A second pass must not re-emit the same failed job: nothing should
	// still be pending, not even a retry.
	assert.False(t, g.Pending())
}
