// Package changeset implements ChangesetGroup (spec §4.5 / SPEC_FULL.md
// L5): the domain-specific job.Group that drives one changeset through
// its four phases (structure, complete/merge-filter, content, syntax
// highlight) by alternately scanning internal/store and emitting
// internal/jobs.
//
// CalculateRemaining is split into a gather step (every Persistence read
// and scan for this pass) and a decide step that works from the resulting
// snapshot. decide is not free of I/O: it performs the pass's writes
// (merge prune, complete, content-complete and highlight-evaluated flags)
// and looks up language labels and encoding hints for the syntax-highlight
// jobs it builds.
package changeset

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/jobs"
	"github.com/sergeys-opera/critic/internal/model"
	"github.com/sergeys-opera/critic/internal/pubsub"
	"github.com/sergeys-opera/critic/internal/store"
)

// DB is the union of what ChangesetGroup scans (store.Persistence) and
// what the jobs it builds write through (jobs.Store). A single pgx-backed
// implementation satisfies both, per internal/store's doc comment.
type DB interface {
	store.Persistence
	jobs.Store
}

// Group is one changeset's worker-visible state machine. Exactly one
// exists per changeset actively tracked by the runner.
type Group struct {
	jg *job.Group

	changesetID  int64
	repositoryID int64

	db          DB
	git         jobs.GitReader
	detector    jobs.LanguageDetector
	highlighter jobs.Highlighter
	bus         *pubsub.Bus

	structureComplete bool
	contentComplete   bool
	highlightComplete bool
}

// New constructs a Group and runs its seed calculate_remaining pass
// (spec §4.4's Seed, the Go analogue of the Python constructor's implicit
// first calculate_remaining(initial_calculation=True)).
func New(ctx context.Context, changesetID, repositoryID int64, db DB, git jobs.GitReader, detector jobs.LanguageDetector, highlighter jobs.Highlighter, bus *pubsub.Bus) (*Group, error) {
	g := &Group{
		changesetID:  changesetID,
		repositoryID: repositoryID,
		db:           db,
		git:          git,
		detector:     detector,
		highlighter:  highlighter,
		bus:          bus,
	}
	g.jg = job.New(fmt.Sprintf("changeset:%d", changesetID), repositoryID, g)
	bus.Publish(pubsub.Event{Kind: pubsub.Monitor, ChangesetID: changesetID})
	if err := g.jg.Seed(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// ChangesetID reports which changeset this group drives.
func (g *Group) ChangesetID() int64 { return g.changesetID }

// StartNext, Pending and OnJobCompleted forward to the wrapped job.Group
// so the runner only ever deals with Group, never job.Group directly.
func (g *Group) StartNext(capacity int) []job.Job { return g.jg.StartNext(capacity) }
func (g *Group) Pending() bool                    { return g.jg.Pending() }
func (g *Group) OnJobCompleted(ctx context.Context, completions []job.Completion) error {
	return g.jg.OnJobCompleted(ctx, completions)
}

// RecordError implements job.Delegate: a fatal job failure is persisted
// as a ChangesetError row, permanently suppressing that job's key.
func (g *Group) RecordError(ctx context.Context, j job.Job, cause error) error {
	traceback := fmt.Sprintf("%+v", errors.WithStack(cause))
	return g.db.RecordError(ctx, g.changesetID, string(j.Key()), true, traceback)
}

// JobsFinished implements job.Delegate: republish the changeset's state
// on every batch of completions, not only on phase transitions — readers
// watching partial progress (e.g. a content diff streaming in file by
// file) want these too.
func (g *Group) JobsFinished(ctx context.Context, completed []job.Job) {
	if len(completed) == 0 {
		return
	}
	g.bus.Publish(pubsub.Event{Kind: pubsub.Update, ChangesetID: g.changesetID})
}

// GroupFinished implements job.Delegate: the changeset has drained
// completely; the runner should stop tracking it.
func (g *Group) GroupFinished(ctx context.Context) {
	g.bus.Publish(pubsub.Event{Kind: pubsub.Forget, ChangesetID: g.changesetID})
}

// ShouldCalculateRemaining implements job.Delegate's re-entry predicate:
// it reports true when some phase is not yet complete and none of that
// phase's jobs are left in not_started. job.Group consults it only once
// the whole group has drained (nothing queued or in flight).
func (g *Group) ShouldCalculateRemaining() bool {
	if g.structureComplete && g.contentComplete && g.highlightComplete {
		return false
	}
	pending := g.jg.PendingKinds()
	if !g.structureComplete && pending[job.KindStructureDiff] == 0 {
		return true
	}
	if !g.contentComplete && pending[job.KindExamineFiles] == 0 && pending[job.KindFileDiff] == 0 {
		return true
	}
	if !g.highlightComplete && pending[job.KindDetectLanguages] == 0 && pending[job.KindSyntaxHighlight] == 0 {
		return true
	}
	return false
}

// snapshot is the state CalculateRemaining's decide step reads, gathered
// in one batch of Persistence reads; decide's own writes and label/
// encoding lookups are not part of it.
type snapshot struct {
	cs                model.Changeset
	reference         model.Changeset
	referenceFound    bool
	referenceFromSHA1 model.SHA1
	primaryFromSHA1   model.SHA1
	primaryToSHA1     model.SHA1

	highlight model.ChangesetHighlightRequest

	contentExists bool
	contentBefore bool

	needExamine      []store.ChangedFileRow
	pendingDiffs     []store.ChangedFileRow
	unanalyzedFiles  []store.ChangedFileRow
	changedLinesRows []store.ChangedLinesRow

	highlightCandidates []store.HighlightCandidateRow
	allChangedFiles     []store.ChangedFileRow
}

// CalculateRemaining implements job.Delegate: the four-phase re-inventory
// pass described by spec §4.5.
func (g *Group) CalculateRemaining(ctx context.Context) error {
	snap, err := g.gather(ctx)
	if err != nil {
		return fmt.Errorf("changeset %d: gather: %w", g.changesetID, err)
	}
	return g.decide(ctx, snap)
}

func (g *Group) gather(ctx context.Context) (*snapshot, error) {
	cs, err := g.db.LoadChangeset(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("load changeset: %w", err)
	}

	failedKeys, err := g.db.LoadFailedKeys(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("load failed keys: %w", err)
	}
	keys := make([]job.Key, len(failedKeys))
	for i, k := range failedKeys {
		keys[i] = job.Key(k)
	}
	g.jg.SeedFailedKeys(keys)

	snap := &snapshot{cs: cs}

	snap.primaryToSHA1, err = g.db.ResolveCommitSHA1(ctx, cs.ToCommit)
	if err != nil {
		return nil, fmt.Errorf("resolve to_commit sha1: %w", err)
	}
	if cs.FromCommit != nil {
		snap.primaryFromSHA1, err = g.db.ResolveCommitSHA1(ctx, *cs.FromCommit)
		if err != nil {
			return nil, fmt.Errorf("resolve from_commit sha1: %w", err)
		}
	}

	if cs.IsPrimaryMerge() {
		ref, found, err := g.db.FindReferenceChangeset(ctx, *cs.FromCommit, *cs.ForMerge)
		if err != nil {
			return nil, fmt.Errorf("find reference changeset: %w", err)
		}
		snap.reference = ref
		snap.referenceFound = found
		if found && ref.FromCommit != nil {
			snap.referenceFromSHA1, err = g.db.ResolveCommitSHA1(ctx, *ref.FromCommit)
			if err != nil {
				return nil, fmt.Errorf("resolve reference from_commit sha1: %w", err)
			}
		}
	}

	snap.highlight, err = g.db.LoadHighlightRequest(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("load highlight request: %w", err)
	}

	snap.contentExists, snap.contentBefore, err = g.db.LoadContentDifferenceComplete(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("load content difference state: %w", err)
	}

	// The rest of the scans only matter once both structure diffs (this
	// changeset's and, for a primary merge, its reference's) have been
	// processed — mirrors Phase A step 5's early return.
	referenceProcessed := !cs.IsPrimaryMerge() || (snap.referenceFound && snap.reference.Processed)
	if !cs.Processed || !referenceProcessed {
		return snap, nil
	}

	snap.needExamine, err = g.db.ScanFilesNeedingExamine(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan files needing examine: %w", err)
	}
	snap.pendingDiffs, err = g.db.ScanPendingDiffs(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan pending diffs: %w", err)
	}
	snap.unanalyzedFiles, err = g.db.ScanFilesWithUnanalyzedBlocks(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan files with unanalyzed blocks: %w", err)
	}
	if len(snap.unanalyzedFiles) > 0 {
		fileIDs := make([]int64, len(snap.unanalyzedFiles))
		for i, f := range snap.unanalyzedFiles {
			fileIDs[i] = f.FileID
		}
		snap.changedLinesRows, err = g.db.ScanChangedLinesForReconstruction(ctx, g.changesetID, fileIDs)
		if err != nil {
			return nil, fmt.Errorf("scan changed lines for reconstruction: %w", err)
		}
	}

	snap.highlightCandidates, err = g.db.ScanHighlightCandidates(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan highlight candidates: %w", err)
	}
	snap.allChangedFiles, err = g.db.ScanChangedFiles(ctx, g.changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan changed files: %w", err)
	}

	return snap, nil
}

func (g *Group) decide(ctx context.Context, snap *snapshot) error {
	cs := snap.cs

	// Phase A: emit structure-diff jobs. For a primary merge changeset,
	// the reference's own structure diff is ordered first (spec §4.5
	// step 3); queue_content is always suppressed for a merge side until
	// after Phase B's filter, an optimization the original source also
	// makes (it would otherwise immediately queue ExamineFiles for files
	// that Phase B is about to prune).
	contentRequested := snap.contentExists && cs.ForMerge == nil

	if cs.IsPrimaryMerge() && snap.referenceFound && !snap.reference.Processed &&
		!g.jg.IsFailed(jobs.StructureDiff{ChangesetID: snap.reference.ID}.Key()) {
		if err := g.jg.AddJob(jobs.StructureDiff{
			ChangesetID:  snap.reference.ID,
			RepositoryID: g.repositoryID,
			FromSHA1:     snap.referenceFromSHA1,
			ToSHA1:       snap.primaryFromSHA1,
			QueueContent: false,
			IsForMerge:   true,
			Git:          g.git,
			Store:        g.db,
		}); err != nil {
			return fmt.Errorf("changeset %d: add reference structure-diff: %w", g.changesetID, err)
		}
	}

	if !cs.Processed && !g.jg.IsFailed(jobs.StructureDiff{ChangesetID: g.changesetID}.Key()) {
		if err := g.jg.AddJob(jobs.StructureDiff{
			ChangesetID:  g.changesetID,
			RepositoryID: g.repositoryID,
			FromSHA1:     snap.primaryFromSHA1,
			ToSHA1:       snap.primaryToSHA1,
			QueueContent: contentRequested,
			IsForMerge:   cs.ForMerge != nil,
			Git:          g.git,
			Store:        g.db,
		}); err != nil {
			return fmt.Errorf("changeset %d: add structure-diff: %w", g.changesetID, err)
		}
	}

	referenceProcessed := !cs.IsPrimaryMerge() || (snap.referenceFound && snap.reference.Processed)
	if !cs.Processed || !referenceProcessed {
		// Structure diffs still outstanding: everything past this point
		// depends on the file set they produce.
		return nil
	}
	g.structureComplete = true

	// Phase B: merge-reference filter, then mark complete. Gated on
	// !cs.Complete so it runs exactly once per changeset (the invariant
	// in spec §3 forbids complete ever reverting to false, so this is
	// also safe to skip on every later pass).
	if !cs.Complete {
		if cs.IsPrimaryMerge() && snap.referenceFound {
			if err := g.db.PruneFilesNotPresentInOther(ctx, g.changesetID, snap.reference.ID); err != nil {
				return fmt.Errorf("changeset %d: prune primary files: %w", g.changesetID, err)
			}
			if err := g.db.PruneFilesNotPresentInOther(ctx, snap.reference.ID, g.changesetID); err != nil {
				return fmt.Errorf("changeset %d: prune reference files: %w", g.changesetID, err)
			}
			if err := g.db.MarkComplete(ctx, snap.reference.ID); err != nil {
				return fmt.Errorf("changeset %d: mark reference complete: %w", g.changesetID, err)
			}
			g.bus.Publish(pubsub.Event{Kind: pubsub.Monitor, ChangesetID: snap.reference.ID})
			g.bus.Publish(pubsub.Event{Kind: pubsub.Update, ChangesetID: snap.reference.ID})
		}
		if err := g.db.MarkComplete(ctx, g.changesetID); err != nil {
			return fmt.Errorf("changeset %d: mark complete: %w", g.changesetID, err)
		}
		g.bus.Publish(pubsub.Event{Kind: pubsub.Update, ChangesetID: g.changesetID})
	}

	// Phase C: content.
	var examineFiles []jobs.FileDiff
	for _, f := range snap.needExamine {
		examineFiles = append(examineFiles, rowToFileDiff(f))
	}
	allFilesExamined := len(snap.needExamine) == 0

	examineKey := jobs.ExamineFiles{ChangesetID: g.changesetID, Files: examineFiles}.Key()
	if len(examineFiles) > 0 && !g.jg.IsFailed(examineKey) {
		if err := g.jg.AddJob(jobs.ExamineFiles{
			ChangesetID:  g.changesetID,
			RepositoryID: g.repositoryID,
			FromSHA1:     snap.primaryFromSHA1,
			ToSHA1:       snap.primaryToSHA1,
			Files:        examineFiles,
			Git:          g.git,
			Store:        g.db,
		}); err != nil {
			return fmt.Errorf("changeset %d: add examine-files: %w", g.changesetID, err)
		}
	}

	var pendingDiffKeys int
	for _, f := range snap.pendingDiffs {
		fd := rowToFileDiff(f)
		j := jobs.FileDiffJob{ChangesetID: g.changesetID, RepositoryID: g.repositoryID, File: fd, Git: g.git, Store: g.db}
		if g.jg.IsFailed(j.Key()) {
			continue
		}
		pendingDiffKeys++
		if err := g.jg.AddJob(j); err != nil {
			return fmt.Errorf("changeset %d: add file-diff: %w", g.changesetID, err)
		}
	}

	analyzeJobs := reconstructAnalyzeJobs(g.changesetID, g.repositoryID, snap.unanalyzedFiles, snap.changedLinesRows, g.git, g.db)
	var liveAnalyzeJobs int
	for _, j := range analyzeJobs {
		if g.jg.IsFailed(j.Key()) {
			continue
		}
		liveAnalyzeJobs++
		if err := g.jg.AddJob(j); err != nil {
			return fmt.Errorf("changeset %d: add analyze-changed-lines: %w", g.changesetID, err)
		}
	}

	contentJobsEmpty := (len(examineFiles) == 0 || g.jg.IsFailed(examineKey)) && pendingDiffKeys == 0
	if contentJobsEmpty && liveAnalyzeJobs == 0 {
		if !snap.contentBefore {
			if err := g.db.MarkContentComplete(ctx, g.changesetID); err != nil {
				return fmt.Errorf("changeset %d: mark content complete: %w", g.changesetID, err)
			}
			g.bus.Publish(pubsub.Event{Kind: pubsub.Update, ChangesetID: g.changesetID})
		}
		g.contentComplete = true
	}

	// Phase D: syntax highlight. Only once every file is examined and the
	// changeset itself is complete (spec §4.5 Phase D precondition). A
	// changeset that never requested highlighting is immediately
	// highlight-complete, regardless of how far structure/content have
	// gotten, so ShouldCalculateRemaining doesn't keep re-triggering on
	// its account.
	if !snap.highlight.Requested {
		g.highlightComplete = true
		return nil
	}
	if !allFilesExamined || !cs.Complete {
		return nil
	}

	evaluatedPairs := make(map[[2]string]struct{}, len(snap.highlightCandidates))
	var syntaxJobs int
	for _, c := range snap.highlightCandidates {
		evaluatedPairs[[2]string{fmt.Sprintf("%d", c.FileID), string(c.SHA1)}] = struct{}{}
		if c.Language == nil || c.Highlighted {
			continue
		}
		label, err := g.db.LanguageLabel(ctx, *c.Language)
		if err != nil {
			return fmt.Errorf("changeset %d: resolve language label: %w", g.changesetID, err)
		}
		encodings, err := g.git.EncodingHints(ctx, g.repositoryID, c.Path)
		if err != nil {
			return fmt.Errorf("changeset %d: encoding hints: %w", g.changesetID, err)
		}
		j := jobs.SyntaxHighlight{
			RepositoryID:    g.repositoryID,
			HighlightFileID: c.HighlightFileID,
			SHA1:            c.SHA1,
			Language:        label,
			Conflicts:       c.Conflicts,
			Encodings:       encodings,
			Git:             g.git,
			Highlighter:     g.highlighter,
			Store:           g.db,
		}
		if g.jg.IsFailed(j.Key()) {
			continue
		}
		syntaxJobs++
		if err := g.jg.AddJob(j); err != nil {
			return fmt.Errorf("changeset %d: add syntax-highlight: %w", g.changesetID, err)
		}
	}

	var detectJobs int
	if !snap.highlight.Evaluated {
		for _, f := range snap.allChangedFiles {
			for _, side := range []struct {
				s    model.Side
				sha1 model.SHA1
			}{{model.SideOld, f.OldSHA1}, {model.SideNew, f.NewSHA1}} {
				if side.sha1 == "" {
					continue
				}
				if _, skip := evaluatedPairs[[2]string{fmt.Sprintf("%d", f.FileID), string(side.sha1)}]; skip {
					continue
				}
				j := jobs.DetectLanguages{
					ChangesetID:  g.changesetID,
					RepositoryID: g.repositoryID,
					FileID:       f.FileID,
					Side:         side.s,
					SHA1:         side.sha1,
					Path:         f.Path,
					Conflicts:    cs.IsReplay,
					Git:          g.git,
					Detector:     g.detector,
					Store:        g.db,
				}
				if g.jg.IsFailed(j.Key()) {
					continue
				}
				detectJobs++
				if err := g.jg.AddJob(j); err != nil {
					return fmt.Errorf("changeset %d: add detect-languages: %w", g.changesetID, err)
				}
			}
		}
	}

	// evaluated tracks language detection alone (spec §4.5 Phase D step 2);
	// done additionally requires no outstanding syntax-highlight work, and
	// only done is safe to latch into g.highlightComplete — a detect job
	// queued this pass still owes this changeset a highlight_candidates
	// re-scan once it resolves, so latching on syntaxJobs==0 alone would
	// let ShouldCalculateRemaining stop re-entering before that follow-up
	// SyntaxHighlight job is ever built.
	evaluated := allFilesExamined && detectJobs == 0
	done := evaluated && syntaxJobs == 0

	if evaluated && !snap.highlight.Evaluated {
		if err := g.db.SetHighlightEvaluated(ctx, g.changesetID, true); err != nil {
			return fmt.Errorf("changeset %d: set highlight evaluated: %w", g.changesetID, err)
		}
		g.bus.Publish(pubsub.Event{Kind: pubsub.Update, ChangesetID: g.changesetID})
	}
	if done && !g.highlightComplete {
		g.bus.Publish(pubsub.Event{Kind: pubsub.Update, ChangesetID: g.changesetID})
	}
	g.highlightComplete = done

	return nil
}

func rowToFileDiff(f store.ChangedFileRow) jobs.FileDiff {
	return jobs.FileDiff{
		FileID:  f.FileID,
		Path:    f.Path,
		OldSHA1: f.OldSHA1,
		OldMode: f.OldMode,
		NewSHA1: f.NewSHA1,
		NewMode: f.NewMode,
	}
}

// reconstructAnalyzeJobs rebuilds per-file cumulative (delete_offset,
// insert_offset) pairs from the ordered block sequence (spec §4.5 Phase C
// step 3) and emits one AnalyzeChangedLines per block still missing its
// analysis.
func reconstructAnalyzeJobs(changesetID, repositoryID int64, files []store.ChangedFileRow, rows []store.ChangedLinesRow, git jobs.GitReader, db DB) []jobs.AnalyzeChangedLines {
	fileByID := make(map[int64]store.ChangedFileRow, len(files))
	for _, f := range files {
		fileByID[f.FileID] = f
	}

	var out []jobs.AnalyzeChangedLines
	var previousFileID int64 = -1
	var deleteOffset, insertOffset int
	for _, r := range rows {
		if r.FileID != previousFileID {
			deleteOffset, insertOffset = 0, 0
			previousFileID = r.FileID
		}
		deleteOffset += int(r.Offset)
		insertOffset += int(r.Offset)
		if r.NeedsAnalysis {
			f, ok := fileByID[r.FileID]
			if ok {
				out = append(out, jobs.AnalyzeChangedLines{
					ChangesetID:  changesetID,
					RepositoryID: repositoryID,
					File:         rowToFileDiff(f),
					Index:        r.Index,
					DeleteOffset: deleteOffset,
					DeleteCount:  int(r.DeleteCount),
					InsertOffset: insertOffset,
					InsertCount:  int(r.InsertCount),
					Git:          git,
					Store:        db,
				})
			}
		}
		deleteOffset += int(r.DeleteCount)
		insertOffset += int(r.InsertCount)
	}
	return out
}
