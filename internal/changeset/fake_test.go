package changeset

import (
	"context"
	"errors"
	"fmt"

	"github.com/sergeys-opera/critic/internal/jobs"
	"github.com/sergeys-opera/critic/internal/model"
	"github.com/sergeys-opera/critic/internal/store"
)

// fakeDB is an in-memory stand-in for the pgx-backed Postgres store,
// exercising the same DB interface ChangesetGroup drives. It is
// deliberately not concurrency-safe: these tests run everything on one
// goroutine, the same way job.Group itself expects to be driven.
type fakeDB struct {
	changesets map[int64]*model.Changeset
	commits    map[int64]model.SHA1

	contentDiff  map[int64]*model.ChangesetContentDifference
	highlightReq map[int64]*model.ChangesetHighlightRequest

	nextFileID int64
	fileByPath map[string]int64

	changesetFiles map[int64]map[int64]model.ChangesetFile
	fileDiffs      map[int64]map[int64]*model.ChangesetFileDifference
	changedLines   map[int64]map[int64][]*model.ChangesetChangedLines

	nextHighlightFileID int64
	highlightFiles      map[int64]*model.HighlightFile
	highlightKey        map[string]int64

	nextLangID int32
	langByID   map[int32]string
	langByName map[string]int32

	errors map[int64]map[string]model.ChangesetError
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		changesets:     make(map[int64]*model.Changeset),
		commits:        make(map[int64]model.SHA1),
		contentDiff:    make(map[int64]*model.ChangesetContentDifference),
		highlightReq:   make(map[int64]*model.ChangesetHighlightRequest),
		fileByPath:     make(map[string]int64),
		changesetFiles: make(map[int64]map[int64]model.ChangesetFile),
		fileDiffs:      make(map[int64]map[int64]*model.ChangesetFileDifference),
		changedLines:   make(map[int64]map[int64][]*model.ChangesetChangedLines),
		highlightFiles: make(map[int64]*model.HighlightFile),
		highlightKey:   make(map[string]int64),
		langByID:       make(map[int32]string),
		langByName:     make(map[string]int32),
		errors:         make(map[int64]map[string]model.ChangesetError),
	}
}

func (f *fakeDB) ScanIncomplete(ctx context.Context) ([]store.IncompleteRow, error) { return nil, nil }

func (f *fakeDB) LoadChangeset(ctx context.Context, changesetID int64) (model.Changeset, error) {
	cs, ok := f.changesets[changesetID]
	if !ok {
		return model.Changeset{}, fmt.Errorf("no such changeset %d", changesetID)
	}
	return *cs, nil
}

func (f *fakeDB) LoadFailedKeys(ctx context.Context, changesetID int64) ([]string, error) {
	var keys []string
	for k := range f.errors[changesetID] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeDB) FindReferenceChangeset(ctx context.Context, toCommitID int64, forMerge int64) (model.Changeset, bool, error) {
	for _, cs := range f.changesets {
		if cs.ToCommit == toCommitID && cs.ForMerge != nil && *cs.ForMerge == forMerge {
			return *cs, true, nil
		}
	}
	return model.Changeset{}, false, nil
}

func (f *fakeDB) LoadHighlightRequest(ctx context.Context, changesetID int64) (model.ChangesetHighlightRequest, error) {
	if r, ok := f.highlightReq[changesetID]; ok {
		return *r, nil
	}
	return model.ChangesetHighlightRequest{ChangesetID: changesetID}, nil
}

func (f *fakeDB) LoadContentDifferenceComplete(ctx context.Context, changesetID int64) (bool, bool, error) {
	r, ok := f.contentDiff[changesetID]
	if !ok {
		return false, false, nil
	}
	return true, r.Complete, nil
}

func (f *fakeDB) ResolveCommitSHA1(ctx context.Context, commitID int64) (model.SHA1, error) {
	sha1, ok := f.commits[commitID]
	if !ok {
		return "", fmt.Errorf("no such commit %d", commitID)
	}
	return sha1, nil
}

func (f *fakeDB) MarkProcessed(ctx context.Context, changesetID int64) error {
	f.changesets[changesetID].Processed = true
	return nil
}

func (f *fakeDB) MarkComplete(ctx context.Context, changesetID int64) error {
	f.changesets[changesetID].Complete = true
	return nil
}

func (f *fakeDB) PruneFilesNotPresentInOther(ctx context.Context, changesetID, otherChangesetID int64) error {
	other := f.changesetFiles[otherChangesetID]
	for fileID := range f.changesetFiles[changesetID] {
		if _, ok := other[fileID]; !ok {
			delete(f.changesetFiles[changesetID], fileID)
		}
	}
	return nil
}

func (f *fakeDB) MarkContentComplete(ctx context.Context, changesetID int64) error {
	f.contentDiff[changesetID] = &model.ChangesetContentDifference{ChangesetID: changesetID, Complete: true}
	return nil
}

func (f *fakeDB) SetHighlightEvaluated(ctx context.Context, changesetID int64, evaluated bool) error {
	r := f.highlightReq[changesetID]
	if r == nil {
		r = &model.ChangesetHighlightRequest{ChangesetID: changesetID}
		f.highlightReq[changesetID] = r
	}
	r.Evaluated = evaluated
	return nil
}

func (f *fakeDB) RecordError(ctx context.Context, changesetID int64, jobKey string, fatal bool, traceback string) error {
	if f.errors[changesetID] == nil {
		f.errors[changesetID] = make(map[string]model.ChangesetError)
	}
	f.errors[changesetID][jobKey] = model.ChangesetError{ChangesetID: changesetID, JobKey: jobKey, Fatal: fatal, Traceback: traceback}
	return nil
}

func (f *fakeDB) fileRows(changesetID int64, pred func(model.ChangesetFileDifference, bool) bool) []store.ChangedFileRow {
	var out []store.ChangedFileRow
	for fileID, cf := range f.changesetFiles[changesetID] {
		diff, hasDiff := f.fileDiffs[changesetID][fileID]
		var d model.ChangesetFileDifference
		if hasDiff {
			d = *diff
		}
		if pred(d, hasDiff) {
			out = append(out, store.ChangedFileRow{
				FileID: fileID, Path: cf.Path,
				OldSHA1: cf.OldSHA1, OldMode: cf.OldMode,
				NewSHA1: cf.NewSHA1, NewMode: cf.NewMode,
			})
		}
	}
	return out
}

func (f *fakeDB) ScanFilesNeedingExamine(ctx context.Context, changesetID int64) ([]store.ChangedFileRow, error) {
	return f.fileRows(changesetID, func(_ model.ChangesetFileDifference, has bool) bool { return !has }), nil
}

func (f *fakeDB) ScanPendingDiffs(ctx context.Context, changesetID int64) ([]store.ChangedFileRow, error) {
	return f.fileRows(changesetID, func(d model.ChangesetFileDifference, has bool) bool { return has && d.ComparisonPending }), nil
}

func (f *fakeDB) ScanFilesWithUnanalyzedBlocks(ctx context.Context, changesetID int64) ([]store.ChangedFileRow, error) {
	var out []store.ChangedFileRow
	for fileID, blocks := range f.changedLines[changesetID] {
		for _, b := range blocks {
			if b.Analysis == nil {
				cf := f.changesetFiles[changesetID][fileID]
				out = append(out, store.ChangedFileRow{
					FileID: fileID, Path: cf.Path,
					OldSHA1: cf.OldSHA1, OldMode: cf.OldMode,
					NewSHA1: cf.NewSHA1, NewMode: cf.NewMode,
				})
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDB) ScanChangedLinesForReconstruction(ctx context.Context, changesetID int64, fileIDs []int64) ([]store.ChangedLinesRow, error) {
	want := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		want[id] = true
	}
	var out []store.ChangedLinesRow
	for fileID, blocks := range f.changedLines[changesetID] {
		if !want[fileID] {
			continue
		}
		for _, b := range blocks {
			out = append(out, store.ChangedLinesRow{
				FileID: fileID, Index: b.Index, Offset: b.Offset,
				DeleteCount: b.DeleteCount, DeleteLength: b.DeleteLength,
				InsertCount: b.InsertCount, InsertLength: b.InsertLength,
				NeedsAnalysis: b.Analysis == nil,
			})
		}
	}
	return out, nil
}

func (f *fakeDB) ScanHighlightCandidates(ctx context.Context, changesetID int64) ([]store.HighlightCandidateRow, error) {
	var out []store.HighlightCandidateRow
	for fileID, diff := range f.fileDiffs[changesetID] {
		cf := f.changesetFiles[changesetID][fileID]
		if diff.OldHighlightFile != nil {
			hf := f.highlightFiles[*diff.OldHighlightFile]
			out = append(out, store.HighlightCandidateRow{
				HighlightFileID: hf.ID, FileID: fileID, Side: model.SideOld,
				SHA1: hf.SHA1, Language: hf.Language, Conflicts: hf.Conflicts, Highlighted: hf.Highlighted, Path: cf.Path,
			})
		}
		if diff.NewHighlightFile != nil {
			hf := f.highlightFiles[*diff.NewHighlightFile]
			out = append(out, store.HighlightCandidateRow{
				HighlightFileID: hf.ID, FileID: fileID, Side: model.SideNew,
				SHA1: hf.SHA1, Language: hf.Language, Conflicts: hf.Conflicts, Highlighted: hf.Highlighted, Path: cf.Path,
			})
		}
	}
	return out, nil
}

func (f *fakeDB) ScanChangedFiles(ctx context.Context, changesetID int64) ([]store.ChangedFileRow, error) {
	return f.fileRows(changesetID, func(model.ChangesetFileDifference, bool) bool { return true }), nil
}

func (f *fakeDB) ResolveLanguageID(ctx context.Context, label *string) (*int32, error) {
	if label == nil {
		return nil, nil
	}
	if id, ok := f.langByName[*label]; ok {
		return &id, nil
	}
	f.nextLangID++
	id := f.nextLangID
	f.langByName[*label] = id
	f.langByID[id] = *label
	return &id, nil
}

func (f *fakeDB) LanguageLabel(ctx context.Context, languageID int32) (string, error) {
	label, ok := f.langByID[languageID]
	if !ok {
		return "", fmt.Errorf("no such language %d", languageID)
	}
	return label, nil
}

func (f *fakeDB) InsertFileDifference(ctx context.Context, changesetID, fileID int64, comparisonPending bool) error {
	if f.fileDiffs[changesetID] == nil {
		f.fileDiffs[changesetID] = make(map[int64]*model.ChangesetFileDifference)
	}
	f.fileDiffs[changesetID][fileID] = &model.ChangesetFileDifference{
		ChangesetID: changesetID, FileID: fileID, ComparisonPending: comparisonPending,
	}
	return nil
}

func (f *fakeDB) ReplaceChangedLines(ctx context.Context, changesetID, fileID int64, blocks []model.ChangesetChangedLines) error {
	if f.changedLines[changesetID] == nil {
		f.changedLines[changesetID] = make(map[int64][]*model.ChangesetChangedLines)
	}
	rows := make([]*model.ChangesetChangedLines, len(blocks))
	for i, b := range blocks {
		b := b
		rows[i] = &b
	}
	f.changedLines[changesetID][fileID] = rows
	return nil
}

func (f *fakeDB) ClearComparisonPending(ctx context.Context, changesetID, fileID int64) error {
	f.fileDiffs[changesetID][fileID].ComparisonPending = false
	return nil
}

func (f *fakeDB) SetChangedLinesAnalysis(ctx context.Context, changesetID, fileID int64, index int32, analysis string) error {
	for _, b := range f.changedLines[changesetID][fileID] {
		if b.Index == index {
			a := analysis
			b.Analysis = &a
			return nil
		}
	}
	return fmt.Errorf("no such block %d/%d#%d", changesetID, fileID, index)
}

func (f *fakeDB) ResolveHighlightFile(ctx context.Context, sha1 model.SHA1, language *int32, conflicts bool) (int64, error) {
	lang := int32(-1)
	if language != nil {
		lang = *language
	}
	key := fmt.Sprintf("%s:%d:%t", sha1, lang, conflicts)
	if id, ok := f.highlightKey[key]; ok {
		return id, nil
	}
	f.nextHighlightFileID++
	id := f.nextHighlightFileID
	f.highlightKey[key] = id
	f.highlightFiles[id] = &model.HighlightFile{ID: id, SHA1: sha1, Language: language, Conflicts: conflicts}
	return id, nil
}

func (f *fakeDB) SetFileDifferenceHighlightFile(ctx context.Context, changesetID, fileID int64, side model.Side, highlightFileID int64) error {
	d := f.fileDiffs[changesetID][fileID]
	id := highlightFileID
	if side == model.SideOld {
		d.OldHighlightFile = &id
	} else {
		d.NewHighlightFile = &id
	}
	return nil
}

func (f *fakeDB) SetHighlightFileHighlighted(ctx context.Context, highlightFileID int64) error {
	f.highlightFiles[highlightFileID].Highlighted = true
	return nil
}

// FinalizeStructureDiff mirrors Postgres.FinalizeStructureDiff: the file
// list, each file's initial changed-lines placeholder, and processed all
// land together, with nothing observable in between.
func (f *fakeDB) FinalizeStructureDiff(ctx context.Context, changesetID int64, entries []jobs.TreeEntry) ([]int64, error) {
	fileIDs := make([]int64, len(entries))
	if f.changesetFiles[changesetID] == nil {
		f.changesetFiles[changesetID] = make(map[int64]model.ChangesetFile)
	}
	if f.changedLines[changesetID] == nil {
		f.changedLines[changesetID] = make(map[int64][]*model.ChangesetChangedLines)
	}
	for i, e := range entries {
		fileID, ok := f.fileByPath[e.Path]
		if !ok {
			f.nextFileID++
			fileID = f.nextFileID
			f.fileByPath[e.Path] = fileID
		}
		fileIDs[i] = fileID
		f.changesetFiles[changesetID][fileID] = model.ChangesetFile{
			ChangesetID: changesetID, FileID: fileID, Path: e.Path,
			OldSHA1: e.OldSHA1, OldMode: e.OldMode, NewSHA1: e.NewSHA1, NewMode: e.NewMode,
		}
		f.changedLines[changesetID][fileID] = []*model.ChangesetChangedLines{{
			ChangesetID: changesetID, FileID: fileID, Index: 0, Offset: 0,
		}}
	}
	f.changesets[changesetID].Processed = true
	return fileIDs, nil
}

// fakeGit is a minimal jobs.GitReader: one fixed tree diff, blobs keyed by
// sha1, constant encoding hints.
type fakeGit struct {
	diff   []jobs.TreeEntry
	blobs  map[model.SHA1][]byte
}

func (g *fakeGit) TreeDiff(ctx context.Context, repositoryID int64, fromSHA1, toSHA1 model.SHA1) ([]jobs.TreeEntry, error) {
	return g.diff, nil
}

func (g *fakeGit) ReadBlob(ctx context.Context, repositoryID int64, sha1 model.SHA1) ([]byte, error) {
	if sha1 == "" {
		return nil, nil
	}
	return g.blobs[sha1], nil
}

func (g *fakeGit) EncodingHints(ctx context.Context, repositoryID int64, path string) ([]string, error) {
	return []string{"utf-8"}, nil
}

var errBoom = errors.New("boom")

// failingGit always fails TreeDiff, simulating an unreadable repository.
type failingGit struct{ err error }

func (g *failingGit) TreeDiff(ctx context.Context, repositoryID int64, fromSHA1, toSHA1 model.SHA1) ([]jobs.TreeEntry, error) {
	return nil, g.err
}

func (g *failingGit) ReadBlob(ctx context.Context, repositoryID int64, sha1 model.SHA1) ([]byte, error) {
	return nil, g.err
}

func (g *failingGit) EncodingHints(ctx context.Context, repositoryID int64, path string) ([]string, error) {
	return nil, g.err
}

type fakeDetector struct{ language string }

func (d fakeDetector) DetectLanguage(ctx context.Context, path string, blob []byte) (*string, error) {
	return &d.language, nil
}

type fakeHighlighter struct{}

func (fakeHighlighter) Highlight(ctx context.Context, blob []byte, language string, conflicts bool, encodings []string) ([]byte, error) {
	return blob, nil
}
