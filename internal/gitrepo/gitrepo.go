// Package gitrepo implements the RepositoryReader collaborator (spec §6):
// tree diffs, blob reads, and per-path encoding hints against a real
// on-disk git repository, grounded on the teacher's go-git/v5-based tree
// diffing and blob reading (tree_diff.go, blob_cache.go,
// internal/linehistory/line_history.go).
package gitrepo

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/sergeys-opera/critic/internal/jobs"
	"github.com/sergeys-opera/critic/internal/model"
)

// Repositories is a RepositoryReader backed by plain on-disk clones laid
// out one per repository id under root, the way cmd/criticd's --repos
// flag names a directory of repository checkouts. Opened repositories are
// cached; nothing here mutates a repository, so concurrent reads from
// multiple worker goroutines are safe once a *git.Repository is cached.
type Repositories struct {
	root string

	mu   sync.Mutex
	open map[int64]*git.Repository
}

// New returns a Repositories rooted at the given directory.
func New(root string) *Repositories {
	return &Repositories{root: root, open: make(map[int64]*git.Repository)}
}

func (r *Repositories) repo(repositoryID int64) (*git.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.open[repositoryID]; ok {
		return repo, nil
	}
	path := filepath.Join(r.root, strconv.FormatInt(repositoryID, 10))
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %d at %s: %w", repositoryID, path, err)
	}
	r.open[repositoryID] = repo
	return repo, nil
}

func tree(repo *git.Repository, sha1 model.SHA1) (*object.Tree, error) {
	if sha1 == "" {
		return nil, nil
	}
	commit, err := repo.CommitObject(plumbing.NewHash(string(sha1)))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", sha1, err)
	}
	return commit.Tree()
}

// TreeDiff implements jobs.GitReader. An empty fromSHA1 denotes the
// root-commit case (diff against the empty tree): every file in toSHA1's
// tree is reported as an addition, the same convention the teacher's
// TreeDiff.Consume uses when previousTree is nil.
func (r *Repositories) TreeDiff(ctx context.Context, repositoryID int64, fromSHA1, toSHA1 model.SHA1) ([]jobs.TreeEntry, error) {
	repo, err := r.repo(repositoryID)
	if err != nil {
		return nil, err
	}
	toTree, err := tree(repo, toSHA1)
	if err != nil {
		return nil, err
	}
	fromTree, err := tree(repo, fromSHA1)
	if err != nil {
		return nil, err
	}

	if fromTree == nil {
		return rootTreeEntries(toTree)
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("diff tree %s..%s: %w", fromSHA1, toSHA1, err)
	}

	entries := make([]jobs.TreeEntry, 0, len(changes))
	for _, c := range changes {
		entry, err := changeToEntry(c)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func rootTreeEntries(toTree *object.Tree) ([]jobs.TreeEntry, error) {
	var entries []jobs.TreeEntry
	iter := toTree.Files()
	defer iter.Close()
	for {
		f, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk root tree: %w", err)
		}
		entries = append(entries, jobs.TreeEntry{
			Path:    f.Name,
			NewSHA1: model.SHA1(f.Hash.String()),
			NewMode: model.FileMode(f.Mode),
		})
	}
	return entries, nil
}

func changeToEntry(c *object.Change) (jobs.TreeEntry, error) {
	path := c.To.Name
	if path == "" {
		path = c.From.Name
	}
	entry := jobs.TreeEntry{Path: path}
	if c.From.Name != "" {
		entry.OldSHA1 = model.SHA1(c.From.TreeEntry.Hash.String())
		entry.OldMode = model.FileMode(c.From.TreeEntry.Mode)
	}
	if c.To.Name != "" {
		entry.NewSHA1 = model.SHA1(c.To.TreeEntry.Hash.String())
		entry.NewMode = model.FileMode(c.To.TreeEntry.Mode)
	}
	return entry, nil
}

// ReadBlob implements jobs.GitReader.
func (r *Repositories) ReadBlob(ctx context.Context, repositoryID int64, sha1 model.SHA1) ([]byte, error) {
	repo, err := r.repo(repositoryID)
	if err != nil {
		return nil, err
	}
	blob, err := repo.BlobObject(plumbing.NewHash(string(sha1)))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", sha1, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("blob %s: open reader: %w", sha1, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// defaultEncodings is the fallback encoding candidate list used absent
// any richer per-repository configuration (SPEC_FULL.md supplemented
// feature #4).
var defaultEncodings = []string{"utf-8", "latin-1"}

// EncodingHints implements jobs.GitReader. It is a straightforward
// implementation of the original's getDecode(commit).getFileContentEncodings
// (path): this module carries no .gitattributes/.gitcider parser, so every
// path gets the same default candidate list, tried in order by the
// highlighter.
func (r *Repositories) EncodingHints(ctx context.Context, repositoryID int64, path string) ([]string, error) {
	return defaultEncodings, nil
}
