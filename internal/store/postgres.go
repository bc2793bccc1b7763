package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sergeys-opera/critic/internal/jobs"
	"github.com/sergeys-opera/critic/internal/model"
)

// Postgres is the pgx-backed Persistence implementation (spec §4.3), the
// only code in this module that opens a database connection. Grounded on
// the connection-pool / typed-query style of
// other_examples/1ed74414_seanblong-reposearch__internal-store-store.go.go
// and other_examples/46f1465e_peer-db__store-store.go.go.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and returns a ready Postgres store.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// schema is the nine tables of spec §3 plus the two small lookup tables
// SPEC_FULL.md's supplemented features add (commits, highlightlanguages;
// "files" holds the path for a changesetfiles.file id). Column names and
// nullability mirror spec.md §3 exactly, since external components read
// these tables directly (spec §6).
const schema = `
CREATE TABLE IF NOT EXISTS commits (
	id   BIGSERIAL PRIMARY KEY,
	sha1 CHAR(40) NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS files (
	id   BIGSERIAL PRIMARY KEY,
	path TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS highlightlanguages (
	id    SERIAL PRIMARY KEY,
	label TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS changesets (
	id           BIGSERIAL PRIMARY KEY,
	repository   BIGINT NOT NULL,
	from_commit  BIGINT REFERENCES commits (id),
	to_commit    BIGINT NOT NULL REFERENCES commits (id),
	for_merge    BIGINT REFERENCES commits (id),
	is_replay    BOOLEAN NOT NULL DEFAULT FALSE,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	complete     BOOLEAN NOT NULL DEFAULT FALSE,
	CHECK (NOT complete OR processed)
);

CREATE TABLE IF NOT EXISTS changesetcontentdifferences (
	changeset BIGINT PRIMARY KEY REFERENCES changesets (id),
	complete  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS changesethighlightrequests (
	changeset BIGINT PRIMARY KEY REFERENCES changesets (id),
	requested BOOLEAN NOT NULL DEFAULT FALSE,
	evaluated BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS changesetfiles (
	changeset BIGINT NOT NULL REFERENCES changesets (id),
	file      BIGINT NOT NULL REFERENCES files (id),
	old_sha1  CHAR(40),
	old_mode  INTEGER NOT NULL DEFAULT 0,
	new_sha1  CHAR(40),
	new_mode  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (changeset, file)
);

CREATE TABLE IF NOT EXISTS highlightfiles (
	id          BIGSERIAL PRIMARY KEY,
	sha1        CHAR(40) NOT NULL,
	language    INTEGER REFERENCES highlightlanguages (id),
	conflicts   BOOLEAN NOT NULL DEFAULT FALSE,
	highlighted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS highlightfiles_identity
	ON highlightfiles (sha1, (COALESCE(language, -1)), conflicts);

CREATE TABLE IF NOT EXISTS changesetfiledifferences (
	changeset          BIGINT NOT NULL REFERENCES changesets (id),
	file               BIGINT NOT NULL REFERENCES files (id),
	old_highlightfile  BIGINT REFERENCES highlightfiles (id),
	new_highlightfile  BIGINT REFERENCES highlightfiles (id),
	comparison_pending BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (changeset, file)
);

CREATE TABLE IF NOT EXISTS changesetchangedlines (
	changeset     BIGINT NOT NULL REFERENCES changesets (id),
	file          BIGINT NOT NULL REFERENCES files (id),
	"index"       INTEGER NOT NULL,
	"offset"      INTEGER NOT NULL,
	delete_count  INTEGER NOT NULL,
	delete_length INTEGER NOT NULL,
	insert_count  INTEGER NOT NULL,
	insert_length INTEGER NOT NULL,
	analysis      TEXT,
	PRIMARY KEY (changeset, file, "index")
);

CREATE TABLE IF NOT EXISTS changeseterrors (
	changeset BIGINT NOT NULL REFERENCES changesets (id),
	job_key   TEXT NOT NULL,
	fatal     BOOLEAN NOT NULL DEFAULT TRUE,
	traceback TEXT NOT NULL,
	PRIMARY KEY (changeset, job_key)
);
`

// Migrate creates the schema if it does not already exist. It is
// idempotent and safe to call on every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) ScanIncomplete(ctx context.Context) ([]IncompleteRow, error) {
	seen := make(map[int64]IncompleteRow)

	queries := []string{
		`SELECT id, repository, is_replay FROM changesets
		  WHERE NOT complete AND (for_merge IS NULL OR for_merge = to_commit)`,
		`SELECT c.id, c.repository, c.is_replay FROM changesets c
		  JOIN changesetcontentdifferences cscd ON cscd.changeset = c.id
		 WHERE c.complete AND NOT cscd.complete`,
		`SELECT DISTINCT c.id, c.repository, c.is_replay FROM changesets c
		  JOIN changesethighlightrequests cshlr ON cshlr.changeset = c.id
		 WHERE c.complete AND cshlr.requested
		   AND (NOT cshlr.evaluated OR EXISTS (
			SELECT 1 FROM changesetfiledifferences csfd
			JOIN highlightfiles hlf ON hlf.id = csfd.old_highlightfile OR hlf.id = csfd.new_highlightfile
			WHERE csfd.changeset = c.id AND NOT hlf.highlighted
		   ))`,
	}

	for _, q := range queries {
		rows, err := p.pool.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("scan incomplete: %w", err)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var row IncompleteRow
				if err := rows.Scan(&row.ChangesetID, &row.RepositoryID, &row.IsReplay); err != nil {
					return err
				}
				seen[row.ChangesetID] = row
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, fmt.Errorf("scan incomplete: %w", err)
		}
	}

	out := make([]IncompleteRow, 0, len(seen))
	for _, row := range seen {
		out = append(out, row)
	}
	return out, nil
}

func (p *Postgres) LoadChangeset(ctx context.Context, changesetID int64) (model.Changeset, error) {
	var cs model.Changeset
	cs.ID = changesetID
	err := p.pool.QueryRow(ctx,
		`SELECT repository, from_commit, to_commit, for_merge, is_replay, processed, complete
		   FROM changesets WHERE id = $1`, changesetID,
	).Scan(&cs.RepositoryID, &cs.FromCommit, &cs.ToCommit, &cs.ForMerge, &cs.IsReplay, &cs.Processed, &cs.Complete)
	if err != nil {
		return model.Changeset{}, fmt.Errorf("load changeset %d: %w", changesetID, err)
	}
	return cs, nil
}

func (p *Postgres) LoadFailedKeys(ctx context.Context, changesetID int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT job_key FROM changeseterrors WHERE changeset = $1`, changesetID)
	if err != nil {
		return nil, fmt.Errorf("load failed keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) FindReferenceChangeset(ctx context.Context, toCommitID int64, forMerge int64) (model.Changeset, bool, error) {
	var cs model.Changeset
	err := p.pool.QueryRow(ctx,
		`SELECT id, repository, from_commit, to_commit, for_merge, is_replay, processed, complete
		   FROM changesets WHERE to_commit = $1 AND for_merge = $2`, toCommitID, forMerge,
	).Scan(&cs.ID, &cs.RepositoryID, &cs.FromCommit, &cs.ToCommit, &cs.ForMerge, &cs.IsReplay, &cs.Processed, &cs.Complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Changeset{}, false, nil
	}
	if err != nil {
		return model.Changeset{}, false, fmt.Errorf("find reference changeset: %w", err)
	}
	return cs, true, nil
}

func (p *Postgres) LoadHighlightRequest(ctx context.Context, changesetID int64) (model.ChangesetHighlightRequest, error) {
	req := model.ChangesetHighlightRequest{ChangesetID: changesetID}
	err := p.pool.QueryRow(ctx,
		`SELECT requested, evaluated FROM changesethighlightrequests WHERE changeset = $1`, changesetID,
	).Scan(&req.Requested, &req.Evaluated)
	if errors.Is(err, pgx.ErrNoRows) {
		return req, nil
	}
	if err != nil {
		return model.ChangesetHighlightRequest{}, fmt.Errorf("load highlight request: %w", err)
	}
	return req, nil
}

func (p *Postgres) LoadContentDifferenceComplete(ctx context.Context, changesetID int64) (bool, bool, error) {
	var complete bool
	err := p.pool.QueryRow(ctx,
		`SELECT complete FROM changesetcontentdifferences WHERE changeset = $1`, changesetID,
	).Scan(&complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("load content difference: %w", err)
	}
	return true, complete, nil
}

func (p *Postgres) ResolveCommitSHA1(ctx context.Context, commitID int64) (model.SHA1, error) {
	var sha1 string
	err := p.pool.QueryRow(ctx, `SELECT sha1 FROM commits WHERE id = $1`, commitID).Scan(&sha1)
	if err != nil {
		return "", fmt.Errorf("resolve commit %d: %w", commitID, err)
	}
	return model.SHA1(sha1), nil
}

func (p *Postgres) MarkProcessed(ctx context.Context, changesetID int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE changesets SET processed = TRUE WHERE id = $1`, changesetID)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", changesetID, err)
	}
	return nil
}

func (p *Postgres) MarkComplete(ctx context.Context, changesetID int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE changesets SET complete = TRUE WHERE id = $1 AND processed`, changesetID)
	if err != nil {
		return fmt.Errorf("mark complete %d: %w", changesetID, err)
	}
	return nil
}

func (p *Postgres) PruneFilesNotPresentInOther(ctx context.Context, changesetID, otherChangesetID int64) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM changesetfiles
		  WHERE changeset = $1
		    AND file NOT IN (SELECT file FROM changesetfiles WHERE changeset = $2)`,
		changesetID, otherChangesetID)
	if err != nil {
		return fmt.Errorf("prune files %d against %d: %w", changesetID, otherChangesetID, err)
	}
	return nil
}

func (p *Postgres) MarkContentComplete(ctx context.Context, changesetID int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO changesetcontentdifferences (changeset, complete) VALUES ($1, TRUE)
		 ON CONFLICT (changeset) DO UPDATE SET complete = TRUE`, changesetID)
	if err != nil {
		return fmt.Errorf("mark content complete %d: %w", changesetID, err)
	}
	return nil
}

func (p *Postgres) SetHighlightEvaluated(ctx context.Context, changesetID int64, evaluated bool) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE changesethighlightrequests SET evaluated = $2 WHERE changeset = $1`, changesetID, evaluated)
	if err != nil {
		return fmt.Errorf("set highlight evaluated %d: %w", changesetID, err)
	}
	return nil
}

func (p *Postgres) RecordError(ctx context.Context, changesetID int64, jobKey string, fatal bool, traceback string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO changeseterrors (changeset, job_key, fatal, traceback) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (changeset, job_key) DO NOTHING`,
		changesetID, jobKey, fatal, traceback)
	if err != nil {
		return fmt.Errorf("record error %d/%s: %w", changesetID, jobKey, err)
	}
	return nil
}

func scanChangedFileRows(rows pgx.Rows) ([]ChangedFileRow, error) {
	defer rows.Close()
	var out []ChangedFileRow
	for rows.Next() {
		var r ChangedFileRow
		var oldSHA1, newSHA1 *string
		if err := rows.Scan(&r.FileID, &r.Path, &oldSHA1, &r.OldMode, &newSHA1, &r.NewMode); err != nil {
			return nil, err
		}
		if oldSHA1 != nil {
			r.OldSHA1 = model.SHA1(*oldSHA1)
		}
		if newSHA1 != nil {
			r.NewSHA1 = model.SHA1(*newSHA1)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ScanFilesNeedingExamine(ctx context.Context, changesetID int64) ([]ChangedFileRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT csf.file, f.path, csf.old_sha1, csf.old_mode, csf.new_sha1, csf.new_mode
		   FROM changesetfiles csf
		   JOIN files f ON f.id = csf.file
	  LEFT JOIN changesetfiledifferences csfd
		     ON csfd.changeset = csf.changeset AND csfd.file = csf.file
		  WHERE csf.changeset = $1 AND csfd.changeset IS NULL`, changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan files needing examine: %w", err)
	}
	return scanChangedFileRows(rows)
}

func (p *Postgres) ScanPendingDiffs(ctx context.Context, changesetID int64) ([]ChangedFileRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT csf.file, f.path, csf.old_sha1, csf.old_mode, csf.new_sha1, csf.new_mode
		   FROM changesetfiles csf
		   JOIN changesetfiledifferences csfd USING (changeset, file)
		   JOIN files f ON f.id = csf.file
		  WHERE csf.changeset = $1 AND csfd.comparison_pending`, changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan pending diffs: %w", err)
	}
	return scanChangedFileRows(rows)
}

func (p *Postgres) ScanFilesWithUnanalyzedBlocks(ctx context.Context, changesetID int64) ([]ChangedFileRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT csf.file, f.path, csf.old_sha1, csf.old_mode, csf.new_sha1, csf.new_mode
		   FROM changesetchangedlines ccl
		   JOIN changesetfiles csf USING (changeset, file)
		   JOIN files f ON f.id = csf.file
		  WHERE ccl.changeset = $1 AND ccl.analysis IS NULL`, changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan files with unanalyzed blocks: %w", err)
	}
	return scanChangedFileRows(rows)
}

func (p *Postgres) ScanChangedLinesForReconstruction(ctx context.Context, changesetID int64, fileIDs []int64) ([]ChangedLinesRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT file, "index", "offset", delete_count, delete_length, insert_count, insert_length,
		        analysis IS NULL
		   FROM changesetchangedlines
		  WHERE changeset = $1 AND file = ANY($2)
	   ORDER BY file, "index"`, changesetID, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("scan changed lines: %w", err)
	}
	defer rows.Close()
	var out []ChangedLinesRow
	for rows.Next() {
		var r ChangedLinesRow
		if err := rows.Scan(&r.FileID, &r.Index, &r.Offset, &r.DeleteCount, &r.DeleteLength,
			&r.InsertCount, &r.InsertLength, &r.NeedsAnalysis); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ScanChangedFiles(ctx context.Context, changesetID int64) ([]ChangedFileRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT csf.file, f.path, csf.old_sha1, csf.old_mode, csf.new_sha1, csf.new_mode
		   FROM changesetfiles csf
		   JOIN files f ON f.id = csf.file
		  WHERE csf.changeset = $1`, changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan changed files: %w", err)
	}
	return scanChangedFileRows(rows)
}

func (p *Postgres) ScanHighlightCandidates(ctx context.Context, changesetID int64) ([]HighlightCandidateRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT hlf.id, csfd.file, 0 AS side, hlf.sha1, hlf.language, hlf.conflicts, hlf.highlighted, f.path
		   FROM highlightfiles hlf
		   JOIN changesetfiledifferences csfd ON csfd.old_highlightfile = hlf.id
		   JOIN files f ON f.id = csfd.file
		  WHERE csfd.changeset = $1
		  UNION ALL
		 SELECT hlf.id, csfd.file, 1 AS side, hlf.sha1, hlf.language, hlf.conflicts, hlf.highlighted, f.path
		   FROM highlightfiles hlf
		   JOIN changesetfiledifferences csfd ON csfd.new_highlightfile = hlf.id
		   JOIN files f ON f.id = csfd.file
		  WHERE csfd.changeset = $1`, changesetID, changesetID)
	if err != nil {
		return nil, fmt.Errorf("scan highlight candidates: %w", err)
	}
	defer rows.Close()
	var out []HighlightCandidateRow
	for rows.Next() {
		var r HighlightCandidateRow
		var side int
		var sha1 string
		if err := rows.Scan(&r.HighlightFileID, &r.FileID, &side, &sha1, &r.Language, &r.Conflicts, &r.Highlighted, &r.Path); err != nil {
			return nil, err
		}
		r.SHA1 = model.SHA1(sha1)
		r.Side = model.Side(side)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveLanguageID(ctx context.Context, label *string) (*int32, error) {
	if label == nil {
		return nil, nil
	}
	var id int32
	err := p.pool.QueryRow(ctx,
		`INSERT INTO highlightlanguages (label) VALUES ($1)
		 ON CONFLICT (label) DO UPDATE SET label = EXCLUDED.label
		 RETURNING id`, *label).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("resolve language %q: %w", *label, err)
	}
	return &id, nil
}

func (p *Postgres) LanguageLabel(ctx context.Context, languageID int32) (string, error) {
	var label string
	err := p.pool.QueryRow(ctx, `SELECT label FROM highlightlanguages WHERE id = $1`, languageID).Scan(&label)
	if err != nil {
		return "", fmt.Errorf("language label %d: %w", languageID, err)
	}
	return label, nil
}

func (p *Postgres) InsertFileDifference(ctx context.Context, changesetID, fileID int64, comparisonPending bool) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO changesetfiledifferences (changeset, file, comparison_pending) VALUES ($1, $2, $3)
		 ON CONFLICT (changeset, file) DO UPDATE SET comparison_pending = EXCLUDED.comparison_pending`,
		changesetID, fileID, comparisonPending)
	if err != nil {
		return fmt.Errorf("insert file difference %d/%d: %w", changesetID, fileID, err)
	}
	return nil
}

func (p *Postgres) ReplaceChangedLines(ctx context.Context, changesetID, fileID int64, blocks []model.ChangesetChangedLines) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace changed lines %d/%d: begin: %w", changesetID, fileID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM changesetchangedlines WHERE changeset = $1 AND file = $2`, changesetID, fileID); err != nil {
		return fmt.Errorf("replace changed lines %d/%d: delete: %w", changesetID, fileID, err)
	}
	for _, b := range blocks {
		_, err := tx.Exec(ctx,
			`INSERT INTO changesetchangedlines
			   (changeset, file, "index", "offset", delete_count, delete_length, insert_count, insert_length, analysis)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			changesetID, fileID, b.Index, b.Offset, b.DeleteCount, b.DeleteLength, b.InsertCount, b.InsertLength, b.Analysis)
		if err != nil {
			return fmt.Errorf("replace changed lines %d/%d: insert block %d: %w", changesetID, fileID, b.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replace changed lines %d/%d: commit: %w", changesetID, fileID, err)
	}
	return nil
}

func (p *Postgres) ClearComparisonPending(ctx context.Context, changesetID, fileID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE changesetfiledifferences SET comparison_pending = FALSE WHERE changeset = $1 AND file = $2`,
		changesetID, fileID)
	if err != nil {
		return fmt.Errorf("clear comparison pending %d/%d: %w", changesetID, fileID, err)
	}
	return nil
}

func (p *Postgres) SetChangedLinesAnalysis(ctx context.Context, changesetID, fileID int64, index int32, analysis string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE changesetchangedlines SET analysis = $4 WHERE changeset = $1 AND file = $2 AND "index" = $3`,
		changesetID, fileID, index, analysis)
	if err != nil {
		return fmt.Errorf("set changed lines analysis %d/%d#%d: %w", changesetID, fileID, index, err)
	}
	return nil
}

func (p *Postgres) ResolveHighlightFile(ctx context.Context, sha1 model.SHA1, language *int32, conflicts bool) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO highlightfiles (sha1, language, conflicts, highlighted) VALUES ($1, $2, $3, FALSE)
		 ON CONFLICT (sha1, (COALESCE(language, -1)), conflicts) DO UPDATE SET sha1 = EXCLUDED.sha1
		 RETURNING id`, string(sha1), language, conflicts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve highlightfile %s: %w", sha1, err)
	}
	return id, nil
}

func (p *Postgres) SetFileDifferenceHighlightFile(ctx context.Context, changesetID, fileID int64, side model.Side, highlightFileID int64) error {
	column := "old_highlightfile"
	if side == model.SideNew {
		column = "new_highlightfile"
	}
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE changesetfiledifferences SET %s = $3 WHERE changeset = $1 AND file = $2`, column),
		changesetID, fileID, highlightFileID)
	if err != nil {
		return fmt.Errorf("set file difference highlight file %d/%d: %w", changesetID, fileID, err)
	}
	return nil
}

func (p *Postgres) SetHighlightFileHighlighted(ctx context.Context, highlightFileID int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE highlightfiles SET highlighted = TRUE WHERE id = $1`, highlightFileID)
	if err != nil {
		return fmt.Errorf("set highlightfile %d highlighted: %w", highlightFileID, err)
	}
	return nil
}

// FinalizeStructureDiff implements jobs.Store: it resolves each entry's
// path to a stable file id (upserting into the files lookup table),
// replaces the changeset's file list wholesale, writes the single
// unanalyzed placeholder changesetchangedlines block per file, and marks
// the changeset processed — all inside one transaction, so processed can
// never be observed true with a partial or stale file list (spec §4.3).
func (p *Postgres) FinalizeStructureDiff(ctx context.Context, changesetID int64, entries []jobs.TreeEntry) ([]int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("finalize structure diff %d: begin: %w", changesetID, err)
	}
	defer tx.Rollback(ctx)

	fileIDs := make([]int64, len(entries))
	for i, e := range entries {
		var fileID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO files (path) VALUES ($1)
			 ON CONFLICT (path) DO UPDATE SET path = EXCLUDED.path
			 RETURNING id`, e.Path).Scan(&fileID)
		if err != nil {
			return nil, fmt.Errorf("finalize structure diff %d: resolve path %q: %w", changesetID, e.Path, err)
		}
		fileIDs[i] = fileID

		_, err = tx.Exec(ctx,
			`INSERT INTO changesetfiles (changeset, file, old_sha1, old_mode, new_sha1, new_mode)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (changeset, file) DO UPDATE
			    SET old_sha1 = EXCLUDED.old_sha1, old_mode = EXCLUDED.old_mode,
			        new_sha1 = EXCLUDED.new_sha1, new_mode = EXCLUDED.new_mode`,
			changesetID, fileID, nullableSHA1(e.OldSHA1), e.OldMode, nullableSHA1(e.NewSHA1), e.NewMode)
		if err != nil {
			return nil, fmt.Errorf("finalize structure diff %d: upsert file %d: %w", changesetID, fileID, err)
		}

		// A single zero-length unanalyzed placeholder block (all counts
		// and lengths 0); CalculateFileDifference replaces it wholesale
		// once the real line diff is available.
		_, err = tx.Exec(ctx,
			`INSERT INTO changesetchangedlines
			   (changeset, file, "index", "offset", delete_count, delete_length, insert_count, insert_length, analysis)
			 VALUES ($1, $2, 0, 0, 0, 0, 0, 0, NULL)
			 ON CONFLICT (changeset, file, "index") DO UPDATE
			    SET delete_length = EXCLUDED.delete_length, insert_length = EXCLUDED.insert_length, analysis = NULL`,
			changesetID, fileID)
		if err != nil {
			return nil, fmt.Errorf("finalize structure diff %d: initial changed lines %d: %w", changesetID, fileID, err)
		}
	}

	if len(fileIDs) == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM changesetfiles WHERE changeset = $1`, changesetID); err != nil {
			return nil, fmt.Errorf("finalize structure diff %d: clear: %w", changesetID, err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`DELETE FROM changesetfiles WHERE changeset = $1 AND file <> ALL($2)`,
			changesetID, fileIDs); err != nil {
			return nil, fmt.Errorf("finalize structure diff %d: prune stale: %w", changesetID, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE changesets SET processed = TRUE WHERE id = $1`, changesetID); err != nil {
		return nil, fmt.Errorf("finalize structure diff %d: mark processed: %w", changesetID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("finalize structure diff %d: commit: %w", changesetID, err)
	}
	return fileIDs, nil
}

// nullableSHA1 turns the empty SHA1 (root-commit sentinel, spec §6) into a
// SQL NULL rather than an empty string, so old_sha1/new_sha1 stay either a
// real 40-char hex id or NULL.
func nullableSHA1(sha1 model.SHA1) *string {
	if sha1 == "" {
		return nil
	}
	s := string(sha1)
	return &s
}
