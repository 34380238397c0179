// Package memstore is the durable half of the memory core: a SQLite
// database holding documents and the supersede log, an FTS5 index over
// document content, and a remote vector collection keyed by document id.
//
// Writes to the relational store, the full-text index, and the vector
// collection are individually durable. The three may diverge after a
// crash; Reconcile repairs the divergence on startup.
//
// go-sqlite3 compiles FTS5 support only behind the sqlite_fts5 build
// tag, so this package must be built with -tags sqlite_fts5 (the
// Makefile targets carry it).
package memstore

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/types"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = fmt.Errorf("document not found")

// Store wraps the SQLite database and the vector collection.
type Store struct {
	db      *sql.DB
	dbPath  string
	vectors *VectorClient
	logger  zerolog.Logger
}

// Open opens the memory store under dataDir and runs the migration pass.
// A required column missing after migration is fatal for the caller.
func Open(dataDir string, vectors *VectorClient) (*Store, error) {
	dir := filepath.Join(dataDir, "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	dbPath := filepath.Join(dir, "memory.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// SQLite serializes writes; one writer connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath, vectors: vectors, logger: log.WithComponent("memstore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Vectors exposes the vector collection client.
func (s *Store) Vectors() *VectorClient {
	return s.vectors
}

var requiredColumns = []string{
	"id", "layer", "type", "source_path", "content", "content_indexed",
	"origin", "project", "concepts", "created_at", "updated_at",
	"access_count", "last_accessed_at", "confidence", "decay_score",
	"expires_at", "is_private", "created_by", "superseded_by",
}

// migrate applies idempotent column-adds and builds the FTS index and
// supersede log. It verifies every required column afterwards.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	layer TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	content_indexed INTEGER NOT NULL DEFAULT 0,
	origin TEXT NOT NULL DEFAULT '',
	project TEXT,
	concepts TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMP,
	confidence INTEGER NOT NULL DEFAULT 60,
	decay_score INTEGER NOT NULL DEFAULT 100,
	expires_at TIMESTAMP,
	is_private INTEGER NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL DEFAULT '',
	superseded_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_documents_layer ON documents(layer);
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project);
CREATE INDEX IF NOT EXISTS idx_documents_expires ON documents(expires_at);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	content
);

CREATE TABLE IF NOT EXISTS supersede_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	superseded_id TEXT NOT NULL,
	survivor_id TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Idempotent column adds for databases created by older versions.
	adds := map[string]string{
		"superseded_by": `ALTER TABLE documents ADD COLUMN superseded_by TEXT NOT NULL DEFAULT ''`,
		"created_by":    `ALTER TABLE documents ADD COLUMN created_by TEXT NOT NULL DEFAULT ''`,
		"decay_score":   `ALTER TABLE documents ADD COLUMN decay_score INTEGER NOT NULL DEFAULT 100`,
	}
	existing, err := s.columns()
	if err != nil {
		return err
	}
	for col, stmt := range adds {
		if !existing[col] {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to add column %s: %w", col, err)
			}
		}
	}

	// Refuse to start if a required column is still absent.
	existing, err = s.columns()
	if err != nil {
		return err
	}
	for _, col := range requiredColumns {
		if !existing[col] {
			return fmt.Errorf("required column %s absent after migration", col)
		}
	}
	return nil
}

func (s *Store) columns() (map[string]bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(documents)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// docColumnList renders the select list for scanDoc, optionally table-
// qualified. project is nullable in the schema; it scans as ''.
func docColumnList(prefix string) string {
	cols := make([]string, len(requiredColumns))
	for i, c := range requiredColumns {
		name := c
		if prefix != "" {
			name = prefix + "." + c
		}
		if c == "project" {
			name = "COALESCE(" + name + ", '')"
		}
		cols[i] = name
	}
	return strings.Join(cols, ", ")
}

var docColumns = docColumnList("")

func scanDoc(row interface{ Scan(...interface{}) error }) (*types.Document, error) {
	var d types.Document
	var project string
	var lastAccessed, expires sql.NullTime
	err := row.Scan(
		&d.ID, &d.Layer, &d.Type, &d.SourcePath, &d.Content, &d.ContentIndexed,
		&d.Origin, &project, &d.Concepts, &d.CreatedAt, &d.UpdatedAt,
		&d.AccessCount, &lastAccessed, &d.Confidence, &d.DecayScore, &expires,
		&d.IsPrivate, &d.CreatedBy, &d.SupersededBy,
	)
	if err != nil {
		return nil, err
	}
	d.Project = project
	if lastAccessed.Valid {
		d.LastAccessedAt = lastAccessed.Time
	}
	if expires.Valid {
		t := expires.Time
		d.ExpiresAt = &t
	}
	return &d, nil
}

// PutDocument upserts a document, refreshes the FTS index row, and
// pushes the content to the vector collection. The relational write is
// durable first; index writes are retried once on transient failure.
func (s *Store) PutDocument(ctx context.Context, d *types.Document) error {
	var project interface{}
	if d.Project != "" {
		project = d.Project
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (id, layer, type, source_path, content, content_indexed,
	origin, project, concepts, created_at, updated_at, access_count,
	last_accessed_at, confidence, decay_score, expires_at, is_private,
	created_by, superseded_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	layer=excluded.layer, type=excluded.type, source_path=excluded.source_path,
	content=excluded.content, content_indexed=excluded.content_indexed,
	origin=excluded.origin, project=excluded.project, concepts=excluded.concepts,
	updated_at=excluded.updated_at, confidence=excluded.confidence,
	decay_score=excluded.decay_score, expires_at=excluded.expires_at,
	is_private=excluded.is_private, superseded_by=excluded.superseded_by`,
		d.ID, string(d.Layer), d.Type, d.SourcePath, d.Content, d.ContentIndexed,
		d.Origin, project, d.Concepts, d.CreatedAt, d.UpdatedAt, d.AccessCount,
		nullTime(d.LastAccessedAt), d.Confidence, d.DecayScore, d.ExpiresAt,
		d.IsPrivate, d.CreatedBy, d.SupersededBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", d.ID, err)
	}

	if err := s.reindexFTS(ctx, d.ID); err != nil {
		// One retry; FTS divergence is repaired by Reconcile otherwise.
		if err2 := s.reindexFTS(ctx, d.ID); err2 != nil {
			s.logger.Warn().Err(err2).Str("doc", d.ID).Msg("fts index write failed")
		}
	}

	if s.vectors != nil && s.vectors.Available() {
		if err := s.vectors.Upsert(ctx, d.ID, d.Content); err != nil {
			s.logger.Warn().Err(err).Str("doc", d.ID).Msg("vector upsert failed")
		}
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// reindexFTS replaces the FTS row for one document.
func (s *Store) reindexFTS(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM documents_fts WHERE rowid IN (SELECT rowid FROM documents WHERE id = ?);
INSERT INTO documents_fts(rowid, content)
	SELECT rowid, content FROM documents WHERE id = ?`, id, id)
	return err
}

// GetDocument fetches a document by id. Expiry is respected on read: an
// expired document is reported as not found.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return d, nil
}

// DeleteDocument removes a document and its index rows.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents_fts WHERE rowid IN (SELECT rowid FROM documents WHERE id = ?)`, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return err
	}
	if s.vectors != nil && s.vectors.Available() {
		if err := s.vectors.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("doc", id).Msg("vector delete failed")
		}
	}
	return nil
}

// ListFilter narrows ListDocuments.
type ListFilter struct {
	Layers  []types.Layer
	Type    string
	Project string
	Limit   int
	Offset  int
}

// ListDocuments returns non-expired documents matching the filter,
// newest first.
func (s *Store) ListDocuments(ctx context.Context, f ListFilter) ([]*types.Document, error) {
	var where []string
	var args []interface{}
	where = append(where, `(expires_at IS NULL OR expires_at > ?)`)
	args = append(args, time.Now())

	if len(f.Layers) > 0 {
		clause, cargs := layerClause(f.Layers)
		where = append(where, clause)
		args = append(args, cargs...)
	}
	if f.Type != "" {
		where = append(where, `type = ?`)
		args = append(args, f.Type)
	}
	if f.Project != "" {
		where = append(where, `(project = ? OR project IS NULL)`)
		args = append(args, f.Project)
	}

	q := `SELECT ` + docColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Document
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// layerClause builds a layer filter. A requested semantic layer also
// matches the legacy empty layer.
func layerClause(layers []types.Layer) (string, []interface{}) {
	var parts []string
	var args []interface{}
	for _, l := range layers {
		if l == types.LayerSemantic {
			parts = append(parts, `layer = ?`, `layer = ''`)
			args = append(args, string(types.LayerSemantic))
			continue
		}
		parts = append(parts, `layer = ?`)
		args = append(args, string(l))
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// FTSResult is a ranked lexical match.
type FTSResult struct {
	Doc  *types.Document
	Rank float64 // bm25, lower is better; stored negated so higher is better
}

// SearchFTS runs a ranked full-text query. The query must already be
// stripped of FTS special characters.
func (s *Store) SearchFTS(ctx context.Context, query string, limit int, project string, layers []types.Layer) ([]*FTSResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	where := []string{`documents_fts MATCH ?`}
	args := []interface{}{query}

	where = append(where, `(d.expires_at IS NULL OR d.expires_at > ?)`)
	args = append(args, time.Now())

	// Project filter: a document matches when its project equals the
	// requested one or is universal (null). With no project requested,
	// only universal documents match.
	if project != "" {
		where = append(where, `(d.project = ? OR d.project IS NULL)`)
		args = append(args, project)
	} else {
		where = append(where, `d.project IS NULL`)
	}
	if len(layers) > 0 {
		clause, cargs := layerClause(layers)
		where = append(where, strings.ReplaceAll(clause, "layer", "d.layer"))
		args = append(args, cargs...)
	}

	q := `SELECT ` + docColumnList("d") + `, bm25(documents_fts)
	FROM documents_fts f
	JOIN documents d ON d.rowid = f.rowid
	WHERE ` + strings.Join(where, " AND ") + `
	ORDER BY bm25(documents_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	defer rows.Close()
	var out []*FTSResult
	for rows.Next() {
		var d types.Document
		var projectCol string
		var lastAccessed, expires sql.NullTime
		var rank float64
		err := rows.Scan(
			&d.ID, &d.Layer, &d.Type, &d.SourcePath, &d.Content, &d.ContentIndexed,
			&d.Origin, &projectCol, &d.Concepts, &d.CreatedAt, &d.UpdatedAt,
			&d.AccessCount, &lastAccessed, &d.Confidence, &d.DecayScore, &expires,
			&d.IsPrivate, &d.CreatedBy, &d.SupersededBy, &rank,
		)
		if err != nil {
			return nil, err
		}
		d.Project = projectCol
		if lastAccessed.Valid {
			d.LastAccessedAt = lastAccessed.Time
		}
		if expires.Valid {
			t := expires.Time
			d.ExpiresAt = &t
		}
		out = append(out, &FTSResult{Doc: &d, Rank: -rank})
	}
	return out, rows.Err()
}

// TouchAccess increments access bookkeeping for a document. Callers run
// this fire-and-forget; failures are logged, never surfaced.
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		time.Now(), id)
	return err
}

// UpdateDecay persists a recomputed decay score.
func (s *Store) UpdateDecay(ctx context.Context, id string, score int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET decay_score = ? WHERE id = ?`, score, id)
	return err
}

// CountDocuments returns the number of non-expired documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE expires_at IS NULL OR expires_at > ?`,
		time.Now()).Scan(&n)
	return n, err
}

// LastIndexedAt returns the newest updated-at across the store, zero
// when empty.
func (s *Store) LastIndexedAt(ctx context.Context) (time.Time, error) {
	var raw sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM documents`).Scan(&raw)
	if err != nil {
		return time.Time{}, err
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return raw.Time, nil
}

// ExpiredDocuments returns documents whose TTL has elapsed.
func (s *Store) ExpiredDocuments(ctx context.Context) ([]*types.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Document
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AppendSupersede records one supersession. The documents themselves are
// never deleted, so the log makes supersession reversible.
func (s *Store) AppendSupersede(ctx context.Context, rec *types.SupersedeRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO supersede_log (superseded_id, survivor_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		rec.SupersededID, rec.SurvivorID, rec.Reason, time.Now())
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ListSupersedes returns the supersede log, newest first.
func (s *Store) ListSupersedes(ctx context.Context, limit int) ([]*types.SupersedeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, superseded_id, survivor_id, reason, created_at
		 FROM supersede_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.SupersedeRecord
	for rows.Next() {
		var r types.SupersedeRecord
		if err := rows.Scan(&r.ID, &r.SupersededID, &r.SurvivorID, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Reconcile repairs divergence between the relational store, the FTS
// index, and the vector collection after a crash. Documents missing from
// an index are reindexed; stale index rows are removed.
func (s *Store) Reconcile(ctx context.Context) error {
	// Stale FTS rows (document gone).
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents_fts WHERE rowid NOT IN (SELECT rowid FROM documents)`); err != nil {
		return fmt.Errorf("failed to prune fts index: %w", err)
	}
	// Missing FTS rows.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE rowid NOT IN (SELECT rowid FROM documents_fts)`)
	if err != nil {
		return err
	}
	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		missing = append(missing, id)
	}
	rows.Close()
	for _, id := range missing {
		if err := s.reindexFTS(ctx, id); err != nil {
			return fmt.Errorf("failed to reindex %s: %w", id, err)
		}
	}

	// Vector collection: reindex missing, drop stale.
	if s.vectors != nil && s.vectors.Available() {
		ids, err := s.vectors.ListIDs(ctx)
		if err == nil {
			known := make(map[string]bool, len(ids))
			for _, id := range ids {
				known[id] = true
			}
			docs, err := s.ListDocuments(ctx, ListFilter{})
			if err != nil {
				return err
			}
			present := make(map[string]bool, len(docs))
			for _, d := range docs {
				present[d.ID] = true
				if !known[d.ID] {
					if err := s.vectors.Upsert(ctx, d.ID, d.Content); err != nil {
						s.logger.Warn().Err(err).Str("doc", d.ID).Msg("vector reindex failed")
					}
				}
			}
			for _, id := range ids {
				if !present[id] {
					_ = s.vectors.Delete(ctx, id)
				}
			}
		}
	}
	return nil
}

// Snapshot emits a full backup before a destructive batch: a copy of the
// relational file, a JSON export, and a CSV export, all tagged with a
// UTC timestamp. Any failure aborts the caller's destructive operation.
func (s *Store) Snapshot(ctx context.Context) error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	dir := filepath.Dir(s.dbPath)

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint before snapshot failed: %w", err)
	}
	if err := copyFile(s.dbPath, filepath.Join(dir, fmt.Sprintf("memory.db.backup-%s", ts))); err != nil {
		return fmt.Errorf("snapshot file copy failed: %w", err)
	}

	docs, err := s.ListDocuments(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("snapshot export query failed: %w", err)
	}

	jsonPath := filepath.Join(dir, fmt.Sprintf("memory.export-%s.json", ts))
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("snapshot json export failed: %w", err)
	}

	csvPath := filepath.Join(dir, fmt.Sprintf("memory.export-%s.csv", ts))
	f, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("snapshot csv export failed: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "layer", "type", "project", "origin", "confidence", "decay_score", "created_at", "updated_at", "content"}); err != nil {
		return err
	}
	for _, d := range docs {
		rec := []string{
			d.ID, string(d.Layer), d.Type, d.Project, d.Origin,
			fmt.Sprintf("%d", d.Confidence), fmt.Sprintf("%d", d.DecayScore),
			d.CreatedAt.UTC().Format(time.RFC3339), d.UpdatedAt.UTC().Format(time.RFC3339),
			d.Content,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// ReindexAll rebuilds the FTS index from scratch. A snapshot is taken
// first; snapshot failure aborts the rebuild.
func (s *Store) ReindexAll(ctx context.Context) error {
	if err := s.Snapshot(ctx); err != nil {
		return fmt.Errorf("refusing to reindex without snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents_fts`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents_fts(rowid, content) SELECT rowid, content FROM documents`)
	return err
}
