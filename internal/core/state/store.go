package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"hcmfetch/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT PRIMARY KEY,
    employee_name TEXT NOT NULL,
    employee_id   TEXT NOT NULL,
    doc_type      TEXT NOT NULL,
    period        TEXT NOT NULL,
    listing_page  INTEGER NOT NULL DEFAULT 1,
    row_index     INTEGER NOT NULL DEFAULT 0,
    file_name     TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    file_path     TEXT NOT NULL DEFAULT '',
    worker_id     TEXT NOT NULL DEFAULT '',
    discovered_at TEXT NOT NULL,
    completed_at  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS run_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	keyLastPage          = "last_page"
	keyDiscoveryComplete = "discovery_complete"
	keyRunID             = "run_id"
	keySystem            = "system"
	keyOutputDir         = "output_dir"
	keyStartedAt         = "started_at"
)

// ErrNoPending is returned by ClaimNextPending when no claimable row exists.
var ErrNoPending = errors.New("state: no pending documents")

// Store is the durable, crash-safe record of every discovered document and
// the run's pagination progress. It is the single source of truth shared by
// the discovery walker and all download workers; every status transition is
// persisted synchronously. A write failure is surfaced, never swallowed —
// continuing without durable state would corrupt the resume invariant.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open creates (or reopens) the per-system database file and migrates the
// schema. SQLite prefers a single writer, so the pool is capped at one
// connection; WAL keeps reads cheap.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: migrate schema: %w", err)
	}

	return &Store{db: db, log: logger.New("StateStore")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertDiscovered inserts a newly discovered document, or refreshes the
// metadata of an already-known one. Status never moves backward: a row that
// has progressed past pending keeps its status, attempts and outcome.
func (s *Store) UpsertDiscovered(ctx context.Context, doc Document) error {
	discoveredAt := doc.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents
		    (id, employee_name, employee_id, doc_type, period,
		     listing_page, row_index, file_name, status, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    employee_name = excluded.employee_name,
		    employee_id   = excluded.employee_id,
		    doc_type      = excluded.doc_type,
		    period        = excluded.period,
		    listing_page  = excluded.listing_page,
		    row_index     = excluded.row_index,
		    file_name     = excluded.file_name`,
		doc.ID, doc.EmployeeName, doc.EmployeeID, doc.DocType, doc.Period,
		doc.ListingPage, doc.RowIndex, doc.FileName, StatusPending,
		discoveredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("state: upsert %s: %w", doc.ID, err)
	}
	return nil
}

// ClaimNextPending atomically transitions the oldest pending document to
// claimed, tagged with workerID. Exactly one concurrent caller wins a given
// row; the single UPDATE with RETURNING makes the claim transactional, not
// advisory.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		   SET status = ?, worker_id = ?
		 WHERE id = (SELECT id FROM documents
		              WHERE status = ?
		              ORDER BY discovered_at, id
		              LIMIT 1)
		   AND status = ?
		RETURNING id, employee_name, employee_id, doc_type, period,
		          listing_page, row_index, file_name, status, attempts,
		          last_error, file_path, worker_id, discovered_at, completed_at`,
		StatusClaimed, workerID, StatusPending, StatusPending,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("state: claim: %w", err)
	}
	return doc, nil
}

// MarkDownloading moves a claimed document to downloading.
func (s *Store) MarkDownloading(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE documents SET status = ? WHERE id = ? AND status = ?`,
		StatusDownloading, id, StatusClaimed)
}

// RecordAttempt burns one attempt from the document's retry budget. Called
// once per download attempt, before the attempt starts. ResetInFlight and
// Requeue hand the attempt back, since an interrupted attempt restarts from
// scratch rather than counting as a failure.
func (s *Store) RecordAttempt(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE documents SET attempts = attempts + 1
		  WHERE id = ? AND status = ?`,
		id, StatusDownloading)
}

// MarkSucceeded finalizes a document as downloaded to filePath.
func (s *Store) MarkSucceeded(ctx context.Context, id, filePath string) error {
	return s.transition(ctx, id,
		`UPDATE documents
		    SET status = ?, file_path = ?, completed_at = ?, last_error = ''
		  WHERE id = ? AND status = ?`,
		StatusSucceeded, filePath, time.Now().UTC().Format(time.RFC3339Nano),
		id, StatusDownloading)
}

// MarkFailedRetryable records a failed attempt. The document goes back to
// pending while attempts remain, otherwise it is finalized as
// failed_permanent. Returns the resulting status.
func (s *Store) MarkFailedRetryable(ctx context.Context, id string, cause error, maxAttempts int) (Status, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var status Status
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		   SET last_error = ?,
		       status = CASE WHEN attempts >= ? THEN ? ELSE ? END,
		       completed_at = CASE WHEN attempts >= ? THEN ? ELSE completed_at END
		 WHERE id = ? AND status = ?
		RETURNING status`,
		msg, maxAttempts, StatusFailedPermanent, StatusPending,
		maxAttempts, time.Now().UTC().Format(time.RFC3339Nano),
		id, StatusDownloading,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("state: mark retryable %s: row not downloading", id)
	}
	if err != nil {
		return "", fmt.Errorf("state: mark retryable %s: %w", id, err)
	}
	return status, nil
}

// MarkFailedPermanent finalizes a document that can never succeed (missing
// download control, malformed record).
func (s *Store) MarkFailedPermanent(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, id,
		`UPDATE documents SET status = ?, last_error = ?, completed_at = ?
		  WHERE id = ? AND status IN (?, ?)`,
		StatusFailedPermanent, msg, time.Now().UTC().Format(time.RFC3339Nano),
		id, StatusClaimed, StatusDownloading)
}

// Requeue returns an in-flight document to pending without burning an
// attempt, used when a session expiry interrupts an attempt mid-flight.
// Only downloading rows hand an attempt back: a claimed row has not
// recorded one yet.
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE documents
		    SET attempts = CASE WHEN status = ? AND attempts > 0 THEN attempts - 1 ELSE attempts END,
		        status = ?, worker_id = ''
		  WHERE id = ? AND status IN (?, ?)`,
		StatusDownloading, StatusPending, id, StatusClaimed, StatusDownloading)
}

func (s *Store) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("state: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("state: update %s: no row in expected status", id)
	}
	return nil
}

// ResetInFlight moves every claimed/downloading row back to pending. Run
// once at startup: a worker never resumes a partially-written download, it
// restarts the document from scratch.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		   SET attempts = CASE WHEN status = ? AND attempts > 0 THEN attempts - 1 ELSE attempts END,
		       status = ?, worker_id = ''
		 WHERE status IN (?, ?)`,
		StatusDownloading, StatusPending, StatusClaimed, StatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("state: reset in-flight: %w", err)
	}
	return res.RowsAffected()
}

// SavePageProgress records the last fully-processed listing page. Called
// only after every row of that page has been durably upserted, so a resumed
// discovery never skips documents.
func (s *Store) SavePageProgress(ctx context.Context, page int) error {
	return s.setValue(ctx, keyLastPage, strconv.Itoa(page))
}

// LoadPageProgress returns the saved cursor, or ok=false when the run has
// no discovery progress yet.
func (s *Store) LoadPageProgress(ctx context.Context) (int, bool, error) {
	v, ok, err := s.getValue(ctx, keyLastPage)
	if err != nil || !ok {
		return 0, false, err
	}
	page, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("state: corrupt page cursor %q: %w", v, err)
	}
	return page, true, nil
}

// ClearDiscoveryProgress drops the page cursor and the discovery-complete
// flag so the next walk starts from page 1. Document rows stay: upserts
// dedupe on re-discovery and succeeded rows are not downloaded again.
func (s *Store) ClearDiscoveryProgress(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_state WHERE key IN (?, ?)`,
		keyLastPage, keyDiscoveryComplete)
	if err != nil {
		return fmt.Errorf("state: clear discovery progress: %w", err)
	}
	return nil
}

// SetDiscoveryComplete flags that the walker exhausted the listing.
func (s *Store) SetDiscoveryComplete(ctx context.Context) error {
	return s.setValue(ctx, keyDiscoveryComplete, "1")
}

func (s *Store) DiscoveryComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.getValue(ctx, keyDiscoveryComplete)
	return ok && v == "1", err
}

// SetRunMeta persists the run-level singleton.
func (s *Store) SetRunMeta(ctx context.Context, meta RunMeta) error {
	pairs := map[string]string{
		keyRunID:     meta.RunID,
		keySystem:    meta.System,
		keyOutputDir: meta.OutputDir,
		keyStartedAt: meta.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range pairs {
		if err := s.setValue(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RunMeta(ctx context.Context) (RunMeta, error) {
	var meta RunMeta
	var err error
	if meta.RunID, _, err = s.getValue(ctx, keyRunID); err != nil {
		return meta, err
	}
	if meta.System, _, err = s.getValue(ctx, keySystem); err != nil {
		return meta, err
	}
	if meta.OutputDir, _, err = s.getValue(ctx, keyOutputDir); err != nil {
		return meta, err
	}
	raw, ok, err := s.getValue(ctx, keyStartedAt)
	if err != nil {
		return meta, err
	}
	if ok {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			meta.StartedAt = t
		}
	}
	return meta, nil
}

// Reset wipes all persisted state for a completely fresh run.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("state: reset documents: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_state`); err != nil {
		return fmt.Errorf("state: reset run_state: %w", err)
	}
	s.log.LogInfo("database state reset")
	return nil
}

// Snapshot returns counts by status plus every failed_permanent row.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return snap, fmt.Errorf("state: snapshot counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return snap, fmt.Errorf("state: snapshot counts: %w", err)
		}
		switch status {
		case StatusDiscovered, StatusPending, StatusFailedRetryable:
			snap.Pending += n
		case StatusClaimed:
			snap.Claimed += n
		case StatusDownloading:
			snap.Downloading += n
		case StatusSucceeded:
			snap.Succeeded += n
		case StatusFailedPermanent:
			snap.FailedPermanent += n
		}
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("state: snapshot counts: %w", err)
	}

	frows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_name, employee_id, doc_type, period,
		       listing_page, row_index, file_name, status, attempts,
		       last_error, file_path, worker_id, discovered_at, completed_at
		  FROM documents WHERE status = ? ORDER BY id`,
		StatusFailedPermanent)
	if err != nil {
		return snap, fmt.Errorf("state: snapshot failures: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		doc, err := scanDocument(frows)
		if err != nil {
			return snap, fmt.Errorf("state: snapshot failures: %w", err)
		}
		snap.Failed = append(snap.Failed, *doc)
	}
	return snap, frows.Err()
}

// Get retrieves one document by id.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, employee_name, employee_id, doc_type, period,
		       listing_page, row_index, file_name, status, attempts,
		       last_error, file_path, worker_id, discovered_at, completed_at
		  FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: document %s not found", id)
	}
	return doc, err
}

func (s *Store) setValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM run_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return v, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var status, discoveredAt, completedAt string
	err := row.Scan(&doc.ID, &doc.EmployeeName, &doc.EmployeeID, &doc.DocType,
		&doc.Period, &doc.ListingPage, &doc.RowIndex, &doc.FileName, &status,
		&doc.Attempts, &doc.LastError, &doc.FilePath, &doc.WorkerID,
		&discoveredAt, &completedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = Status(status)
	if discoveredAt != "" {
		doc.DiscoveredAt, _ = time.Parse(time.RFC3339Nano, discoveredAt)
	}
	if completedAt != "" {
		doc.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	}
	return &doc, nil
}
