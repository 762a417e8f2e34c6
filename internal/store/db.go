// Package store persists the snippet cache and execution history in sqlite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metorial/sentinel-runner/internal/models"
)

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serialising through a single connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snippet_catalog (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		snippets TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		fetched_from_portal TEXT NOT NULL,
		fetched_from_collector TEXT NOT NULL,
		collector_description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS snippet_sources (
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		code TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		PRIMARY KEY (name, version)
	);

	CREATE TABLE IF NOT EXISTS executions (
		request_id TEXT PRIMARY KEY,
		portal_id TEXT NOT NULL,
		collector_id TEXT NOT NULL,
		status TEXT NOT NULL,
		raw_output TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_portal ON executions(portal_id);
	CREATE INDEX IF NOT EXISTS idx_executions_recorded_at ON executions(recorded_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping() error {
	return db.conn.Ping()
}

// LoadCatalog returns nil without error when no catalog has been stored.
func (db *DB) LoadCatalog() (*models.Catalog, error) {
	query := `SELECT snippets, fetched_at, fetched_from_portal, fetched_from_collector, collector_description
	          FROM snippet_catalog WHERE id = 1`

	var (
		raw string
		cat models.Catalog
	)
	err := db.conn.QueryRow(query).Scan(&raw, &cat.Meta.FetchedAt, &cat.Meta.FetchedFromPortal,
		&cat.Meta.FetchedFromCollector, &cat.Meta.CollectorDescription)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &cat.Snippets); err != nil {
		return nil, fmt.Errorf("decode stored catalog: %w", err)
	}
	return &cat, nil
}

func (db *DB) SaveCatalog(cat models.Catalog) error {
	snippets := cat.Snippets
	if snippets == nil {
		snippets = []models.SnippetDescriptor{}
	}
	raw, err := json.Marshal(snippets)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	query := `
	INSERT INTO snippet_catalog (id, snippets, fetched_at, fetched_from_portal, fetched_from_collector, collector_description)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		snippets = excluded.snippets,
		fetched_at = excluded.fetched_at,
		fetched_from_portal = excluded.fetched_from_portal,
		fetched_from_collector = excluded.fetched_from_collector,
		collector_description = excluded.collector_description
	`
	_, err = db.conn.Exec(query, string(raw), cat.Meta.FetchedAt, cat.Meta.FetchedFromPortal,
		cat.Meta.FetchedFromCollector, cat.Meta.CollectorDescription)
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	return nil
}

// LoadSource returns nil without error on a miss.
func (db *DB) LoadSource(name, version string) (*models.SnippetSource, error) {
	query := `SELECT name, version, code, fetched_at FROM snippet_sources WHERE name = ? AND version = ?`

	var s models.SnippetSource
	err := db.conn.QueryRow(query, name, version).Scan(&s.Name, &s.Version, &s.Code, &s.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load source %s@%s: %w", name, version, err)
	}
	return &s, nil
}

func (db *DB) SaveSource(src models.SnippetSource) error {
	query := `
	INSERT INTO snippet_sources (name, version, code, fetched_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name, version) DO UPDATE SET
		code = excluded.code,
		fetched_at = excluded.fetched_at
	`
	if _, err := db.conn.Exec(query, src.Name, src.Version, src.Code, src.FetchedAt); err != nil {
		return fmt.Errorf("save source %s@%s: %w", src.Name, src.Version, err)
	}
	return nil
}

// ListSources returns the cached source entries without their code.
func (db *DB) ListSources() ([]models.SnippetSource, error) {
	rows, err := db.conn.Query(`SELECT name, version, fetched_at FROM snippet_sources ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []models.SnippetSource
	for rows.Next() {
		var s models.SnippetSource
		if err := rows.Scan(&s.Name, &s.Version, &s.FetchedAt); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// Clear drops the catalog and every source entry in one transaction.
func (db *DB) Clear() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snippet_catalog`); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM snippet_sources`); err != nil {
		return fmt.Errorf("clear sources: %w", err)
	}
	return tx.Commit()
}

func (db *DB) RecordExecution(res models.ExecutionResult) error {
	query := `
	INSERT INTO executions (request_id, portal_id, collector_id, status, raw_output, error, duration_ms, started_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(request_id) DO UPDATE SET
		portal_id = excluded.portal_id,
		collector_id = excluded.collector_id,
		status = excluded.status,
		raw_output = excluded.raw_output,
		error = excluded.error,
		duration_ms = excluded.duration_ms,
		started_at = excluded.started_at,
		recorded_at = excluded.recorded_at
	`
	_, err := db.conn.Exec(query, res.RequestID, res.PortalID, res.CollectorID, string(res.Status),
		res.RawOutput, res.ErrorMessage, res.DurationMs, res.StartedAt, db.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record execution %s: %w", res.RequestID, err)
	}
	return nil
}

// GetExecution returns models.ErrNotFound when the id was never recorded.
func (db *DB) GetExecution(requestID string) (*models.ExecutionResult, error) {
	query := `SELECT request_id, portal_id, collector_id, status, raw_output, error, duration_ms, started_at
	          FROM executions WHERE request_id = ?`

	res, err := scanExecution(db.conn.QueryRow(query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", requestID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListExecutions returns the most recently recorded executions first. An empty portalID
// lists every portal.
func (db *DB) ListExecutions(portalID string, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT request_id, portal_id, collector_id, status, raw_output, error, duration_ms, started_at
	          FROM executions
	          WHERE ? = '' OR portal_id = ?
	          ORDER BY recorded_at DESC, rowid DESC
	          LIMIT ?`
	rows, err := db.conn.Query(query, portalID, portalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		res, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

// PruneExecutions deletes history older than retention and reports how many rows went.
func (db *DB) PruneExecutions(retention time.Duration) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM executions WHERE recorded_at < ?`, db.now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*models.ExecutionResult, error) {
	var (
		res    models.ExecutionResult
		status string
	)
	err := row.Scan(&res.RequestID, &res.PortalID, &res.CollectorID, &status, &res.RawOutput,
		&res.ErrorMessage, &res.DurationMs, &res.StartedAt)
	if err != nil {
		return nil, err
	}
	res.Status = models.Status(status)
	return &res, nil
}
