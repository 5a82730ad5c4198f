// Package history keeps a sqlite record of builds and their artifacts so
// results outlive the in-memory jobs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/RecoveryAgent/pkg/artifacts"
)

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("build not found")

// Report status values.
const (
	ReportPending    = "pending"
	ReportComplete   = "complete"
	ReportIncomplete = "incomplete"
)

// Build is one row of the builds table plus its artifacts.
type Build struct {
	JobID        string               `json:"job_id"`
	Device       string               `json:"device"`
	Manufacturer string               `json:"manufacturer"`
	RecoveryKind string               `json:"recovery_kind"`
	Timestamp    string               `json:"timestamp"`
	Outcome      string               `json:"outcome"`
	FailedStage  string               `json:"failed_stage,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at,omitempty"`
	Options      map[string]string    `json:"options,omitempty"`
	Host         string               `json:"host,omitempty"`
	ReportPath   string               `json:"report_path,omitempty"`
	ReportStatus string               `json:"report_status"`
	Artifacts    []artifacts.Artifact `json:"artifacts,omitempty"`
}

// Filter narrows Recent.
type Filter struct {
	Device  string
	Outcome string
	Limit   int
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates the database file and schema when missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "history: create database dir failed")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "history: open sqlite failed")
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("history database ready")
	return &Store{db: db}, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=30000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "history: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			job_id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			manufacturer TEXT NOT NULL DEFAULT '',
			recovery_kind TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			outcome TEXT NOT NULL,
			failed_stage TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0,
			options TEXT NOT NULL DEFAULT '{}',
			host TEXT NOT NULL DEFAULT '',
			report_path TEXT NOT NULL DEFAULT '',
			report_status TEXT NOT NULL DEFAULT 'pending'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_device ON builds(device, started_at);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES builds(job_id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "history: prepare schema failed")
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertBuild records a newly accepted job.
func (s *Store) InsertBuild(ctx context.Context, b Build) error {
	opts, err := json.Marshal(b.Options)
	if err != nil {
		return errors.Wrap(err, "history: marshal options failed")
	}
	if b.ReportStatus == "" {
		b.ReportStatus = ReportPending
	}
	stmt := `INSERT INTO builds (job_id, device, manufacturer, recovery_kind, timestamp, outcome,
		failed_stage, reason, started_at, finished_at, options, host, report_path, report_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{b.JobID, b.Device, b.Manufacturer, b.RecoveryKind, b.Timestamp, b.Outcome,
		b.FailedStage, b.Reason, unixMilli(b.StartedAt), unixMilli(b.FinishedAt), string(opts), b.Host,
		b.ReportPath, b.ReportStatus}
	log.Debug().Str("sql", FormatSQLForLog(stmt, args...)).Msg("history insert build")
	if err := execWithRetry(ctx, s.db, stmt, args...); err != nil {
		return errors.Wrap(err, "history: insert build failed")
	}
	return nil
}

// FinishBuild stores the terminal outcome of a job.
func (s *Store) FinishBuild(ctx context.Context, jobID, outcome, failedStage, reason string, finishedAt time.Time) error {
	stmt := `UPDATE builds SET outcome=?, failed_stage=?, reason=?, finished_at=? WHERE job_id=?`
	args := []any{outcome, failedStage, truncate(reason, 4096), unixMilli(finishedAt), jobID}
	log.Debug().Str("sql", FormatSQLForLog(stmt, args...)).Msg("history finish build")
	return errors.Wrap(execWithRetry(ctx, s.db, stmt, args...), "history: finish build failed")
}

// UpdateOutcome records an intermediate outcome such as running.
func (s *Store) UpdateOutcome(ctx context.Context, jobID, outcome string) error {
	stmt := `UPDATE builds SET outcome=? WHERE job_id=?`
	return errors.Wrap(execWithRetry(ctx, s.db, stmt, outcome, jobID), "history: update outcome failed")
}

// SetReport stores where the job's report went and whether it is complete.
func (s *Store) SetReport(ctx context.Context, jobID, path, status string) error {
	stmt := `UPDATE builds SET report_path=?, report_status=? WHERE job_id=?`
	return errors.Wrap(execWithRetry(ctx, s.db, stmt, path, status, jobID), "history: set report failed")
}

// AddArtifacts records committed artifacts. Re-adding a path is a no-op.
func (s *Store) AddArtifacts(ctx context.Context, jobID string, arts []artifacts.Artifact) error {
	if len(arts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history: begin artifacts tx failed")
	}
	defer tx.Rollback()
	stmt := `INSERT OR IGNORE INTO artifacts (job_id, kind, path, size_bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	for _, a := range arts {
		if _, err := tx.ExecContext(ctx, stmt, jobID, string(a.Kind), a.Path, a.SizeBytes, a.SHA256, unixMilli(a.CreatedAt)); err != nil {
			return errors.Wrapf(err, "history: insert artifact %s failed", a.Path)
		}
	}
	return errors.Wrap(tx.Commit(), "history: commit artifacts failed")
}

// Get returns one build with its artifacts.
func (s *Store) Get(ctx context.Context, jobID string) (*Build, error) {
	rows, err := s.queryBuilds(ctx, `WHERE job_id=?`, jobID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	b := rows[0]
	if b.Artifacts, err = s.artifacts(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Recent lists builds newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Build, error) {
	var (
		where []string
		args  []any
	)
	if f.Device != "" {
		where = append(where, "device=?")
		args = append(args, f.Device)
	}
	if f.Outcome != "" {
		where = append(where, "outcome=?")
		args = append(args, f.Outcome)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	clause += " ORDER BY started_at DESC, timestamp DESC LIMIT ?"
	args = append(args, limit)
	builds, err := s.queryBuilds(ctx, clause, args...)
	if err != nil {
		return nil, err
	}
	for i := range builds {
		if builds[i].Artifacts, err = s.artifacts(ctx, builds[i]); err != nil {
			return nil, err
		}
	}
	return builds, nil
}

func (s *Store) queryBuilds(ctx context.Context, clause string, args ...any) ([]Build, error) {
	query := `SELECT job_id, device, manufacturer, recovery_kind, timestamp, outcome, failed_stage,
		reason, started_at, finished_at, options, host, report_path, report_status FROM builds ` + clause
	log.Debug().Str("sql", FormatSQLForLog(query, args...)).Msg("history query builds")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "history: query builds failed")
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		var (
			b                 Build
			started, finished int64
			opts              string
		)
		if err := rows.Scan(&b.JobID, &b.Device, &b.Manufacturer, &b.RecoveryKind, &b.Timestamp,
			&b.Outcome, &b.FailedStage, &b.Reason, &started, &finished, &opts, &b.Host,
			&b.ReportPath, &b.ReportStatus); err != nil {
			return nil, errors.Wrap(err, "history: scan build failed")
		}
		b.StartedAt = fromMilli(started)
		b.FinishedAt = fromMilli(finished)
		if opts != "" && opts != "null" {
			if err := json.Unmarshal([]byte(opts), &b.Options); err != nil {
				return nil, errors.Wrap(err, "history: decode options failed")
			}
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "history: iterate builds failed")
}

func (s *Store) artifacts(ctx context.Context, b Build) ([]artifacts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, path, size_bytes, sha256, created_at
		FROM artifacts WHERE job_id=? ORDER BY id ASC`, b.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "history: query artifacts failed")
	}
	defer rows.Close()

	var out []artifacts.Artifact
	for rows.Next() {
		var (
			a       artifacts.Artifact
			kind    string
			created int64
		)
		if err := rows.Scan(&kind, &a.Path, &a.SizeBytes, &a.SHA256, &created); err != nil {
			return nil, errors.Wrap(err, "history: scan artifact failed")
		}
		a.Kind = artifacts.Kind(kind)
		a.CreatedAt = fromMilli(created)
		if a.Kind != artifacts.KindReport {
			a.Identity, _, _ = artifacts.ParseFileName(filepath.Base(a.Path))
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "history: iterate artifacts failed")
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
