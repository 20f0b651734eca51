// jb is a local background job daemon.
// Copyright (C) 2026 jb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package jobstore provides the sqlite-backed Job Store (component C1): a
// durable map of job records with query, mutation, orphan recovery, and
// idempotency-key lookup, per the schema in spec.md §6.
package jobstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jb/pkg/job"
)

const defaultBusyTimeout = 5 * time.Second

var (
	// ErrNotFound indicates no row matched the query.
	ErrNotFound = errors.New("job not found")
	// ErrConflict indicates an id or idempotency_key collision at insert.
	ErrConflict = errors.New("job conflict")
	// ErrExhausted indicates generate_id could not find a free id.
	ErrExhausted = errors.New("id space exhausted")
	// ErrAmbiguous indicates resolve matched more than one job by name.
	ErrAmbiguous = errors.New("ambiguous job name")
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Store wraps a sqlite connection and provides the C1 operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path, applies connection
// pragmas for durability and concurrency, runs migrations, and returns a
// ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT,
	command TEXT NOT NULL,
	status TEXT NOT NULL,
	project TEXT NOT NULL,
	cwd TEXT NOT NULL,
	pid INTEGER,
	exit_code INTEGER,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	timeout_secs INTEGER,
	context TEXT,
	idempotency_key TEXT UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Insert persists j. It fails with ErrConflict if j.ID or j.IdempotencyKey
// collides with an existing row.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	const ins = `
INSERT INTO jobs (
	id, name, command, status, project, cwd, pid, exit_code,
	created_at, started_at, finished_at, timeout_secs, context, idempotency_key
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, ins,
		j.ID, nullString(j.Name), j.Command, string(j.Status), j.Project, j.Cwd,
		nullUint32(j.PID), nullInt32(j.ExitCode),
		formatTime(j.CreatedAt), nullTime(j.StartedAt), nullTime(j.FinishedAt),
		nullUint64(j.TimeoutSecs), nullRawMessage(j.Context), nullString(j.IdempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns the job matching id exactly, or failing that, the first job
// (by storage order) whose id has id as a prefix. Prefix lookups are a
// convenience only; callers that need a canonical result should use the
// full id.
func (s *Store) Get(ctx context.Context, idOrPrefix string) (*job.Job, error) {
	const q = `
SELECT id, name, command, status, project, cwd, pid, exit_code,
       created_at, started_at, finished_at, timeout_secs, context, idempotency_key
FROM jobs WHERE id = ? OR id LIKE ? || '%'
ORDER BY (id != ?)
LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, idOrPrefix, idOrPrefix, idOrPrefix)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetByName returns all jobs with the given name, in storage order.
func (s *Store) GetByName(ctx context.Context, name string) ([]*job.Job, error) {
	const q = `
SELECT id, name, command, status, project, cwd, pid, exit_code,
       created_at, started_at, finished_at, timeout_secs, context, idempotency_key
FROM jobs WHERE name = ?`
	rows, err := s.db.QueryContext(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("get job by name: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetByIdempotencyKey returns the job with the given idempotency key, if any.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*job.Job, error) {
	const q = `
SELECT id, name, command, status, project, cwd, pid, exit_code,
       created_at, started_at, finished_at, timeout_secs, context, idempotency_key
FROM jobs WHERE idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, q, key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return j, nil
}

// ListFilter selects which jobs List returns. At most one of Project and
// Limit is meaningful per request (see spec.md §4.4); both are accepted
// here and applied independently since the Store itself has no notion of
// "exactly one" — that's an IPC-layer request-shape constraint.
type ListFilter struct {
	Status  *job.Status
	Project *string
	Limit   *int
}

// List returns jobs matching filter, newest-first by created_at.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*job.Job, error) {
	sb := strings.Builder{}
	sb.WriteString(`
SELECT id, name, command, status, project, cwd, pid, exit_code,
       created_at, started_at, finished_at, timeout_secs, context, idempotency_key
FROM jobs WHERE 1=1`)
	var args []any

	if filter.Status != nil {
		sb.WriteString(" AND status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Project != nil {
		sb.WriteString(" AND project = ?")
		args = append(args, *filter.Project)
	}
	sb.WriteString(" ORDER BY created_at DESC")
	if filter.Limit != nil {
		sb.WriteString(" LIMIT ?")
		args = append(args, *filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateStatus sets status unconditionally. Prefer UpdateStarted/
// UpdateFinished for lifecycle transitions; this is for direct status
// writes. RecoverOrphans does not use it and runs its own bulk UPDATE.
func (s *Store) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	const upd = `UPDATE jobs SET status = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, upd, string(status), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// UpdateStarted transitions a job to running, stamping pid and started_at.
func (s *Store) UpdateStarted(ctx context.Context, id string, pid uint32) error {
	const upd = `UPDATE jobs SET status = ?, started_at = ?, pid = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, upd, string(job.StatusRunning), formatTime(timeNow()), pid, id)
	if err != nil {
		return fmt.Errorf("update started: %w", err)
	}
	return nil
}

// UpdateFinished transitions a job to a terminal status, stamping
// finished_at and exit_code. A row already in a terminal status is left
// untouched: terminal status is never overwritten.
func (s *Store) UpdateFinished(ctx context.Context, id string, status job.Status, exitCode *int32) error {
	const upd = `
UPDATE jobs SET status = ?, finished_at = ?, exit_code = ?
WHERE id = ? AND status NOT IN (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, upd,
		string(status), formatTime(timeNow()), nullInt32(exitCode), id,
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusStopped), string(job.StatusInterrupted),
	)
	if err != nil {
		return fmt.Errorf("update finished: %w", err)
	}
	return nil
}

// DeleteOld removes terminal jobs created before before. When status is nil the
// terminal set {completed, failed, stopped, interrupted} applies; it
// returns the number of rows removed.
func (s *Store) DeleteOld(ctx context.Context, before time.Time, status *job.Status) (int, error) {
	var (
		query string
		args  []any
	)
	if status != nil {
		query = `DELETE FROM jobs WHERE created_at < ? AND status = ?`
		args = []any{formatTime(before), string(*status)}
	} else {
		query = `DELETE FROM jobs WHERE created_at < ? AND status IN (?, ?, ?, ?)`
		args = []any{
			formatTime(before),
			string(job.StatusCompleted), string(job.StatusFailed),
			string(job.StatusStopped), string(job.StatusInterrupted),
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return int(n), nil
}

// Count returns the number of jobs matching status, or all jobs if nil.
func (s *Store) Count(ctx context.Context, status *job.Status) (int, error) {
	var (
		query string
		args  []any
	)
	if status != nil {
		query = `SELECT COUNT(*) FROM jobs WHERE status = ?`
		args = []any{string(*status)}
	} else {
		query = `SELECT COUNT(*) FROM jobs`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// GenerateID draws a random 4-char base-36 token and returns it if no
// existing job uses it, retrying up to 100 times before failing with
// ErrExhausted.
func (s *Store) GenerateID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		exists, err := s.exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrExhausted
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func randomID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 4)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// RecoverOrphans rewrites every row whose status is pending or running to
// interrupted, stamping finished_at to now. It is run once at daemon
// bootstrap, before any job is spawned, and returns the number of rows
// recovered.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	const upd = `
UPDATE jobs SET status = ?, finished_at = ?
WHERE status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, upd,
		string(job.StatusInterrupted), formatTime(timeNow()),
		string(job.StatusPending), string(job.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(n), nil
}

// Resolve looks up idOrName by id/prefix first, then by name. Multiple name
// matches return ErrAmbiguous unless latest is true, in which case the
// newest (by created_at) is returned.
func (s *Store) Resolve(ctx context.Context, idOrName string, latest bool) (*job.Job, error) {
	j, err := s.Get(ctx, idOrName)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	matches, err := s.GetByName(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		if !latest {
			return nil, ErrAmbiguous
		}
		newest := matches[0]
		for _, m := range matches[1:] {
			if m.CreatedAt.After(newest.CreatedAt) {
				newest = m
			}
		}
		return newest, nil
	}
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeNow is a package-level seam so tests can control "now" if needed by
// wrapping Store; production code always observes real time.
var timeNow = func() time.Time { return time.Now().UTC() }
