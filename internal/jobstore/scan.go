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

package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jb/pkg/job"
)

const timeLayout = time.RFC3339Nano

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		id, command, status, project, cwd string
		name, idempotencyKey               sql.NullString
		pid                                sql.NullInt64
		exitCode                           sql.NullInt64
		createdAt                          string
		startedAt, finishedAt              sql.NullString
		timeoutSecs                        sql.NullInt64
		jobContext                         sql.NullString
	)

	err := row.Scan(
		&id, &name, &command, &status, &project, &cwd, &pid, &exitCode,
		&createdAt, &startedAt, &finishedAt, &timeoutSecs, &jobContext, &idempotencyKey,
	)
	if err != nil {
		return nil, err
	}

	parsedStatus, err := job.ParseStatus(status)
	if err != nil {
		parsedStatus = job.StatusInterrupted
	}

	j := &job.Job{
		ID:      id,
		Command: command,
		Status:  parsedStatus,
		Project: project,
		Cwd:     cwd,
	}

	if name.Valid {
		j.Name = &name.String
	}
	if idempotencyKey.Valid {
		j.IdempotencyKey = &idempotencyKey.String
	}
	if pid.Valid {
		p := uint32(pid.Int64)
		j.PID = &p
	}
	if exitCode.Valid {
		e := int32(exitCode.Int64)
		j.ExitCode = &e
	}
	if timeoutSecs.Valid {
		t := uint64(timeoutSecs.Int64)
		j.TimeoutSecs = &t
	}
	if jobContext.Valid {
		j.Context = json.RawMessage(jobContext.String)
	}

	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	j.CreatedAt = created

	if startedAt.Valid {
		t, err := time.Parse(timeLayout, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		j.FinishedAt = &t
	}

	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*job.Job, error) {
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullUint64(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullInt32(v *int32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullRawMessage(v json.RawMessage) any {
	if v == nil {
		return nil
	}
	return string(v)
}
