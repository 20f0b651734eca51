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
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"jb/pkg/job"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "job.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJob(id string) *job.Job {
	return &job.Job{
		ID:        id,
		Command:   "echo hi",
		Status:    job.StatusPending,
		Project:   "default",
		Cwd:       "/tmp",
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := newTestJob("ab12")
	if err := s.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, "ab12")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != j.ID || got.Command != j.Command || got.Status != job.StatusPending {
		t.Fatalf("Get returned %+v, want match of %+v", got, j)
	}
}

func TestInsertDuplicateIDConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newTestJob("dup1")); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	err := s.Insert(ctx, newTestJob("dup1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Insert error = %v, want ErrConflict", err)
	}
}

func TestInsertDuplicateIdempotencyKeyConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := "abc-123"
	j1 := newTestJob("idm1")
	j1.IdempotencyKey = &key
	if err := s.Insert(ctx, j1); err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	j2 := newTestJob("idm2")
	j2.IdempotencyKey = &key
	err := s.Insert(ctx, j2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Insert error = %v, want ErrConflict", err)
	}

	found, err := s.GetByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if found.ID != "idm1" {
		t.Fatalf("GetByIdempotencyKey returned %q, want idm1", found.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestGetPrefixMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, newTestJob("abcd")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.ID != "abcd" {
		t.Fatalf("Get by prefix returned %q, want abcd", got.ID)
	}
}

func TestUpdateStartedThenFinished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, newTestJob("run1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.UpdateStarted(ctx, "run1", 4242); err != nil {
		t.Fatalf("UpdateStarted: %v", err)
	}
	mid, err := s.Get(ctx, "run1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mid.Status != job.StatusRunning || mid.PID == nil || *mid.PID != 4242 || mid.StartedAt == nil {
		t.Fatalf("after UpdateStarted, job = %+v", mid)
	}

	exitCode := int32(0)
	if err := s.UpdateFinished(ctx, "run1", job.StatusCompleted, &exitCode); err != nil {
		t.Fatalf("UpdateFinished: %v", err)
	}
	done, err := s.Get(ctx, "run1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if done.Status != job.StatusCompleted || done.FinishedAt == nil || done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("after UpdateFinished, job = %+v", done)
	}
}

func TestUpdateFinishedNeverOverwritesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, newTestJob("term1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	exitCode := int32(1)
	if err := s.UpdateFinished(ctx, "term1", job.StatusFailed, &exitCode); err != nil {
		t.Fatalf("first UpdateFinished: %v", err)
	}

	otherCode := int32(0)
	if err := s.UpdateFinished(ctx, "term1", job.StatusCompleted, &otherCode); err != nil {
		t.Fatalf("second UpdateFinished: %v", err)
	}

	got, err := s.Get(ctx, "term1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusFailed || *got.ExitCode != 1 {
		t.Fatalf("terminal status was overwritten: %+v", got)
	}
}

func TestDeleteOld(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newTestJob("old1")
	old.Status = job.StatusCompleted
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.Insert(ctx, old); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	fresh := newTestJob("new1")
	fresh.Status = job.StatusCompleted
	if err := s.Insert(ctx, fresh); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	n, err := s.DeleteOld(ctx, cutoff, nil)
	if err != nil {
		t.Fatalf("DeleteOld: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteOld removed %d rows, want 1", n)
	}

	n2, err := s.DeleteOld(ctx, cutoff, nil)
	if err != nil {
		t.Fatalf("second DeleteOld: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("second DeleteOld removed %d rows, want 0", n2)
	}
}

func TestGenerateIDUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		id, err := s.GenerateID(ctx)
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		if len(id) != 4 {
			t.Fatalf("GenerateID returned %q, want length 4", id)
		}
		if seen[id] {
			t.Fatalf("GenerateID returned duplicate %q", id)
		}
		seen[id] = true
		if err := s.Insert(ctx, newTestJob(id)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
}

func TestResolveByIDPrefixAndName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "build"
	j := newTestJob("xy99")
	j.Name = &name
	if err := s.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	byID, err := s.Resolve(ctx, "xy99", false)
	if err != nil {
		t.Fatalf("Resolve by id: %v", err)
	}
	if byID.ID != "xy99" {
		t.Fatalf("Resolve by id returned %q", byID.ID)
	}

	byPrefix, err := s.Resolve(ctx, "xy9", false)
	if err != nil {
		t.Fatalf("Resolve by prefix: %v", err)
	}
	if byPrefix.ID != "xy99" {
		t.Fatalf("Resolve by prefix returned %q", byPrefix.ID)
	}

	byName, err := s.Resolve(ctx, "build", false)
	if err != nil {
		t.Fatalf("Resolve by name: %v", err)
	}
	if byName.ID != "xy99" {
		t.Fatalf("Resolve by name returned %q", byName.ID)
	}
}

func TestResolveAmbiguousName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "build"
	j1 := newTestJob("aa01")
	j1.Name = &name
	j1.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.Insert(ctx, j1); err != nil {
		t.Fatalf("Insert j1: %v", err)
	}
	j2 := newTestJob("bb02")
	j2.Name = &name
	if err := s.Insert(ctx, j2); err != nil {
		t.Fatalf("Insert j2: %v", err)
	}

	_, err := s.Resolve(ctx, "build", false)
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("Resolve ambiguous error = %v, want ErrAmbiguous", err)
	}

	latest, err := s.Resolve(ctx, "build", true)
	if err != nil {
		t.Fatalf("Resolve latest: %v", err)
	}
	if latest.ID != "bb02" {
		t.Fatalf("Resolve latest returned %q, want bb02", latest.ID)
	}
}

func TestRecoverOrphans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending := newTestJob("p001")
	if err := s.Insert(ctx, pending); err != nil {
		t.Fatalf("Insert pending: %v", err)
	}
	running := newTestJob("r001")
	running.Status = job.StatusRunning
	if err := s.Insert(ctx, running); err != nil {
		t.Fatalf("Insert running: %v", err)
	}
	done := newTestJob("d001")
	done.Status = job.StatusCompleted
	if err := s.Insert(ctx, done); err != nil {
		t.Fatalf("Insert completed: %v", err)
	}

	n, err := s.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("RecoverOrphans recovered %d, want 2", n)
	}

	for _, id := range []string{"p001", "r001"} {
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if got.Status != job.StatusInterrupted || got.FinishedAt == nil {
			t.Fatalf("job %s = %+v, want interrupted with finished_at", id, got)
		}
	}

	stillDone, err := s.Get(ctx, "d001")
	if err != nil {
		t.Fatalf("Get d001: %v", err)
	}
	if stillDone.Status != job.StatusCompleted {
		t.Fatalf("completed job was touched by RecoverOrphans: %+v", stillDone)
	}
}

func TestListByStatusAndProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newTestJob("li01")
	a.Project = "alpha"
	a.Status = job.StatusRunning
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	b := newTestJob("li02")
	b.Project = "beta"
	b.Status = job.StatusRunning
	if err := s.Insert(ctx, b); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	c := newTestJob("li03")
	c.Project = "alpha"
	c.Status = job.StatusCompleted
	if err := s.Insert(ctx, c); err != nil {
		t.Fatalf("Insert c: %v", err)
	}

	running := job.StatusRunning
	got, err := s.List(ctx, ListFilter{Status: &running})
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List by status returned %d jobs, want 2", len(got))
	}

	alpha := "alpha"
	gotProj, err := s.List(ctx, ListFilter{Project: &alpha})
	if err != nil {
		t.Fatalf("List by project: %v", err)
	}
	if len(gotProj) != 2 {
		t.Fatalf("List by project returned %d jobs, want 2", len(gotProj))
	}
}

func TestGetDegradesCorruptStatusToInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := newTestJob("bad1")
	j.Status = job.Status("not-a-real-status")
	if err := s.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, "bad1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusInterrupted {
		t.Fatalf("Status = %q, want %q", got.Status, job.StatusInterrupted)
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, newTestJob("ct01")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, newTestJob("ct02")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	total, err := s.Count(ctx, nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 2 {
		t.Fatalf("Count = %d, want 2", total)
	}

	pending := job.StatusPending
	n, err := s.Count(ctx, &pending)
	if err != nil {
		t.Fatalf("Count by status: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count by status = %d, want 2", n)
	}
}
