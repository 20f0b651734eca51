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

// Package daemonstate wires the Job Store and Process Supervisor together
// (component C3): job lookup and listing, uptime/counters, and the
// shutdown fan-out that interrupts every live job.
package daemonstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jb/internal/jobstore"
	"jb/internal/supervisor"
	"jb/pkg/job"
	"jb/pkg/jobpaths"
)

// cleanupInterval is how often the background reaper sweeps terminal jobs
// older than cleanupRetention. Neither is exposed as a flag, and no IPC
// request triggers a sweep or calls DeleteOld.
const (
	cleanupInterval  = time.Hour
	cleanupRetention = 7 * 24 * time.Hour
)

// State is the daemon's top-level in-process singleton: everything the IPC
// layer needs to serve a request.
type State struct {
	Store      *jobstore.Store
	Supervisor *supervisor.Supervisor

	paths     jobpaths.Paths
	logger    *slog.Logger
	startedAt time.Time
}

// Open opens the Job Store at paths.Database, recovers any orphaned jobs
// left by a prior crash, and returns a ready State.
func Open(ctx context.Context, paths jobpaths.Paths, logger *slog.Logger) (*State, error) {
	store, err := jobstore.Open(ctx, paths.Database())
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	n, err := store.RecoverOrphans(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	if n > 0 {
		logger.Info("recovered orphaned jobs", "count", n)
	}

	return &State{
		Store:      store,
		Supervisor: supervisor.New(store, paths, logger),
		paths:      paths,
		logger:     logger,
		startedAt:  time.Now().UTC(),
	}, nil
}

// Close releases the underlying Job Store handle.
func (s *State) Close() error {
	return s.Store.Close()
}

// GetJob returns the job matching idOrPrefix.
func (s *State) GetJob(ctx context.Context, idOrPrefix string) (*job.Job, error) {
	return s.Store.Get(ctx, idOrPrefix)
}

// ListJobs returns jobs matching filter.
func (s *State) ListJobs(ctx context.Context, filter jobstore.ListFilter) ([]*job.Job, error) {
	return s.Store.List(ctx, filter)
}

// RunningCount returns the number of jobs with a live supervisor.
func (s *State) RunningCount() int {
	return s.Supervisor.RunningCount()
}

// TotalJobs returns the total number of persisted jobs.
func (s *State) TotalJobs(ctx context.Context) (int, error) {
	return s.Store.Count(ctx, nil)
}

// UptimeSecs returns whole seconds since Open.
func (s *State) UptimeSecs() uint64 {
	return uint64(time.Since(s.startedAt).Seconds())
}

// RunCleanupLoop sweeps terminal jobs older than cleanupRetention on a
// fixed interval, until ctx is cancelled. Intended to run as its own
// goroutine for the daemon's lifetime.
func (s *State) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cleanupRetention)
			n, err := s.Store.DeleteOld(ctx, cutoff, nil)
			if err != nil {
				s.logger.Error("cleanup sweep", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("cleanup sweep removed jobs", "count", n)
			}
		}
	}
}

// Shutdown interrupts every running job and waits for their supervisor
// tasks to finish finalizing their rows.
func (s *State) Shutdown(ctx context.Context) {
	s.Supervisor.InterruptRunning(ctx)
	s.Supervisor.Wait()
}
