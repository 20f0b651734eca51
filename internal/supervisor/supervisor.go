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

// Package supervisor spawns and monitors one child process per job
// (component C2): process-group isolation, timeout with graceful-then-
// forceful escalation, and stop-request routing.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"jb/internal/jobstore"
	"jb/internal/metrics"
	"jb/pkg/job"
	"jb/pkg/jobpaths"
)

// gracefulShutdownSecs is the grace period between the graceful and the
// forceful signal once a job's timeout has elapsed.
const gracefulShutdownSecs = 2 * time.Second

const waitPollInterval = 100 * time.Millisecond

var (
	// ErrNotRunning is returned by StopJob when no supervisor owns id.
	ErrNotRunning = errors.New("job is not running")
	// ErrWaitTimedOut is returned by WaitForJob when timeout elapses before
	// the job reaches a terminal status.
	ErrWaitTimedOut = errors.New("wait timed out")
)

// handle is the transient in-memory state a running job's supervisor task
// holds. It never outlives the task.
type handle struct {
	pid      int
	stopCh   chan struct{}
	stopOnce sync.Once
}

// SpawnParams are the arguments to SpawnJob.
type SpawnParams struct {
	Command        string
	Cwd            string
	Project        string
	Name           *string
	TimeoutSecs    *uint64
	Context        []byte
	IdempotencyKey *string
}

// Supervisor owns every live job's in-memory handle and the asynchronous
// task that monitors it. The Job Store remains the source of truth; the
// Supervisor only ever mutates rows it is actively supervising.
type Supervisor struct {
	store  *jobstore.Store
	paths  jobpaths.Paths
	logger *slog.Logger

	spawnMu sync.Mutex // serializes idempotency-check + id mint + insert

	mu      sync.Mutex
	handles map[string]*handle

	wg sync.WaitGroup
}

// New returns a Supervisor backed by store, writing job logs under paths.
func New(store *jobstore.Store, paths jobpaths.Paths, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:   store,
		paths:   paths,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// RunningCount returns the number of jobs with a live supervisor task.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// SpawnJob mints a new job (or returns the pre-existing one, if
// IdempotencyKey already maps to a row) and launches its supervisor task.
func (s *Supervisor) SpawnJob(ctx context.Context, p SpawnParams) (*job.Job, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	if p.IdempotencyKey != nil {
		existing, err := s.store.GetByIdempotencyKey(ctx, *p.IdempotencyKey)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, jobstore.ErrNotFound):
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	id, err := s.store.GenerateID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint job id: %w", err)
	}

	j := &job.Job{
		ID:             id,
		Name:           p.Name,
		Command:        p.Command,
		Status:         job.StatusPending,
		Project:        p.Project,
		Cwd:            p.Cwd,
		CreatedAt:      time.Now().UTC(),
		TimeoutSecs:    p.TimeoutSecs,
		Context:        p.Context,
		IdempotencyKey: p.IdempotencyKey,
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	s.wg.Add(1)
	go s.runJob(j.ID, p.Command, p.Cwd, p.TimeoutSecs)

	return j, nil
}

// Wait blocks until every in-flight supervisor task has finished. Intended
// for use during shutdown, after InterruptRunning has signalled them all.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// runJob is the per-job supervisor task: spawn, monitor, finalize.
func (s *Supervisor) runJob(id, command, cwd string, timeoutSecs *uint64) {
	defer s.wg.Done()
	ctx := context.Background()

	logFile, err := os.OpenFile(s.paths.LogFile(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("open job log", "id", id, "error", err)
		if ferr := s.store.UpdateFinished(ctx, id, job.StatusFailed, nil); ferr != nil {
			s.logger.Error("mark job failed", "id", id, "error", ferr)
		}
		return
	}
	defer logFile.Close()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.logger.Error("spawn job", "id", id, "error", err)
		if ferr := s.store.UpdateFinished(ctx, id, job.StatusFailed, nil); ferr != nil {
			s.logger.Error("mark job failed", "id", id, "error", ferr)
		}
		return
	}

	pid := cmd.Process.Pid
	if err := s.store.UpdateStarted(ctx, id, uint32(pid)); err != nil {
		s.logger.Error("record job started", "id", id, "error", err)
	}
	metrics.IncJobStarted()

	h := &handle{pid: pid, stopCh: make(chan struct{})}
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
	metrics.SetJobsRunning(s.RunningCount())

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if timeoutSecs != nil {
		timer := time.NewTimer(time.Duration(*timeoutSecs) * time.Second)
		defer timer.Stop()
		timeoutC = timer.C
	}

	switch ev, exitErr := priorityWait(h.stopCh, timeoutC, exitCh); ev {
	case eventStop:
		// the stopper already wrote the terminal row.

	case eventExit:
		status, code := translateExit(exitErr)
		if err := s.store.UpdateFinished(ctx, id, status, code); err != nil {
			s.logger.Error("mark job finished", "id", id, "error", err)
		}

	case eventTimeout:
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			s.logger.Warn("signal job group", "id", id, "error", err)
		}

		graceTimer := time.NewTimer(gracefulShutdownSecs)
		switch gev, gErr := priorityWait(h.stopCh, graceTimer.C, exitCh); gev {
		case eventStop:
			// the stopper already wrote the terminal row.
		case eventExit:
			status, code := translateExit(gErr)
			if code == nil {
				// terminated by the timeout's graceful signal.
				status = job.StatusStopped
			}
			if err := s.store.UpdateFinished(ctx, id, status, code); err != nil {
				s.logger.Error("mark job finished", "id", id, "error", err)
			}
		case eventTimeout:
			if err := signalGroup(pid, syscall.SIGKILL); err != nil {
				s.logger.Warn("force-kill job group", "id", id, "error", err)
			}
			if err := s.store.UpdateFinished(ctx, id, job.StatusStopped, nil); err != nil {
				s.logger.Error("mark job finished", "id", id, "error", err)
			}
		}
		graceTimer.Stop()
	}

	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
	metrics.SetJobsRunning(s.RunningCount())

	if final, err := s.store.Get(ctx, id); err == nil && final.FinishedAt != nil {
		metrics.ObserveJobFinished(string(final.Status), final.FinishedAt.Sub(final.CreatedAt))
	}
}

// StopJob terminates the running job id. force selects SIGKILL over the
// default SIGTERM. Signalling order matches the rest of this package's
// ordering discipline: the stop latch is fired before the OS signal is
// sent, and the terminal row is written last.
func (s *Supervisor) StopJob(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	h.stopOnce.Do(func() { close(h.stopCh) })

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := signalGroup(h.pid, sig); err != nil {
		return fmt.Errorf("signal job %s: %w", id, err)
	}
	if err := s.store.UpdateFinished(ctx, id, job.StatusStopped, nil); err != nil {
		return fmt.Errorf("mark job %s stopped: %w", id, err)
	}
	return nil
}

// WaitForJob polls the store at a fixed cadence until id reaches a
// terminal status, timeout elapses, or ctx is cancelled.
func (s *Supervisor) WaitForJob(ctx context.Context, id string, timeout *time.Duration) (*job.Job, error) {
	var deadline time.Time
	if timeout != nil {
		deadline = time.Now().Add(*timeout)
	}

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, nil
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			j, err := s.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if j.Status.IsTerminal() {
				return j, nil
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil, ErrWaitTimedOut
			}
		}
	}
}

// InterruptRunning drains every live handle: it signals each process group
// gracefully (never KILL; shutdown is cooperative) and marks its row
// interrupted rather than stopped, to distinguish daemon teardown from a
// user-initiated stop. Used once, at daemon shutdown.
func (s *Supervisor) InterruptRunning(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	handles := make([]*handle, 0, len(s.handles))
	for id, h := range s.handles {
		ids = append(ids, id)
		handles = append(handles, h)
	}
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	for i, h := range handles {
		h.stopOnce.Do(func() { close(h.stopCh) })
		if err := signalGroup(h.pid, syscall.SIGTERM); err != nil {
			s.logger.Warn("signal job group on shutdown", "id", ids[i], "error", err)
		}
		if err := s.store.UpdateFinished(ctx, ids[i], job.StatusInterrupted, nil); err != nil {
			s.logger.Error("mark job interrupted", "id", ids[i], "error", err)
		}
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal process group %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func translateExit(err error) (job.Status, *int32) {
	if err == nil {
		code := int32(0)
		return job.StatusCompleted, &code
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// killed by a signal, not a reportable exit code.
			return job.StatusFailed, nil
		}
		code := int32(exitErr.ExitCode())
		return job.StatusFailed, &code
	}
	return job.StatusFailed, nil
}

type event int

const (
	eventStop event = iota
	eventTimeout
	eventExit
)

// priorityWait waits for exactly one of stopCh, timeoutC, or exitCh and
// reports which fired, under strict priority stop > timeout > exit: each
// case re-checks the higher-priority channels non-blockingly before
// declaring its own result, since Go's select has no native bias. timeoutC
// may be nil, meaning "never fires".
func priorityWait(stopCh <-chan struct{}, timeoutC <-chan time.Time, exitCh <-chan error) (event, error) {
	select {
	case <-stopCh:
		return eventStop, nil
	default:
	}

	select {
	case <-stopCh:
		return eventStop, nil
	case <-timeoutC:
		select {
		case <-stopCh:
			return eventStop, nil
		default:
		}
		return eventTimeout, nil
	case err := <-exitCh:
		select {
		case <-stopCh:
			return eventStop, nil
		default:
		}
		select {
		case <-timeoutC:
			return eventTimeout, nil
		default:
		}
		return eventExit, err
	}
}
