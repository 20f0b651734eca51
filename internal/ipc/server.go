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

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"jb/internal/daemonstate"
	"jb/internal/jobstore"
	"jb/internal/metrics"
	"jb/internal/supervisor"
	"jb/pkg/job"
)

// Server dispatches requests accepted on a unix socket against a
// daemonstate.State. Each connection is handled by its own goroutine;
// within a connection, requests are processed strictly one at a time.
type Server struct {
	state  *daemonstate.State
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer returns a Server dispatching against state.
func NewServer(state *daemonstate.State, logger *slog.Logger) *Server {
	return &Server{
		state:      state,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownRequested is closed the first time a client sends Shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Serve accepts connections on ln until ctx is cancelled. A cancelled
// context closes ln to unblock Accept; the resulting error is swallowed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("conn", connID)

	for {
		msg, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read request", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			logger.Warn("malformed request", "error", err)
			return
		}

		start := time.Now()
		resp := s.dispatch(ctx, &req)
		metrics.ObserveIPCRequest(metricsLabel(req.Type), resp.Type != "error", time.Since(start))

		out, err := json.Marshal(resp)
		if err != nil {
			logger.Error("marshal response", "type", req.Type, "error", err)
			return
		}
		if err := writeMessage(conn, out); err != nil {
			logger.Debug("write response", "error", err)
			return
		}

		if req.Type == "shutdown" {
			s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		}
	}
}

func metricsLabel(reqType string) string {
	switch reqType {
	case "run", "stop", "status", "list", "wait", "ping", "shutdown":
		return reqType
	default:
		return "unknown"
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	switch req.Type {
	case "run":
		return s.handleRun(ctx, req)
	case "stop":
		return s.handleStop(ctx, req)
	case "status":
		return s.handleStatus(ctx, req)
	case "list":
		return s.handleList(ctx, req)
	case "wait":
		return s.handleWait(ctx, req)
	case "ping":
		return s.handlePing(ctx)
	case "shutdown":
		return okResponse()
	default:
		return errorResponse(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (s *Server) handleRun(ctx context.Context, req *Request) Response {
	j, err := s.state.Supervisor.SpawnJob(ctx, supervisor.SpawnParams{
		Command:        req.Command,
		Cwd:            req.Cwd,
		Project:        req.Project,
		Name:           req.Name,
		TimeoutSecs:    req.TimeoutSecs,
		Context:        req.Context,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return errorResponse(err.Error())
	}
	return jobResponse(j)
}

func (s *Server) handleStop(ctx context.Context, req *Request) Response {
	err := s.state.Supervisor.StopJob(ctx, req.ID, req.Force)
	switch {
	case err == nil:
		return okResponse()
	case errors.Is(err, supervisor.ErrNotRunning):
		return errorResponse(fmt.Sprintf("job %s is not running", req.ID))
	default:
		return errorResponse(err.Error())
	}
}

func (s *Server) handleStatus(ctx context.Context, req *Request) Response {
	j, err := s.state.GetJob(ctx, req.ID)
	if err != nil {
		return jobLookupError(req.ID, err)
	}
	return jobResponse(j)
}

func (s *Server) handleList(ctx context.Context, req *Request) Response {
	filter := jobstore.ListFilter{}
	if req.Status != nil {
		status, err := job.ParseStatus(*req.Status)
		if err != nil {
			return errorResponse(err.Error())
		}
		filter.Status = &status
	}
	if req.Project != "" {
		filter.Project = &req.Project
	}
	if req.Limit != nil {
		filter.Limit = req.Limit
	}

	jobs, err := s.state.ListJobs(ctx, filter)
	if err != nil {
		return errorResponse(err.Error())
	}
	return jobsResponse(jobs)
}

func (s *Server) handleWait(ctx context.Context, req *Request) Response {
	var timeout *time.Duration
	if req.TimeoutSecs != nil {
		d := time.Duration(*req.TimeoutSecs) * time.Second
		timeout = &d
	}

	j, err := s.state.Supervisor.WaitForJob(ctx, req.ID, timeout)
	switch {
	case err == nil:
		return jobResponse(j)
	case errors.Is(err, supervisor.ErrWaitTimedOut):
		return errorResponse(fmt.Sprintf("wait for job %s timed out", req.ID))
	default:
		return jobLookupError(req.ID, err)
	}
}

func (s *Server) handlePing(ctx context.Context) Response {
	total, err := s.state.TotalJobs(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}
	return pongResponse(os.Getpid(), s.state.UptimeSecs(), s.state.RunningCount(), total)
}

func jobLookupError(id string, err error) Response {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		return errorResponse(fmt.Sprintf("job not found: %s", id))
	case errors.Is(err, jobstore.ErrAmbiguous):
		return errorResponse("ambiguous job name")
	default:
		return errorResponse(err.Error())
	}
}
