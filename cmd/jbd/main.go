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

// Command jbd is the jb daemon: component C5, the bootstrap that turns the
// Job Store, Process Supervisor, Daemon State, and IPC Server into one
// long-lived process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"jb/internal/daemonstate"
	"jb/internal/ipc"
	"jb/internal/logging"
	"jb/internal/metrics"
	"jb/pkg/jobpaths"
)

// shutdownTimeout bounds the context handed to state.Shutdown, under which
// the job-store writes that mark running jobs interrupted are made. The
// wait for supervisor tasks to return is not bounded by it.
const shutdownTimeout = 30 * time.Second

func main() {
	rootFlag := flag.String("root", "", "daemon root directory (default $HOME/.jb)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	flag.Parse()

	logger := logging.New(*logLevel)

	paths, err := resolvePaths(*rootFlag)
	if err != nil {
		logger.Error("resolve root directory", "error", err)
		os.Exit(1)
	}

	if err := bootstrap(paths, *metricsAddr, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func resolvePaths(root string) (jobpaths.Paths, error) {
	if root != "" {
		return jobpaths.New(root), nil
	}
	return jobpaths.Default()
}

func bootstrap(paths jobpaths.Paths, metricsAddr string, logger *slog.Logger) error {
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("create root directory: %w", err)
	}

	if err := guardSingleton(paths, logger); err != nil {
		return err
	}
	if err := writePIDFile(paths); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(paths.PIDFile())

	if err := os.Remove(paths.Socket()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", paths.Socket())
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer os.Remove(paths.Socket())

	ctx := context.Background()
	state, err := daemonstate.Open(ctx, paths, logger)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open daemon state: %w", err)
	}
	defer state.Close()

	server := ipc.NewServer(state, logger)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go state.RunCleanupLoop(cleanupCtx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(serveCtx, ln) }()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	logger.Info("daemon started", "root", paths.Root(), "socket", paths.Socket(), "pid", os.Getpid())

	select {
	case <-sig:
		logger.Info("shutdown signal received")
	case <-server.ShutdownRequested():
		logger.Info("shutdown requested over ipc")
	case err := <-serveErr:
		if err != nil {
			logger.Error("ipc server stopped unexpectedly", "error", err)
		}
	}

	cancelServe()
	cancelCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	state.Shutdown(shutdownCtx)

	logger.Info("daemon stopped")
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// guardSingleton fails with an error if a live daemon already owns paths,
// and removes any stale pid file left by a crashed daemon.
func guardSingleton(paths jobpaths.Paths, logger *slog.Logger) error {
	data, err := os.ReadFile(paths.PIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		logger.Warn("pid file is not a valid pid, treating as stale", "contents", string(data))
		return removeStalePIDFile(paths)
	}

	if processIsAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}

	logger.Info("removing stale pid file", "pid", pid)
	return removeStalePIDFile(paths)
}

func removeStalePIDFile(paths jobpaths.Paths) error {
	if err := os.Remove(paths.PIDFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale pid file: %w", err)
	}
	return nil
}

func processIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func writePIDFile(paths jobpaths.Paths) error {
	return os.WriteFile(paths.PIDFile(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
