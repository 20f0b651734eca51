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

// Package jobpaths resolves the on-disk layout under the daemon's root
// directory (default $HOME/.jb): the job database, the per-job log
// directory, the unix socket, and the PID file.
package jobpaths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the immutable set of filesystem locations the daemon reads from
// and writes to. It is safe to share across goroutines; it holds no state
// beyond the resolved root.
type Paths struct {
	root string
}

// New returns Paths rooted at root.
func New(root string) Paths {
	return Paths{root: root}
}

// Default resolves the default root, $HOME/.jb, using the HOME environment
// variable per spec: no other environment is consumed by the core.
func Default() (Paths, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return Paths{}, fmt.Errorf("HOME is not set")
	}
	return New(filepath.Join(home, ".jb")), nil
}

// Root returns the root directory.
func (p Paths) Root() string { return p.root }

// EnsureDirs creates the root directory and its logs/ subdirectory.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.root, p.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// LogsDir returns the directory holding per-job combined stdout/stderr logs.
func (p Paths) LogsDir() string {
	return filepath.Join(p.root, "logs")
}

// LogFile returns the log path for job id.
func (p Paths) LogFile(id string) string {
	return filepath.Join(p.LogsDir(), id+".log")
}

// Database returns the sqlite job store path.
func (p Paths) Database() string {
	return filepath.Join(p.root, "job.db")
}

// Socket returns the unix domain socket path the IPC server listens on.
func (p Paths) Socket() string {
	return filepath.Join(p.root, "daemon.sock")
}

// PIDFile returns the path holding the live daemon's PID.
func (p Paths) PIDFile() string {
	return filepath.Join(p.root, "daemon.pid")
}
