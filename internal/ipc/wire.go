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

// Package ipc implements the daemon's local socket protocol (component
// C4): length-prefixed JSON framing, request dispatch, and translation of
// internal sentinel errors to the wire error contract.
package ipc

import (
	"encoding/json"

	"jb/pkg/job"
)

// maxMessageSize is the framing boundary: a message larger than this is
// rejected without being buffered in full.
const maxMessageSize = 10 * 1024 * 1024

// Request is the tagged union of every client request. Only the fields
// relevant to Type are populated; the rest are left zero.
type Request struct {
	Type string `json:"type"`

	// Run
	Command        string          `json:"command,omitempty"`
	Name           *string         `json:"name,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	Project        string          `json:"project,omitempty"`
	TimeoutSecs    *uint64         `json:"timeout_secs,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`

	// Stop / Status / Wait
	ID    string `json:"id,omitempty"`
	Force bool   `json:"force,omitempty"`

	// List
	Status *string `json:"status,omitempty"`
	Limit  *int    `json:"limit,omitempty"`
}

// Response is the tagged union of every server response.
type Response struct {
	Type string `json:"type"`

	Job  *job.Job   `json:"job,omitempty"`
	Jobs []*job.Job `json:"jobs,omitempty"`

	Message string `json:"message,omitempty"`

	PID         int    `json:"pid,omitempty"`
	UptimeSecs  uint64 `json:"uptime_secs,omitempty"`
	RunningJobs int    `json:"running_jobs,omitempty"`
	TotalJobs   int    `json:"total_jobs,omitempty"`
}

func jobResponse(j *job.Job) Response        { return Response{Type: "job", Job: j} }
func jobsResponse(js []*job.Job) Response     { return Response{Type: "jobs", Jobs: js} }
func okResponse() Response                   { return Response{Type: "ok"} }
func errorResponse(message string) Response  { return Response{Type: "error", Message: message} }
func pongResponse(pid int, uptimeSecs uint64, running, total int) Response {
	return Response{
		Type:        "pong",
		PID:         pid,
		UptimeSecs:  uptimeSecs,
		RunningJobs: running,
		TotalJobs:   total,
	}
}
