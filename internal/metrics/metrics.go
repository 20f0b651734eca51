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

// Package metrics exposes the daemon's Prometheus instrumentation: job
// lifecycle counters and a gauge, plus IPC request counts and latency.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobDuration  *prometheus.HistogramVec

	ipcRequests *prometheus.CounterVec
	ipcDuration *prometheus.HistogramVec
)

// Request type labels used with ObserveIPCRequest, mirroring the wire
// protocol's tagged request union (see internal/ipc).
const (
	ReqRun      = "run"
	ReqStop     = "stop"
	ReqStatus   = "status"
	ReqList     = "list"
	ReqWait     = "wait"
	ReqPing     = "ping"
	ReqShutdown = "shutdown"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests that need a
// clean registry between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobStarted records a job transitioning from pending to running.
func IncJobStarted() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsStarted != nil {
		jobsStarted.WithLabelValues().Inc()
	}
}

// ObserveJobFinished records a job reaching a terminal status, along with
// its total wall-clock runtime from creation to finish.
func ObserveJobFinished(status string, runtime time.Duration) {
	label := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(label).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(label).Observe(durationSeconds(runtime))
	}
}

// SetJobsRunning sets the current count of live supervisors.
func SetJobsRunning(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRunning != nil {
		jobsRunning.Set(float64(n))
	}
}

// ObserveIPCRequest records one dispatched IPC request and its latency.
func ObserveIPCRequest(reqType string, ok bool, duration time.Duration) {
	label := sanitizeLabel(reqType, "unknown")
	result := "error"
	if ok {
		result = "ok"
	}

	mu.RLock()
	defer mu.RUnlock()
	if ipcRequests != nil {
		ipcRequests.WithLabelValues(label, result).Inc()
	}
	if ipcDuration != nil {
		ipcDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jb",
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Total jobs that transitioned from pending to running.",
	}, []string{})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jb",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total jobs that reached a terminal status, by status.",
	}, []string{"status"})

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jb",
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Current number of jobs with a live supervisor.",
	})

	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jb",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration from job creation to its terminal status, by status.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"status"})

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jb",
		Subsystem: "ipc",
		Name:      "requests_total",
		Help:      "Total IPC requests handled, by request type and result.",
	}, []string{"type", "result"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jb",
		Subsystem: "ipc",
		Name:      "request_duration_seconds",
		Help:      "Duration of IPC request handling, by request type.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"type"})

	registry.MustRegister(started, finished, running, durationHist, reqTotal, reqDuration)

	reg = registry
	jobsStarted = started
	jobsFinished = finished
	jobsRunning = running
	jobDuration = durationHist
	ipcRequests = reqTotal
	ipcDuration = reqDuration
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
