package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory API metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	syncRuns     atomic.Int64
	downloads    atomic.Int64
	writes       atomic.Int64
}

// MetricsSnapshot is a point-in-time view of API metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	SyncRuns      int64   `json:"sync_runs"`
	Downloads     int64   `json:"downloads"`
	RecordWrites  int64   `json:"record_writes"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordStatus counts a finished request by its status code.
func (m *Metrics) RecordStatus(code int) {
	m.requests.Add(1)
	switch {
	case code >= 500:
		m.serverErrors.Add(1)
	case code >= 400:
		m.clientErrors.Add(1)
	}
}

// RecordSyncRun increments the manual sync counter.
func (m *Metrics) RecordSyncRun() { m.syncRuns.Add(1) }

// RecordDownload increments the download counter.
func (m *Metrics) RecordDownload() { m.downloads.Add(1) }

// RecordWrites adds n record writes (put, delete, import).
func (m *Metrics) RecordWrites(n int64) { m.writes.Add(n) }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		SyncRuns:      m.syncRuns.Load(),
		Downloads:     m.downloads.Load(),
		RecordWrites:  m.writes.Load(),
	}
}
