package registry

import (
	"os"
	"syscall"
	"time"
)

// Status describes a worker's lifecycle phase as recorded in the registry.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Heartbeat cadence and the staleness threshold derived from it. The
// timeout tolerates two missed beats before a worker is declared dead.
const (
	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout  = 15 * time.Second
)

// WorkerRecord is one worker's entry in the registry document. Name is the
// unique key; LastHeartbeatAt is monotonically non-decreasing while the
// worker is running.
type WorkerRecord struct {
	Name            string         `json:"-"`
	PID             int            `json:"pid"`
	Status          Status         `json:"status"`
	CommandAddr     string         `json:"command_addr"`
	TelemetryAddr   string         `json:"telemetry_addr"`
	RegisteredAt    float64        `json:"registered_at"`
	LastHeartbeatAt float64        `json:"heartbeat_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Stale reports whether the record's heartbeat is older than the timeout at
// the given instant.
func (r *WorkerRecord) Stale(now time.Time) bool {
	age := unixFloat(now) - r.LastHeartbeatAt
	return age >= HeartbeatTimeout.Seconds()
}

// Alive reports whether the record's process exists.
func (r *WorkerRecord) Alive() bool {
	return PIDAlive(r.PID)
}

// Healthy reports whether the worker's process is alive and its heartbeat
// fresh.
func (r *WorkerRecord) Healthy(now time.Time) bool {
	return r.Alive() && !r.Stale(now)
}

// PIDAlive reports whether a process with the given pid exists. Signal 0
// probes existence without delivering anything; EPERM still means the
// process is there.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
