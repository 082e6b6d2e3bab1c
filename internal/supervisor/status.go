package supervisor

import (
	"errors"

	"golang.org/x/exp/slices"

	"github.com/dreamware/stagehand/internal/config"
)

// Operator-facing errors.
var (
	ErrUnknownWorker  = errors.New("not in roster")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
)

// Worker display statuses, as reported by List.
const (
	StatusRunning    = "running"
	StatusBackingOff = "backing_off"
	StatusGivenUp    = "given_up"
	StatusStopped    = "stopped"
	StatusUnmanaged  = "unmanaged"
)

// WorkerStatus is one row of the operator's list view.
type WorkerStatus struct {
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	PID            int     `json:"pid,omitempty"`
	RestartCount   int     `json:"restart_count"`
	RestartLimit   int     `json:"restart_limit"`
	ManualRestarts int     `json:"manual_restarts,omitempty"`
	UptimeSec      float64 `json:"uptime_sec,omitempty"`
	BackoffSec     float64 `json:"backoff_sec,omitempty"`
}

// List reports every roster worker plus any live registry record outside
// the roster, sorted by name.
func (s *Supervisor) List() []WorkerStatus {
	now := s.now()

	s.mu.RLock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for name, m := range s.workers {
		ws := WorkerStatus{
			Name:           name,
			RestartCount:   m.RestartCount,
			RestartLimit:   s.policy.budget,
			ManualRestarts: m.ManualRestarts,
		}
		switch {
		case m.GivenUp:
			ws.Status = StatusGivenUp
		case m.handle != nil:
			ws.Status = StatusRunning
			ws.PID = m.handle.PID()
			ws.UptimeSec = now.Sub(m.StartedAt).Seconds()
		case m.BackoffUntil.After(now):
			ws.Status = StatusBackingOff
			ws.BackoffSec = m.BackoffUntil.Sub(now).Seconds()
		default:
			ws.Status = StatusStopped
		}
		out = append(out, ws)
	}
	s.mu.RUnlock()

	// Registry records outside the roster still show up, so operators
	// see workers launched by hand.
	if live, err := s.reg.ListLive(); err == nil {
		for _, rec := range live {
			if rec.Name == config.SupervisorName || s.managed(rec.Name) {
				continue
			}
			out = append(out, WorkerStatus{
				Name:      rec.Name,
				Status:    StatusUnmanaged,
				PID:       rec.PID,
				UptimeSec: float64(now.Unix()) - rec.RegisteredAt,
			})
		}
	}

	slices.SortFunc(out, func(a, b WorkerStatus) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (s *Supervisor) managed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[name]
	return ok
}

// Status returns one worker's row, or ErrUnknownWorker.
func (s *Supervisor) Status(name string) (WorkerStatus, error) {
	for _, ws := range s.List() {
		if ws.Name == name {
			return ws, nil
		}
	}
	return WorkerStatus{}, ErrUnknownWorker
}
