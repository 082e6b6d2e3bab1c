package supervisor

import (
	"errors"
	"fmt"
	"log"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/worker"
)

// Control verbs the supervisor serves beyond the runtime's built-ins.
const (
	VerbStartWorker   bus.Verb = "start_worker"
	VerbStopWorker    bus.Verb = "stop_worker"
	VerbRestartWorker bus.Verb = "restart_worker"
	VerbListWorkers   bus.Verb = "list_workers"
)

type namePayload struct {
	Name string `json:"name"`
}

// The supervisor runs inside the worker runtime: it registers like any
// worker, heartbeats, and serves its operator verbs over its own control
// channel. Hooks is the bridge.

// OnStart boots the roster and launches the health loop. Lifecycle
// events flow out on the runtime's telemetry channel.
func (s *Supervisor) OnStart(rt *worker.Runtime) error {
	if s.publish == nil {
		s.publish = rt.Publish
	}
	if err := s.Boot(); err != nil {
		return err
	}
	go s.Start(nil)
	return nil
}

// Tick is idle; the health loop runs on its own ticker.
func (s *Supervisor) Tick(rt *worker.Runtime) {}

// OnStop shuts down the health loop and every managed worker.
func (s *Supervisor) OnStop(rt *worker.Runtime) {
	s.Stop()
}

// Stats feeds the supervisor's own heartbeat metadata.
func (s *Supervisor) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	running, givenUp := 0, 0
	for _, m := range s.workers {
		switch {
		case m.GivenUp:
			givenUp++
		case m.handle != nil:
			running++
		}
	}
	return map[string]any{
		"managed":  len(s.workers),
		"running":  running,
		"given_up": givenUp,
	}
}

// OnCommand serves the operator verbs. Stopping and restarting wait out
// the shutdown grace, far longer than a control reply should take, so
// those verbs validate up front, ack, and do the slow work off the
// handler; completion shows up in list_workers and the lifecycle events.
func (s *Supervisor) OnCommand(rt *worker.Runtime, req *bus.Envelope) (*bus.Envelope, error) {
	switch req.Verb {
	case VerbListWorkers:
		return bus.NewResponse(req, map[string]any{"workers": s.List()})
	case VerbStartWorker:
		p, errEnv := s.decodeName(req)
		if errEnv != nil {
			return errEnv, nil
		}
		if err := s.StartWorker(p.Name); err != nil {
			if errors.Is(err, ErrUnknownWorker) {
				return bus.NewError(req, err.Error()), nil
			}
			return bus.NewAck(req, false, err.Error()), nil
		}
		return bus.NewAck(req, true, ""), nil
	case VerbStopWorker:
		p, errEnv := s.decodeName(req)
		if errEnv != nil {
			return errEnv, nil
		}
		s.mu.RLock()
		m, known := s.workers[p.Name]
		running := known && m.handle != nil
		s.mu.RUnlock()
		if !known {
			return bus.NewError(req, fmt.Sprintf("worker %q: %v", p.Name, ErrUnknownWorker)), nil
		}
		if !running {
			return bus.NewAck(req, false, fmt.Sprintf("worker %q: %v", p.Name, ErrNotRunning)), nil
		}
		go func() {
			if err := s.StopWorker(p.Name); err != nil {
				log.Printf("supervisor: stop %s: %v", p.Name, err)
			}
		}()
		return bus.NewAck(req, true, ""), nil
	case VerbRestartWorker:
		p, errEnv := s.decodeName(req)
		if errEnv != nil {
			return errEnv, nil
		}
		s.mu.RLock()
		_, known := s.workers[p.Name]
		s.mu.RUnlock()
		if !known && s.cfg.Spec(p.Name) == nil {
			return bus.NewError(req, fmt.Sprintf("worker %q: %v", p.Name, ErrUnknownWorker)), nil
		}
		go func() {
			if err := s.RestartWorker(p.Name); err != nil {
				log.Printf("supervisor: restart %s: %v", p.Name, err)
			}
		}()
		return bus.NewAck(req, true, ""), nil
	default:
		return nil, nil
	}
}

func (s *Supervisor) decodeName(req *bus.Envelope) (namePayload, *bus.Envelope) {
	var p namePayload
	if err := req.DecodePayload(&p); err != nil || p.Name == "" {
		return p, bus.NewError(req, "payload requires a worker name")
	}
	return p, nil
}
