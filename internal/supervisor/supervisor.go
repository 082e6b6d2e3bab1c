package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/config"
	"github.com/dreamware/stagehand/internal/control"
	"github.com/dreamware/stagehand/internal/registry"
)

// Lifecycle events, published on the supervisor's telemetry channel.
const (
	TopicLifecycle = "events.lifecycle"

	EventStarted   = "worker_started"
	EventStopped   = "worker_stopped"
	EventCrashed   = "worker_crashed"
	EventRestarted = "worker_restarted"
	EventGivenUp   = "worker_given_up"
)

// Event is one lifecycle notification.
type Event struct {
	Event        string  `json:"event"`
	Worker       string  `json:"worker"`
	PID          int     `json:"pid,omitempty"`
	RestartCount int     `json:"restart_count,omitempty"`
	DelaySec     float64 `json:"delay_sec,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Managed tracks one roster worker's process and restart accounting.
type Managed struct {
	Spec           config.WorkerSpec
	RestartCount   int // automatic restarts performed
	ManualRestarts int
	BackoffUntil   time.Time
	LastRestartAt  time.Time
	StartedAt      time.Time
	GivenUp        bool

	handle      Handle
	tracker     *restartTracker
	desiredStop bool // operator stopped it; no auto-restart
}

// Options configures a Supervisor. Config and Registry are required; the
// rest default to production behavior.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry

	// Spawner starts worker processes; defaults to ExecSpawner.
	Spawner Spawner

	// Publish receives lifecycle events; nil drops them. The daemon
	// wires this to its telemetry channel.
	Publish func(topic string, payload any)

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	// HealthInterval is the health-loop period; defaults to the
	// registry heartbeat interval.
	HealthInterval time.Duration
}

// Supervisor owns the worker roster: it spawns auto-start workers,
// watches their health through the registry, restarts crashed ones with
// exponential backoff, and gives up on workers that crash faster than
// the retry budget allows.
//
// Thread-safe: all exported methods may be called concurrently with the
// health loop.
type Supervisor struct {
	cfg      *config.Config
	reg      *registry.Registry
	spawner  Spawner
	publish  func(topic string, payload any)
	now      func() time.Time
	policy   backoffPolicy
	interval time.Duration

	// stopCmd sends the shutdown command to a worker's control channel.
	// Injectable so tests can supervise processes with no real socket.
	stopCmd func(addr string, timeout time.Duration) error

	mu      sync.RWMutex
	workers map[string]*Managed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor. Call Boot to reconcile and spawn, then Start
// to run the health loop.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil || opts.Registry == nil {
		return nil, fmt.Errorf("supervisor: Config and Registry are required")
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = registry.HeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      opts.Config,
		reg:      opts.Registry,
		spawner:  opts.Spawner,
		publish:  opts.Publish,
		now:      opts.Now,
		policy:   defaultPolicy(),
		interval: opts.HealthInterval,
		workers:  make(map[string]*Managed),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.stopCmd = s.sendShutdown
	return s, nil
}

// Boot reconciles against the registry and spawns the auto-start roster.
//
// Records whose process is still alive are adopted rather than respawned,
// so a supervisor restart never doubles up workers. Dead records are
// cleaned out first.
func (s *Supervisor) Boot() error {
	if err := s.cfg.EnsureRuntimeDir(); err != nil {
		return err
	}
	if err := s.reg.Cleanup(); err != nil {
		log.Printf("supervisor: registry cleanup: %v", err)
	}

	live, err := s.reg.ListLive()
	if err != nil {
		return fmt.Errorf("supervisor: list registry: %w", err)
	}
	alive := make(map[string]int, len(live))
	for _, rec := range live {
		alive[rec.Name] = rec.PID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range s.cfg.Workers {
		m := &Managed{Spec: spec, tracker: newTracker(s.policy)}
		s.workers[spec.Name] = m

		if pid, ok := alive[spec.Name]; ok {
			log.Printf("supervisor: adopting %s (pid %d)", spec.Name, pid)
			m.handle = adoptPID(pid)
			m.StartedAt = s.now()
			continue
		}
		if !spec.AutoStart {
			m.desiredStop = true
			continue
		}
		if err := s.spawnLocked(m, EventStarted); err != nil {
			log.Printf("supervisor: start %s: %v", spec.Name, err)
		}
	}
	return nil
}

// Start runs the health loop until Stop or ctx cancellation.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	if ctx == nil {
		ctx = s.ctx
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Printf("supervisor: health loop started (interval %v)", s.interval)

	for {
		select {
		case <-ticker.C:
			s.checkAll()
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop halts the health loop and gracefully stops every managed worker.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name, m := range s.workers {
		if m.handle != nil {
			names = append(names, name)
		}
		m.desiredStop = true
	}
	s.mu.Unlock()

	slices.Sort(names)
	for _, name := range names {
		if err := s.StopWorker(name); err != nil {
			log.Printf("supervisor: stop %s: %v", name, err)
		}
	}
}

// checkAll is one health pass: restart due workers, detect crashes,
// schedule backoffs, and mark give-ups.
func (s *Supervisor) checkAll() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.workers {
		if m.GivenUp || m.desiredStop {
			continue
		}

		if m.handle == nil {
			// Waiting out a backoff.
			if !m.BackoffUntil.After(now) {
				m.RestartCount = m.tracker.count(now)
				m.LastRestartAt = now
				if err := s.spawnLocked(m, EventRestarted); err != nil {
					log.Printf("supervisor: restart %s: %v", name, err)
				}
			}
			continue
		}

		exited := false
		select {
		case <-m.handle.Done():
			exited = true
		default:
		}

		healthy := s.reg.IsHealthy(name)
		if !exited && healthy {
			m.tracker.recordHealthy(now)
			continue
		}
		if !exited && now.Sub(m.StartedAt) < registry.HeartbeatTimeout {
			// Still inside the startup grace period; the first
			// heartbeat may not have landed yet.
			continue
		}

		s.handleCrashLocked(m, now, exited)
	}
}

// handleCrashLocked processes one unhealthy worker: remnant cleanup,
// registry status, backoff scheduling or give-up.
func (s *Supervisor) handleCrashLocked(m *Managed, now time.Time, exited bool) {
	name := m.Spec.Name
	if !exited {
		// Process is alive but silent; kill the remnant before the
		// replacement binds the same sockets.
		log.Printf("supervisor: %s is unresponsive, killing pid %d", name, m.handle.PID())
		_ = m.handle.Kill()
	}
	m.handle = nil
	_ = s.reg.SetStatus(name, registry.StatusCrashed)

	delay, givenUp := m.tracker.recordCrash(now)
	if givenUp {
		m.GivenUp = true
		log.Printf("supervisor: %s exceeded %d restarts in %v, giving up",
			name, s.policy.budget, s.policy.window)
		s.event(Event{Event: EventGivenUp, Worker: name,
			RestartCount: m.tracker.count(now), Reason: "restart budget exhausted"})
		return
	}
	m.BackoffUntil = now.Add(delay)
	m.RestartCount = m.tracker.count(now)
	log.Printf("supervisor: %s crashed, restart %d/%d in %v",
		name, m.RestartCount, s.policy.budget, delay)
	s.event(Event{Event: EventCrashed, Worker: name,
		RestartCount: m.RestartCount, DelaySec: delay.Seconds()})
}

// spawnLocked starts m's process. Caller holds s.mu. A spawn failure is
// treated like a crash so it consumes the same budget.
func (s *Supervisor) spawnLocked(m *Managed, event string) error {
	name := m.Spec.Name
	env := []string{
		EnvWorkerName + "=" + name,
		EnvCommandAddr + "=" + s.cfg.CommandAddr(name),
		EnvTelemetryAddr + "=" + s.cfg.TelemetryAddr(name),
		EnvRegistryPath + "=" + s.cfg.RegistryPath,
	}
	h, err := s.spawner.Spawn(m.Spec, env)
	if err != nil {
		now := s.now()
		delay, givenUp := m.tracker.recordCrash(now)
		if givenUp {
			m.GivenUp = true
			s.event(Event{Event: EventGivenUp, Worker: name,
				RestartCount: m.tracker.count(now), Reason: err.Error()})
		} else {
			m.BackoffUntil = now.Add(delay)
		}
		return err
	}
	m.handle = h
	m.StartedAt = s.now()
	m.BackoffUntil = time.Time{}
	log.Printf("supervisor: %s started (pid %d)", name, h.PID())
	s.event(Event{Event: event, Worker: name, PID: h.PID(),
		RestartCount: m.RestartCount})
	return nil
}

// StartWorker starts a roster worker on operator request. Starting a
// given-up worker clears its crash history and budget.
func (s *Supervisor) StartWorker(name string) error {
	return s.start(name, true)
}

// start spawns a worker. resetBudget clears crash accounting (operator
// start); a manual restart keeps it, so restart never hides a crash
// loop from the budget.
func (s *Supervisor) start(name string, resetBudget bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.workers[name]
	if !ok {
		spec := s.cfg.Spec(name)
		if spec == nil {
			return fmt.Errorf("worker %q: %w", name, ErrUnknownWorker)
		}
		m = &Managed{Spec: *spec, tracker: newTracker(s.policy)}
		s.workers[name] = m
	}
	if m.handle != nil && !handleExited(m.handle) {
		return fmt.Errorf("worker %q: %w", name, ErrAlreadyRunning)
	}

	// Any operator start or restart lifts a give-up; only a start
	// forgets the crash history. If the crash loop persists, the still
	// populated window trips the budget again on the next crash.
	m.desiredStop = false
	m.GivenUp = false
	if resetBudget {
		m.tracker = newTracker(s.policy)
		m.RestartCount = 0
	}
	m.BackoffUntil = time.Time{}
	return s.spawnLocked(m, EventStarted)
}

// StopWorker gracefully stops a worker: shutdown command, grace period,
// then SIGKILL. The worker stays stopped until an operator starts it.
func (s *Supervisor) StopWorker(name string) error {
	s.mu.Lock()
	m, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("worker %q: %w", name, ErrUnknownWorker)
	}
	m.desiredStop = true
	h := m.handle
	m.handle = nil
	s.mu.Unlock()

	if h == nil {
		return fmt.Errorf("worker %q: %w", name, ErrNotRunning)
	}

	s.stopProcess(name, h)
	_ = s.reg.SetStatus(name, registry.StatusStopped)
	s.event(Event{Event: EventStopped, Worker: name})
	return nil
}

// stopProcess asks the worker to shut down, then escalates to SIGKILL
// after the grace period.
func (s *Supervisor) stopProcess(name string, h Handle) {
	grace := s.cfg.StopGrace()
	if err := s.stopCmd(s.cfg.CommandAddr(name), grace); err != nil {
		log.Printf("supervisor: shutdown command to %s: %v", name, err)
	}
	select {
	case <-h.Done():
		return
	case <-time.After(grace):
	}
	log.Printf("supervisor: %s did not exit within %v, killing pid %d", name, grace, h.PID())
	_ = h.Kill()
}

// RestartWorker is an operator restart: stop then start. It is counted
// in its own bucket and never consumes the crash budget.
func (s *Supervisor) RestartWorker(name string) error {
	s.mu.Lock()
	m, ok := s.workers[name]
	if !ok && s.cfg.Spec(name) == nil {
		s.mu.Unlock()
		return fmt.Errorf("worker %q: %w", name, ErrUnknownWorker)
	}
	if m != nil {
		m.tracker.recordManual()
		m.ManualRestarts++
	}
	s.mu.Unlock()

	// A stopped or crashed worker restarts from cold; only unexpected
	// stop failures are worth noting.
	if err := s.StopWorker(name); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Printf("supervisor: restart %s: %v", name, err)
	}
	return s.start(name, false)
}

// sendShutdown delivers the shutdown command over the control channel.
func (s *Supervisor) sendShutdown(addr string, timeout time.Duration) error {
	cli, err := control.Dial(addr, 0)
	if err != nil {
		return err
	}
	defer cli.Close()
	cmd, err := bus.NewCommand(bus.VerbShutdown, nil)
	if err != nil {
		return err
	}
	_, err = cli.Call(cmd, timeout)
	return err
}

func (s *Supervisor) event(e Event) {
	if s.publish != nil {
		s.publish(TopicLifecycle, e)
	}
}

func handleExited(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}
