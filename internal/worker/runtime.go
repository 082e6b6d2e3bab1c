package worker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/control"
	"github.com/dreamware/stagehand/internal/registry"
	"github.com/dreamware/stagehand/internal/telemetry"
)

// State is the runtime's lifecycle phase.
type State string

const (
	StateInit       State = "init"
	StateRegistered State = "registered"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

const (
	// PollInterval bounds one main-loop iteration's wait for a command.
	// Shutdown is observed within this interval.
	PollInterval = 100 * time.Millisecond

	// replyBound is the contract for command handlers; slower handlers
	// are logged so the misbehavior is visible.
	replyBound = 500 * time.Millisecond
)

// ErrRestartRequested is returned from Run after an operator restart
// command. The process should exit non-zero so the supervisor respawns it.
var ErrRestartRequested = errors.New("restart requested")

// Hooks is the behavior a concrete worker plugs into the runtime. Every
// hook is called from the runtime's goroutines; panics are contained at
// the loop boundary.
type Hooks interface {
	// OnStart performs worker setup after sockets are bound and the
	// worker is registered. An error degrades the worker instead of
	// killing it.
	OnStart(rt *Runtime) error

	// Tick runs one slice of worker-specific work per loop iteration.
	// It should return promptly; long work belongs on the worker's own
	// goroutines.
	Tick(rt *Runtime)

	// OnCommand handles custom verbs. It must reply quickly (the
	// runtime logs handlers that exceed the reply bound); long
	// operations are started asynchronously and acknowledged
	// immediately, completion being observable via get_state or a
	// telemetry event. Returning (nil, nil) means the verb is unknown.
	OnCommand(rt *Runtime, req *bus.Envelope) (*bus.Envelope, error)

	// OnStop releases worker resources during graceful shutdown.
	OnStop(rt *Runtime)

	// Stats returns worker metrics included in heartbeats and
	// get_state replies.
	Stats() map[string]any
}

// Options configures a Runtime.
type Options struct {
	Name          string
	CommandAddr   string
	TelemetryAddr string
	Registry      *registry.Registry
	Hooks         Hooks

	// Config is the initial mutable configuration exposed through
	// get_state and amended by set_config.
	Config map[string]any

	// HeartbeatInterval defaults to registry.HeartbeatInterval.
	HeartbeatInterval time.Duration

	// Metadata is stored in the registry record at registration.
	Metadata map[string]any
}

// Runtime drives one worker process. Construct with New, then Run blocks
// until shutdown.
type Runtime struct {
	name      string
	hooks     Hooks
	reg       *registry.Registry
	server    *control.Server
	publisher *telemetry.Publisher

	heartbeatEvery time.Duration
	startedAt      time.Time

	mu       sync.Mutex
	state    State
	startErr error
	config   map[string]any

	stopOnce sync.Once
	stopCh   chan struct{}
	restart  bool
}

// New binds the worker's sockets and registers it. On return the worker is
// visible in the registry in the starting state.
func New(opts Options) (*Runtime, error) {
	if opts.Name == "" {
		return nil, errors.New("worker name required")
	}
	if opts.Hooks == nil {
		return nil, errors.New("worker hooks required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = registry.HeartbeatInterval
	}

	server, err := control.NewServer(opts.CommandAddr)
	if err != nil {
		return nil, err
	}
	publisher, err := telemetry.NewPublisher(opts.TelemetryAddr, opts.Name)
	if err != nil {
		server.Close()
		return nil, err
	}

	config := opts.Config
	if config == nil {
		config = make(map[string]any)
	}
	rt := &Runtime{
		name:           opts.Name,
		hooks:          opts.Hooks,
		reg:            opts.Registry,
		server:         server,
		publisher:      publisher,
		heartbeatEvery: opts.HeartbeatInterval,
		startedAt:      time.Now(),
		state:          StateInit,
		config:         config,
		stopCh:         make(chan struct{}),
	}

	err = opts.Registry.Register(registry.WorkerRecord{
		Name:          opts.Name,
		PID:           os.Getpid(),
		Status:        registry.StatusStarting,
		CommandAddr:   server.Addr(),
		TelemetryAddr: publisher.Addr(),
		Metadata:      opts.Metadata,
	})
	if err != nil {
		publisher.Close()
		server.Close()
		return nil, fmt.Errorf("register %s: %w", opts.Name, err)
	}
	rt.setState(StateRegistered)
	return rt, nil
}

// Name returns the worker name.
func (rt *Runtime) Name() string { return rt.name }

// State returns the current lifecycle phase.
func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Runtime) setState(s State) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

// Degraded reports whether OnStart failed, and with what.
func (rt *Runtime) Degraded() (bool, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.startErr != nil, rt.startErr
}

// Uptime is the time since the runtime was constructed.
func (rt *Runtime) Uptime() time.Duration {
	return time.Since(rt.startedAt)
}

// Publish emits telemetry on the worker's broadcast channel. Never blocks.
func (rt *Runtime) Publish(topic string, payload any) {
	rt.publisher.Publish(topic, payload)
}

// Config returns a copy of the current configuration.
func (rt *Runtime) Config() map[string]any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cp := make(map[string]any, len(rt.config))
	for k, v := range rt.config {
		cp[k] = v
	}
	return cp
}

// ConfigValue reads one configuration key.
func (rt *Runtime) ConfigValue(key string) (any, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	v, ok := rt.config[key]
	return v, ok
}

// Stop requests a graceful shutdown. Safe from any goroutine, including
// command handlers and signal handlers. The main loop observes it within
// one poll interval.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
}

// Run executes the worker until shutdown. It returns nil after a clean
// stop, ErrRestartRequested after a restart command, and the recovered
// panic as an error if the worker crashed; in the latter cases the caller
// exits non-zero and the supervisor takes over.
func (rt *Runtime) Run() (err error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("worker[%s]: received %v, shutting down", rt.name, sig)
			rt.Stop()
		case <-rt.stopCh:
		}
	}()

	// Dedicated heartbeat goroutine: liveness is never starved by a
	// slow Tick. Declared here so the crash path below can drain it
	// before marking the record crashed.
	hbDone := make(chan struct{})
	hbStarted := false

	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker[%s]: crashed: %v", rt.name, r)
			rt.setState(StateCrashed)
			rt.Stop()
			if hbStarted {
				<-hbDone
			}
			// Leave the record in place, marked crashed, so the
			// supervisor sees a crash rather than a clean exit.
			_ = rt.reg.SetStatus(rt.name, registry.StatusCrashed)
			rt.closeSockets()
			err = fmt.Errorf("worker %s crashed: %v", rt.name, r)
		}
	}()

	// OnStart failure degrades the worker but never kills it: commands
	// and heartbeats keep flowing so the supervisor sees "running but
	// degraded" instead of a flapping process.
	if startErr := rt.hooks.OnStart(rt); startErr != nil {
		log.Printf("worker[%s]: on_start failed, running degraded: %v", rt.name, startErr)
		rt.mu.Lock()
		rt.startErr = startErr
		rt.mu.Unlock()
	}
	rt.setState(StateRunning)
	_ = rt.reg.SetStatus(rt.name, registry.StatusRunning)
	log.Printf("worker[%s]: running (pid %d, control %s)", rt.name, os.Getpid(), rt.server.Addr())

	hbStarted = true
	go rt.heartbeatLoop(hbDone)

	for {
		select {
		case <-rt.stopCh:
			rt.shutdown(hbDone)
			if rt.restart {
				return ErrRestartRequested
			}
			return nil
		default:
		}
		if req, ok := rt.server.Poll(PollInterval); ok {
			rt.handleRequest(req)
		}
		rt.hooks.Tick(rt)
	}
}

// heartbeatLoop refreshes the registry record on a fixed ticker until
// shutdown. Beats carry the worker's current stats as metadata.
func (rt *Runtime) heartbeatLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(rt.heartbeatEvery)
	defer ticker.Stop()

	rt.beat()
	for {
		select {
		case <-ticker.C:
			rt.beat()
		case <-rt.stopCh:
			return
		}
	}
}

func (rt *Runtime) beat() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker[%s]: stats panic: %v", rt.name, r)
		}
	}()
	if err := rt.reg.Heartbeat(rt.name, rt.hooks.Stats()); err != nil {
		log.Printf("worker[%s]: heartbeat: %v", rt.name, err)
	}
}

// shutdown runs the STOPPING phase: worker cleanup, then sockets and the
// registry entry. Resources are released on this path and on the crash
// path alike.
func (rt *Runtime) shutdown(hbDone chan struct{}) {
	rt.setState(StateStopping)
	log.Printf("worker[%s]: stopping", rt.name)
	<-hbDone

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("worker[%s]: on_stop panic: %v", rt.name, r)
			}
		}()
		rt.hooks.OnStop(rt)
	}()

	_ = rt.reg.Unregister(rt.name)
	rt.closeSockets()
	rt.setState(StateStopped)
	log.Printf("worker[%s]: stopped", rt.name)
}

func (rt *Runtime) closeSockets() {
	rt.publisher.Close()
	rt.server.Close()
}

// handleRequest dispatches one command and replies on its connection. A
// panicking handler yields an error envelope; the loop survives.
func (rt *Runtime) handleRequest(req *control.Request) {
	started := time.Now()
	var reply *bus.Envelope
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("worker[%s]: handler panic on %s: %v", rt.name, req.Env.Verb, r)
				reply = bus.NewError(req.Env, fmt.Sprintf("internal error: %v", r))
			}
		}()
		reply = rt.dispatch(req.Env)
	}()
	if elapsed := time.Since(started); elapsed > replyBound {
		log.Printf("worker[%s]: %s handler took %v (bound %v)", rt.name, req.Env.Verb, elapsed, replyBound)
	}
	if err := req.Reply(reply); err != nil {
		log.Printf("worker[%s]: reply %s: %v", rt.name, req.Env.Verb, err)
	}
}

// dispatch routes built-in verbs through a static table and everything
// else to the worker's OnCommand hook.
func (rt *Runtime) dispatch(req *bus.Envelope) *bus.Envelope {
	switch req.Verb {
	case bus.VerbPing:
		return bus.NewAck(req, true, "")
	case bus.VerbGetState:
		return rt.handleGetState(req)
	case bus.VerbSetConfig:
		return rt.handleSetConfig(req)
	case bus.VerbShutdown:
		rt.Stop()
		return bus.NewAck(req, true, "shutting down")
	case bus.VerbRestart:
		rt.mu.Lock()
		rt.restart = true
		rt.mu.Unlock()
		rt.Stop()
		return bus.NewAck(req, true, "restarting")
	}

	reply, err := rt.hooks.OnCommand(rt, req)
	if err != nil {
		return bus.NewError(req, err.Error())
	}
	if reply == nil {
		return bus.NewError(req, fmt.Sprintf("unknown verb %q", req.Verb))
	}
	reply.MsgID = req.MsgID
	return reply
}

// StatePayload is the get_state reply body.
type StatePayload struct {
	Status     string         `json:"status"`
	Degraded   bool           `json:"degraded"`
	StartError string         `json:"start_error,omitempty"`
	PID        int            `json:"pid"`
	UptimeSec  float64        `json:"uptime_sec"`
	Config     map[string]any `json:"config"`
	Stats      map[string]any `json:"stats,omitempty"`
}

func (rt *Runtime) handleGetState(req *bus.Envelope) *bus.Envelope {
	var stats map[string]any
	func() {
		defer func() { recover() }()
		stats = rt.hooks.Stats()
	}()

	rt.mu.Lock()
	payload := StatePayload{
		Status:    string(rt.state),
		Degraded:  rt.startErr != nil,
		PID:       os.Getpid(),
		UptimeSec: time.Since(rt.startedAt).Seconds(),
		Config:    make(map[string]any, len(rt.config)),
		Stats:     stats,
	}
	if rt.startErr != nil {
		payload.StartError = rt.startErr.Error()
	}
	for k, v := range rt.config {
		payload.Config[k] = v
	}
	rt.mu.Unlock()

	resp, err := bus.NewResponse(req, payload)
	if err != nil {
		return bus.NewError(req, err.Error())
	}
	return resp
}

func (rt *Runtime) handleSetConfig(req *bus.Envelope) *bus.Envelope {
	var changes map[string]any
	if err := req.DecodePayload(&changes); err != nil {
		return bus.NewError(req, "malformed set_config payload: "+err.Error())
	}
	if len(changes) == 0 {
		return bus.NewAck(req, false, "set_config payload empty")
	}
	rt.mu.Lock()
	for k, v := range changes {
		rt.config[k] = v
	}
	rt.mu.Unlock()
	return bus.NewAck(req, true, fmt.Sprintf("applied %d key(s)", len(changes)))
}
