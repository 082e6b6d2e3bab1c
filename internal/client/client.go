// Package client is the front-end side of the bus: it discovers workers
// through the registry, probes and commands them over their control
// channels, and follows their telemetry. It is strictly read-side
// plumbing — nothing here can stall or restart a worker.
package client

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/control"
	"github.com/dreamware/stagehand/internal/registry"
	"github.com/dreamware/stagehand/internal/telemetry"
)

// DefaultProbeTimeout bounds a liveness probe; discovery must stay
// snappy even when a worker is wedged.
const DefaultProbeTimeout = 1 * time.Second

// ReconcileInterval is how often sessions are re-checked against the
// registry. Registry file changes trigger an immediate pass as well.
const ReconcileInterval = 5 * time.Second

// DiscoverWorkers lists registry records that look alive: PID up and
// heartbeat fresh. Stale and dead records are skipped, not errors.
func DiscoverWorkers(reg *registry.Registry) ([]registry.WorkerRecord, error) {
	return reg.ListLive()
}

// ProbeWorker pings a worker's control channel. A non-nil error means
// the worker is unreachable or not speaking the protocol.
func ProbeWorker(addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	cli, err := control.Dial(addr, timeout)
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.Ping(timeout)
}

// session is the client's live view of one worker.
type session struct {
	rec   registry.WorkerRecord
	state map[string]any // last get_state reply
}

// Options configures a Client.
type Options struct {
	Registry *registry.Registry

	// RegistryPath, when set, is watched with fsnotify so registry
	// changes reconcile immediately instead of on the next tick.
	RegistryPath string

	// OnWorkerUp/OnWorkerDown fire on session creation and teardown.
	OnWorkerUp   func(rec registry.WorkerRecord)
	OnWorkerDown func(name string)

	CallTimeout time.Duration
}

// Client maintains a session per live worker: control on demand,
// telemetry streaming, and a state snapshot refreshed on reconnect.
type Client struct {
	reg         *registry.Registry
	regPath     string
	sub         *telemetry.Subscriber
	callTimeout time.Duration
	onUp        func(registry.WorkerRecord)
	onDown      func(string)

	mu       sync.RWMutex
	sessions map[string]*session

	// reconcileMu serializes reconcile passes. It is never held while
	// c.mu is wanted by readers; the slow dialing happens under it alone.
	reconcileMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Client and runs its reconcile loop until Close.
func New(opts Options) (*Client, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("client: Registry is required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	c := &Client{
		reg:         opts.Registry,
		regPath:     opts.RegistryPath,
		sub:         telemetry.NewSubscriber(),
		callTimeout: opts.CallTimeout,
		onUp:        opts.OnWorkerUp,
		onDown:      opts.OnWorkerDown,
		sessions:    make(map[string]*session),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	// A dropped telemetry connection is retried on the next reconcile
	// pass rather than eagerly, keeping reconnect storms impossible.
	c.sub.OnDisconnect = func(worker string) {
		log.Printf("client: telemetry from %s lost", worker)
	}

	c.Reconcile()
	go c.loop()
	return c, nil
}

// Subscribe registers a telemetry handler for a topic pattern across all
// current and future workers. Patterns follow telemetry matching rules
// (exact, "audio.*", "*").
func (c *Client) Subscribe(pattern string, handler telemetry.Handler) {
	c.sub.Subscribe(pattern, handler)
}

// Latest returns the most recent telemetry message seen on a topic.
func (c *Client) Latest(topic string) *telemetry.Message {
	return c.sub.Latest(topic)
}

// Workers returns the names of workers with active sessions, sorted.
func (c *Client) Workers() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.sessions))
	for name := range c.sessions {
		names = append(names, name)
	}
	c.mu.RUnlock()
	slices.Sort(names)
	return names
}

// State returns the cached get_state snapshot for a worker.
func (c *Client) State(name string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[name]
	if !ok || s.state == nil {
		return nil, false
	}
	return s.state, true
}

// Call sends a command to a named worker and waits for its reply. The
// connection is per call; the control channel is request/reply and
// workers cap concurrent connections.
func (c *Client) Call(name string, cmd *bus.Envelope) (*bus.Envelope, error) {
	c.mu.RLock()
	s, ok := c.sessions[name]
	c.mu.RUnlock()

	addr := ""
	if ok {
		addr = s.rec.CommandAddr
	} else {
		rec, err := c.reg.Get(name)
		if err != nil {
			return nil, err
		}
		addr = rec.CommandAddr
	}

	cli, err := control.Dial(addr, c.callTimeout)
	if err != nil {
		return nil, err
	}
	defer cli.Close()
	return cli.Call(cmd, c.callTimeout)
}

// Reconcile aligns sessions with the registry: opens sessions for new
// workers, reconnects ones whose address or PID changed, and tears down
// sessions whose records are gone or stale. All dialing happens without
// c.mu held, so Workers, State and Call never wait behind a slow worker;
// concurrent passes are serialized.
func (c *Client) Reconcile() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	live, err := c.reg.ListLive()
	if err != nil {
		log.Printf("client: reconcile: %v", err)
		return
	}

	current := make(map[string]registry.WorkerRecord, len(live))
	for _, rec := range live {
		current[rec.Name] = rec
	}

	// Under the lock: drop dead sessions, decide what needs dialing.
	c.mu.Lock()
	for name, s := range c.sessions {
		rec, ok := current[name]
		if ok && rec.PID == s.rec.PID && rec.CommandAddr == s.rec.CommandAddr &&
			rec.TelemetryAddr == s.rec.TelemetryAddr {
			continue
		}
		// Gone, or a different incarnation behind the same name.
		c.sub.Disconnect(name)
		delete(c.sessions, name)
		if c.onDown != nil {
			c.onDown(name)
		}
	}
	var opens, redials []registry.WorkerRecord
	for name, rec := range current {
		if _, ok := c.sessions[name]; !ok {
			opens = append(opens, rec)
		}
	}
	// Telemetry links drop independently of registry churn; re-dial any
	// session whose subscription died.
	for name, s := range c.sessions {
		if s.rec.TelemetryAddr != "" && !c.sub.Connected(name) {
			redials = append(redials, s.rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range opens {
		s := c.openSession(rec)
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.mu.Lock()
		c.sessions[rec.Name] = s
		c.mu.Unlock()
		log.Printf("client: session opened for %s (pid %d)", rec.Name, rec.PID)
		if c.onUp != nil {
			c.onUp(rec)
		}
	}
	for _, rec := range redials {
		if err := c.sub.Connect(rec.Name, rec.TelemetryAddr); err != nil {
			log.Printf("client: telemetry reconnect %s: %v", rec.Name, err)
		}
	}
}

// openSession dials a new worker's telemetry stream and fetches its
// initial state snapshot. It blocks on network I/O for up to the call
// timeout; callers must not hold c.mu.
func (c *Client) openSession(rec registry.WorkerRecord) *session {
	s := &session{rec: rec}
	if rec.TelemetryAddr != "" {
		if err := c.sub.Connect(rec.Name, rec.TelemetryAddr); err != nil {
			log.Printf("client: telemetry connect %s: %v", rec.Name, err)
		}
	}
	if state, err := c.fetchState(rec); err == nil {
		s.state = state
	} else {
		log.Printf("client: get_state %s: %v", rec.Name, err)
	}
	return s
}

func (c *Client) fetchState(rec registry.WorkerRecord) (map[string]any, error) {
	cli, err := control.Dial(rec.CommandAddr, c.callTimeout)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	cmd, err := bus.NewCommand(bus.VerbGetState, nil)
	if err != nil {
		return nil, err
	}
	resp, err := cli.Call(cmd, c.callTimeout)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := resp.DecodeData(&state); err != nil {
		return nil, err
	}
	return state, nil
}

// loop reconciles on a timer and, when a registry path is configured, on
// file change events too.
func (c *Client) loop() {
	defer close(c.done)

	var watchEvents chan fsnotify.Event
	if c.regPath != "" {
		// The registry writes via rename, which replaces the inode, so
		// the watch goes on the directory and events are filtered by
		// name.
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Printf("client: fsnotify unavailable, timer only: %v", err)
		} else if err := watcher.Add(filepath.Dir(c.regPath)); err != nil {
			log.Printf("client: watch %s: %v", filepath.Dir(c.regPath), err)
			watcher.Close()
		} else {
			defer watcher.Close()
			watchEvents = make(chan fsnotify.Event, 1)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if filepath.Base(ev.Name) != filepath.Base(c.regPath) {
							continue
						}
						select {
						case watchEvents <- ev:
						default: // a pass is already pending
						}
					case err, ok := <-watcher.Errors:
						if !ok {
							return
						}
						log.Printf("client: watcher: %v", err)
					case <-c.stopCh:
						return
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Reconcile()
		case <-watchEvents:
			c.Reconcile()
		case <-c.stopCh:
			return
		}
	}
}

// Close tears down all sessions and stops the reconcile loop. Teardown
// is local: workers are not touched.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub.Close()
	c.sessions = make(map[string]*session)
}
