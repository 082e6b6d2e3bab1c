package worker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/control"
	"github.com/dreamware/stagehand/internal/registry"
)

// fakeHooks lets each test inject just the behavior it cares about.
type fakeHooks struct {
	onStart   func(rt *Runtime) error
	tick      func(rt *Runtime)
	onCommand func(rt *Runtime, req *bus.Envelope) (*bus.Envelope, error)
	onStop    func(rt *Runtime)
	stats     func() map[string]any
}

func (f *fakeHooks) OnStart(rt *Runtime) error {
	if f.onStart != nil {
		return f.onStart(rt)
	}
	return nil
}

func (f *fakeHooks) Tick(rt *Runtime) {
	if f.tick != nil {
		f.tick(rt)
	} else {
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeHooks) OnCommand(rt *Runtime, req *bus.Envelope) (*bus.Envelope, error) {
	if f.onCommand != nil {
		return f.onCommand(rt, req)
	}
	return nil, nil
}

func (f *fakeHooks) OnStop(rt *Runtime) {
	if f.onStop != nil {
		f.onStop(rt)
	}
}

func (f *fakeHooks) Stats() map[string]any {
	if f.stats != nil {
		return f.stats()
	}
	return nil
}

type testWorker struct {
	rt   *Runtime
	reg  *registry.Registry
	done chan error
}

// startWorker builds a runtime on temp unix sockets and runs it.
func startWorker(t *testing.T, name string, hooks *fakeHooks, opts func(*Options)) *testWorker {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(registry.NewMemoryStore())
	o := Options{
		Name:          name,
		CommandAddr:   bus.UnixAddr(filepath.Join(dir, name+".sock")),
		TelemetryAddr: bus.UnixAddr(filepath.Join(dir, name+".tele.sock")),
		Registry:      reg,
		Hooks:         hooks,
	}
	if opts != nil {
		opts(&o)
	}
	rt, err := New(o)
	require.NoError(t, err)

	tw := &testWorker{rt: rt, reg: reg, done: make(chan error, 1)}
	go func() { tw.done <- rt.Run() }()
	t.Cleanup(func() {
		rt.Stop()
		select {
		case <-tw.done:
		case <-time.After(5 * time.Second):
		}
	})

	require.Eventually(t, func() bool { return rt.State() == StateRunning },
		2*time.Second, 10*time.Millisecond)
	return tw
}

func (tw *testWorker) dial(t *testing.T) *control.Client {
	t.Helper()
	rec, err := tw.reg.Get(tw.rt.Name())
	require.NoError(t, err)
	cli, err := control.Dial(rec.CommandAddr, 0)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func getState(t *testing.T, cli *control.Client) StatePayload {
	t.Helper()
	cmd, _ := bus.NewCommand(bus.VerbGetState, nil)
	resp, err := cli.Call(cmd, 0)
	require.NoError(t, err)
	var state StatePayload
	require.NoError(t, resp.DecodeData(&state))
	return state
}

// TestRuntimeLifecycle walks a worker from registration through get_state
// to a clean stop, checking the registry record at each phase.
func TestRuntimeLifecycle(t *testing.T) {
	tw := startWorker(t, "probe", &fakeHooks{}, nil)

	rec, err := tw.reg.Get("probe")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.True(t, tw.reg.IsHealthy("probe"))

	cli := tw.dial(t)
	state := getState(t, cli)
	assert.Equal(t, "running", state.Status)
	assert.False(t, state.Degraded)
	assert.Greater(t, state.PID, 0)

	tw.rt.Stop()
	require.NoError(t, <-tw.done)
	assert.Equal(t, StateStopped, tw.rt.State())

	_, err = tw.reg.Get("probe")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

// TestDegradedStart verifies an OnStart failure leaves the worker running
// and answering, with the failure visible through get_state.
func TestDegradedStart(t *testing.T) {
	hooks := &fakeHooks{
		onStart: func(*Runtime) error { return errors.New("device unavailable") },
	}
	tw := startWorker(t, "probe", hooks, nil)

	state := getState(t, tw.dial(t))
	assert.Equal(t, "running", state.Status)
	assert.True(t, state.Degraded)
	assert.Contains(t, state.StartError, "device unavailable")

	// Heartbeats keep flowing while degraded.
	assert.True(t, tw.reg.IsHealthy("probe"))
}

// TestSetConfig verifies set_config merges keys and get_state reflects
// them, and that an empty payload is refused.
func TestSetConfig(t *testing.T) {
	tw := startWorker(t, "probe", &fakeHooks{}, func(o *Options) {
		o.Config = map[string]any{"interval_ms": 1000}
	})
	cli := tw.dial(t)

	cmd, _ := bus.NewCommand(bus.VerbSetConfig, map[string]any{"interval_ms": 250, "gain": 0.5})
	ack, err := cli.Call(cmd, 0)
	require.NoError(t, err)
	assert.True(t, ack.OK)

	state := getState(t, cli)
	assert.EqualValues(t, 250, state.Config["interval_ms"])
	assert.EqualValues(t, 0.5, state.Config["gain"])

	empty, _ := bus.NewCommand(bus.VerbSetConfig, map[string]any{})
	_, err = cli.Call(empty, 0)
	var we *bus.WorkerError
	assert.ErrorAs(t, err, &we)
}

// TestCustomVerbDispatch verifies unknown verbs reach OnCommand and that
// (nil, nil) yields an unknown-verb error.
func TestCustomVerbDispatch(t *testing.T) {
	hooks := &fakeHooks{
		onCommand: func(rt *Runtime, req *bus.Envelope) (*bus.Envelope, error) {
			if req.Verb == "refetch_lyrics" {
				return bus.NewAck(req, true, "queued"), nil
			}
			return nil, nil
		},
	}
	tw := startWorker(t, "lyrics_fetcher", hooks, nil)
	cli := tw.dial(t)

	cmd, _ := bus.NewCommand(bus.Verb("refetch_lyrics"), nil)
	ack, err := cli.Call(cmd, 0)
	require.NoError(t, err)
	assert.Equal(t, cmd.MsgID, ack.MsgID)
	assert.Equal(t, "queued", ack.Error)

	unknown, _ := bus.NewCommand(bus.Verb("no_such"), nil)
	_, err = cli.Call(unknown, 0)
	var we *bus.WorkerError
	require.ErrorAs(t, err, &we)
	assert.Contains(t, we.Message, "unknown verb")
}

// TestHandlerPanicContained verifies a panicking command handler produces
// an error reply and the worker keeps serving.
func TestHandlerPanicContained(t *testing.T) {
	hooks := &fakeHooks{
		onCommand: func(rt *Runtime, req *bus.Envelope) (*bus.Envelope, error) {
			panic("handler bug")
		},
	}
	tw := startWorker(t, "probe", hooks, nil)
	cli := tw.dial(t)

	cmd, _ := bus.NewCommand(bus.Verb("explode"), nil)
	_, err := cli.Call(cmd, 0)
	var we *bus.WorkerError
	require.ErrorAs(t, err, &we)
	assert.Contains(t, we.Message, "internal error")

	// Still alive.
	assert.Equal(t, "running", getState(t, cli).Status)
}

// TestShutdownVerb verifies the shutdown command stops the worker cleanly
// within a few poll intervals.
func TestShutdownVerb(t *testing.T) {
	tw := startWorker(t, "probe", &fakeHooks{}, nil)
	cli := tw.dial(t)

	cmd, _ := bus.NewCommand(bus.VerbShutdown, nil)
	ack, err := cli.Call(cmd, 0)
	require.NoError(t, err)
	assert.True(t, ack.OK)

	select {
	case err := <-tw.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after shutdown command")
	}
}

// TestRestartVerb verifies the restart command makes Run return
// ErrRestartRequested so the process can exit for respawn.
func TestRestartVerb(t *testing.T) {
	tw := startWorker(t, "probe", &fakeHooks{}, nil)
	cli := tw.dial(t)

	cmd, _ := bus.NewCommand(bus.VerbRestart, nil)
	ack, err := cli.Call(cmd, 0)
	require.NoError(t, err)
	assert.True(t, ack.OK)

	select {
	case err := <-tw.done:
		assert.ErrorIs(t, err, ErrRestartRequested)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after restart command")
	}
}

// TestCrashLeavesRecord verifies a panic escaping Tick converts to an
// error return and the registry record survives marked crashed, so the
// supervisor sees a crash rather than a clean exit.
func TestCrashLeavesRecord(t *testing.T) {
	hooks := &fakeHooks{
		tick: func(*Runtime) { panic("tick bug") },
	}
	dir := t.TempDir()
	reg := registry.New(registry.NewMemoryStore())
	rt, err := New(Options{
		Name:          "probe",
		CommandAddr:   bus.UnixAddr(filepath.Join(dir, "probe.sock")),
		TelemetryAddr: bus.UnixAddr(filepath.Join(dir, "probe.tele.sock")),
		Registry:      reg,
		Hooks:         hooks,
	})
	require.NoError(t, err)

	err = rt.Run()
	require.Error(t, err)
	assert.Equal(t, StateCrashed, rt.State())

	rec, err := reg.Get("probe")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCrashed, rec.Status)
}

// TestHeartbeatNotStarvedBySlowTick verifies the heartbeat goroutine keeps
// beating while Tick dawdles far past the heartbeat interval.
func TestHeartbeatNotStarvedBySlowTick(t *testing.T) {
	hooks := &fakeHooks{
		tick: func(*Runtime) { time.Sleep(150 * time.Millisecond) },
	}
	tw := startWorker(t, "sloth", hooks, func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
	})

	before, err := tw.reg.Get("sloth")
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	after, err := tw.reg.Get("sloth")
	require.NoError(t, err)
	assert.Greater(t, after.LastHeartbeatAt, before.LastHeartbeatAt)
}

// TestStatsInHeartbeat verifies worker stats reach the registry record as
// metadata.
func TestStatsInHeartbeat(t *testing.T) {
	hooks := &fakeHooks{
		stats: func() map[string]any { return map[string]any{"frames": 42} },
	}
	tw := startWorker(t, "probe", hooks, func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
	})

	require.Eventually(t, func() bool {
		rec, err := tw.reg.Get("probe")
		if err != nil || rec.Metadata == nil {
			return false
		}
		_, ok := rec.Metadata["frames"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
