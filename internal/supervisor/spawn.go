package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/dreamware/stagehand/internal/config"
	"github.com/dreamware/stagehand/internal/registry"
)

// Environment variables handed to every spawned worker. The worker
// runtime's standard Options come from these.
const (
	EnvWorkerName    = "STAGEHAND_WORKER_NAME"
	EnvCommandAddr   = "STAGEHAND_COMMAND_ADDR"
	EnvTelemetryAddr = "STAGEHAND_TELEMETRY_ADDR"
	EnvRegistryPath  = "STAGEHAND_REGISTRY_PATH"
)

// Handle is a running worker process as the supervisor sees it.
type Handle interface {
	PID() int
	// Done is closed when the process exits. Adopted processes (found
	// alive at boot, not our children) never close it; liveness for
	// those comes from the registry.
	Done() <-chan struct{}
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts worker processes. Injectable so tests can supervise
// fake processes.
type Spawner interface {
	Spawn(spec config.WorkerSpec, env []string) (Handle, error)
}

// ExecSpawner spawns real child processes with os/exec.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(spec config.WorkerSpec, env []string) (Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), env...)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		// Reap the child so it never lingers as a zombie.
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) PID() int              { return h.cmd.Process.Pid }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.cmd.Process.Kill()
}

// adoptedHandle wraps a process that registered before this supervisor
// started. It is not our child, so exit detection is by PID probe.
type adoptedHandle struct {
	pid  int
	mu   sync.Mutex
	done chan struct{}
}

func adoptPID(pid int) *adoptedHandle {
	return &adoptedHandle{pid: pid, done: make(chan struct{})}
}

func (h *adoptedHandle) PID() int { return h.pid }

func (h *adoptedHandle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !registry.PIDAlive(h.pid) {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
	return h.done
}

func (h *adoptedHandle) Signal(sig os.Signal) error {
	p, err := os.FindProcess(h.pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

func (h *adoptedHandle) Kill() error {
	err := h.Signal(syscall.SIGKILL)
	if err != nil && !registry.PIDAlive(h.pid) {
		return nil
	}
	return err
}
