// Command stagehand-probe is a minimal worker used for demos and
// end-to-end checks. It publishes a probe.tick telemetry stream whose
// cadence is adjustable at runtime with set_config {"interval_ms": N}.
package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/registry"
	"github.com/dreamware/stagehand/internal/worker"
)

const defaultIntervalMS = 1000

type probeHooks struct {
	seq      int64
	lastTick time.Time
}

func (p *probeHooks) OnStart(rt *worker.Runtime) error {
	log.Printf("probe: starting with config %v", rt.Config())
	return nil
}

// Tick publishes when the configured interval has elapsed. Each Tick
// call stays short so shutdown is never held up by a long sleep.
func (p *probeHooks) Tick(rt *worker.Runtime) {
	interval := defaultIntervalMS
	if v, ok := rt.ConfigValue("interval_ms"); ok {
		if ms, ok := asInt(v); ok && ms > 0 {
			interval = ms
		}
	}
	if time.Since(p.lastTick) < time.Duration(interval)*time.Millisecond {
		time.Sleep(5 * time.Millisecond)
		return
	}
	p.lastTick = time.Now()
	p.seq++
	rt.Publish("probe.tick", map[string]any{
		"seq":         p.seq,
		"interval_ms": interval,
		"uptime_sec":  rt.Uptime().Seconds(),
	})
}

func (p *probeHooks) OnCommand(rt *worker.Runtime, req *bus.Envelope) (*bus.Envelope, error) {
	return nil, nil
}

func (p *probeHooks) OnStop(rt *worker.Runtime) {
	log.Printf("probe: stopping after %d ticks", p.seq)
}

func (p *probeHooks) Stats() map[string]any {
	return map[string]any{"ticks": p.seq}
}

func main() {
	name := getenv("STAGEHAND_WORKER_NAME", "probe")
	runtimeDir := getenv("STAGEHAND_RUNTIME_DIR", filepath.Join(os.TempDir(), "stagehand"))
	regPath := getenv("STAGEHAND_REGISTRY_PATH", filepath.Join(runtimeDir, "registry.json"))

	store, err := registry.NewFileStore(regPath)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	rt, err := worker.New(worker.Options{
		Name:          name,
		CommandAddr:   getenv("STAGEHAND_COMMAND_ADDR", "unix://"+filepath.Join(runtimeDir, name+".sock")),
		TelemetryAddr: getenv("STAGEHAND_TELEMETRY_ADDR", "unix://"+filepath.Join(runtimeDir, name+".tele.sock")),
		Registry:      registry.New(store),
		Hooks:         &probeHooks{},
		Config:        map[string]any{"interval_ms": defaultIntervalMS},
	})
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	switch err := rt.Run(); {
	case err == nil:
	case errors.Is(err, worker.ErrRestartRequested):
		os.Exit(2)
	default:
		log.Printf("probe: %v", err)
		os.Exit(1)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
