// Command stagehand is the supervisor daemon. It loads the worker
// roster, reconciles against the shared registry, spawns auto-start
// workers, and keeps them alive. The supervisor itself runs inside the
// worker runtime, so operators command it over the same control channel
// protocol the workers speak.
package main

import (
	"errors"
	"log"
	"os"

	"github.com/dreamware/stagehand/internal/config"
	"github.com/dreamware/stagehand/internal/registry"
	"github.com/dreamware/stagehand/internal/supervisor"
	"github.com/dreamware/stagehand/internal/worker"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.EnsureRuntimeDir(); err != nil {
		log.Fatalf("runtime dir: %v", err)
	}

	store, err := registry.NewFileStore(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	reg := registry.New(store)

	sup, err := supervisor.New(supervisor.Options{
		Config:   cfg,
		Registry: reg,
	})
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}

	rt, err := worker.New(worker.Options{
		Name:          config.SupervisorName,
		CommandAddr:   cfg.SupervisorAddr(),
		TelemetryAddr: cfg.TelemetryAddr(config.SupervisorName),
		Registry:      reg,
		Hooks:         sup,
	})
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	switch err := rt.Run(); {
	case err == nil:
		log.Println("stagehand stopped")
	case errors.Is(err, worker.ErrRestartRequested):
		// A process manager above us (systemd, launchd) respawns on
		// non-zero exit.
		log.Println("stagehand restarting")
		os.Exit(2)
	default:
		log.Printf("stagehand: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if path := getenv("STAGEHAND_CONFIG", ""); path != "" {
		return config.Load(path)
	}
	if dir := getenv("STAGEHAND_RUNTIME_DIR", ""); dir != "" {
		return config.WithRuntimeDir(dir), nil
	}
	return config.Default(), nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
