// Package config loads the supervisor's configuration: the runtime
// directory shared by every process, the registry file location, and the
// roster of managed workers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/stagehand/internal/bus"
)

// Worker names become socket file names, so the charset is restricted.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// WorkerSpec describes one managed worker in the roster.
type WorkerSpec struct {
	// Name is the unique worker identity used for registry records,
	// socket paths, and operator commands.
	Name string `yaml:"name"`

	// Command is the executable to spawn; Args are passed verbatim.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`

	// Env entries are appended to the child's environment.
	Env map[string]string `yaml:"env,omitempty"`

	// AutoStart controls whether the supervisor spawns the worker at
	// boot. Workers with AutoStart false are only started on operator
	// request.
	AutoStart bool `yaml:"auto_start"`
}

// Config is the supervisor daemon's configuration.
type Config struct {
	// RuntimeDir holds the registry file and every control/telemetry
	// socket. All processes of one deployment share it.
	RuntimeDir string `yaml:"runtime_dir"`

	// RegistryPath overrides the registry file location. Empty means
	// <runtime_dir>/registry.json.
	RegistryPath string `yaml:"registry_path,omitempty"`

	// StopGraceSeconds is how long a worker gets between the shutdown
	// command and SIGKILL.
	StopGraceSeconds int `yaml:"stop_grace_seconds,omitempty"`

	Workers []WorkerSpec `yaml:"workers"`
}

// Default returns a config with the standard runtime paths and an empty
// roster.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// WithRuntimeDir returns a default config rooted at dir.
func WithRuntimeDir(dir string) *Config {
	c := &Config{RuntimeDir: dir}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.RuntimeDir == "" {
		c.RuntimeDir = filepath.Join(os.TempDir(), "stagehand")
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.RuntimeDir, "registry.json")
	}
	if c.StopGraceSeconds <= 0 {
		c.StopGraceSeconds = 5
	}
}

// StopGrace returns the configured grace period as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks worker names and commands. Names must be unique and
// filesystem-safe.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker %d: name is required", i)
		}
		if !nameRe.MatchString(w.Name) {
			return fmt.Errorf("worker %q: name must match %s", w.Name, nameRe)
		}
		if seen[w.Name] {
			return fmt.Errorf("worker %q: duplicate name", w.Name)
		}
		seen[w.Name] = true
		if w.Command == "" {
			return fmt.Errorf("worker %q: command is required", w.Name)
		}
	}
	return nil
}

// Spec returns the roster entry for name, or nil.
func (c *Config) Spec(name string) *WorkerSpec {
	for i := range c.Workers {
		if c.Workers[i].Name == name {
			return &c.Workers[i]
		}
	}
	return nil
}

// CommandAddr returns the control channel address for a worker.
func (c *Config) CommandAddr(name string) string {
	return bus.UnixAddr(filepath.Join(c.RuntimeDir, name+".sock"))
}

// TelemetryAddr returns the telemetry channel address for a worker.
func (c *Config) TelemetryAddr(name string) string {
	return bus.UnixAddr(filepath.Join(c.RuntimeDir, name+".tele.sock"))
}

// SupervisorName is the reserved worker name under which the supervisor
// itself registers.
const SupervisorName = "supervisor"

// SupervisorAddr returns the supervisor's own control channel address,
// the socket operators talk to.
func (c *Config) SupervisorAddr() string {
	return c.CommandAddr(SupervisorName)
}

// EnsureRuntimeDir creates the runtime directory if needed.
func (c *Config) EnsureRuntimeDir() error {
	if err := os.MkdirAll(c.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}
	return nil
}
