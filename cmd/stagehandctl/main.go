// Command stagehandctl is the operator CLI: it lists, starts, stops,
// restarts, and inspects workers through the supervisor's control
// channel and the shared registry.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/stagehand/internal/bus"
	"github.com/dreamware/stagehand/internal/config"
	"github.com/dreamware/stagehand/internal/control"
	"github.com/dreamware/stagehand/internal/registry"
	"github.com/dreamware/stagehand/internal/supervisor"
)

const usage = `usage: stagehandctl [flags] <command>

commands:
  list             show all workers and their status
  start <name>     start a roster worker
  stop <name>      stop a worker (stays stopped until started again)
  restart <name>   stop and start a worker
  state <name>     print a worker's full state as JSON

flags:
`

func main() {
	var (
		runtimeDir string
		socket     string
		timeout    time.Duration
	)
	pflag.StringVar(&runtimeDir, "runtime-dir", "", "runtime directory (default: system temp)")
	pflag.StringVar(&socket, "socket", "", "supervisor control socket address (overrides --runtime-dir)")
	pflag.DurationVar(&timeout, "timeout", 5*time.Second, "per-command timeout")
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if runtimeDir != "" {
		cfg = config.WithRuntimeDir(runtimeDir)
	}
	if socket == "" {
		socket = cfg.SupervisorAddr()
	}

	var err error
	switch cmd := args[0]; cmd {
	case "list":
		err = runList(socket, timeout)
	case "start", "stop", "restart":
		if len(args) != 2 {
			fmt.Fprintf(os.Stderr, "%s requires a worker name\n", cmd)
			os.Exit(2)
		}
		err = runVerb(socket, timeout, cmd+"_worker", args[1])
	case "state":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "state requires a worker name")
			os.Exit(2)
		}
		err = runState(cfg, timeout, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		pflag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "stagehandctl: %v\n", err)
		os.Exit(1)
	}
}

func call(socket string, timeout time.Duration, cmd *bus.Envelope) (*bus.Envelope, error) {
	cli, err := control.Dial(socket, timeout)
	if err != nil {
		return nil, fmt.Errorf("supervisor unreachable at %s: %w", socket, err)
	}
	defer cli.Close()
	return cli.Call(cmd, timeout)
}

func runList(socket string, timeout time.Duration) error {
	cmd, err := bus.NewCommand(supervisor.VerbListWorkers, nil)
	if err != nil {
		return err
	}
	resp, err := call(socket, timeout, cmd)
	if err != nil {
		return err
	}
	var body struct {
		Workers []supervisor.WorkerStatus `json:"workers"`
	}
	if err := resp.DecodeData(&body); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPID\tRESTARTS\tUPTIME")
	for _, ws := range body.Workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			ws.Name, displayStatus(ws), displayPID(ws.PID),
			ws.RestartCount, ws.RestartLimit, displayUptime(ws.UptimeSec))
	}
	return w.Flush()
}

func displayStatus(ws supervisor.WorkerStatus) string {
	switch ws.Status {
	case supervisor.StatusGivenUp:
		return "failed — manual restart required"
	case supervisor.StatusBackingOff:
		return fmt.Sprintf("restarting (attempt %d/%d)", ws.RestartCount, ws.RestartLimit)
	default:
		return ws.Status
	}
}

func displayPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func displayUptime(sec float64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Duration(sec * float64(time.Second)).Round(time.Second).String()
}

func runVerb(socket string, timeout time.Duration, verb, name string) error {
	cmd, err := bus.NewCommand(bus.Verb(verb), map[string]string{"name": name})
	if err != nil {
		return err
	}
	if _, err := call(socket, timeout, cmd); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", name)
	return nil
}

// runState asks the worker itself, not the supervisor, so it works for
// unmanaged workers too.
func runState(cfg *config.Config, timeout time.Duration, name string) error {
	store, err := registry.NewFileStore(cfg.RegistryPath)
	if err != nil {
		return err
	}
	rec, err := registry.New(store).Get(name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("worker %q is not registered", name)
		}
		return err
	}

	cmd, err := bus.NewCommand(bus.VerbGetState, nil)
	if err != nil {
		return err
	}
	resp, err := call(rec.CommandAddr, timeout, cmd)
	if err != nil {
		return err
	}
	var state map[string]any
	if err := resp.DecodeData(&state); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
