// Package worker implements the runtime embedded by every stagehand
// worker process: registration, heartbeats, command serving, telemetry
// publishing, and graceful shutdown.
//
// # Lifecycle
//
//	INIT → REGISTERED → RUNNING → STOPPING → STOPPED
//	                        └──────────────→ CRASHED
//
// INIT binds the control and telemetry sockets and registers with the
// shared registry. A failure in the worker's OnStart hook does not abort:
// the runtime still enters RUNNING in a degraded state, keeps answering
// commands and emitting heartbeats, and reports the start error through
// get_state. The supervisor then observes "running but degraded" instead
// of a crash loop on a recoverable error.
//
// # Concurrency
//
// Two activities run concurrently inside a worker. A dedicated goroutine
// beats the registry on a fixed ticker so heartbeats are never starved by
// slow work. The main loop alternates a bounded command poll (100ms) with
// one Tick of worker-specific work, so a shutdown request is observed
// within one poll interval and a busy Tick delays commands, not liveness.
//
// A panic escaping any hook is caught at the top of the loop, logged, and
// converted into a non-zero exit; deciding whether to restart is the
// supervisor's job, never the worker's.
package worker
