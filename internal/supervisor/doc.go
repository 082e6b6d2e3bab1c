// Package supervisor spawns and watches the worker roster.
//
// A health loop checks every managed worker against the registry each
// interval. A worker whose process exited or whose heartbeat went stale
// is killed (if a remnant survives), scheduled for restart with
// exponential backoff, and abandoned once it exceeds the retry budget
// inside a rolling window. Operator start/stop/restart run beside the
// loop and keep their own accounting, so a manual restart never eats
// into the crash budget.
//
// The supervisor itself runs inside the worker runtime: it registers,
// heartbeats, publishes lifecycle events on its telemetry channel, and
// serves start_worker/stop_worker/restart_worker/list_workers on its
// control channel.
package supervisor
