// Package control implements the reliable command channel between a worker
// and its callers (the supervisor, front-end clients, the operator CLI).
//
// Each worker binds one Server on its control address. Connections are
// accepted up to a fixed cap (default 5); connections beyond the cap are
// closed immediately, so overload sheds by refusal instead of queuing
// without bound. Every accepted connection gets its own reader goroutine
// that decodes length-prefixed envelope frames (see package bus) and
// enqueues them on a bounded request queue. The worker runtime drains that
// queue with a bounded poll, which keeps command handling inside the
// worker's main loop without ever blocking its heartbeat.
//
// The Client side dials with a short, fail-fast timeout and correlates each
// Command with its reply by MsgID. A reply carrying any other MsgID is
// logged and discarded; it can never be applied to the wrong pending
// request. No reply within the deadline surfaces bus.ErrTimeout, whose
// outcome is ambiguous by definition: callers retry idempotent verbs only.
// A malformed or oversized frame in either direction is connection-fatal.
package control
