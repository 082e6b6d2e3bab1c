// Package telemetry implements the best-effort broadcast channel each
// worker publishes high-frequency data on.
//
// A worker binds one Publisher on its telemetry address. Subscribers
// connect and receive every message published after they attach, encoded as
// length-prefixed msgpack frames. Publish never blocks and never waits for
// a subscriber: each subscriber gets a small buffered queue, and when the
// queue is full the newest message is dropped for that subscriber and
// counted. A slow or dead front-end therefore cannot stall a worker, which
// is what makes a client crash invisible to the rest of the system.
//
// Topics are dotted names ("audio.features", "events.lifecycle"). A
// subscription pattern is either an exact topic, a single-level prefix
// wildcard ("audio.*"), or "*" for everything. There are no ordering
// guarantees across topics and no redelivery; subscribers that cannot keep
// up sample the latest value per topic instead of draining a backlog.
//
// Send rates around 100 msg/s per worker are the design envelope, which is
// far below what one fan-out goroutine per subscriber sustains.
package telemetry
