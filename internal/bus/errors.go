package bus

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a command was sent but no reply arrived within
// the deadline. The outcome is ambiguous: the command may or may not have
// been applied. Callers must not retry non-idempotent verbs on this error.
var ErrTimeout = errors.New("timeout waiting for reply")

// ErrClosed is returned from operations on a closed channel endpoint.
var ErrClosed = errors.New("endpoint closed")

// ProtocolError indicates a malformed or oversized frame. It is
// connection-fatal: the connection it was observed on must be closed and
// re-established before further use.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// WorkerError is a structured failure reported by the remote worker via an
// error envelope or a failed ack. The command was delivered and rejected, so
// retrying without change will fail again.
type WorkerError struct {
	Worker  string
	Verb    Verb
	Message string
}

func (e *WorkerError) Error() string {
	if e.Worker == "" {
		return fmt.Sprintf("worker error (%s): %s", e.Verb, e.Message)
	}
	return fmt.Sprintf("worker %s error (%s): %s", e.Worker, e.Verb, e.Message)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
