// Package bus defines the message schema and wire protocol shared by every
// process in the stagehand system: workers, the supervisor, and front-end
// clients.
//
// # Overview
//
// All control-plane traffic is exchanged as Envelopes, a tagged union of the
// six message types in the protocol:
//
//	heartbeat  worker liveness signal with stats
//	command    request carrying a verb and payload
//	ack        success/failure reply without data
//	response   reply carrying a data payload
//	register   worker announcing itself and its addresses
//	error      structured failure reply
//
// A Command carries a unique MsgID (generated with UUIDs) which the reply
// must echo. Clients pair requests with replies by MsgID and discard any
// reply whose MsgID does not match a pending request, so a late or stray
// reply can never be misapplied.
//
// # Wire format
//
// Envelopes travel over a stream connection as length-prefixed frames:
//
//	[4-byte big-endian length][UTF-8 JSON body]
//
// The length prefix removes message-boundary ambiguity on a stream socket.
// Frames larger than MaxFrameSize are connection-fatal: the reader returns
// a *ProtocolError and the caller is expected to close the connection. The
// cap is checked before any allocation, so a corrupt prefix cannot cause an
// oversized buffer.
//
// # Error taxonomy
//
// Expected conditions are explicit error values, never panics:
//
//	ErrTimeout       sent but no reply within bound; outcome is ambiguous
//	*ProtocolError   malformed or oversized frame; connection-fatal
//	*WorkerError     failure reported by the remote worker; recoverable
//
// Connection-level failures (unreachable address, refused) surface as the
// wrapped net errors from dialing, and callers treat them as absence with
// backoff. Absence and failure are always distinguishable.
//
// # Addressing
//
// Workers are reachable at two addresses, one reliable control address and
// one best-effort telemetry address. Both are written in URL-ish form and
// parsed by SplitAddr:
//
//	unix:///run/stagehand/audio_analyzer.sock
//	tcp://127.0.0.1:5001
package bus
