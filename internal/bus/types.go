package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the envelope union on the wire.
type MessageType string

const (
	TypeHeartbeat MessageType = "heartbeat"
	TypeCommand   MessageType = "command"
	TypeAck       MessageType = "ack"
	TypeResponse  MessageType = "response"
	TypeRegister  MessageType = "register"
	TypeError     MessageType = "error"
)

// Verb identifies a command. The built-in verbs below are dispatched through
// a static table in the worker runtime; anything else is routed to the
// worker's custom command handler.
type Verb string

const (
	VerbGetState  Verb = "get_state"
	VerbSetConfig Verb = "set_config"
	VerbRestart   Verb = "restart"
	VerbShutdown  Verb = "shutdown"
	VerbPing      Verb = "ping"
)

// Idempotent reports whether the verb may be blindly retried after an
// ambiguous outcome (timeout with no reply). get_state and ping are
// side-effect-free by contract; set_config, restart and shutdown are not
// and must only be retried when the caller knows the command never arrived.
func (v Verb) Idempotent() bool {
	return v == VerbGetState || v == VerbPing
}

// Envelope is the single message container for the control channel. Fields
// are a superset across the message types; which are meaningful depends on
// Type. MsgID is set on commands and echoed on their replies.
type Envelope struct {
	Type  MessageType `json:"type"`
	MsgID string      `json:"msg_id,omitempty"`

	// Command fields.
	Verb    Verb            `json:"verb,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Reply fields. OK is meaningful on acks; Data on responses;
	// Error on error envelopes.
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`

	// Identity fields, set on heartbeat and register messages.
	Worker        string  `json:"worker,omitempty"`
	PID           int     `json:"pid,omitempty"`
	UptimeSec     float64 `json:"uptime_sec,omitempty"`
	CommandAddr   string  `json:"command_addr,omitempty"`
	TelemetryAddr string  `json:"telemetry_addr,omitempty"`

	// Stats carries worker-specific metrics on heartbeats.
	Stats map[string]any `json:"stats,omitempty"`

	Timestamp float64 `json:"timestamp,omitempty"`
}

// NewMsgID returns a fresh correlation id.
func NewMsgID() string {
	return uuid.NewString()
}

// NewCommand builds a command envelope with a unique MsgID. payload may be
// nil for verbs that take no arguments.
func NewCommand(verb Verb, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Type:      TypeCommand,
		MsgID:     NewMsgID(),
		Verb:      verb,
		Payload:   raw,
		Timestamp: now(),
	}, nil
}

// NewAck builds an ack reply correlated to req.
func NewAck(req *Envelope, ok bool, message string) *Envelope {
	return &Envelope{
		Type:      TypeAck,
		MsgID:     req.MsgID,
		OK:        ok,
		Error:     message,
		Timestamp: now(),
	}
}

// NewResponse builds a data-carrying reply correlated to req.
func NewResponse(req *Envelope, data any) (*Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      TypeResponse,
		MsgID:     req.MsgID,
		OK:        true,
		Data:      b,
		Timestamp: now(),
	}, nil
}

// NewError builds an error reply correlated to req. req may be nil when the
// request could not even be decoded.
func NewError(req *Envelope, message string) *Envelope {
	e := &Envelope{
		Type:      TypeError,
		Error:     message,
		Timestamp: now(),
	}
	if req != nil {
		e.MsgID = req.MsgID
	}
	return e
}

// NewHeartbeat builds a liveness envelope for the named worker.
func NewHeartbeat(worker string, pid int, uptime time.Duration, stats map[string]any) *Envelope {
	return &Envelope{
		Type:      TypeHeartbeat,
		Worker:    worker,
		PID:       pid,
		UptimeSec: uptime.Seconds(),
		Stats:     stats,
		Timestamp: now(),
	}
}

// NewRegister builds a registration envelope announcing a worker's
// addresses.
func NewRegister(worker string, pid int, commandAddr, telemetryAddr string) *Envelope {
	return &Envelope{
		Type:          TypeRegister,
		Worker:        worker,
		PID:           pid,
		CommandAddr:   commandAddr,
		TelemetryAddr: telemetryAddr,
		Timestamp:     now(),
	}
}

// DecodePayload unmarshals the command payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// DecodeData unmarshals a response's data into out.
func (e *Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
