package bus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds the body of a single frame. An envelope has no
// business being anywhere near this large; a bigger prefix indicates a
// corrupt stream or a misbehaving peer.
const MaxFrameSize = 1 << 20 // 1 MiB

// WriteFrame encodes env as JSON and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("frame too large: %d bytes", len(body))}
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes the envelope.
// Oversized, zero-length, or undecodable frames return *ProtocolError; the
// caller must treat that as connection-fatal. io.EOF is returned unchanged
// when the peer closed cleanly between frames.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, &ProtocolError{Reason: "zero-length frame"}
	}
	if n > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds cap %d", n, MaxFrameSize)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Reason: "envelope missing type"}
	}
	return &env, nil
}
