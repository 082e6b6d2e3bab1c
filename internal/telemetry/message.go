package telemetry

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize caps a telemetry frame. Telemetry bodies are small; the cap
// only guards against a corrupt length prefix.
const maxFrameSize = 1 << 20

// Message is one telemetry datum. Payload is opaque to the channel; workers
// put DSP results, poll results, or lifecycle events in it.
type Message struct {
	Topic     string  `msgpack:"topic"`
	Worker    string  `msgpack:"worker"`
	Payload   any     `msgpack:"payload"`
	Timestamp float64 `msgpack:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(worker, topic string, payload any) *Message {
	return &Message{
		Topic:     topic,
		Worker:    worker,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// encodeFrame renders the message as one length-prefixed msgpack frame.
func encodeFrame(m *Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode telemetry: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// readFrame reads one telemetry frame from the stream.
func readFrame(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("telemetry frame length %d out of range", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var m Message
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}
	return &m, nil
}

// TopicMatches reports whether topic matches a subscription pattern.
// Patterns: exact match, "prefix.*" for one subtree, "*" for all.
func TopicMatches(topic, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, pattern[:len(pattern)-2]+".")
	default:
		return topic == pattern
	}
}
