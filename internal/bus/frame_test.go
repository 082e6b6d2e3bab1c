package bus

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies that an envelope written as a frame is read
// back intact, including payload bytes and correlation id.
func TestFrameRoundTrip(t *testing.T) {
	cmd, err := NewCommand(VerbSetConfig, map[string]any{"interval_ms": 250})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, cmd))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, got.Type)
	assert.Equal(t, cmd.MsgID, got.MsgID)
	assert.Equal(t, VerbSetConfig, got.Verb)

	var payload map[string]int
	require.NoError(t, got.DecodePayload(&payload))
	assert.Equal(t, 250, payload["interval_ms"])
}

// TestFrameConsecutive verifies that multiple frames on one stream are
// separated cleanly by the length prefix.
func TestFrameConsecutive(t *testing.T) {
	var buf bytes.Buffer
	first, _ := NewCommand(VerbPing, nil)
	second, _ := NewCommand(VerbGetState, nil)
	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	got1, err := ReadFrame(&buf)
	require.NoError(t, err)
	got2, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, first.MsgID, got1.MsgID)
	assert.Equal(t, second.MsgID, got2.MsgID)

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

// TestFrameOversizedPrefix verifies that a length prefix above the cap is
// rejected before any body is read or allocated.
func TestFrameOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err), "expected ProtocolError, got %v", err)
}

// TestFrameZeroLength verifies that a zero-length prefix is treated as
// stream corruption rather than an empty message.
func TestFrameZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := ReadFrame(buf)
	assert.True(t, IsProtocolError(err))
}

// TestFrameMalformedBody verifies that a frame whose body is not a valid
// envelope surfaces as a ProtocolError, not a panic or silent nil.
func TestFrameMalformedBody(t *testing.T) {
	body := []byte("this is not json")
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)

	_, err := ReadFrame(&buf)
	assert.True(t, IsProtocolError(err))
}

// TestFrameMissingType verifies that valid JSON without a type tag is
// rejected; an untyped envelope cannot be dispatched safely.
func TestFrameMissingType(t *testing.T) {
	body := []byte(`{"msg_id":"abc"}`)
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)

	_, err := ReadFrame(&buf)
	assert.True(t, IsProtocolError(err))
}

// TestWriteFrameTooLarge verifies the writer refuses to emit a frame the
// reader would reject.
func TestWriteFrameTooLarge(t *testing.T) {
	cmd, err := NewCommand(VerbSetConfig, map[string]string{
		"blob": strings.Repeat("x", MaxFrameSize),
	})
	require.NoError(t, err)

	err = WriteFrame(io.Discard, cmd)
	assert.True(t, IsProtocolError(err))
}

// TestCommandCorrelation verifies reply constructors echo the command's
// MsgID and that each command gets a distinct id.
func TestCommandCorrelation(t *testing.T) {
	a, _ := NewCommand(VerbGetState, nil)
	b, _ := NewCommand(VerbGetState, nil)
	assert.NotEmpty(t, a.MsgID)
	assert.NotEqual(t, a.MsgID, b.MsgID)

	resp, err := NewResponse(a, map[string]string{"status": "running"})
	require.NoError(t, err)
	assert.Equal(t, a.MsgID, resp.MsgID)

	ack := NewAck(a, true, "")
	assert.Equal(t, a.MsgID, ack.MsgID)

	errEnv := NewError(a, "boom")
	assert.Equal(t, a.MsgID, errEnv.MsgID)
	assert.Equal(t, TypeError, errEnv.Type)
}

// TestVerbIdempotency pins the contract per verb class: queries may be
// retried blindly, mutations may not.
func TestVerbIdempotency(t *testing.T) {
	assert.True(t, VerbGetState.Idempotent())
	assert.True(t, VerbPing.Idempotent())
	assert.False(t, VerbSetConfig.Idempotent())
	assert.False(t, VerbRestart.Idempotent())
	assert.False(t, VerbShutdown.Idempotent())
	assert.False(t, Verb("custom_thing").Idempotent())
}

// TestSplitAddr covers the supported address forms.
func TestSplitAddr(t *testing.T) {
	cases := []struct {
		in, network, address string
		wantErr              bool
	}{
		{"unix:///tmp/a.sock", "unix", "/tmp/a.sock", false},
		{"tcp://127.0.0.1:5001", "tcp", "127.0.0.1:5001", false},
		{"/tmp/bare.sock", "unix", "/tmp/bare.sock", false},
		{"udp://127.0.0.1:9000", "", "", true},
		{"", "", "", true},
	}
	for _, c := range cases {
		network, address, err := SplitAddr(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.network, network)
		assert.Equal(t, c.address, address)
	}
}
