package control

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dreamware/stagehand/internal/bus"
)

// DefaultDialTimeout is the fail-fast bound for connecting to a worker. An
// unreachable worker should be reported in about a second, not block the
// caller.
const DefaultDialTimeout = time.Second

// DefaultCallTimeout bounds a command round trip.
const DefaultCallTimeout = 2 * time.Second

// Client is one connection to a worker's control server. It is safe for
// concurrent use; calls are serialized on the connection.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Dial connects to a worker's control address, failing fast after timeout.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	network, address, err := bus.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Addr returns the remote control address.
func (c *Client) Addr() string {
	return c.addr
}

// Call sends one command and waits up to timeout for the correlated reply.
//
// Replies whose MsgID does not match the command are discarded, never
// returned. On expiry the result is bus.ErrTimeout and the outcome is
// ambiguous: the caller may retry only idempotent verbs. An error envelope
// or failed ack from the worker is returned as *bus.WorkerError alongside
// the envelope. Protocol errors close the connection.
func (c *Client) Call(cmd *bus.Envelope, timeout time.Duration) (*bus.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, bus.ErrClosed
	}

	deadline := time.Now().Add(timeout)
	c.conn.SetWriteDeadline(deadline)
	if err := bus.WriteFrame(c.conn, cmd); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("send %s: %w", cmd.Verb, err)
	}

	for {
		c.conn.SetReadDeadline(deadline)
		env, err := bus.ReadFrame(c.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, bus.ErrTimeout
			}
			c.closeLocked()
			if err == io.EOF {
				return nil, fmt.Errorf("connection closed by %s: %w", c.addr, err)
			}
			return nil, err
		}
		if env.MsgID != cmd.MsgID {
			log.Printf("control: %s: discarding reply with msg_id %q (want %q)",
				c.addr, env.MsgID, cmd.MsgID)
			continue
		}
		switch env.Type {
		case bus.TypeError:
			return env, &bus.WorkerError{Verb: cmd.Verb, Message: env.Error}
		case bus.TypeAck:
			if !env.OK {
				return env, &bus.WorkerError{Verb: cmd.Verb, Message: env.Error}
			}
			return env, nil
		case bus.TypeResponse:
			return env, nil
		default:
			c.closeLocked()
			return nil, &bus.ProtocolError{
				Reason: fmt.Sprintf("reply with unexpected type %q", env.Type),
			}
		}
	}
}

// Ping sends the cheap liveness verb with a short timeout.
func (c *Client) Ping(timeout time.Duration) error {
	cmd, err := bus.NewCommand(bus.VerbPing, nil)
	if err != nil {
		return err
	}
	_, err = c.Call(cmd, timeout)
	return err
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
