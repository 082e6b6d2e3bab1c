package control

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/stagehand/internal/bus"
)

const (
	// DefaultMaxConns bounds concurrently served connections. Excess
	// connections are closed on accept so load sheds by refusal.
	DefaultMaxConns = 5

	// requestQueueSize bounds commands waiting for the worker's poll
	// loop. A full queue stalls the offending connection, not the
	// worker.
	requestQueueSize = 16

	// connReadTimeout bounds each blocking read so a connection reader
	// can notice server shutdown.
	connReadTimeout = time.Second
)

// Request is one decoded command awaiting a reply. Reply may be called at
// most once; the runtime is expected to call it within its reply bound.
type Request struct {
	Env  *bus.Envelope
	conn *serverConn
}

// Reply writes the reply frame back on the connection the request arrived
// on.
func (r *Request) Reply(env *bus.Envelope) error {
	return r.conn.write(env)
}

// Server owns a worker's control listener. Create with NewServer, consume
// commands via Requests, and Close on shutdown.
type Server struct {
	addr     string
	listener net.Listener
	requests chan *Request
	maxConns int

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServer binds the control address and starts accepting connections. A
// stale unix socket file left by a crashed predecessor is removed before
// binding.
func NewServer(addr string) (*Server, error) {
	network, address, err := bus.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("bind control %s: %w", addr, err)
	}
	s := &Server{
		addr:     addr,
		listener: l,
		requests: make(chan *Request, requestQueueSize),
		maxConns: DefaultMaxConns,
		conns:    make(map[*serverConn]struct{}),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound control address.
func (s *Server) Addr() string {
	return s.addr
}

// Requests returns the queue of pending commands. The channel is never
// closed while the server is open; after Close it is drained and closed.
func (s *Server) Requests() <-chan *Request {
	return s.requests
}

// Poll waits up to timeout for one pending command. The bounded wait keeps
// the caller's loop responsive regardless of traffic.
func (s *Server) Poll(timeout time.Duration) (*Request, bool) {
	select {
	case req, ok := <-s.requests:
		if !ok {
			return nil, false
		}
		return req, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Close stops the listener, closes every live connection, and removes a
// unix socket file. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	close(s.requests)

	if network, address, aerr := bus.SplitAddr(s.addr); aerr == nil && network == "unix" {
		os.Remove(address)
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("control[%s]: accept: %v", s.addr, err)
			continue
		}
		if !s.track(conn) {
			// Over the connection cap: refuse.
			conn.Close()
			continue
		}
	}
}

// track registers the connection and spawns its reader, unless the server
// is closed or at its connection cap.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.conns) >= s.maxConns {
		return false
	}
	sc := &serverConn{conn: conn}
	s.conns[sc] = struct{}{}
	s.wg.Add(1)
	go s.readLoop(sc)
	return true
}

func (s *Server) untrack(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
	sc.close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// readLoop decodes frames from one connection and enqueues commands. Any
// protocol error closes the connection after a best-effort error reply;
// one broken peer never takes the server down.
func (s *Server) readLoop(sc *serverConn) {
	defer s.wg.Done()
	defer s.untrack(sc)

	for {
		sc.conn.SetReadDeadline(time.Now().Add(connReadTimeout))
		env, err := bus.ReadFrame(sc.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.isClosed() {
					return
				}
				continue
			}
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if bus.IsProtocolError(err) {
				// Tell the peer why, then drop the connection.
				_ = sc.write(bus.NewError(nil, err.Error()))
				return
			}
			if !s.isClosed() {
				log.Printf("control[%s]: read: %v", s.addr, err)
			}
			return
		}
		if env.Type != bus.TypeCommand {
			_ = sc.write(bus.NewError(env, "unexpected message type "+string(env.Type)))
			continue
		}
		// A full queue stalls this connection, not the worker:
		// backpressure lands on the noisy peer.
		select {
		case s.requests <- &Request{Env: env, conn: sc}:
		case <-s.done:
			return
		}
	}
}

// serverConn serializes writes from concurrent repliers on one connection.
type serverConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *serverConn) write(env *bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return bus.WriteFrame(c.conn, env)
}

func (c *serverConn) close() {
	c.conn.Close()
}

// removeStaleSocket unlinks a leftover socket file, refusing to touch a
// path that exists but is not a socket.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove non-socket %s", path)
	}
	if err := os.Remove(path); err != nil && !strings.Contains(err.Error(), "no such file") {
		return err
	}
	return nil
}
