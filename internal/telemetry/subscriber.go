package telemetry

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dreamware/stagehand/internal/bus"
)

// Handler receives matching telemetry messages. Handlers run on the
// connection's receive goroutine and should return quickly; anything slow
// reads Latest instead.
type Handler func(*Message)

// Subscriber consumes telemetry from any number of workers. Register
// patterns with Subscribe, then attach workers with Connect. Each topic's
// newest message is retained for sampling via Latest, so a consumer that
// cannot keep up with the stream still observes fresh state.
type Subscriber struct {
	mu       sync.RWMutex
	patterns map[string][]Handler
	latest   map[string]*Message
	conns    map[string]net.Conn
	closed   bool
	wg       sync.WaitGroup

	// OnDisconnect, when set, is invoked with the worker name after a
	// connection drops. Set before the first Connect.
	OnDisconnect func(worker string)
}

// NewSubscriber creates an empty subscriber.
func NewSubscriber() *Subscriber {
	return &Subscriber{
		patterns: make(map[string][]Handler),
		latest:   make(map[string]*Message),
		conns:    make(map[string]net.Conn),
	}
}

// Subscribe registers a handler for a topic pattern ("audio.features",
// "audio.*", "*"). Multiple handlers per pattern are allowed.
func (s *Subscriber) Subscribe(pattern string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[pattern] = append(s.patterns[pattern], handler)
}

// Connect attaches to a worker's telemetry address and starts the receive
// loop. Reconnecting an already-connected worker replaces the old
// connection.
func (s *Subscriber) Connect(worker, addr string) error {
	network, address, err := bus.SplitAddr(addr)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout(network, address, time.Second)
	if err != nil {
		return fmt.Errorf("telemetry connect %s: %w", worker, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return bus.ErrClosed
	}
	if old, ok := s.conns[worker]; ok {
		old.Close()
	}
	s.conns[worker] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(worker, conn)
	return nil
}

// Disconnect drops the connection to one worker, if any.
func (s *Subscriber) Disconnect(worker string) {
	s.mu.Lock()
	conn, ok := s.conns[worker]
	if ok {
		delete(s.conns, worker)
	}
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Connected reports whether a receive loop is attached for the worker.
func (s *Subscriber) Connected(worker string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[worker]
	return ok
}

// Latest returns the newest message seen on an exact topic, or nil. This
// is the sampling path for consumers that must not drain a queue.
func (s *Subscriber) Latest(topic string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[topic]
}

// Close drops all connections and waits for receive loops to finish.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[string]net.Conn)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Subscriber) receiveLoop(worker string, conn net.Conn) {
	defer s.wg.Done()
	for {
		msg, err := readFrame(conn)
		if err != nil {
			break
		}
		s.dispatch(msg)
	}

	s.mu.Lock()
	// Only forget the connection if it has not been replaced already.
	if cur, ok := s.conns[worker]; ok && cur == conn {
		delete(s.conns, worker)
	}
	closed := s.closed
	cb := s.OnDisconnect
	s.mu.Unlock()
	conn.Close()

	if !closed && cb != nil {
		cb(worker)
	}
}

func (s *Subscriber) dispatch(msg *Message) {
	s.mu.Lock()
	s.latest[msg.Topic] = msg
	var handlers []Handler
	for pattern, hs := range s.patterns {
		if TopicMatches(msg.Topic, pattern) {
			handlers = append(handlers, hs...)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("telemetry: handler panic on %s: %v", msg.Topic, r)
				}
			}()
			h(msg)
		}()
	}
}
