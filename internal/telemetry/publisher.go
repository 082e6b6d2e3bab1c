package telemetry

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/stagehand/internal/bus"
)

// subscriberQueueSize buffers frames per subscriber. At the ~100 msg/s
// envelope this absorbs bursts of a little over half a second before
// dropping.
const subscriberQueueSize = 64

// subscriberWriteTimeout bounds a single frame write. A subscriber that
// cannot drain a frame within it is detached entirely; a wedged consumer
// must never pin a worker's shutdown.
const subscriberWriteTimeout = 2 * time.Second

// PublisherStats reports fan-out counters.
type PublisherStats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Publisher owns a worker's telemetry listener and fans messages out to
// every connected subscriber, dropping per subscriber when one falls
// behind.
type Publisher struct {
	addr     string
	worker   string
	listener net.Listener

	mu     sync.Mutex
	subs   map[*pubSub]struct{}
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	wg        sync.WaitGroup
}

type pubSub struct {
	conn   net.Conn
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// detach severs the subscriber. Closing the connection unblocks any
// in-flight Write or Read, so both per-subscriber goroutines exit
// promptly. Safe to call from any goroutine, any number of times.
func (s *pubSub) detach() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewPublisher binds the telemetry address and starts accepting
// subscribers.
func NewPublisher(addr, worker string) (*Publisher, error) {
	network, address, err := bus.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if info, err := os.Lstat(address); err == nil && info.Mode()&os.ModeSocket != 0 {
			os.Remove(address)
		}
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("bind telemetry %s: %w", addr, err)
	}
	p := &Publisher{
		addr:     addr,
		worker:   worker,
		listener: l,
		subs:     make(map[*pubSub]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Addr returns the bound telemetry address.
func (p *Publisher) Addr() string {
	return p.addr
}

// Publish fans one message out to all current subscribers. It never
// blocks: a subscriber whose queue is full loses this message and the drop
// is counted. Publishing with no subscribers is a cheap no-op.
func (p *Publisher) Publish(topic string, payload any) {
	p.mu.Lock()
	if p.closed || len(p.subs) == 0 {
		p.mu.Unlock()
		return
	}
	frame, err := encodeFrame(NewMessage(p.worker, topic, payload))
	if err != nil {
		p.mu.Unlock()
		log.Printf("telemetry[%s]: %v", p.worker, err)
		return
	}
	p.published.Add(1)
	for sub := range p.subs {
		select {
		case sub.frames <- frame:
		default:
			p.dropped.Add(1)
		}
	}
	p.mu.Unlock()
}

// Stats snapshots the fan-out counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	n := len(p.subs)
	p.mu.Unlock()
	return PublisherStats{
		Subscribers: n,
		Published:   p.published.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// Close stops the listener and disconnects all subscribers. It returns
// promptly even when a subscriber is wedged mid-write: detaching closes
// the connection, which aborts the blocked Write.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := make([]*pubSub, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[*pubSub]struct{})
	p.mu.Unlock()

	for _, sub := range subs {
		sub.detach()
	}
	err := p.listener.Close()
	p.wg.Wait()
	if network, address, aerr := bus.SplitAddr(p.addr); aerr == nil && network == "unix" {
		os.Remove(address)
	}
	return err
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			log.Printf("telemetry[%s]: accept: %v", p.worker, err)
			continue
		}
		sub := &pubSub{
			conn:   conn,
			frames: make(chan []byte, subscriberQueueSize),
			done:   make(chan struct{}),
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.subs[sub] = struct{}{}
		p.mu.Unlock()
		p.wg.Add(2)
		go p.writeLoop(sub)
		go p.readLoop(sub)
	}
}

// writeLoop drains one subscriber's queue onto its connection. A write
// error or timeout means the subscriber is gone or wedged; it is detached
// and forgotten without disturbing anyone else.
func (p *Publisher) writeLoop(sub *pubSub) {
	defer p.wg.Done()
	defer func() {
		sub.detach()
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
	}()
	for {
		select {
		case <-sub.done:
			return
		case frame := <-sub.frames:
			sub.conn.SetWriteDeadline(time.Now().Add(subscriberWriteTimeout))
			if _, err := sub.conn.Write(frame); err != nil {
				return
			}
		}
	}
}

// readLoop watches for the peer closing its end. Subscribers never send
// data, so a successful read is discarded and an error means the
// connection is gone; detaching here is what lets the publisher notice a
// departed subscriber without waiting for the next write attempt.
func (p *Publisher) readLoop(sub *pubSub) {
	defer p.wg.Done()
	buf := make([]byte, 16)
	for {
		if _, err := sub.conn.Read(buf); err != nil {
			sub.detach()
			return
		}
	}
}
