// Package simconn is an in-process socket.Conn whose requests complete after
// a configured latency measured on an injected clock.
//
// Completions are delivered by Flush, called by the driver that owns the
// clock.
package simconn

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wudi/weightedsocket/socket"
)

var (
	// ErrClosed terminates requests submitted to, or in flight on, a closed connection.
	ErrClosed = errors.New("simconn: connection closed")
	// ErrUnavailable terminates requests picked for failure injection.
	ErrUnavailable = errors.New("simconn: endpoint unavailable")
)

// Config describes the simulated endpoint.
type Config struct {
	// Latency is how long each request takes. LatencyFunc, if set, overrides
	// it per request; seq starts at 1.
	Latency     time.Duration
	LatencyFunc func(seq int64) time.Duration
	// Availability is reported by Availability while open. Default 1.
	Availability float64
	// FailEvery makes every Nth request terminate with ErrUnavailable and no
	// response once its latency has elapsed. 0 disables failures.
	FailEvery int64
}

type pendingRequest struct {
	seq      int64
	stream   *socket.ResponseStream
	req      socket.Payload
	deadline time.Time
	fail     bool
}

// Conn is a simulated connection.
type Conn struct {
	clock clockwork.Clock
	cfg   Config

	mu           sync.Mutex
	seq          int64
	closed       bool
	availability float64
	queue        []*pendingRequest // ordered by deadline, then seq
}

// New creates an open connection timed by clock.
func New(clock clockwork.Clock, cfg Config) *Conn {
	if cfg.Availability == 0 {
		cfg.Availability = 1
	}
	return &Conn{
		clock:        clock,
		cfg:          cfg,
		availability: cfg.Availability,
	}
}

// Submit queues req. On a closed connection the stream terminates at once
// with ErrClosed.
func (c *Conn) Submit(req socket.Payload) socket.Stream {
	s := socket.NewResponseStream()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Terminate(ErrClosed)
		return s
	}
	c.seq++
	p := &pendingRequest{
		seq:      c.seq,
		stream:   s,
		req:      req,
		deadline: c.clock.Now().Add(c.latency(c.seq)),
		fail:     c.cfg.FailEvery > 0 && c.seq%c.cfg.FailEvery == 0,
	}
	i, _ := slices.BinarySearchFunc(c.queue, p, comparePending)
	c.queue = slices.Insert(c.queue, i, p)
	c.mu.Unlock()

	return s
}

func (c *Conn) latency(seq int64) time.Duration {
	if c.cfg.LatencyFunc != nil {
		return c.cfg.LatencyFunc(seq)
	}
	return c.cfg.Latency
}

func comparePending(a, b *pendingRequest) int {
	if c := a.deadline.Compare(b.deadline); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// Flush completes every request whose deadline has passed, in deadline
// order, and returns how many it completed.
func (c *Conn) Flush() int {
	now := c.clock.Now()

	c.mu.Lock()
	n := 0
	for n < len(c.queue) && !c.queue[n].deadline.After(now) {
		n++
	}
	due := slices.Clone(c.queue[:n])
	c.queue = slices.Delete(c.queue, 0, n)
	c.mu.Unlock()

	for _, p := range due {
		if p.fail {
			p.stream.Terminate(ErrUnavailable)
			continue
		}
		p.stream.Complete(socket.Payload{Data: p.req.Data, Metadata: p.req.Metadata})
	}
	return len(due)
}

// NextDeadline returns the earliest pending completion time.
func (c *Conn) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return time.Time{}, false
	}
	return c.queue[0].deadline, true
}

// Inflight returns the number of queued requests.
func (c *Conn) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Availability reports the configured availability, or 0 once closed.
func (c *Conn) Availability() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return c.availability
}

// SetAvailability changes the reported availability.
func (c *Conn) SetAvailability(v float64) {
	c.mu.Lock()
	c.availability = v
	c.mu.Unlock()
}

// Close terminates all in-flight requests with ErrClosed and then calls
// onDone. Closing twice is a no-op apart from calling onDone.
func (c *Conn) Close(onDone func(error)) {
	c.mu.Lock()
	dropped := c.queue
	c.queue = nil
	c.closed = true
	c.mu.Unlock()

	for _, p := range dropped {
		p.stream.Terminate(ErrClosed)
	}
	if onDone != nil {
		onDone(nil)
	}
}

var _ socket.Conn = (*Conn)(nil)
