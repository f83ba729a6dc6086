// Package deferred provides a request/response channel with correlation ids.
//
// A Channel decouples producers that submit requests from a single consumer
// that processes them and answers each one exactly once. Producers either
// block until their own answer arrives (Execute) or submit and collect the
// answer later by id (Send + WaitResponse) or in completion order (WaitAny).
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Receive is intended for a single consumer goroutine.
package deferred

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultQueueDepth is used when a Channel is created with a non-positive depth.
const DefaultQueueDepth = 8

// RequestID correlates a request with its response. IDs are unique per Channel.
type RequestID uint64

// slot holds the eventual answer to one request.
type slot[Resp any] struct {
	done   chan struct{}
	resp   Resp
	nowait bool
}

// Request is a dequeued request awaiting its answer.
type Request[Req, Resp any] struct {
	ID   RequestID
	Data Req

	answered atomic.Bool
	ch       *Channel[Req, Resp]
}

// Respond answers the request. A second call returns ErrAlreadyResponded.
// Answers to requests whose submitter has gone away are dropped.
func (r *Request[Req, Resp]) Respond(resp Resp) error {
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	r.ch.complete(r.ID, resp)
	return nil
}

// Channel is a bounded FIFO of requests with per-request reply slots.
type Channel[Req, Resp any] struct {
	queue  chan *Request[Req, Resp]
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[RequestID]*slot[Resp]
	ready   []RequestID
	readyCh chan struct{}
}

// New creates a Channel whose queue holds up to depth unreceived requests.
// Submitters block while the queue is full.
func New[Req, Resp any](depth int) *Channel[Req, Resp] {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Channel[Req, Resp]{
		queue:   make(chan *Request[Req, Resp], depth),
		pending: make(map[RequestID]*slot[Resp]),
		readyCh: make(chan struct{}),
	}
}

// Execute submits req and waits for its answer.
//
// If ctx ends first the request is abandoned: its reply slot is released and
// a later answer is discarded.
func (c *Channel[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	id, s, err := c.submit(ctx, req, false)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return c.await(ctx, id, s)
}

// Send submits req without waiting and returns its id. The answer is
// collected with WaitResponse or WaitAny, or released with Forget.
func (c *Channel[Req, Resp]) Send(ctx context.Context, req Req) (RequestID, error) {
	id, _, err := c.submit(ctx, req, true)
	return id, err
}

// Receive dequeues the next request in submission order, blocking until one
// is available or ctx ends.
func (c *Channel[Req, Resp]) Receive(ctx context.Context) (*Request[Req, Resp], error) {
	select {
	case r := <-c.queue:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitResponse waits for the answer to the request with the given id.
// The entry is removed once the answer is returned. Each answer is delivered
// once: if WaitAny collects it first, WaitResponse returns ErrUnknownRequest.
func (c *Channel[Req, Resp]) WaitResponse(ctx context.Context, id RequestID) (Resp, error) {
	c.mu.Lock()
	s, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		var zero Resp
		return zero, ErrUnknownRequest
	}
	return c.await(ctx, id, s)
}

// WaitAny waits for the first answered request submitted with Send that has
// not yet been collected. Answers are returned in completion order.
func (c *Channel[Req, Resp]) WaitAny(ctx context.Context) (RequestID, Resp, error) {
	for {
		c.mu.Lock()
		for len(c.ready) > 0 {
			id := c.ready[0]
			c.ready = c.ready[1:]
			s, ok := c.pending[id]
			if !ok {
				continue
			}
			delete(c.pending, id)
			c.mu.Unlock()
			return id, s.resp, nil
		}
		wake := c.readyCh
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			var zero Resp
			return 0, zero, ctx.Err()
		}
	}
}

// Forget releases interest in an in-flight request.
func (c *Channel[Req, Resp]) Forget(id RequestID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(id)
}

// Pending returns the number of requests whose answers have not been collected.
func (c *Channel[Req, Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel[Req, Resp]) submit(ctx context.Context, req Req, nowait bool) (RequestID, *slot[Resp], error) {
	id := RequestID(c.nextID.Add(1))
	s := &slot[Resp]{done: make(chan struct{}), nowait: nowait}

	c.mu.Lock()
	c.pending[id] = s
	c.mu.Unlock()

	r := &Request[Req, Resp]{ID: id, Data: req, ch: c}
	select {
	case c.queue <- r:
		return id, s, nil
	case <-ctx.Done():
		c.Forget(id)
		return 0, nil, ctx.Err()
	}
}

// await waits for s to be answered and claims it. If another waiter claimed
// the answer first it returns ErrUnknownRequest.
func (c *Channel[Req, Resp]) await(ctx context.Context, id RequestID, s *slot[Resp]) (Resp, error) {
	select {
	case <-s.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending[id] != s {
			var zero Resp
			return zero, ErrUnknownRequest
		}
		c.release(id)
		return s.resp, nil
	case <-ctx.Done():
		c.Forget(id)
		var zero Resp
		return zero, ctx.Err()
	}
}

func (c *Channel[Req, Resp]) complete(id RequestID, resp Resp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pending[id]
	if !ok {
		return
	}
	s.resp = resp
	close(s.done)

	if s.nowait {
		c.ready = append(c.ready, id)
		close(c.readyCh)
		c.readyCh = make(chan struct{})
	}
}

// release must be called with mu held.
func (c *Channel[Req, Resp]) release(id RequestID) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	for i, r := range c.ready {
		if r == id {
			c.ready = append(c.ready[:i], c.ready[i+1:]...)
			break
		}
	}
}
