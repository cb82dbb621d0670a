package fanout

import (
	"sync"

	"github.com/fanlog/fanlog/internal/subindex"
)

// Controller tracks per-subscriber outbound queues and enforces the
// backpressure policy: bounded queues, a degraded diagnostic flag, and
// hard-limit rejection. Eviction itself is the dispatcher's call; the
// controller only reports the rejection.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	subs   map[subindex.Handle]*Subscriber
}

// NewController builds a Controller applying limits to every subscriber.
func NewController(limits Limits) *Controller {
	return &Controller{limits: limits.withDefaults(), subs: make(map[subindex.Handle]*Subscriber)}
}

// Attach creates the outbound queue for handle h.
func (c *Controller) Attach(h subindex.Handle) *Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := newSubscriber(h, c.limits)
	c.subs[h] = s
	return s
}

// Detach stops accounting for h and closes its queue with reason. Safe to
// call twice; later Enqueue calls for h fail with ErrSubscriberClosed.
func (c *Controller) Detach(h subindex.Handle, reason error) {
	c.mu.Lock()
	s, ok := c.subs[h]
	delete(c.subs, h)
	c.mu.Unlock()
	if ok {
		s.Close(reason)
	}
}

// Enqueue appends a delivery to h's queue. Returns ErrBackpressureRejected
// when the queue is over its hard limit and ErrSubscriberClosed when h is
// already torn down.
func (c *Controller) Enqueue(h subindex.Handle, d Delivery) error {
	c.mu.Lock()
	s, ok := c.subs[h]
	c.mu.Unlock()
	if !ok {
		return ErrSubscriberClosed
	}
	return s.push(d)
}

// EnqueueHistory appends a replayed entry to h's main queue, bypassing the
// replay side buffer. Used by the catch-up manager only.
func (c *Controller) EnqueueHistory(h subindex.Handle, d Delivery) error {
	c.mu.Lock()
	s, ok := c.subs[h]
	c.mu.Unlock()
	if !ok {
		return ErrSubscriberClosed
	}
	return s.pushHistory(d)
}

// Get returns the subscriber for h when attached.
func (c *Controller) Get(h subindex.Handle) (*Subscriber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[h]
	return s, ok
}

// Attached returns the number of live queues. Diagnostic only.
func (c *Controller) Attached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
