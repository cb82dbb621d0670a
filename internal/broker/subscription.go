package broker

import (
	"context"
	"fmt"

	"github.com/fanlog/fanlog/internal/fanout"
	"github.com/fanlog/fanlog/internal/subindex"
)

// Subscription is one live consumer's view of the broker: a bounded delivery
// queue plus the ability to change its topic set. Close it when done;
// abandoned subscriptions get evicted once their queue fills.
type Subscription struct {
	b      *Broker
	handle subindex.Handle
	sub    *fanout.Subscriber
}

// Subscribe attaches a new subscriber to the given topics or glob patterns.
// filterExpr is an optional CEL expression evaluated per entry; empty matches
// everything.
func (b *Broker) Subscribe(targets []string, filterExpr string) (*Subscription, error) {
	for _, t := range targets {
		if !validTarget(t) {
			return nil, fmt.Errorf("%w: target %q", ErrInvalidName, t)
		}
	}
	f, err := newEntryFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	h := b.index.Register()
	sub := b.ctrl.Attach(h)
	b.mu.Lock()
	b.filters[h] = f
	b.mu.Unlock()
	for _, t := range targets {
		b.index.Subscribe(h, t)
	}
	return &Subscription{b: b, handle: h, sub: sub}, nil
}

// Next blocks until a delivery arrives, the subscription is torn down, or ctx
// is done. After a forced disconnect the queued deliveries drain first, then
// Next reports the teardown reason.
func (s *Subscription) Next(ctx context.Context) (fanout.Delivery, error) {
	return s.sub.Next(ctx)
}

// Add subscribes to another topic or pattern.
func (s *Subscription) Add(target string) error {
	if !validTarget(target) {
		return fmt.Errorf("%w: target %q", ErrInvalidName, target)
	}
	s.b.index.Subscribe(s.handle, target)
	return nil
}

// Remove drops one topic or pattern from the subscription.
func (s *Subscription) Remove(target string) {
	s.b.index.Unsubscribe(s.handle, target)
}

// Close tears the subscription down. Safe to call twice.
func (s *Subscription) Close() {
	s.b.dropSubscriber(s.handle, nil)
}

// Degraded reports whether the queue has sat above the soft watermark past
// the grace window.
func (s *Subscription) Degraded() bool { return s.sub.Degraded() }

// Depth returns the queue depth in entries and bytes.
func (s *Subscription) Depth() (entries, bytes int) { return s.sub.Depth() }
