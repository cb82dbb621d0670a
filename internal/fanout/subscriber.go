package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fanlog/fanlog/internal/logstore"
	"github.com/fanlog/fanlog/internal/subindex"
	"github.com/fanlog/fanlog/pkg/id"
)

// ErrBackpressureRejected reports that a subscriber's outbound queue hit its
// hard limit. The dispatcher reacts by force-disconnecting the subscriber;
// the error is never surfaced to publishers.
var ErrBackpressureRejected = errors.New("fanout: subscriber queue over hard limit")

// ErrSubscriberClosed reports delivery to (or consumption from) a subscriber
// that was torn down.
var ErrSubscriberClosed = errors.New("fanout: subscriber closed")

// Delivery is one entry on its way to a subscriber.
type Delivery struct {
	Topic string
	Entry logstore.Entry
}

func deliverySize(d Delivery) int {
	n := len(d.Topic)
	for _, f := range d.Entry.Fields {
		n += len(f.Key) + len(f.Value)
	}
	return n
}

// Limits bounds a subscriber's outbound queue.
type Limits struct {
	// MaxEntries and MaxBytes are the hard caps; exceeding either rejects
	// the enqueue.
	MaxEntries int
	MaxBytes   int
	// DegradedEntries is the soft watermark. Staying above it longer than
	// DegradedGrace flags the subscriber degraded (diagnostic only).
	DegradedEntries int
	DegradedGrace   time.Duration
	// DrainEntries clears the degraded flag once the queue falls below it.
	DrainEntries int
}

// DefaultLimits are used when a field is unset.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:      1024,
		MaxBytes:        8 << 20,
		DegradedEntries: 512,
		DegradedGrace:   2 * time.Second,
		DrainEntries:    64,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxEntries <= 0 {
		l.MaxEntries = d.MaxEntries
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = d.MaxBytes
	}
	if l.DegradedEntries <= 0 || l.DegradedEntries > l.MaxEntries {
		l.DegradedEntries = l.MaxEntries / 2
	}
	if l.DegradedGrace <= 0 {
		l.DegradedGrace = d.DegradedGrace
	}
	if l.DrainEntries <= 0 || l.DrainEntries > l.DegradedEntries {
		l.DrainEntries = l.DegradedEntries / 8
		if l.DrainEntries <= 0 {
			l.DrainEntries = 1
		}
	}
	return l
}

// Subscriber owns the bounded outbound queue for one live connection.
//
// During replay attach the subscriber runs in buffering mode: live
// deliveries land in a side buffer while history streams into the main
// queue, and EndReplay splices the seam exactly once in order. Both buffers
// count against the same limits, so a stalled replay consumer stays bounded.
type Subscriber struct {
	handle subindex.Handle
	limits Limits

	mu         sync.Mutex
	queue      []Delivery
	head       int
	side       []Delivery
	bytes      int
	buffering  bool
	aboveSince time.Time
	degraded   bool
	closed     bool
	reason     error
	notify     chan struct{}

	// replayTopic/replayMark record the replay switchover point. Live pushes
	// on that topic at or below the mark were already served from history and
	// are dropped, so a fan-out that raced the seam cannot duplicate.
	replayTopic string
	replayMark  id.ID
}

func newSubscriber(h subindex.Handle, limits Limits) *Subscriber {
	return &Subscriber{handle: h, limits: limits.withDefaults(), notify: make(chan struct{}, 1)}
}

// Handle returns the index handle of this subscriber.
func (s *Subscriber) Handle() subindex.Handle { return s.handle }

func (s *Subscriber) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) depthLocked() int { return len(s.queue) - s.head + len(s.side) }

// push appends d, honoring the hard limits. Degraded bookkeeping runs on the
// same lock so flag transitions are ordered with queue changes.
func (s *Subscriber) push(d Delivery) error {
	size := deliverySize(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if !s.buffering && !s.replayMark.IsZero() &&
		d.Topic == s.replayTopic && !s.replayMark.Less(d.Entry.ID) {
		// already served from history
		return nil
	}
	if s.depthLocked()+1 > s.limits.MaxEntries || s.bytes+size > s.limits.MaxBytes {
		return ErrBackpressureRejected
	}
	if s.buffering {
		s.side = append(s.side, d)
	} else {
		s.queue = append(s.queue, d)
	}
	s.bytes += size
	s.updateDegradedLocked()
	if !s.buffering {
		s.signalLocked()
	}
	return nil
}

func (s *Subscriber) updateDegradedLocked() {
	depth := s.depthLocked()
	switch {
	case depth > s.limits.DegradedEntries:
		if s.aboveSince.IsZero() {
			s.aboveSince = time.Now()
		} else if time.Since(s.aboveSince) >= s.limits.DegradedGrace {
			s.degraded = true
		}
	case depth < s.limits.DrainEntries:
		s.aboveSince = time.Time{}
		s.degraded = false
	}
}

// pushHistory appends a replayed entry to the main queue even while the
// subscriber is buffering live deliveries. Same hard limits as push.
func (s *Subscriber) pushHistory(d Delivery) error {
	size := deliverySize(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if s.depthLocked()+1 > s.limits.MaxEntries || s.bytes+size > s.limits.MaxBytes {
		return ErrBackpressureRejected
	}
	s.queue = append(s.queue, d)
	s.bytes += size
	s.updateDegradedLocked()
	s.signalLocked()
	return nil
}

// BeginBuffering switches live deliveries on topic into the side buffer
// until EndReplay.
func (s *Subscriber) BeginBuffering(topic string) {
	s.mu.Lock()
	s.buffering = true
	s.replayTopic = topic
	s.mu.Unlock()
}

// EndReplay flushes buffered deliveries with IDs above after into the main
// queue and returns the subscriber to live mode. Entries at or below after
// were already served from history and are discarded as duplicates; the mark
// keeps dropping them from pushes that arrive after the seam, so a fan-out
// ordered behind the history read cannot deliver twice.
func (s *Subscriber) EndReplay(after id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replayMark = after
	for _, d := range s.side {
		if after.Less(d.Entry.ID) {
			s.queue = append(s.queue, d)
		} else {
			s.bytes -= deliverySize(d)
		}
	}
	s.side = nil
	s.buffering = false
	s.updateDegradedLocked()
	if len(s.queue) > s.head {
		s.signalLocked()
	}
}

// Next blocks until a delivery is available, the subscriber is closed, or
// ctx is done. After Close drains remaining queued deliveries, Next returns
// the close reason.
func (s *Subscriber) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if s.head < len(s.queue) {
			d := s.queue[s.head]
			s.queue[s.head] = Delivery{}
			s.head++
			if s.head == len(s.queue) {
				s.queue = s.queue[:0]
				s.head = 0
			}
			s.bytes -= deliverySize(d)
			s.updateDegradedLocked()
			s.mu.Unlock()
			return d, nil
		}
		if s.closed {
			reason := s.reason
			s.mu.Unlock()
			if reason == nil {
				reason = ErrSubscriberClosed
			}
			return Delivery{}, reason
		}
		ch := s.notify
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Close tears the subscriber down. Queued deliveries remain readable;
// subsequent pushes fail with ErrSubscriberClosed and Next reports reason
// once drained.
func (s *Subscriber) Close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	for _, d := range s.side {
		s.bytes -= deliverySize(d)
	}
	s.side = nil
	s.signalLocked()
}

// Degraded reports the soft-limit diagnostic flag.
func (s *Subscriber) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// evaluate the grace window lazily so a queue that sits above the
	// watermark flips degraded without another push
	s.updateDegradedLocked()
	return s.degraded
}

// Depth returns the current queue depth in entries and bytes.
func (s *Subscriber) Depth() (entries, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked(), s.bytes
}
