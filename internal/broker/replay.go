package broker

import (
	"fmt"

	"github.com/fanlog/fanlog/internal/fanout"
	"github.com/fanlog/fanlog/internal/logstore"
	"github.com/fanlog/fanlog/pkg/id"
	"github.com/fanlog/fanlog/pkg/log"
)

const replayChunk = 256

// SubscribeReplay attaches a subscriber that first receives the retained
// history of topic from position from, then switches to the live feed with no
// gap and no duplicate at the seam. The subscription starts in buffering
// mode: live entries published during catch-up wait in a side buffer, history
// streams into the main queue, and once history reaches the switchover point
// the buffered entries above it are flushed in order.
//
// A from below the trim floor fails immediately with ErrEntriesTrimmed. A
// trim that overtakes the replay cursor mid-stream tears the subscription
// down with the same error.
func (b *Broker) SubscribeReplay(topic string, from id.ID, filterExpr string) (*Subscription, error) {
	l, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	if floor := l.Floor(); !floor.IsZero() && from.Less(floor) {
		return nil, fmt.Errorf("replay %s from %s: %w", topic, from, logstore.ErrEntriesTrimmed)
	}
	f, err := newEntryFilter(filterExpr)
	if err != nil {
		return nil, err
	}

	h := b.index.Register()
	sub := b.ctrl.Attach(h)
	sub.BeginBuffering(topic)
	b.mu.Lock()
	b.filters[h] = f
	b.mu.Unlock()
	b.index.Subscribe(h, topic)

	// Everything at or below upTo is served from history; the side buffer
	// keeps only what came after.
	upTo := l.LastID()
	s := &Subscription{b: b, handle: h, sub: sub}
	go b.replayHistory(l, s, f, from, upTo)
	return s, nil
}

func (b *Broker) replayHistory(l *logstore.Log, s *Subscription, f entryFilter, from, upTo id.ID) {
	topic := l.Topic()
	cursor := from
	for !upTo.IsZero() && !upTo.Less(cursor) {
		entries, next, err := l.Read(cursor, replayChunk)
		if err != nil {
			b.logger.Warn("replay aborted",
				log.Str("topic", topic), log.Err(err))
			b.dropSubscriber(s.handle, err)
			return
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if upTo.Less(e.ID) {
				break
			}
			if !f.Eval(topic, e) {
				continue
			}
			d := fanout.Delivery{Topic: topic, Entry: e}
			if err := b.ctrl.EnqueueHistory(s.handle, d); err != nil {
				b.dropSubscriber(s.handle, err)
				return
			}
		}
		cursor = next
	}
	s.sub.EndReplay(upTo)
}
