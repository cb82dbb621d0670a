package groups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fanlog/fanlog/internal/logstore"
	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
	"github.com/fanlog/fanlog/pkg/id"
	"github.com/fanlog/fanlog/pkg/log"
)

// ErrNotOwner reports an ack for an entry the member does not currently own.
// Missing entries (already acked, reclaimed away, or never delivered) report
// the same error; the caller cannot tell the cases apart and should not retry.
var ErrNotOwner = errors.New("groups: entry not owned by member")

// nowMs is a test seam.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Coordinator manages consumer groups across topics: a durable cursor per
// group plus a pending ledger of delivered-but-unacked entries. Group state
// is loaded from Pebble on first touch and survives restarts, so members can
// die, come back, and reclaim each other's stalled work.
type Coordinator struct {
	db     *pebblestore.DB
	logger log.Logger

	mu     sync.Mutex
	groups map[string]*groupState // topic + "/" + group
}

type groupState struct {
	topic string
	name  string

	mu      sync.Mutex
	cursor  id.ID
	pending map[id.ID]pendingEntry
}

// Delivered is one entry handed to a group member by ReadNext.
type Delivered struct {
	Entry      logstore.Entry
	Deliveries uint32
}

// Claim reports one entry transferred by Reclaim.
type Claim struct {
	ID         id.ID
	PrevOwner  string
	Deliveries uint32
}

// Summary describes a group's pending ledger.
type Summary struct {
	Cursor      id.ID
	Pending     int
	OldestAgeMs int64
	Owners      map[string]int
}

// NewCoordinator builds a Coordinator over db.
func NewCoordinator(db *pebblestore.DB, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Coordinator{
		db:     db,
		logger: logger.With(log.Component("groups")),
		groups: make(map[string]*groupState),
	}
}

// state returns the in-memory group, loading cursor and pending ledger from
// Pebble on first touch.
func (c *Coordinator) state(topic, group string) (*groupState, error) {
	key := topic + "/" + group
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[key]; ok {
		return g, nil
	}
	g := &groupState{topic: topic, name: group, pending: make(map[id.ID]pendingEntry)}
	if raw, err := c.db.Get(KeyCursor(topic, group)); err == nil {
		if cur, ok := id.FromBytes(raw); ok {
			g.cursor = cur
		}
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, fmt.Errorf("load cursor %s/%s: %w", topic, group, err)
	}
	prefix := KeyPendingPrefix(topic, group)
	iter, err := c.db.NewPrefixIter(prefix)
	if err != nil {
		return nil, fmt.Errorf("load pending %s/%s: %w", topic, group, err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+16 {
			continue
		}
		eid, valid := id.FromBytes(k[len(prefix):])
		if !valid {
			continue
		}
		p, decoded := decodePending(iter.Value())
		if !decoded {
			continue
		}
		g.pending[eid] = p
	}
	c.groups[key] = g
	return g, nil
}

// ReadNext assigns up to count entries after the group cursor to member, in
// log order, and advances the cursor past them. Assignment and cursor move
// commit in one atomic batch before any entry is returned. With block > 0 an
// empty read waits for an append (or ctx) up to that long before giving up.
//
// A cursor that fell below the trim floor surfaces ErrEntriesTrimmed; the
// group skips nothing silently.
func (c *Coordinator) ReadNext(ctx context.Context, l *logstore.Log, group, member string, count int, block time.Duration) ([]Delivered, error) {
	if count <= 0 {
		count = 1
	}
	g, err := c.state(l.Topic(), group)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(block)
	for {
		out, err := c.assign(ctx, l, g, member, count)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if block <= 0 {
			return nil, nil
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		if remain > 2*time.Second {
			remain = 2 * time.Second
		}
		l.WaitForAppend(ctx, remain)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *Coordinator) assign(ctx context.Context, l *logstore.Log, g *groupState, member string, count int) ([]Delivered, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := id.Zero
	if !g.cursor.IsZero() {
		from = g.cursor.Next()
	}
	entries, _, err := l.Read(from, count)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	now := nowMs()
	b := c.db.NewBatch()
	defer b.Close()
	for _, e := range entries {
		p := pendingEntry{owner: member, deliveredAt: now, deliveries: 1}
		if err := b.Set(KeyPending(g.topic, g.name, e.ID), encodePending(p), nil); err != nil {
			return nil, err
		}
	}
	last := entries[len(entries)-1].ID
	if err := b.Set(KeyCursor(g.topic, g.name), last.Bytes(), nil); err != nil {
		return nil, err
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("assign %s/%s: %w", g.topic, g.name, err)
	}

	out := make([]Delivered, 0, len(entries))
	for _, e := range entries {
		g.pending[e.ID] = pendingEntry{owner: member, deliveredAt: now, deliveries: 1}
		out = append(out, Delivered{Entry: e, Deliveries: 1})
	}
	g.cursor = last
	return out, nil
}

// Ack removes eid from the group's pending ledger. Only the current owner may
// ack; anyone else, or an ack for an entry no longer pending, gets
// ErrNotOwner. Acking is idempotent only in the sense that the second ack
// fails cleanly.
func (c *Coordinator) Ack(ctx context.Context, topic, group, member string, eid id.ID) error {
	g, err := c.state(topic, group)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[eid]
	if !ok || p.owner != member {
		return ErrNotOwner
	}
	if err := c.db.Delete(KeyPending(topic, group, eid)); err != nil {
		return fmt.Errorf("ack %s/%s: %w", topic, group, err)
	}
	delete(g.pending, eid)
	return nil
}

// Reclaim transfers up to limit pending entries that have sat unacked for at
// least minIdle to member, oldest delivery first. Entries member already owns
// are skipped. The transfer resets the idle clock and bumps the delivery
// counter, and commits atomically, so concurrent reclaimers racing for the
// same entries see each entry go to exactly one of them. limit <= 0 means no
// limit.
func (c *Coordinator) Reclaim(ctx context.Context, topic, group, member string, minIdle time.Duration, limit int) ([]Claim, error) {
	g, err := c.state(topic, group)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := nowMs()
	ids := make([]id.ID, 0, len(g.pending))
	for eid, p := range g.pending {
		if p.owner == member {
			continue
		}
		if now-p.deliveredAt < minIdle.Milliseconds() {
			continue
		}
		ids = append(ids, eid)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := g.pending[ids[i]], g.pending[ids[j]]
		if pi.deliveredAt != pj.deliveredAt {
			return pi.deliveredAt < pj.deliveredAt
		}
		return ids[i].Less(ids[j])
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, nil
	}

	b := c.db.NewBatch()
	defer b.Close()
	claims := make([]Claim, 0, len(ids))
	for _, eid := range ids {
		prev := g.pending[eid]
		next := pendingEntry{owner: member, deliveredAt: now, deliveries: prev.deliveries + 1}
		if err := b.Set(KeyPending(topic, group, eid), encodePending(next), nil); err != nil {
			return nil, err
		}
		claims = append(claims, Claim{ID: eid, PrevOwner: prev.owner, Deliveries: next.deliveries})
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("reclaim %s/%s: %w", topic, group, err)
	}
	for i, eid := range ids {
		g.pending[eid] = pendingEntry{owner: member, deliveredAt: now, deliveries: claims[i].Deliveries}
	}
	c.logger.Debug("reclaimed pending entries",
		log.Str("topic", topic), log.Str("group", group),
		log.Str("member", member), log.Int("count", len(claims)))
	return claims, nil
}

// PendingSummary reports the group's cursor, pending count, oldest pending
// age, and per-owner counts.
func (c *Coordinator) PendingSummary(topic, group string) (Summary, error) {
	g, err := c.state(topic, group)
	if err != nil {
		return Summary{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Summary{Cursor: g.cursor, Pending: len(g.pending), Owners: make(map[string]int)}
	now := nowMs()
	for _, p := range g.pending {
		s.Owners[p.owner]++
		if age := now - p.deliveredAt; age > s.OldestAgeMs {
			s.OldestAgeMs = age
		}
	}
	return s, nil
}

// Groups lists the group names recorded for topic, in sorted order. It scans
// the keyspace rather than the in-memory map so groups untouched since the
// last restart still show up.
func (c *Coordinator) Groups(topic string) ([]string, error) {
	prefix := KeyTopicGroupsPrefix(topic)
	iter, err := c.db.NewPrefixIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	seen := make(map[string]struct{})
	for ok := iter.First(); ok; ok = iter.Next() {
		rest := iter.Key()[len(prefix):]
		for i, ch := range rest {
			if ch == sep {
				seen[string(rest[:i])] = struct{}{}
				break
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
