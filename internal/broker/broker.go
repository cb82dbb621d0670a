package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fanlog/fanlog/internal/fanout"
	"github.com/fanlog/fanlog/internal/groups"
	"github.com/fanlog/fanlog/internal/logstore"
	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
	"github.com/fanlog/fanlog/internal/subindex"
	"github.com/fanlog/fanlog/pkg/id"
	"github.com/fanlog/fanlog/pkg/log"
)

var (
	// ErrTopicNotFound reports an operation against a topic that was never
	// published to. Publish creates topics; reads and group operations do not.
	ErrTopicNotFound = errors.New("broker: topic not found")
	// ErrInvalidName reports a topic, group, or subscription target that fails
	// validation.
	ErrInvalidName = errors.New("broker: invalid name")
)

const maxNameLen = 256

// validName accepts [A-Za-z0-9._-]+ up to maxNameLen. The keyspace uses '/'
// as a separator and subscriptions use '*' and '?', so none of those may
// appear in a concrete name.
func validName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// validTarget additionally allows the glob metacharacters.
func validTarget(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '.', c == '_', c == '-', c == '*', c == '?':
		default:
			return false
		}
	}
	return true
}

func keyDedup(topic, key string) []byte {
	k := make([]byte, 0, 2+len(topic)+1+len(key))
	k = append(k, "d/"...)
	k = append(k, topic...)
	k = append(k, '/')
	k = append(k, key...)
	return k
}

// Options configures a Broker.
type Options struct {
	// Limits bounds every subscriber's outbound queue.
	Limits fanout.Limits
	Logger log.Logger
}

// Broker ties the pieces together: topic logs, the subscription index,
// per-subscriber outbound queues, and consumer groups. One Broker per
// process; all methods are safe for concurrent use.
type Broker struct {
	db     *pebblestore.DB
	logger log.Logger
	index  *subindex.Index
	ctrl   *fanout.Controller
	coord  *groups.Coordinator

	mu      sync.RWMutex
	logs    map[string]*logstore.Log
	filters map[subindex.Handle]entryFilter
}

// Open builds a Broker over db, reopening every topic recorded in storage so
// listings and group operations see them immediately.
func Open(db *pebblestore.DB, opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	b := &Broker{
		db:      db,
		logger:  logger.With(log.Component("broker")),
		index:   subindex.New(),
		ctrl:    fanout.NewController(opts.Limits),
		coord:   groups.NewCoordinator(db, logger),
		logs:    make(map[string]*logstore.Log),
		filters: make(map[subindex.Handle]entryFilter),
	}
	names, err := scanTopics(db)
	if err != nil {
		return nil, fmt.Errorf("scan topics: %w", err)
	}
	for _, name := range names {
		l, err := logstore.Open(db, name)
		if err != nil {
			return nil, fmt.Errorf("open topic %s: %w", name, err)
		}
		b.logs[name] = l
	}
	if len(names) > 0 {
		b.logger.Info("reopened topics", log.Int("count", len(names)))
	}
	return b, nil
}

// scanTopics walks the topic keyspace, seeking past each topic's entries
// instead of visiting every key.
func scanTopics(db *pebblestore.DB) ([]string, error) {
	prefix := []byte("t/")
	iter, err := db.NewPrefixIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	for ok := iter.First(); ok; {
		rest := iter.Key()[len(prefix):]
		end := -1
		for i, c := range rest {
			if c == '/' {
				end = i
				break
			}
		}
		if end < 0 {
			ok = iter.Next()
			continue
		}
		name := string(rest[:end])
		names = append(names, name)
		skip := append(append([]byte(nil), prefix...), name...)
		skip = append(skip, '/', 0xFF)
		ok = iter.SeekGE(skip)
	}
	return names, nil
}

// topic returns the log for an existing topic.
func (b *Broker) topic(name string) (*logstore.Log, error) {
	b.mu.RLock()
	l, ok := b.logs[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return l, nil
}

// ensureTopic opens (creating if needed) the log for name.
func (b *Broker) ensureTopic(name string) (*logstore.Log, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: topic %q", ErrInvalidName, name)
	}
	b.mu.RLock()
	l, ok := b.logs[name]
	b.mu.RUnlock()
	if ok {
		return l, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[name]; ok {
		return l, nil
	}
	l, err := logstore.Open(b.db, name)
	if err != nil {
		return nil, err
	}
	b.logs[name] = l
	b.logger.Debug("topic created", log.Str("topic", name))
	return l, nil
}

// Publish durably appends fields to topic and fans the entry out to matching
// subscribers. The returned ID is assigned only after the entry is committed;
// a slow subscriber never delays or fails the publish.
func (b *Broker) Publish(ctx context.Context, topic string, fields []logstore.Field) (id.ID, error) {
	l, err := b.ensureTopic(topic)
	if err != nil {
		return id.Zero, err
	}
	eid, err := l.Append(ctx, fields)
	if err != nil {
		return id.Zero, err
	}
	b.dispatch(topic, logstore.Entry{ID: eid, Fields: fields})
	return eid, nil
}

// PublishDedup publishes with an idempotency key. A repeat of the same key on
// the same topic returns the original ID with published=false and fans
// nothing out.
func (b *Broker) PublishDedup(ctx context.Context, topic, dedupKey string, fields []logstore.Field) (id.ID, bool, error) {
	if dedupKey == "" || len(dedupKey) > maxNameLen {
		return id.Zero, false, fmt.Errorf("%w: dedup key", ErrInvalidName)
	}
	l, err := b.ensureTopic(topic)
	if err != nil {
		return id.Zero, false, err
	}
	eid, published, err := l.AppendDedup(ctx, keyDedup(topic, dedupKey), fields)
	if err != nil {
		return id.Zero, false, err
	}
	if published {
		b.dispatch(topic, logstore.Entry{ID: eid, Fields: fields})
	}
	return eid, published, nil
}

// dispatch fans one committed entry out to every matching subscriber.
// Hard-limit rejections evict the subscriber after the enqueue loop so one
// stalled queue cannot hold up the rest.
func (b *Broker) dispatch(topic string, e logstore.Entry) {
	handles := b.index.Matching(topic)
	if len(handles) == 0 {
		return
	}
	d := fanout.Delivery{Topic: topic, Entry: e}
	var evict []subindex.Handle
	for _, h := range handles {
		b.mu.RLock()
		f := b.filters[h]
		b.mu.RUnlock()
		if !f.Eval(topic, e) {
			continue
		}
		if err := b.ctrl.Enqueue(h, d); errors.Is(err, fanout.ErrBackpressureRejected) {
			evict = append(evict, h)
		}
	}
	for _, h := range evict {
		b.logger.Warn("evicting subscriber over hard limit",
			log.Str("topic", topic), log.Uint64("handle", uint64(h)))
		b.dropSubscriber(h, fanout.ErrBackpressureRejected)
	}
}

func (b *Broker) dropSubscriber(h subindex.Handle, reason error) {
	b.index.Drop(h)
	b.ctrl.Detach(h, reason)
	b.mu.Lock()
	delete(b.filters, h)
	b.mu.Unlock()
}

// GroupRead assigns up to count entries after the group cursor to member.
// With block > 0 an empty topic waits for an append up to that long.
func (b *Broker) GroupRead(ctx context.Context, topic, group, member string, count int, block time.Duration) ([]groups.Delivered, error) {
	if !validName(group) {
		return nil, fmt.Errorf("%w: group %q", ErrInvalidName, group)
	}
	l, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	return b.coord.ReadNext(ctx, l, group, member, count, block)
}

// GroupAck retires a pending entry. Only the owning member may ack.
func (b *Broker) GroupAck(ctx context.Context, topic, group, member string, eid id.ID) error {
	if _, err := b.topic(topic); err != nil {
		return err
	}
	return b.coord.Ack(ctx, topic, group, member, eid)
}

// GroupReclaim transfers pending entries idle for at least minIdle to member.
func (b *Broker) GroupReclaim(ctx context.Context, topic, group, member string, minIdle time.Duration, limit int) ([]groups.Claim, error) {
	if _, err := b.topic(topic); err != nil {
		return nil, err
	}
	return b.coord.Reclaim(ctx, topic, group, member, minIdle, limit)
}

// GroupPending summarizes a group's pending ledger.
func (b *Broker) GroupPending(topic, group string) (groups.Summary, error) {
	if _, err := b.topic(topic); err != nil {
		return groups.Summary{}, err
	}
	return b.coord.PendingSummary(topic, group)
}

// Groups lists the consumer groups recorded for topic.
func (b *Broker) Groups(topic string) ([]string, error) {
	if _, err := b.topic(topic); err != nil {
		return nil, err
	}
	return b.coord.Groups(topic)
}

// Trim applies a retention policy to one topic.
func (b *Broker) Trim(ctx context.Context, topic string, policy logstore.TrimPolicy) (int, error) {
	l, err := b.topic(topic)
	if err != nil {
		return 0, err
	}
	return l.Trim(ctx, policy)
}

// TrimOlderThan discards entries older than cutoffMs across every topic.
// Used by the retention janitor.
func (b *Broker) TrimOlderThan(ctx context.Context, cutoffMs int64) (int, error) {
	b.mu.RLock()
	logs := make([]*logstore.Log, 0, len(b.logs))
	for _, l := range b.logs {
		logs = append(logs, l)
	}
	b.mu.RUnlock()
	total := 0
	for _, l := range logs {
		n, err := l.TrimOlderThan(ctx, cutoffMs)
		total += n
		if err != nil {
			return total, fmt.Errorf("trim %s: %w", l.Topic(), err)
		}
	}
	return total, nil
}

// Topics lists known topics in sorted order.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.logs))
	for name := range b.logs {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// TopicStats describes one topic's retained range and groups.
type TopicStats struct {
	Topic   string
	FirstID id.ID
	LastID  id.ID
	Floor   id.ID
	Count   uint64
	Bytes   uint64
	Groups  []string
}

// Stats collects stats for one topic.
func (b *Broker) Stats(topic string) (TopicStats, error) {
	l, err := b.topic(topic)
	if err != nil {
		return TopicStats{}, err
	}
	st, err := l.CollectStats()
	if err != nil {
		return TopicStats{}, err
	}
	gs, err := b.coord.Groups(topic)
	if err != nil {
		return TopicStats{}, err
	}
	return TopicStats{
		Topic:   topic,
		FirstID: st.FirstID,
		LastID:  l.LastID(),
		Floor:   l.Floor(),
		Count:   st.Count,
		Bytes:   st.Bytes,
		Groups:  gs,
	}, nil
}

// Subscribers returns the number of live subscriptions. Diagnostic only.
func (b *Broker) Subscribers() int { return b.ctrl.Attached() }
