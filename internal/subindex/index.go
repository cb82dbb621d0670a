package subindex

import "sync"

// Handle identifies a live subscriber. Handles are arena-style integer IDs
// so the index never holds subscriber pointers and lifetime stays decoupled
// from lookup.
type Handle uint64

// Index maps topics to live subscriber handles. Exact subscriptions are an
// O(1) map lookup; pattern subscriptions are compiled at subscribe time and
// scanned per publish.
type Index struct {
	mu     sync.RWMutex
	nextID Handle
	exact  map[string]map[Handle]struct{}
	// patterns holds every pattern subscription, keyed by handle then source.
	patterns map[Handle]map[string]*Pattern
	// topics remembers each handle's exact subscriptions for teardown.
	topics map[Handle]map[string]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		exact:    make(map[string]map[Handle]struct{}),
		patterns: make(map[Handle]map[string]*Pattern),
		topics:   make(map[Handle]map[string]struct{}),
	}
}

// Register allocates a fresh handle.
func (x *Index) Register() Handle {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextID++
	h := x.nextID
	x.topics[h] = make(map[string]struct{})
	return h
}

// known reports whether h is registered. Callers hold x.mu.
func (x *Index) known(h Handle) bool {
	_, ok := x.topics[h]
	return ok
}

// Subscribe adds an exact-topic or glob-pattern subscription for h.
// Subscribing a torn-down handle is a no-op.
func (x *Index) Subscribe(h Handle, topicOrPattern string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.known(h) {
		return
	}
	if IsPattern(topicOrPattern) {
		pats := x.patterns[h]
		if pats == nil {
			pats = make(map[string]*Pattern)
			x.patterns[h] = pats
		}
		pats[topicOrPattern] = CompilePattern(topicOrPattern)
		return
	}
	set := x.exact[topicOrPattern]
	if set == nil {
		set = make(map[Handle]struct{})
		x.exact[topicOrPattern] = set
	}
	set[h] = struct{}{}
	x.topics[h][topicOrPattern] = struct{}{}
}

// Unsubscribe removes one subscription of h.
func (x *Index) Unsubscribe(h Handle, topicOrPattern string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if IsPattern(topicOrPattern) {
		if pats := x.patterns[h]; pats != nil {
			delete(pats, topicOrPattern)
			if len(pats) == 0 {
				delete(x.patterns, h)
			}
		}
		return
	}
	x.dropExactLocked(h, topicOrPattern)
}

func (x *Index) dropExactLocked(h Handle, topic string) {
	if set := x.exact[topic]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(x.exact, topic)
		}
	}
	if ts := x.topics[h]; ts != nil {
		delete(ts, topic)
	}
}

// Drop removes every subscription of h and forgets the handle. The same lock
// guards Drop and Matching, so once Drop returns no future fan-out can
// observe the handle.
func (x *Index) Drop(h Handle) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for topic := range x.topics[h] {
		x.dropExactLocked(h, topic)
	}
	delete(x.topics, h)
	delete(x.patterns, h)
}

// Matching returns the handles subscribed to topic, each at most once even
// when both an exact subscription and a pattern match. Exact matches are
// collected first; the pattern scan is the documented cost center and is
// skipped entirely when no patterns exist.
func (x *Index) Matching(topic string) []Handle {
	x.mu.RLock()
	defer x.mu.RUnlock()

	exact := x.exact[topic]
	out := make([]Handle, 0, len(exact))
	for h := range exact {
		out = append(out, h)
	}
	if len(x.patterns) == 0 {
		return out
	}
	var seen map[Handle]struct{}
	if len(out) > 0 {
		seen = make(map[Handle]struct{}, len(out))
		for _, h := range out {
			seen[h] = struct{}{}
		}
	}
	for h, pats := range x.patterns {
		if seen != nil {
			if _, dup := seen[h]; dup {
				continue
			}
		}
		for _, p := range pats {
			if p.Match(topic) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Subscriptions returns the number of live handles. Diagnostic only.
func (x *Index) Subscriptions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.topics)
}
