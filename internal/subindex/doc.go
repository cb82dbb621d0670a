// Package subindex maintains the topic → live-subscriber mapping used by the
// dispatcher. Subscribers are referenced by integer handles. Exact topics
// resolve via hash map; glob patterns (`*`, `?`) compile to token matchers at
// subscribe time and are scanned per publish with a per-handle dedup guard.
package subindex
