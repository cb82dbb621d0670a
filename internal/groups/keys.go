package groups

import (
	"encoding/binary"

	"github.com/fanlog/fanlog/pkg/id"
)

// Keyspace helpers.
//
// Layout (lexicographically sortable):
//
//	g/{topic}/{group}/c          (cursor: 16-byte ID)
//	g/{topic}/{group}/p/{id16}   (pending entry: deliveredAtMs | deliveries | owner)
//
// Topic and group names are validated upstream to exclude '/'.

var (
	groupPrefix  = []byte("g/")
	sep          = byte('/')
	cursorSuffix = []byte("/c")
	pendingSeg   = []byte("/p/")
)

func keyGroupRoot(topic, group string) []byte {
	k := make([]byte, 0, len(groupPrefix)+len(topic)+len(group)+1)
	k = append(k, groupPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	return k
}

// KeyCursor builds the durable cursor key for a group.
func KeyCursor(topic, group string) []byte {
	return append(keyGroupRoot(topic, group), cursorSuffix...)
}

// KeyPending builds the key for one pending entry.
func KeyPending(topic, group string, eid id.ID) []byte {
	k := append(keyGroupRoot(topic, group), pendingSeg...)
	return append(k, eid[:]...)
}

// KeyPendingPrefix returns the shared prefix of a group's pending entries.
func KeyPendingPrefix(topic, group string) []byte {
	return append(keyGroupRoot(topic, group), pendingSeg...)
}

// KeyTopicGroupsPrefix returns the prefix covering all groups of a topic.
func KeyTopicGroupsPrefix(topic string) []byte {
	k := make([]byte, 0, len(groupPrefix)+len(topic)+1)
	k = append(k, groupPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	return k
}

// pendingEntry is the in-memory and on-disk record for a delivered but
// unacknowledged entry.
type pendingEntry struct {
	owner       string
	deliveredAt int64 // unix ms
	deliveries  uint32
}

func encodePending(p pendingEntry) []byte {
	out := make([]byte, 12+len(p.owner))
	binary.BigEndian.PutUint64(out[0:8], uint64(p.deliveredAt))
	binary.BigEndian.PutUint32(out[8:12], p.deliveries)
	copy(out[12:], p.owner)
	return out
}

func decodePending(b []byte) (pendingEntry, bool) {
	if len(b) < 12 {
		return pendingEntry{}, false
	}
	return pendingEntry{
		owner:       string(b[12:]),
		deliveredAt: int64(binary.BigEndian.Uint64(b[0:8])),
		deliveries:  binary.BigEndian.Uint32(b[8:12]),
	}, true
}
