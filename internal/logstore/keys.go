package logstore

import "github.com/fanlog/fanlog/pkg/id"

// Keyspace helpers. Layout (lexicographically sortable):
//
//	t/{topic}/m            (topic meta: lastID | floor)
//	t/{topic}/e/{id16}     (entries, big-endian ID keeps log order)

var (
	topicPrefix = []byte("t/")
	metaSuffix  = []byte("/m")
	entrySeg    = []byte("/e/")
)

// KeyTopicMeta builds the topic metadata key.
func KeyTopicMeta(topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(metaSuffix))
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, metaSuffix...)
	return k
}

// KeyEntry builds the key for one entry.
func KeyEntry(topic string, eid id.ID) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(entrySeg)+16)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, entrySeg...)
	k = append(k, eid[:]...)
	return k
}

// KeyEntryPrefix returns the shared prefix of all entry keys for a topic.
func KeyEntryPrefix(topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(entrySeg))
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, entrySeg...)
	return k
}

// entryID extracts the ID from a full entry key.
func entryID(key []byte) (id.ID, bool) {
	if len(key) < 16 {
		return id.Zero, false
	}
	return id.FromBytes(key[len(key)-16:])
}
