package httpserver

import (
	"github.com/fanlog/fanlog/internal/logstore"
)

// fieldJSON is the wire form of one entry field. Order is preserved, so
// fields travel as a list rather than a map.
type fieldJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type entryJSON struct {
	ID     string      `json:"id"`
	Topic  string      `json:"topic,omitempty"`
	Fields []fieldJSON `json:"fields"`
}

func toFields(in []fieldJSON) []logstore.Field {
	out := make([]logstore.Field, 0, len(in))
	for _, f := range in {
		out = append(out, logstore.Field{Key: f.Key, Value: []byte(f.Value)})
	}
	return out
}

func fromEntry(topic string, e logstore.Entry) entryJSON {
	fields := make([]fieldJSON, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, fieldJSON{Key: f.Key, Value: string(f.Value)})
	}
	return entryJSON{ID: e.ID.String(), Topic: topic, Fields: fields}
}
