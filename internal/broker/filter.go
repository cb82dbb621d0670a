package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/fanlog/fanlog/internal/logstore"
)

// entryFilter wraps a compiled CEL program evaluated against each candidate
// entry before fan-out. A zero filter matches everything.
type entryFilter struct {
	prog    cel.Program
	enabled bool
}

func newEntryFilter(expr string) (entryFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return entryFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("id_ms", cel.IntType),
		cel.Variable("id_seq", cel.IntType),
		cel.Variable("size", cel.IntType),
		// Entry fields with values decoded as strings
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return entryFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return entryFilter{}, fmt.Errorf("parse filter: %w", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return entryFilter{}, fmt.Errorf("check filter: %w", iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return entryFilter{}, err
	}
	return entryFilter{prog: prog, enabled: true}, nil
}

// Eval reports whether e passes the filter. Evaluation errors count as no
// match rather than failing the publish.
func (f entryFilter) Eval(topic string, e logstore.Entry) bool {
	if !f.enabled {
		return true
	}
	fields := make(map[string]string, len(e.Fields))
	size := 0
	for _, fl := range e.Fields {
		fields[fl.Key] = string(fl.Value)
		size += len(fl.Key) + len(fl.Value)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"topic":  topic,
		"id_ms":  e.ID.Ms(),
		"id_seq": int64(e.ID.Seq()),
		"size":   int64(size),
		"fields": fields,
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
