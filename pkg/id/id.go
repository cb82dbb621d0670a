package id

import (
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable entry identifier encoded as
// 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence]. The sequence
// resets each millisecond, so the pair is strictly increasing per generator.
type ID [16]byte

// Zero is the zero ID. It sorts before every generated ID and is used as the
// "from the beginning" cursor.
var Zero ID

// Make builds an ID from a millisecond timestamp and a sequence number.
func Make(ms int64, seq uint64) ID {
	var i ID
	binary.BigEndian.PutUint64(i[0:8], uint64(ms))
	binary.BigEndian.PutUint64(i[8:16], seq)
	return i
}

// Ms returns the millisecond timestamp component.
func (i ID) Ms() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Seq returns the sequence component.
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:16]) }

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool { return i == Zero }

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// FromBytes decodes a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, bool) {
	if len(b) != 16 {
		return Zero, false
	}
	var i ID
	copy(i[:], b)
	return i, true
}

// Compare returns -1, 0, or 1 by lexical comparison, which matches
// (ms, seq) ordering because both components are big-endian.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Less reports whether i sorts before other.
func (i ID) Less(other ID) bool { return i.Compare(other) < 0 }

// Next returns the smallest ID strictly greater than i. Used to turn a
// last-seen ID into an exclusive read cursor.
func (i ID) Next() ID {
	seq := i.Seq()
	if seq == math.MaxUint64 {
		return Make(i.Ms()+1, 0)
	}
	return Make(i.Ms(), seq+1)
}

// String renders the ID in "ms-seq" form, e.g. "1724400000000-3".
func (i ID) String() string {
	return strconv.FormatInt(i.Ms(), 10) + "-" + strconv.FormatUint(i.Seq(), 10)
}

// ErrBadID reports an unparseable textual ID.
var ErrBadID = errors.New("id: malformed id")

// Parse decodes the "ms-seq" textual form produced by String.
func Parse(s string) (ID, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return Zero, ErrBadID
	}
	ms, err := strconv.ParseInt(s[:dash], 10, 64)
	if err != nil || ms < 0 {
		return Zero, ErrBadID
	}
	seq, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return Zero, ErrBadID
	}
	return Make(ms, seq), nil
}

// NowMs returns current time in milliseconds since the Unix epoch.
// Overridable in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces strictly increasing IDs. If the wall clock moves
// backwards it keeps issuing IDs at the last observed millisecond so the
// increasing invariant holds across clock skew.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint64
	primed bool
}

// NewGenerator returns a Generator that starts after the given floor ID.
// Pass the zero ID for a fresh stream; pass the last durable ID when
// reopening a log so new IDs continue above it.
func NewGenerator(after ID) *Generator {
	g := &Generator{}
	if !after.IsZero() {
		g.lastMs = after.Ms()
		g.seq = after.Seq()
		g.primed = true
	}
	return g
}

// Next returns the next ID. Same-millisecond calls increment the sequence;
// a sequence overflow spills into the next millisecond slot.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	switch {
	case !g.primed:
		g.primed = true
		g.seq = 0
	case ms == g.lastMs:
		if g.seq == math.MaxUint64 {
			ms++
			g.seq = 0
		} else {
			g.seq++
		}
	default:
		g.seq = 0
	}
	g.lastMs = ms
	return Make(ms, g.seq)
}
