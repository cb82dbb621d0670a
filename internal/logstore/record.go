package logstore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/fanlog/fanlog/pkg/id"
)

// Field is one key/value pair of an entry. Values are opaque bytes.
type Field struct {
	Key   string
	Value []byte
}

// Entry is an immutable log record: a monotonic ID plus an ordered field list.
type Entry struct {
	ID     id.ID
	Fields []Field
}

// Record encoding:
//
//	uvarint nfields | (uvarint klen | key | uvarint vlen | value)* | crc32c(body)
//
// The checksum covers everything before it.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeFields(fields []Field) []byte {
	size := 10
	for _, f := range fields {
		size += 20 + len(f.Key) + len(f.Value)
	}
	out := make([]byte, 0, size)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(fields)))
	out = append(out, tmp[:n]...)
	for _, f := range fields {
		n = binary.PutUvarint(tmp[:], uint64(len(f.Key)))
		out = append(out, tmp[:n]...)
		out = append(out, f.Key...)
		n = binary.PutUvarint(tmp[:], uint64(len(f.Value)))
		out = append(out, tmp[:n]...)
		out = append(out, f.Value...)
	}
	crc := crc32.Checksum(out, castagnoli)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

func decodeFields(b []byte) ([]Field, bool) {
	if len(b) < 1+4 {
		return nil, false
	}
	body := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(body, castagnoli) != expect {
		return nil, false
	}
	nfields, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, false
	}
	rest := body[n:]
	fields := make([]Field, 0, nfields)
	for i := uint64(0); i < nfields; i++ {
		klen, kn := binary.Uvarint(rest)
		if kn <= 0 || uint64(len(rest)-kn) < klen {
			return nil, false
		}
		key := string(rest[kn : kn+int(klen)])
		rest = rest[kn+int(klen):]
		vlen, vn := binary.Uvarint(rest)
		if vn <= 0 || uint64(len(rest)-vn) < vlen {
			return nil, false
		}
		val := append([]byte(nil), rest[vn:vn+int(vlen)]...)
		rest = rest[vn+int(vlen):]
		fields = append(fields, Field{Key: key, Value: val})
	}
	if len(rest) != 0 {
		return nil, false
	}
	return fields, true
}
