// Package logstore implements the per-topic append-only log.
//
// # Overview
//
// Entries are persisted in Pebble under lexicographically ordered keys:
//   - t/{topic}/m          (topic meta: last assigned ID | trim floor)
//   - t/{topic}/e/{id16}   (entries; the 16-byte big-endian ID preserves order)
//
// Records are stored as a varint-framed field list with a crc32c trailer.
//
// IDs are (timestamp_ms, sequence) pairs from pkg/id: strictly increasing
// within a topic, clamped against backward clock movement, resumed above the
// last durable ID on reopen. An ID is both the log offset and the resumption
// cursor clients hold.
//
// Reads below the trim floor fail with ErrEntriesTrimmed so a resuming
// reader is told about data loss instead of silently skipping it. Trims are
// batched, advisory, and never block concurrent appends or reads.
package logstore
