// Package id provides 128-bit, lexicographically sortable entry IDs of the
// form [ms_timestamp|sequence] and a monotonic per-process generator. IDs
// double as log offsets and resumption cursors: comparing the raw 16 bytes
// compares publish order.
package id
