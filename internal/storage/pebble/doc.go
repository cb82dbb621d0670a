// Package pebblestore wraps a cockroachdb/pebble database with the broker's
// fsync policy (always, interval group-commit, or never) and small helpers
// for batched atomic updates and prefix scans. It is the only durable store
// in the system; the log store and group coordinator build their keyspaces
// on top of it.
package pebblestore
