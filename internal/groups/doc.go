// Package groups implements consumer groups over topic logs. Each group keeps
// a durable cursor (the highest ID it has handed out) and a pending ledger of
// delivered-but-unacked entries, both persisted alongside the log. ReadNext
// assigns entries in strict log order, Ack retires them under an ownership
// check, and Reclaim transfers entries that sat idle too long to a live
// member. Cursor and ledger survive restarts; membership is implicit in the
// ledger rather than registered.
package groups
