// Package httpserver is the HTTP binding: JSON endpoints for publish, group
// reads, trim, and stats, plus SSE streams for live subscribe and replay.
package httpserver
