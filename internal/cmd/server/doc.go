// Package serverrun boots a fanlog server process: signal-aware context,
// logger from config, runtime, HTTP server, and the retention janitor.
package serverrun
