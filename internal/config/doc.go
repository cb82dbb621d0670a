// Package config loads broker configuration: built-in defaults, then an
// optional JSON file, then FANLOG_* environment variables, each layer
// overriding the last.
package config
