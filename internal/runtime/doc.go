// Package runtime assembles a single-node instance: storage, the broker, and
// the retention janitor, built from a Config.
package runtime
