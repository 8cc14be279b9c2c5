// Package storage keeps the execution report: one record per job firing.
//
// It is an observability sink, not job state. Schedules always come from configuration,
// and losing the report loses history only.
//
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: a single SQLite database file (modernc.org/sqlite, no cgo)
package storage
