// Package store provides SQLite-backed implementations of the event log and
// the flow store.
//
// Both share one database file. The schema is managed by golang-migrate from
// SQL files embedded in the binary.
//
// # Ordering
//
// Stream positions are the events table's INTEGER PRIMARY KEY, so stream
// order is commit order. Every read orders by position, or by
// aggregate_version within one aggregate; timestamps never decide order.
//
// # Integrity
//
// UNIQUE(aggregate_id, aggregate_version) backs the in-process chain check.
// A chain violation halts writes for that aggregate for the life of the
// EventLog value, matching the in-memory log.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
