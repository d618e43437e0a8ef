// Package storage persists watch subscriptions, broadcast destinations and
// per-channel notification state.
//
// Two drivers are provided:
//   - "file": a single JSON document with atomic tmp+rename writes
//   - "sqlite": a SQLite database file (modernc.org/sqlite, WAL mode)
package storage
