// Package storage persists canvas index records and the run journal.
//
// Drivers:
//   - file: JSON snapshot plus an append-only journal
//   - sqlite: modernc.org/sqlite database file
//   - pebble, badger: embedded key/value stores
//
// When no driver is configured Open returns (nil, nil) and callers fall back
// to NewMemory.
package storage
