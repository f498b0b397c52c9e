package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": jsonl journal + snapshot
//   - "sqlite": SQLite database file
//   - "pebble", "badger": directory holding a KV store
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the derived index state for one canvas.
type Record struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`

	// Own files only.
	Docs   int    `json:"docs"`
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest"`

	// Own files plus every descendant canvas.
	SubtreeDocs  int   `json:"subtree_docs"`
	SubtreeBytes int64 `json:"subtree_bytes"`

	Children  []string  `json:"children,omitempty"`
	Mode      string    `json:"mode"`
	IndexedAt time.Time `json:"indexed_at"`
}

// RunEntry is one line of the run journal.
type RunEntry struct {
	At     time.Time `json:"at"`
	NodeID string    `json:"node"`
	Mode   string    `json:"mode"`
	TookMS int64     `json:"took_ms"`
	Error  string    `json:"error,omitempty"`
}

// Store is the persistence API used by the indexer.
type Store interface {
	PutRecord(ctx context.Context, r Record) error
	GetRecord(ctx context.Context, id string) (Record, bool, error)
	// ListChildren returns the records whose Parent is parent, sorted by id.
	ListChildren(ctx context.Context, parent string) ([]Record, error)
	DeleteRecord(ctx context.Context, id string) error
	AppendRun(ctx context.Context, e RunEntry) error
	Close() error
}

var errEmptyID = errors.New("storage: record id is empty")
