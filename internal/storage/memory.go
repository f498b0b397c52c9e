package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
)

// memoryRunLimit bounds the in-memory run journal.
const memoryRunLimit = 4096

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	runs    []RunEntry
	closed  bool
}

// NewMemory returns a process-local Store. Nothing survives a restart.
func NewMemory() Store {
	return &memoryStore{records: map[string]Record{}}
}

func (s *memoryStore) PutRecord(ctx context.Context, r Record) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r.Children = slices.Clone(r.Children)
	s.records[r.ID] = r
	return nil
}

func (s *memoryStore) GetRecord(ctx context.Context, id string) (Record, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.records[id]
	if ok {
		r.Children = slices.Clone(r.Children)
	}
	return r, ok, nil
}

func (s *memoryStore) ListChildren(ctx context.Context, parent string) ([]Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Record
	for _, r := range s.records {
		if r.Parent == parent && r.ID != parent {
			r.Children = slices.Clone(r.Children)
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryStore) DeleteRecord(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records, id)
	return nil
}

func (s *memoryStore) AppendRun(ctx context.Context, e RunEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.runs) >= memoryRunLimit {
		s.runs = append(s.runs[:0], s.runs[len(s.runs)-memoryRunLimit/2:]...)
	}
	s.runs = append(s.runs, e)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
