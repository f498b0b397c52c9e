package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// kvBackend is the minimal surface the KV drivers provide.
type kvBackend interface {
	get(key []byte) ([]byte, bool, error)
	set(key, value []byte) error
	del(key []byte) error
	close() error
}

// Key layout:
//
//	r/<id>      record JSON
//	c/<parent>  JSON array of child ids
//	j/<nanos>/<seq>  run entry JSON
const (
	recordPrefix   = "r/"
	childrenPrefix = "c/"
	runPrefix      = "j/"
)

// kvStore implements Store over any kvBackend. The children index is
// maintained on every put and delete under mu.
type kvStore struct {
	mu     sync.Mutex
	b      kvBackend
	closed bool
	seq    atomic.Uint64
}

func newKVStore(b kvBackend) *kvStore { return &kvStore{b: b} }

func recordKey(id string) []byte       { return []byte(recordPrefix + id) }
func childrenKey(parent string) []byte { return []byte(childrenPrefix + parent) }

func (s *kvStore) PutRecord(ctx context.Context, r Record) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errEmptyID
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, hadPrev, err := s.getRecordLocked(r.ID)
	if err != nil {
		return err
	}
	if err := s.b.set(recordKey(r.ID), body); err != nil {
		return err
	}
	if hadPrev && prev.Parent != r.Parent {
		if err := s.unlinkLocked(prev.Parent, r.ID); err != nil {
			return err
		}
	}
	if r.Parent != "" && r.Parent != r.ID && (!hadPrev || prev.Parent != r.Parent) {
		return s.linkLocked(r.Parent, r.ID)
	}
	return nil
}

func (s *kvStore) GetRecord(ctx context.Context, id string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	return s.getRecordLocked(id)
}

func (s *kvStore) ListChildren(ctx context.Context, parent string) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids, err := s.childrenLocked(parent)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, ok, err := s.getRecordLocked(id)
		if err != nil {
			return nil, err
		}
		if ok && r.Parent == parent {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *kvStore) DeleteRecord(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok, err := s.getRecordLocked(id)
	if err != nil || !ok {
		return err
	}
	if err := s.b.del(recordKey(id)); err != nil {
		return err
	}
	if prev.Parent != "" {
		return s.unlinkLocked(prev.Parent, id)
	}
	return nil
}

func (s *kvStore) AppendRun(ctx context.Context, e RunEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d/%08d", runPrefix, e.At.UnixNano(), s.seq.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.b.set([]byte(key), body)
}

func (s *kvStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.b.close()
}

func (s *kvStore) getRecordLocked(id string) (Record, bool, error) {
	raw, ok, err := s.b.get(recordKey(id))
	if err != nil || !ok {
		return Record{}, false, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, true, nil
}

func (s *kvStore) childrenLocked(parent string) ([]string, error) {
	raw, ok, err := s.b.get(childrenKey(parent))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode children of %s: %w", parent, err)
	}
	return ids, nil
}

func (s *kvStore) linkLocked(parent, id string) error {
	ids, err := s.childrenLocked(parent)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearch(ids, id)
	if found {
		return nil
	}
	ids = slices.Insert(ids, i, id)
	return s.putChildrenLocked(parent, ids)
}

func (s *kvStore) unlinkLocked(parent, id string) error {
	ids, err := s.childrenLocked(parent)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearch(ids, id)
	if !found {
		return nil
	}
	ids = slices.Delete(ids, i, i+1)
	if len(ids) == 0 {
		return s.b.del(childrenKey(parent))
	}
	return s.putChildrenLocked(parent, ids)
}

func (s *kvStore) putChildrenLocked(parent string, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.b.set(childrenKey(parent), raw)
}
