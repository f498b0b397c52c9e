package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	logx "canvasindex/pkg/logx"
)

// compactEvery is the number of journal writes between snapshot compactions.
const compactEvery = 1000

// fileStore keeps every record in memory and persists it as files.
//
// Files:
//   - <prefix>.runs.jsonl             (append-only JSON Lines)
//   - <prefix>.records.snapshot.json  (periodic snapshot)
//   - <prefix>.records.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File

	snapshotPath string
	journalFile  *os.File
	records      map[string]Record

	writes int
}

type journalOp struct {
	Op     string  `json:"op"` // "put" or "del"
	ID     string  `json:"id"`
	Record *Record `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".records.snapshot.json"
	journalPath := prefix + ".records.journal.jsonl"

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	records := map[string]Record{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("record snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("record journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		runsFile:     rf,
		snapshotPath: snapPath,
		journalFile:  jf,
		records:      records,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutRecord(ctx context.Context, r Record) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errEmptyID
	}
	r.Children = slices.Clone(r.Children)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "put", ID: r.ID, Record: &r}); err != nil {
		return err
	}
	s.records[r.ID] = r
	return nil
}

func (s *fileStore) GetRecord(ctx context.Context, id string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return Record{}, false, ErrClosed
	}
	r, ok := s.records[id]
	if ok {
		r.Children = slices.Clone(r.Children)
	}
	return r, ok, nil
}

func (s *fileStore) ListChildren(ctx context.Context, parent string) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
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

func (s *fileStore) DeleteRecord(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, e RunEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(e)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("record compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// Torn trailing write.
			continue
		}
		switch {
		case op.ID == "":
		case op.Op == "del":
			delete(out, op.ID)
		case op.Op == "put" && op.Record != nil:
			out[op.ID] = *op.Record
		}
	}
	return sc.Err()
}
