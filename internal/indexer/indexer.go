// Package indexer is the reindex function for canvas directories.
//
// A Full run lists the canvas directory, digests every visible file and
// stores the result. A Replies run keeps the canvas' own figures and only
// re-aggregates its subtree totals from the records of its descendants.
package indexer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"canvasindex/internal/canvas"
	"canvasindex/internal/reindex"
	"canvasindex/internal/storage"
	logx "canvasindex/pkg/logx"
)

const defaultCacheSize = 65536

// Config wires an Indexer.
type Config struct {
	Tree *canvas.Tree
	// Store nil means an in-memory store.
	Store storage.Store
	// CacheSize bounds the file digest cache (entries).
	CacheSize int
	Logger    logx.Logger
}

type Indexer struct {
	tree  *canvas.Tree
	store storage.Store
	log   logx.Logger
	cache *lru.Cache[string, uint64]

	mu    sync.RWMutex
	sched reindex.Scheduler

	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(cfg Config) (*Indexer, error) {
	if cfg.Tree == nil {
		return nil, errors.New("indexer: tree is required")
	}
	st := cfg.Store
	if st == nil {
		st = storage.NewMemory()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Indexer{tree: cfg.Tree, store: st, log: log, cache: cache}, nil
}

// Bind sets the scheduler ancestors are propagated to. Until it is called
// runs never propagate.
func (ix *Indexer) Bind(s reindex.Scheduler) {
	ix.mu.Lock()
	ix.sched = s
	ix.mu.Unlock()
}

func (ix *Indexer) Store() storage.Store { return ix.store }
func (ix *Indexer) Tree() *canvas.Tree   { return ix.tree }

// CacheStats returns digest cache hits and misses since start.
func (ix *Indexer) CacheStats() (hits, misses uint64) {
	return ix.hits.Load(), ix.misses.Load()
}

// Reindex implements reindex.Func.
func (ix *Indexer) Reindex(ctx context.Context, node reindex.Node, opt reindex.Options) error {
	n, ok := node.(*canvas.Node)
	if !ok || n.Tree() != ix.tree {
		n = ix.tree.Node(node.ID())
	}
	start := time.Now()
	mode := reindex.StrengthFor(opt.OnlyReplies)

	err := ix.reindex(ctx, n, mode)
	took := time.Since(start)

	entry := storage.RunEntry{At: start, NodeID: n.ID(), Mode: mode.String(), TookMS: took.Milliseconds()}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := ix.store.AppendRun(ctx, entry); aerr != nil {
		ix.log.Warn("append run failed", logx.String("node", n.ID()), logx.Err(aerr))
	}
	if err != nil {
		return err
	}

	ix.log.Debug("canvas indexed",
		logx.String("node", n.ID()),
		logx.String("mode", mode.String()),
		logx.Duration("took", took),
	)

	if opt.SkipAncestors {
		return nil
	}
	ix.mu.RLock()
	s := ix.sched
	ix.mu.RUnlock()
	return reindex.PropagateAncestors(ctx, s, n)
}

func (ix *Indexer) reindex(ctx context.Context, n *canvas.Node, mode reindex.Strength) error {
	if !n.Exists() {
		return ix.forget(ctx, n)
	}

	var rec storage.Record
	prev, havePrev, err := ix.store.GetRecord(ctx, n.ID())
	if err != nil {
		return err
	}
	if mode == reindex.Replies && havePrev {
		rec = prev
	} else {
		// A Replies run with nothing stored has nothing to aggregate from.
		mode = reindex.Full
		rec, err = ix.scan(ctx, n)
		if err != nil {
			return err
		}
		if err := ix.pruneChildren(ctx, n.ID(), rec.Children); err != nil {
			return err
		}
	}

	docs, bytes, err := ix.subtree(ctx, n.ID(), rec.Docs, rec.Bytes)
	if err != nil {
		return err
	}
	rec.SubtreeDocs, rec.SubtreeBytes = docs, bytes
	rec.Mode = mode.String()
	rec.IndexedAt = time.Now()
	return ix.store.PutRecord(ctx, rec)
}

// scan lists the canvas directory and digests its files.
func (ix *Indexer) scan(ctx context.Context, n *canvas.Node) (storage.Record, error) {
	rec := storage.Record{ID: n.ID()}
	if p := n.Parent(); p != nil {
		rec.Parent = p.ID()
	}

	entries, err := os.ReadDir(n.Path())
	if err != nil {
		return rec, fmt.Errorf("read canvas %s: %w", n.ID(), err)
	}

	type fileDigest struct {
		name string
		sum  uint64
	}
	var files []fileDigest
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		childID := canvas.CleanID(path.Join(n.ID(), de.Name()))
		if ix.tree.Ignored(childID) {
			continue
		}
		if de.IsDir() {
			rec.Children = append(rec.Children, childID)
			continue
		}
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		sum, err := ix.digest(n.Path(), de.Name(), info)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return rec, err
		}
		files = append(files, fileDigest{name: de.Name(), sum: sum})
		rec.Docs++
		rec.Bytes += info.Size()
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	h := xxhash.New()
	var buf [8]byte
	for _, f := range files {
		_, _ = h.WriteString(f.name)
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], f.sum)
		_, _ = h.Write(buf[:])
	}
	rec.Digest = hex.EncodeToString(h.Sum(nil))
	sort.Strings(rec.Children)
	return rec, nil
}

func (ix *Indexer) digest(dir, name string, info os.FileInfo) (uint64, error) {
	full := dir + string(os.PathSeparator) + name
	key := fmt.Sprintf("%s|%d|%d", full, info.Size(), info.ModTime().UnixNano())
	if sum, ok := ix.cache.Get(key); ok {
		ix.hits.Add(1)
		return sum, nil
	}
	ix.misses.Add(1)

	f, err := os.Open(full)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("digest %s: %w", full, err)
	}
	sum := h.Sum64()
	ix.cache.Add(key, sum)
	return sum, nil
}

// subtree sums own figures over every stored descendant of id.
func (ix *Indexer) subtree(ctx context.Context, id string, docs int, bytes int64) (int, int64, error) {
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := ix.store.ListChildren(ctx, cur)
		if err != nil {
			return 0, 0, err
		}
		for _, k := range kids {
			if _, dup := seen[k.ID]; dup {
				continue
			}
			seen[k.ID] = struct{}{}
			docs += k.Docs
			bytes += k.Bytes
			queue = append(queue, k.ID)
		}
	}
	return docs, bytes, nil
}

// pruneChildren drops stored child records that are no longer on disk.
func (ix *Indexer) pruneChildren(ctx context.Context, id string, current []string) error {
	stored, err := ix.store.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(current))
	for _, c := range current {
		keep[c] = struct{}{}
	}
	for _, r := range stored {
		if _, ok := keep[r.ID]; ok {
			continue
		}
		if err := ix.deleteSubtree(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) forget(ctx context.Context, n *canvas.Node) error {
	if n.IsRoot() {
		return fmt.Errorf("canvas root %s is gone", ix.tree.Root())
	}
	ix.log.Debug("canvas removed", logx.String("node", n.ID()))
	return ix.deleteSubtree(ctx, n.ID())
}

func (ix *Indexer) deleteSubtree(ctx context.Context, id string) error {
	kids, err := ix.store.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if err := ix.deleteSubtree(ctx, k.ID); err != nil {
			return err
		}
	}
	return ix.store.DeleteRecord(ctx, id)
}
