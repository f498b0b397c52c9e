// Package watch turns filesystem events under the canvas root into reindex
// requests.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"canvasindex/internal/canvas"
	"canvasindex/internal/reindex"
	"canvasindex/internal/runtime/fswatch"
	logx "canvasindex/pkg/logx"
)

// Target receives the requests. *reindex.Manager implements it.
type Target interface {
	Add(req reindex.Request) error
	Close(id string)
}

type Config struct {
	Tree   *canvas.Tree
	Target Target
	// OnResync runs after an overflow or a watcher restart, when events may
	// have been lost. Nil schedules a Full run for the root.
	OnResync func(ctx context.Context)
	Logger   logx.Logger
}

type Watcher struct {
	tree     *canvas.Tree
	target   Target
	onResync func(ctx context.Context)
	log      logx.Logger

	mu      sync.Mutex
	watched map[string]struct{} // canvas ids with an fsnotify watch
	ready   chan struct{}
	readyOn sync.Once
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Tree == nil || cfg.Target == nil {
		return nil, errors.New("watch: tree and target are required")
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{
		tree:     cfg.Tree,
		target:   cfg.Target,
		onResync: cfg.OnResync,
		log:      log,
		watched:  map[string]struct{}{},
		ready:    make(chan struct{}),
	}
	if w.onResync == nil {
		w.onResync = func(context.Context) {
			w.schedule(w.tree.RootNode(), false)
		}
	}
	return w, nil
}

// Ready is closed once the first set of watches is registered.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Watched returns the number of directories currently watched.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Run watches until ctx ends. A broken fsnotify watcher is recreated with
// jittered backoff, followed by a resync.
func (w *Watcher) Run(ctx context.Context) error {
	var backoff fswatch.Backoff
	restarted := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.addTree(ctx, fw, w.tree.RootNode(), false)
			if err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("canvas watch init failed", logx.Err(err), logx.String("root", w.tree.Root()))
			if !backoff.Sleep(ctx) {
				return nil
			}
			continue
		}

		backoff.Reset()
		w.readyOn.Do(func() { close(w.ready) })
		w.log.Debug("canvas watcher started", logx.String("root", w.tree.Root()), logx.Int("dirs", w.Watched()))
		if restarted {
			w.onResync(ctx)
		}

		w.loop(ctx, fw)
		_ = fw.Close()
		w.mu.Lock()
		clear(w.watched)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
		restarted = true
		w.log.Warn("canvas watcher stopped; restarting", logx.String("root", w.tree.Root()))
		if !backoff.Sleep(ctx) {
			return nil
		}
	}
}

// loop returns when ctx ends or the watcher breaks.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			switch fswatch.Classify(err) {
			case fswatch.Overflow:
				w.log.Warn("canvas watch overflow; resyncing", logx.Err(err))
				w.onResync(ctx)
			case fswatch.Closed:
				return
			case fswatch.Other:
				w.log.Warn("canvas watch error", logx.Err(err))
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	id, err := w.tree.Rel(ev.Name)
	if err != nil || w.tree.Ignored(id) {
		return
	}
	w.log.Trace("fs event", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))

	switch {
	case ev.Has(fsnotify.Create):
		fi, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if fi.IsDir() {
			n := w.tree.Node(id)
			if err := w.addTree(ctx, fw, n, true); err != nil {
				w.log.Warn("watch new canvas failed", logx.String("node", id), logx.Err(err))
			}
			// The parent's child list changed too.
			if p := n.Parent(); p != nil {
				w.schedule(p, false)
			}
			return
		}
		w.scheduleOwner(ev.Name)
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// Anything that was not a watched canvas was a file; its owner is
		// the parent either way.
		w.forget(id)
		if id != canvas.RootID {
			w.schedule(w.tree.Node(canvas.ParentID(id)), false)
		}
	case ev.Has(fsnotify.Write):
		w.scheduleOwner(ev.Name)
	}
}

// addTree watches n and every canvas below it. When schedule is set each of
// them also gets a Full run.
func (w *Watcher) addTree(ctx context.Context, fw *fsnotify.Watcher, n *canvas.Node, schedule bool) error {
	root := n.Path()
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() {
			return nil
		}
		id, err := w.tree.Rel(p)
		if err != nil {
			return err
		}
		if w.tree.Ignored(id) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			if p == root {
				return err
			}
			w.log.Debug("watch add failed", logx.String("path", p), logx.Err(err))
			return nil
		}
		w.mu.Lock()
		w.watched[id] = struct{}{}
		w.mu.Unlock()
		if schedule {
			w.schedule(w.tree.Node(id), false)
		}
		return nil
	})
}

// forget drops id and its descendants if id was a watched canvas, closing
// their scheduler entries.
func (w *Watcher) forget(id string) bool {
	w.mu.Lock()
	if _, ok := w.watched[id]; !ok {
		w.mu.Unlock()
		return false
	}
	var gone []string
	prefix := id + "/"
	for k := range w.watched {
		if k == id || strings.HasPrefix(k, prefix) {
			gone = append(gone, k)
			delete(w.watched, k)
		}
	}
	w.mu.Unlock()
	for _, k := range gone {
		w.target.Close(k)
	}
	w.log.Debug("canvas removed", logx.String("node", id), logx.Int("closed", len(gone)))
	return true
}

func (w *Watcher) scheduleOwner(path string) {
	n, err := w.tree.NodeFor(path)
	if err != nil || w.tree.Ignored(n.ID()) {
		return
	}
	w.schedule(n, false)
}

func (w *Watcher) schedule(n *canvas.Node, skipAncestors bool) {
	if err := w.target.Add(reindex.Request{Node: n, SkipAncestors: skipAncestors}); err != nil {
		w.log.Warn("schedule reindex failed", logx.String("node", n.ID()), logx.Err(err))
	}
}
