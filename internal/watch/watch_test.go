package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canvasindex/internal/canvas"
	"canvasindex/internal/reindex"
)

type fakeTarget struct {
	mu     sync.Mutex
	adds   []reindex.Request
	closed []string
}

func (f *fakeTarget) Add(req reindex.Request) error {
	f.mu.Lock()
	f.adds = append(f.adds, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) Close(id string) {
	f.mu.Lock()
	f.closed = append(f.closed, id)
	f.mu.Unlock()
}

func (f *fakeTarget) sawAdd(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.adds {
		if r.Node.ID() == id {
			return true
		}
	}
	return false
}

func (f *fakeTarget) sawClose(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.closed {
		if c == id {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startWatcher(t *testing.T, dirs ...string) (string, *Watcher, *fakeTarget) {
	t.Helper()
	root := t.TempDir()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(d)), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	tree, err := canvas.NewTree(root, []string{"*.swp"})
	if err != nil {
		t.Fatal(err)
	}
	target := &fakeTarget{}
	w, err := New(Config{Tree: tree, Target: target})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return root, w, target
}

func TestFileWriteSchedulesOwner(t *testing.T) {
	root, w, target := startWatcher(t, "a/b", ".git")
	if got := w.Watched(); got != 3 {
		t.Fatalf("watched = %d, want 3 (root, a, a/b)", got)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "b", "doc.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a/b scheduled", func() bool { return target.sawAdd("a/b") })

	if err := os.WriteFile(filepath.Join(root, "a", "b", "doc.md.swp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if target.sawAdd(".git") {
		t.Fatal("hidden directory was scheduled")
	}
}

func TestNewDirectoryIsWatchedAndScheduled(t *testing.T) {
	root, w, target := startWatcher(t, "a")
	if err := os.Mkdir(filepath.Join(root, "a", "new"), 0o755); err != nil {
		t.Fatal(err)
	}
	eventually(t, "new canvas scheduled", func() bool { return target.sawAdd("a/new") })
	eventually(t, "new canvas watched", func() bool { return w.Watched() == 3 })

	if err := os.WriteFile(filepath.Join(root, "a", "new", "f.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, "file in new canvas", func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		n := 0
		for _, r := range target.adds {
			if r.Node.ID() == "a/new" {
				n++
			}
		}
		return n >= 2
	})
}

func TestRemovedDirectoryClosesEntries(t *testing.T) {
	root, w, target := startWatcher(t, "a/b/c")
	if err := os.RemoveAll(filepath.Join(root, "a", "b")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "entries closed", func() bool { return target.sawClose("a/b") && target.sawClose("a/b/c") })
	eventually(t, "parent scheduled", func() bool { return target.sawAdd("a") })
	eventually(t, "watch set pruned", func() bool { return w.Watched() == 2 })
}

func TestRemovedExtensionlessFileSchedulesOwner(t *testing.T) {
	root, w, target := startWatcher(t, "a")
	mk := filepath.Join(root, "a", "Makefile")
	if err := os.WriteFile(mk, []byte("all:"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a scheduled on write", func() bool { return target.sawAdd("a") })
	time.Sleep(50 * time.Millisecond)
	target.mu.Lock()
	target.adds = nil
	target.mu.Unlock()

	if err := os.Remove(mk); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a scheduled on remove", func() bool { return target.sawAdd("a") })
	if target.sawAdd("a/Makefile") {
		t.Fatal("removed file was scheduled as a canvas")
	}
	if target.sawClose("a") || w.Watched() != 2 {
		t.Fatalf("owner canvas touched: watched = %d", w.Watched())
	}
}

func TestNewRequiresTreeAndTarget(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
