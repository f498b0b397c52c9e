// Package canvas maps a directory tree onto reindex nodes.
//
// A canvas is a directory under the configured root. Its id is the
// slash-separated path relative to the root, "." for the root itself.
package canvas

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"canvasindex/internal/reindex"
)

// RootID is the id of the root canvas.
const RootID = "."

var (
	ErrOutsideRoot = errors.New("canvas: path is outside the root")
	ErrNoRoot      = errors.New("canvas: root is not a directory")
)

// Tree is an immutable view over a root directory and its ignore rules.
type Tree struct {
	root   string
	ignore []string
}

// NewTree validates root and returns a Tree over it. Ignore entries are
// path.Match globs tested against both the base name and the relative path.
func NewTree(root string, ignore []string) (*Tree, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, ErrNoRoot
	}
	globs := make([]string, 0, len(ignore))
	for _, g := range ignore {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	return &Tree{root: abs, ignore: globs}, nil
}

func (t *Tree) Root() string { return t.root }

// Node returns the canvas for id. The id is cleaned; it is not checked
// against the filesystem.
func (t *Tree) Node(id string) *Node {
	return &Node{tree: t, id: CleanID(id)}
}

// RootNode returns the root canvas.
func (t *Tree) RootNode() *Node { return t.Node(RootID) }

// Rel returns the canvas-style relative id of an absolute or root-relative
// path.
func (t *Tree) Rel(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(t.root, p)
	}
	rel, err := filepath.Rel(t.root, filepath.Clean(p))
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrOutsideRoot
	}
	return CleanID(rel), nil
}

// NodeFor returns the canvas that owns p: p itself when it is a directory,
// otherwise its parent directory. A path that no longer exists is owned by
// its parent; the name alone cannot tell a removed file from a directory.
func (t *Tree) NodeFor(p string) (*Node, error) {
	id, err := t.Rel(p)
	if err != nil {
		return nil, err
	}
	abs := t.Path(id)
	if fi, err := os.Stat(abs); err == nil {
		if !fi.IsDir() {
			id = ParentID(id)
		}
	} else {
		id = ParentID(id)
	}
	return t.Node(id), nil
}

// Path returns the absolute directory for id.
func (t *Tree) Path(id string) string {
	id = CleanID(id)
	if id == RootID {
		return t.root
	}
	return filepath.Join(t.root, filepath.FromSlash(id))
}

// Ignored reports whether the entry at rel (a canvas-style id) is skipped.
// Hidden entries are always skipped; the root never is.
func (t *Tree) Ignored(rel string) bool {
	rel = CleanID(rel)
	if rel == RootID {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	base := path.Base(rel)
	for _, g := range t.ignore {
		if ok, _ := path.Match(g, base); ok {
			return true
		}
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// Walk visits every canvas, parents before children. Ignored directories
// are not descended into.
func (t *Tree) Walk(ctx context.Context, fn func(n *Node) error) error {
	return filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == t.root {
				return err
			}
			// Vanished while walking.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.IsDir() {
			return nil
		}
		id, rerr := t.Rel(p)
		if rerr != nil {
			return rerr
		}
		if t.Ignored(id) {
			return filepath.SkipDir
		}
		return fn(t.Node(id))
	})
}

// Node is one canvas. It implements reindex.Node.
type Node struct {
	tree *Tree
	id   string
}

var _ reindex.Node = (*Node)(nil)

func (n *Node) ID() string   { return n.id }
func (n *Node) Path() string { return n.tree.Path(n.id) }
func (n *Node) Tree() *Tree  { return n.tree }
func (n *Node) IsRoot() bool { return n.id == RootID }

// Parent returns the parent canvas, or nil for the root.
func (n *Node) Parent() *Node {
	if n.IsRoot() {
		return nil
	}
	return n.tree.Node(ParentID(n.id))
}

// Ancestors returns the chain from the root down to the parent.
func (n *Node) Ancestors(ctx context.Context) ([]reindex.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []reindex.Node
	for p := n.Parent(); p != nil; p = p.Parent() {
		out = append(out, p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Exists reports whether the canvas directory is present.
func (n *Node) Exists() bool {
	fi, err := os.Stat(n.Path())
	return err == nil && fi.IsDir()
}

// CleanID normalises an id: slash separated, no leading "./" or trailing
// slash, "." for the root.
func CleanID(id string) string {
	id = strings.TrimSpace(filepath.ToSlash(id))
	id = strings.TrimPrefix(path.Clean("/"+id), "/")
	if id == "" {
		return RootID
	}
	return id
}

// ParentID returns the id of the parent canvas. The root is its own parent.
func ParentID(id string) string {
	id = CleanID(id)
	if id == RootID {
		return RootID
	}
	dir := path.Dir(id)
	if dir == "." || dir == "/" {
		return RootID
	}
	return dir
}
