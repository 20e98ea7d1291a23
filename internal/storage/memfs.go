package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"time"
)

// MemFS is an in-memory FileSystem.
type MemFS struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
}

type memNode struct {
	dir      bool
	data     []byte
	modTime  time.Time
	children map[string]struct{}
}

// NewMemFS returns an empty tree holding only the root collection.
func NewMemFS() *MemFS {
	return &MemFS{
		nodes: map[string]*memNode{
			"/": {dir: true, modTime: time.Now(), children: map[string]struct{}{}},
		},
	}
}

// Root returns the root collection.
func (fs *MemFS) Root(ctx context.Context) (Collection, error) {
	return &memCollection{memResource{fs: fs, path: "/"}}, nil
}

// Find resolves p to a collection or a document.
func (fs *MemFS) Find(ctx context.Context, p string) (Resource, error) {
	p = Clean(p)
	fs.mu.RLock()
	n, ok := fs.nodes[p]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("find %s: %w", p, ErrNotExist)
	}
	return fs.view(p, n), nil
}

// MkdirAll creates p and any missing ancestors.
func (fs *MemFS) MkdirAll(p string) error {
	p = Clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mkdirAllLocked(p)
}

func (fs *MemFS) mkdirAllLocked(p string) error {
	if n, ok := fs.nodes[p]; ok {
		if !n.dir {
			return fmt.Errorf("mkdir %s: %w", p, ErrExist)
		}
		return nil
	}
	dir, name := Split(p)
	if err := fs.mkdirAllLocked(dir); err != nil {
		return err
	}
	fs.nodes[p] = &memNode{dir: true, modTime: time.Now(), children: map[string]struct{}{}}
	fs.nodes[dir].children[name] = struct{}{}
	return nil
}

// WriteFile creates or replaces the document at p, creating missing ancestors.
func (fs *MemFS) WriteFile(p string, data []byte) error {
	p = Clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, name := Split(p)
	if err := fs.mkdirAllLocked(dir); err != nil {
		return err
	}
	if n, ok := fs.nodes[p]; ok && n.dir {
		return fmt.Errorf("write %s: %w", p, ErrExist)
	}
	fs.nodes[p] = &memNode{data: slices.Clone(data), modTime: time.Now()}
	fs.nodes[dir].children[name] = struct{}{}
	return nil
}

// ReadFile returns a copy of the document content at p.
func (fs *MemFS) ReadFile(p string) ([]byte, error) {
	p = Clean(p)
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, ok := fs.nodes[p]
	if !ok || n.dir {
		return nil, fmt.Errorf("read %s: %w", p, ErrNotExist)
	}
	return slices.Clone(n.data), nil
}

func (fs *MemFS) view(p string, n *memNode) Resource {
	if n.dir {
		return &memCollection{memResource{fs: fs, path: p}}
	}
	return &memDocument{memResource{fs: fs, path: p}}
}

func (fs *MemFS) node(p string) (*memNode, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, ok := fs.nodes[p]
	return n, ok
}

func (fs *MemFS) stat(p string) (size int64, modTime time.Time, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, ok := fs.nodes[p]
	if !ok {
		return 0, time.Time{}, false
	}
	return int64(len(n.data)), n.modTime, true
}

func (fs *MemFS) create(parent, name string, dir bool) (Resource, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	p := Join(parent, name)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	pn, ok := fs.nodes[parent]
	if !ok || !pn.dir {
		return nil, fmt.Errorf("create %s: %w", p, ErrNotExist)
	}
	if n, ok := fs.nodes[p]; ok {
		if n.dir || dir {
			return nil, fmt.Errorf("create %s: %w", p, ErrExist)
		}
		return fs.view(p, n), nil
	}
	n := &memNode{dir: dir, modTime: time.Now()}
	if dir {
		n.children = map[string]struct{}{}
	}
	fs.nodes[p] = n
	pn.children[name] = struct{}{}
	pn.modTime = n.modTime
	return fs.view(p, n), nil
}

func (fs *MemFS) remove(p string, dir bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[p]
	if !ok || n.dir != dir {
		return fmt.Errorf("delete %s: %w", p, ErrNotExist)
	}
	if p == "/" {
		return fmt.Errorf("delete %s: %w", p, ErrInvalidPath)
	}
	if dir && len(n.children) > 0 {
		return fmt.Errorf("delete %s: %w", p, ErrNotEmpty)
	}
	parent, name := Split(p)
	delete(fs.nodes, p)
	if pn, ok := fs.nodes[parent]; ok {
		delete(pn.children, name)
		pn.modTime = time.Now()
	}
	return nil
}

type memResource struct {
	fs   *MemFS
	path string
}

func (r memResource) Path() string { return r.path }

func (r memResource) Name() string {
	_, name := Split(r.path)
	return name
}

func (r memResource) Parent() Collection {
	if r.path == "/" {
		return nil
	}
	dir, _ := Split(r.path)
	return &memCollection{memResource{fs: r.fs, path: dir}}
}

func (r memResource) LastModified() time.Time {
	_, modTime, _ := r.fs.stat(r.path)
	return modTime
}

type memCollection struct {
	memResource
}

func (c *memCollection) Children(ctx context.Context) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		c.fs.mu.RLock()
		n, ok := c.fs.nodes[c.path]
		var names []string
		if ok {
			for name := range n.children {
				names = append(names, name)
			}
		}
		c.fs.mu.RUnlock()
		if !ok {
			yield(nil, fmt.Errorf("list %s: %w", c.path, ErrNotExist))
			return
		}
		slices.Sort(names)
		for _, name := range names {
			p := Join(c.path, name)
			child, ok := c.fs.node(p)
			if !ok {
				continue
			}
			if !yield(c.fs.view(p, child), nil) {
				return
			}
		}
	}
}

func (c *memCollection) CreateCollection(ctx context.Context, name string) (Collection, error) {
	r, err := c.fs.create(c.path, name, true)
	if err != nil {
		return nil, err
	}
	return r.(Collection), nil
}

func (c *memCollection) CreateDocument(ctx context.Context, name string) (Document, error) {
	r, err := c.fs.create(c.path, name, false)
	if err != nil {
		return nil, err
	}
	return r.(Document), nil
}

func (c *memCollection) Delete(ctx context.Context) error {
	return c.fs.remove(c.path, true)
}

type memDocument struct {
	memResource
}

func (d *memDocument) Length() int64 {
	size, _, _ := d.fs.stat(d.path)
	return size
}

func (d *memDocument) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	d.fs.mu.RLock()
	defer d.fs.mu.RUnlock()
	n, ok := d.fs.nodes[d.path]
	if !ok || n.dir {
		return nil, fmt.Errorf("open %s: %w", d.path, ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(n.data)), nil
}

func (d *memDocument) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	if _, ok := d.fs.node(d.path); !ok {
		return nil, fmt.Errorf("open %s: %w", d.path, ErrNotExist)
	}
	return &memWriter{doc: d}, nil
}

func (d *memDocument) Delete(ctx context.Context) error {
	return d.fs.remove(d.path, false)
}

type memWriter struct {
	doc *memDocument
	buf bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	fs := w.doc.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[w.doc.path]
	if !ok || n.dir {
		return fmt.Errorf("write %s: %w", w.doc.path, ErrNotExist)
	}
	// Readers may still hold the previous slice; never mutate it.
	fs.nodes[w.doc.path] = &memNode{data: w.buf.Bytes(), modTime: time.Now()}
	return nil
}
