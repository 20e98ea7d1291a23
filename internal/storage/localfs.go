package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// LocalFS serves a directory of the host file system.
type LocalFS struct {
	root string
}

// NewLocalFS returns a FileSystem rooted at dir, creating it when missing.
func NewLocalFS(dir string) (*LocalFS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &LocalFS{root: abs}, nil
}

func (l *LocalFS) osPath(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(Clean(p)))
}

func (l *LocalFS) Root(ctx context.Context) (Collection, error) {
	r, err := l.Find(ctx, "/")
	if err != nil {
		return nil, err
	}
	return r.(Collection), nil
}

func (l *LocalFS) Find(ctx context.Context, p string) (Resource, error) {
	p = Clean(p)
	info, err := os.Stat(l.osPath(p))
	if err != nil {
		return nil, mapOSError("find", p, err)
	}
	return l.view(p, info), nil
}

func (l *LocalFS) view(p string, info fs.FileInfo) Resource {
	base := localResource{fs: l, path: p, modTime: info.ModTime()}
	if info.IsDir() {
		return &localCollection{base}
	}
	return &localDocument{localResource: base, size: info.Size()}
}

func mapOSError(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, p, ErrNotExist)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s %s: %w", op, p, ErrExist)
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
}

type localResource struct {
	fs      *LocalFS
	path    string
	modTime time.Time
}

func (r localResource) Path() string { return r.path }

func (r localResource) Name() string {
	_, name := Split(r.path)
	return name
}

func (r localResource) Parent() Collection {
	if r.path == "/" {
		return nil
	}
	dir, _ := Split(r.path)
	parent, err := r.fs.Find(context.Background(), dir)
	if err != nil {
		return nil
	}
	c, _ := parent.(Collection)
	return c
}

func (r localResource) LastModified() time.Time { return r.modTime }

type localCollection struct {
	localResource
}

func (c *localCollection) Children(ctx context.Context) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		entries, err := os.ReadDir(c.fs.osPath(c.path))
		if err != nil {
			yield(nil, mapOSError("list", c.path, err))
			return
		}
		slices.SortFunc(entries, func(a, b os.DirEntry) int {
			return strings.Compare(a.Name(), b.Name())
		})
		for _, entry := range entries {
			info, err := entry.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				if !yield(nil, mapOSError("stat", Join(c.path, entry.Name()), err)) {
					return
				}
				continue
			}
			if !yield(c.fs.view(Join(c.path, entry.Name()), info), nil) {
				return
			}
		}
	}
}

func (c *localCollection) CreateCollection(ctx context.Context, name string) (Collection, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	p := Join(c.path, name)
	if err := os.Mkdir(c.fs.osPath(p), 0o755); err != nil {
		return nil, mapOSError("mkcol", p, err)
	}
	r, err := c.fs.Find(ctx, p)
	if err != nil {
		return nil, err
	}
	return r.(Collection), nil
}

func (c *localCollection) CreateDocument(ctx context.Context, name string) (Document, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	p := Join(c.path, name)
	f, err := os.OpenFile(c.fs.osPath(p), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, mapOSError("create", p, err)
	}
	if err := f.Close(); err != nil {
		return nil, mapOSError("create", p, err)
	}
	r, err := c.fs.Find(ctx, p)
	if err != nil {
		return nil, err
	}
	doc, ok := r.(Document)
	if !ok {
		return nil, fmt.Errorf("create %s: %w", p, ErrExist)
	}
	return doc, nil
}

func (c *localCollection) Delete(ctx context.Context) error {
	if c.path == "/" {
		return fmt.Errorf("delete /: %w", ErrInvalidPath)
	}
	entries, err := os.ReadDir(c.fs.osPath(c.path))
	if err != nil {
		return mapOSError("delete", c.path, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("delete %s: %w", c.path, ErrNotEmpty)
	}
	if err := os.Remove(c.fs.osPath(c.path)); err != nil {
		return mapOSError("delete", c.path, err)
	}
	return nil
}

type localDocument struct {
	localResource
	size int64
}

func (d *localDocument) Length() int64 { return d.size }

func (d *localDocument) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(d.fs.osPath(d.path))
	if err != nil {
		return nil, mapOSError("open", d.path, err)
	}
	return f, nil
}

func (d *localDocument) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	f, err := os.OpenFile(d.fs.osPath(d.path), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, mapOSError("open", d.path, err)
	}
	return f, nil
}

func (d *localDocument) Delete(ctx context.Context) error {
	if err := os.Remove(d.fs.osPath(d.path)); err != nil {
		return mapOSError("delete", d.path, err)
	}
	return nil
}
