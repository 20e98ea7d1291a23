package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"path"
	"strings"
	"time"
)

var (
	ErrNotExist    = errors.New("storage: resource does not exist")
	ErrExist       = errors.New("storage: resource already exists")
	ErrNotEmpty    = errors.New("storage: collection is not empty")
	ErrUnavailable = errors.New("storage: backend unavailable")
	ErrInvalidPath = errors.New("storage: invalid path")
)

// Resource is a node of the resource tree.
type Resource interface {
	Path() string
	Name() string
	// Parent returns the enclosing collection, or nil for the root.
	Parent() Collection
	LastModified() time.Time
}

// Collection is a container node. Children are enumerated at query time.
type Collection interface {
	Resource
	Children(ctx context.Context) iter.Seq2[Resource, error]
	CreateCollection(ctx context.Context, name string) (Collection, error)
	// CreateDocument returns the existing document when name is already a document.
	CreateDocument(ctx context.Context, name string) (Document, error)
	// Delete removes the collection. It fails with ErrNotEmpty while children remain.
	Delete(ctx context.Context) error
}

// Document is a leaf node with byte content.
type Document interface {
	Resource
	Length() int64
	OpenRead(ctx context.Context) (io.ReadCloser, error)
	// OpenWrite truncates the document. Content becomes visible on Close.
	OpenWrite(ctx context.Context) (io.WriteCloser, error)
	Delete(ctx context.Context) error
}

// FileSystem is the entry point to a storage backend.
type FileSystem interface {
	Root(ctx context.Context) (Collection, error)
	// Find resolves a cleaned absolute path. Missing paths fail with ErrNotExist.
	Find(ctx context.Context, p string) (Resource, error)
}

// Clean returns the canonical form of p: absolute, no trailing slash except for the root.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Split splits a cleaned path into its parent path and final name.
func Split(p string) (dir, name string) {
	p = Clean(p)
	if p == "/" {
		return "/", ""
	}
	dir, name = path.Split(p)
	return Clean(dir), name
}

// Join appends name to the collection path dir.
func Join(dir, name string) string {
	return Clean(path.Join(dir, name))
}

// IsWithin reports whether p equals root or lies below it.
func IsWithin(p, root string) bool {
	p, root = Clean(p), Clean(root)
	if p == root || root == "/" {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// ValidName rejects names that cannot be a single path segment.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return ErrInvalidPath
	}
	return nil
}
