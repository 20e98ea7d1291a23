package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const folderContentType = "application/x-directory"

// ObjectConfig describes the bucket an ObjectFS serves.
type ObjectConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	BucketName string
}

// ObjectFS maps the resource tree onto a MinIO/S3 bucket. Documents are objects,
// collections are "dir/" marker objects or implicit key prefixes.
type ObjectFS struct {
	client *minio.Client
	bucket string
}

// NewObjectFS connects to the object store and makes sure the bucket exists.
func NewObjectFS(ctx context.Context, cfg ObjectConfig) (*ObjectFS, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	o := &ObjectFS{client: client, bucket: cfg.BucketName}
	if err := o.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (o *ObjectFS) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return o.mapError("check bucket", o.bucket, err)
	}

	if !exists {
		err = o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return o.mapError("create bucket", o.bucket, err)
		}
	}

	return nil
}

func (o *ObjectFS) Root(ctx context.Context) (Collection, error) {
	return &objectCollection{objectResource{fs: o, path: "/"}}, nil
}

func (o *ObjectFS) Find(ctx context.Context, p string) (Resource, error) {
	p = Clean(p)
	if p == "/" {
		return o.Root(ctx)
	}
	key := objectKey(p)

	info, err := o.client.StatObject(ctx, o.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return o.documentView(p, info), nil
	}
	if err = o.mapError("stat", p, err); !errors.Is(err, ErrNotExist) {
		return nil, err
	}

	info, err = o.client.StatObject(ctx, o.bucket, key+"/", minio.StatObjectOptions{})
	if err == nil {
		return &objectCollection{objectResource{fs: o, path: p, modTime: info.LastModified}}, nil
	}
	if err = o.mapError("stat", p, err); !errors.Is(err, ErrNotExist) {
		return nil, err
	}

	// A prefix with objects below it is a collection without a marker.
	hasChildren, err := o.hasObjects(ctx, key+"/")
	if err != nil {
		return nil, err
	}
	if hasChildren {
		return &objectCollection{objectResource{fs: o, path: p}}, nil
	}
	return nil, fmt.Errorf("find %s: %w", p, ErrNotExist)
}

func (o *ObjectFS) documentView(p string, info minio.ObjectInfo) *objectDocument {
	return &objectDocument{
		objectResource: objectResource{fs: o, path: p, modTime: info.LastModified},
		size:           info.Size,
	}
}

func (o *ObjectFS) hasObjects(ctx context.Context, prefix string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	for object := range o.client.ListObjects(ctx, o.bucket, opts) {
		if object.Err != nil {
			return false, o.mapError("list", prefix, object.Err)
		}
		if object.Key != prefix {
			return true, nil
		}
	}
	return false, nil
}

// mapError translates object store failures into storage errors. Transport
// failures mean the backend is unreachable.
func (o *ObjectFS) mapError(op, p string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%s %s: %w", op, p, ErrNotExist)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s %s: %w: %v", op, p, ErrUnavailable, err)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// objectKey strips the leading slash from a cleaned path.
func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean(p), "/")
}

type objectResource struct {
	fs      *ObjectFS
	path    string
	modTime time.Time
}

func (r objectResource) Path() string { return r.path }

func (r objectResource) Name() string {
	_, name := Split(r.path)
	return name
}

func (r objectResource) Parent() Collection {
	if r.path == "/" {
		return nil
	}
	dir, _ := Split(r.path)
	return &objectCollection{objectResource{fs: r.fs, path: dir}}
}

func (r objectResource) LastModified() time.Time { return r.modTime }

type objectCollection struct {
	objectResource
}

func (c *objectCollection) prefix() string {
	if c.path == "/" {
		return ""
	}
	return objectKey(c.path) + "/"
}

func (c *objectCollection) Children(ctx context.Context) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		prefix := c.prefix()
		opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: false}
		for object := range c.fs.client.ListObjects(ctx, c.fs.bucket, opts) {
			if object.Err != nil {
				yield(nil, c.fs.mapError("list", c.path, object.Err))
				return
			}
			if object.Key == prefix {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(object.Key, prefix), "/")
			child := Join(c.path, name)

			var r Resource
			if strings.HasSuffix(object.Key, "/") {
				r = &objectCollection{objectResource{fs: c.fs, path: child, modTime: object.LastModified}}
			} else {
				r = c.fs.documentView(child, object)
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (c *objectCollection) CreateCollection(ctx context.Context, name string) (Collection, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	p := Join(c.path, name)
	if _, err := c.fs.Find(ctx, p); err == nil {
		return nil, fmt.Errorf("mkcol %s: %w", p, ErrExist)
	} else if !errors.Is(err, ErrNotExist) {
		return nil, err
	}

	_, err := c.fs.client.PutObject(ctx, c.fs.bucket, objectKey(p)+"/", strings.NewReader(""), 0, minio.PutObjectOptions{
		ContentType: folderContentType,
	})
	if err != nil {
		return nil, c.fs.mapError("mkcol", p, err)
	}
	return &objectCollection{objectResource{fs: c.fs, path: p, modTime: time.Now()}}, nil
}

func (c *objectCollection) CreateDocument(ctx context.Context, name string) (Document, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	p := Join(c.path, name)
	existing, err := c.fs.Find(ctx, p)
	switch {
	case err == nil:
		if doc, ok := existing.(Document); ok {
			return doc, nil
		}
		return nil, fmt.Errorf("create %s: %w", p, ErrExist)
	case !errors.Is(err, ErrNotExist):
		return nil, err
	}

	info, err := c.fs.client.PutObject(ctx, c.fs.bucket, objectKey(p), strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		return nil, c.fs.mapError("create", p, err)
	}
	return &objectDocument{
		objectResource: objectResource{fs: c.fs, path: p, modTime: info.LastModified},
	}, nil
}

func (c *objectCollection) Delete(ctx context.Context) error {
	if c.path == "/" {
		return fmt.Errorf("delete /: %w", ErrInvalidPath)
	}
	prefix := c.prefix()
	hasChildren, err := c.fs.hasObjects(ctx, prefix)
	if err != nil {
		return err
	}
	if hasChildren {
		return fmt.Errorf("delete %s: %w", c.path, ErrNotEmpty)
	}
	if err := c.fs.client.RemoveObject(ctx, c.fs.bucket, prefix, minio.RemoveObjectOptions{}); err != nil {
		return c.fs.mapError("delete", c.path, err)
	}
	return nil
}

type objectDocument struct {
	objectResource
	size int64
}

func (d *objectDocument) Length() int64 { return d.size }

func (d *objectDocument) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	obj, err := d.fs.client.GetObject(ctx, d.fs.bucket, objectKey(d.path), minio.GetObjectOptions{})
	if err != nil {
		return nil, d.fs.mapError("open", d.path, err)
	}
	return obj, nil
}

// OpenWrite streams the written bytes into a single PutObject call.
func (d *objectDocument) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := d.fs.client.PutObject(ctx, d.fs.bucket, objectKey(d.path), pr, -1, minio.PutObjectOptions{})
		if err != nil {
			err = d.fs.mapError("write", d.path, err)
		}
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (d *objectDocument) Delete(ctx context.Context) error {
	if err := d.fs.client.RemoveObject(ctx, d.fs.bucket, objectKey(d.path), minio.RemoveObjectOptions{}); err != nil {
		return d.fs.mapError("delete", d.path, err)
	}
	return nil
}

type objectWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *objectWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}
