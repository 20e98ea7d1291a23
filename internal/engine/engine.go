package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/locks"
	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
)

var ErrDestinationExists = errors.New("engine: destination exists")

// Options control one recursive operation.
type Options struct {
	// Depth limits copy; DepthZero copies a collection without its members.
	// Move and delete always cover the whole subtree.
	Depth     locks.Depth
	Overwrite bool
	// Tokens are the lock tokens submitted with the request.
	Tokens []string
}

// Engine runs copy, move and delete over a resource tree. Per-node failures
// are recorded in the result tree; only cancellation and an unreachable
// backend stop an operation, and even then the partial tree is returned.
type Engine struct {
	fs     storage.FileSystem
	locks  *locks.Manager
	props  *props.Store
	logger logrus.FieldLogger
}

// New returns an engine over fs.
func New(fs storage.FileSystem, lm *locks.Manager, ps *props.Store, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{fs: fs, locks: lm, props: ps, logger: logger}
}

type operation int

const (
	opCopy operation = iota
	opMove
)

func (o operation) String() string {
	if o == opMove {
		return "move"
	}
	return "copy"
}

// Copy copies src to dst, pre-order.
func (e *Engine) Copy(ctx context.Context, src, dst string, opts Options) (Result, error) {
	return e.transfer(ctx, opCopy, src, dst, opts)
}

// Move moves src to dst, pre-order. A collection leaves the source only once
// every member has moved.
func (e *Engine) Move(ctx context.Context, src, dst string, opts Options) (Result, error) {
	opts.Depth = locks.DepthInfinity
	return e.transfer(ctx, opMove, src, dst, opts)
}

// Delete removes p and everything below it, post-order.
func (e *Engine) Delete(ctx context.Context, p string, opts Options) (Result, error) {
	p = storage.Clean(p)
	if p == "/" {
		return &ActionResult{Status: StatusForbidden, Target: p, IsCollection: true}, nil
	}
	res, err := e.fs.Find(ctx, p)
	if err != nil {
		return e.failed(p, false, err)
	}
	dir, _ := storage.Split(p)
	if _, locked := e.locks.Check(dir, opts.Tokens); locked {
		return &ActionResult{Status: StatusLocked, Target: p, IsCollection: isCollection(res)}, nil
	}
	return e.deleteNode(ctx, res, opts.Tokens)
}

func (e *Engine) transfer(ctx context.Context, op operation, src, dst string, opts Options) (Result, error) {
	src, dst = storage.Clean(src), storage.Clean(dst)
	if storage.IsWithin(dst, src) {
		return &ActionResult{Status: StatusForbidden, Target: dst}, nil
	}
	if op == opMove && src == "/" {
		return &ActionResult{Status: StatusForbidden, Target: src, IsCollection: true}, nil
	}

	res, err := e.fs.Find(ctx, src)
	if err != nil {
		return e.failed(src, false, err)
	}
	isCol := isCollection(res)

	dstDir, dstName := storage.Split(dst)
	parentRes, err := e.fs.Find(ctx, dstDir)
	if errors.Is(err, storage.ErrNotExist) {
		return &ActionResult{Status: StatusConflict, Target: dst, IsCollection: isCol, Err: err}, nil
	}
	if err != nil {
		return e.failed(dst, isCol, err)
	}
	parent, ok := parentRes.(storage.Collection)
	if !ok {
		return &ActionResult{Status: StatusConflict, Target: dst, IsCollection: isCol}, nil
	}

	if _, locked := e.locks.Check(dstDir, opts.Tokens); locked {
		return &ActionResult{Status: StatusLocked, Target: dst, IsCollection: isCol}, nil
	}
	if op == opMove {
		srcDir, _ := storage.Split(src)
		if _, locked := e.locks.Check(srcDir, opts.Tokens); locked {
			return &ActionResult{Status: StatusLocked, Target: src, IsCollection: isCol}, nil
		}
	}

	created := true
	existing, err := e.fs.Find(ctx, dst)
	switch {
	case err == nil:
		if !opts.Overwrite {
			return &ActionResult{Status: StatusConflict, Target: dst, IsCollection: isCol, Err: ErrDestinationExists}, nil
		}
		// Clearing an ancestor of the source would take the source with it.
		if storage.IsWithin(src, dst) {
			return &ActionResult{Status: StatusForbidden, Target: dst, IsCollection: isCollection(existing)}, nil
		}
		cleared, err := e.deleteNode(ctx, existing, opts.Tokens)
		if err != nil || !allSucceeded(cleared) {
			return cleared, err
		}
		created = false
	case !errors.Is(err, storage.ErrNotExist):
		return e.failed(dst, isCol, err)
	}

	return e.transferNode(ctx, op, res, parent, dstName, created, opts)
}

// transferNode copies or moves one resource into parent under name, then its
// members.
func (e *Engine) transferNode(ctx context.Context, op operation, res storage.Resource, parent storage.Collection, name string, created bool, opts Options) (Result, error) {
	src := res.Path()
	dst := storage.Join(parent.Path(), name)
	col, isCol := res.(storage.Collection)

	if _, locked := e.locks.Check(dst, opts.Tokens); locked {
		return &ActionResult{Status: StatusLocked, Target: dst, IsCollection: isCol}, nil
	}
	if op == opMove {
		if _, locked := e.locks.Check(src, opts.Tokens); locked {
			return &ActionResult{Status: StatusLocked, Target: src, IsCollection: isCol}, nil
		}
	}
	if _, err := e.fs.Find(ctx, dst); err == nil {
		return &ActionResult{Status: StatusConflict, Target: dst, IsCollection: isCol, Err: ErrDestinationExists}, nil
	} else if !errors.Is(err, storage.ErrNotExist) {
		return e.failed(dst, isCol, err)
	}

	if !isCol {
		return e.transferDocument(ctx, op, res.(storage.Document), parent, name, created)
	}

	newCol, err := parent.CreateCollection(ctx, name)
	if err != nil {
		return e.failed(dst, true, err)
	}
	if err := e.props.CopyDead(ctx, src, dst); err != nil {
		e.warn(op, dst, err)
	}

	result := &CollectionActionResult{
		ActionResult: ActionResult{Status: StatusSucceeded, Target: dst, IsCollection: true, Created: created},
	}
	if opts.Depth == locks.DepthZero {
		return result, nil
	}

	children, err := listChildren(ctx, col)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return result, err
		}
		result.Status, result.Err = StatusFailed, err
		e.warn(op, src, err)
		return result, nil
	}
	complete := true
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r, err := e.transferNode(ctx, op, child, newCol, child.Name(), created, opts)
		result.add(r)
		if err != nil {
			return result, err
		}
		if !allSucceeded(r) {
			complete = false
		}
	}

	if op == opMove && complete {
		if err := col.Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return result, err
			}
			e.warn(op, src, err)
			return result, nil
		}
		if err := e.props.RemoveDead(ctx, src); err != nil {
			e.warn(op, src, err)
		}
		e.locks.ReleaseTree(ctx, src)
	}
	return result, nil
}

func (e *Engine) transferDocument(ctx context.Context, op operation, doc storage.Document, parent storage.Collection, name string, created bool) (Result, error) {
	src := doc.Path()
	dst := storage.Join(parent.Path(), name)

	if err := copyContent(ctx, doc, parent, name); err != nil {
		return e.failed(dst, false, err)
	}
	e.props.Invalidate(dst)

	if op == opCopy {
		if err := e.props.CopyDead(ctx, src, dst); err != nil {
			e.warn(op, dst, err)
		}
		return &ActionResult{Status: StatusSucceeded, Target: dst, Created: created}, nil
	}

	if err := doc.Delete(ctx); err != nil {
		// The copy stays behind; give it the source's properties.
		if perr := e.props.CopyDead(ctx, src, dst); perr != nil {
			e.warn(op, dst, perr)
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return &ActionResult{Status: StatusFailed, Target: src, Err: err}, err
		}
		e.warn(op, src, err)
		return &ActionResult{Status: StatusFailed, Target: src, Err: err}, nil
	}
	if err := e.props.MoveDead(ctx, src, dst); err != nil {
		e.warn(op, dst, err)
	}
	e.locks.ReleaseTree(ctx, src)
	return &ActionResult{Status: StatusSucceeded, Target: dst, Created: created}, nil
}

func copyContent(ctx context.Context, doc storage.Document, parent storage.Collection, name string) error {
	target, err := parent.CreateDocument(ctx, name)
	if err != nil {
		return err
	}
	r, err := doc.OpenRead(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := target.OpenWrite(ctx)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy %s: %w", doc.Path(), err)
	}
	return w.Close()
}

// deleteNode removes res after its members.
func (e *Engine) deleteNode(ctx context.Context, res storage.Resource, tokens []string) (Result, error) {
	p := res.Path()
	col, isCol := res.(storage.Collection)

	if _, locked := e.locks.Check(p, tokens); locked {
		return &ActionResult{Status: StatusLocked, Target: p, IsCollection: isCol}, nil
	}

	if !isCol {
		if err := res.(storage.Document).Delete(ctx); err != nil {
			return e.failed(p, false, err)
		}
		e.forget(ctx, p)
		return &ActionResult{Status: StatusSucceeded, Target: p}, nil
	}

	result := &CollectionActionResult{
		ActionResult: ActionResult{Status: StatusSucceeded, Target: p, IsCollection: true},
	}
	children, err := listChildren(ctx, col)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return result, err
		}
		result.Status, result.Err = StatusFailed, err
		return result, nil
	}
	complete := true
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			result.Status = StatusFailedDependency
			return result, err
		}
		r, err := e.deleteNode(ctx, child, tokens)
		result.add(r)
		if err != nil {
			result.Status = StatusFailedDependency
			return result, err
		}
		if !allSucceeded(r) {
			complete = false
		}
	}
	if !complete {
		result.Status = StatusFailedDependency
		return result, nil
	}

	if err := col.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			result.Status, result.Err = StatusFailed, err
			return result, err
		}
		e.logger.WithFields(logrus.Fields{"path": p, "error": err}).Warn("delete failed")
		result.Status, result.Err = StatusFailed, err
		return result, nil
	}
	e.forget(ctx, p)
	return result, nil
}

func (e *Engine) forget(ctx context.Context, p string) {
	if err := e.props.RemoveDead(ctx, p); err != nil {
		e.logger.WithFields(logrus.Fields{"path": p, "error": err}).Warn("failed to remove dead properties")
	}
	e.locks.ReleaseTree(ctx, p)
}

// failed records a storage error. An unreachable backend is also returned as
// the error that stops the operation.
func (e *Engine) failed(target string, isCol bool, err error) (Result, error) {
	r := &ActionResult{Target: target, IsCollection: isCol, Err: err}
	switch {
	case errors.Is(err, storage.ErrNotExist):
		r.Status = StatusNotFound
		return r, nil
	case errors.Is(err, storage.ErrUnavailable):
		r.Status = StatusFailed
		return r, err
	case errors.Is(err, storage.ErrInvalidPath):
		r.Status = StatusForbidden
		return r, nil
	}
	r.Status = StatusFailed
	e.logger.WithFields(logrus.Fields{"path": target, "error": err}).Warn("storage operation failed")
	return r, nil
}

func (e *Engine) warn(op operation, p string, err error) {
	e.logger.WithFields(logrus.Fields{
		"op":    op.String(),
		"path":  p,
		"error": err,
	}).Warn("recursive operation step failed")
}

func listChildren(ctx context.Context, col storage.Collection) ([]storage.Resource, error) {
	var out []storage.Resource
	for child, err := range col.Children(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func isCollection(r storage.Resource) bool {
	_, ok := r.(storage.Collection)
	return ok
}
