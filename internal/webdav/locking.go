package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/locks"
	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
	davxml "github.com/webdav-server/internal/webdav/xml"
)

// LiveProperties returns the live properties computed by the HTTP layer for a
// tree served under prefix: lockdiscovery, supportedlock and getcontenttype.
func LiveProperties(lm *locks.Manager, prefix string) []props.LiveProperty {
	prefix = strings.TrimSuffix(prefix, "/")
	return []props.LiveProperty{
		{
			Name: xml.Name{Space: davxml.NamespaceDAV, Local: "getcontenttype"},
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				if _, ok := r.(storage.Document); !ok {
					return nil, false, nil
				}
				return contentType(r.Name()), true, nil
			},
		},
		{
			Name: xml.Name{Space: davxml.NamespaceDAV, Local: "lockdiscovery"},
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				_, isCol := r.(storage.Collection)
				held := lm.Discover(r.Path())
				active := make([]davxml.ActiveLock, 0, len(held))
				for _, l := range held {
					// A lock rooted above r is necessarily on a collection.
					rootIsCol := isCol || l.Root != r.Path()
					active = append(active, activeLock(prefix, l, rootIsCol))
				}
				el, err := davxml.LockDiscoveryElement(active)
				if err != nil {
					return nil, false, err
				}
				return el, true, nil
			},
		},
		{
			Name: xml.Name{Space: davxml.NamespaceDAV, Local: "supportedlock"},
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				el, err := davxml.SupportedLockElement()
				if err != nil {
					return nil, false, err
				}
				return el, true, nil
			},
		},
	}
}

func activeLock(prefix string, l locks.Lock, rootIsCol bool) davxml.ActiveLock {
	al := davxml.ActiveLock{
		LockType:  davxml.LockType{Write: &struct{}{}},
		Depth:     l.Depth.String(),
		Timeout:   formatTimeout(l.Timeout),
		LockToken: &davxml.Href{Href: l.Token},
		LockRoot:  davxml.Href{Href: hrefFor(prefix, l.Root, rootIsCol)},
	}
	if l.Scope == locks.ScopeShared {
		al.LockScope.Shared = &struct{}{}
	} else {
		al.LockScope.Exclusive = &struct{}{}
	}
	if l.Owner != "" {
		al.Owner = &davxml.Owner{InnerXML: l.Owner}
	}
	return al
}

// HandleLock creates a lock from a lockinfo body, or refreshes the lock named
// in the If header when the body is empty.
func (h *Handler) HandleLock(c *gin.Context) {
	ctx := c.Request.Context()
	p := requestPath(c)

	tokens, err := requestTokens(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	timeout := parseTimeout(c.GetHeader("Timeout"))

	info, err := davxml.ParseLockInfo(c.Request.Body)
	if errors.Is(err, davxml.ErrEmptyBody) {
		h.refreshLock(c, p, tokens, timeout)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	depth, err := parseDepth(c.GetHeader("Depth"), depthInfinity)
	if err != nil {
		h.fail(c, err)
		return
	}
	if depth == depthOne {
		c.Status(http.StatusBadRequest)
		return
	}

	var parent storage.Collection
	res, err := h.fs.Find(ctx, p)
	switch {
	case errors.Is(err, storage.ErrNotExist):
		dir, _ := storage.Split(p)
		var ok bool
		if parent, ok = h.findCollection(c, dir); !ok {
			return
		}
		if h.checkLocked(c, dir, tokens) {
			return
		}
	case err != nil:
		h.fail(c, err)
		return
	}

	req := locks.Request{
		Path:    p,
		Depth:   locks.Depth(depth),
		Scope:   locks.ScopeExclusive,
		Owner:   info.OwnerXML(),
		Timeout: timeout,
	}
	if info.Shared != nil {
		req.Scope = locks.ScopeShared
	}
	lock, err := h.locks.Acquire(ctx, req)
	var conflict *locks.ConflictError
	if errors.As(err, &conflict) {
		h.writeXML(c, http.StatusLocked, davxml.NoConflictingLockError(h.hrefOf(ctx, conflict.Held.Root)))
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	code := http.StatusOK
	if parent != nil {
		if err := h.createEmpty(ctx, parent, p); err != nil {
			h.locks.Release(ctx, lock.Token)
			h.fail(c, err)
			return
		}
		code = http.StatusCreated
	}
	_, isCol := res.(storage.Collection)

	h.logger.WithFields(logrus.Fields{
		"path":  p,
		"token": lock.Token,
		"scope": lock.Scope,
		"depth": lock.Depth.String(),
	}).Info("lock granted")
	c.Header("Lock-Token", "<"+lock.Token+">")
	h.writeXML(c, code, davxml.PropResponse{
		Xmlns:         davxml.NamespaceDAV,
		LockDiscovery: []davxml.ActiveLock{activeLock(h.prefix, lock, isCol)},
	})
}

// createEmpty maps p to an empty document.
func (h *Handler) createEmpty(ctx context.Context, parent storage.Collection, p string) error {
	_, name := storage.Split(p)
	doc, err := parent.CreateDocument(ctx, name)
	if err != nil {
		return err
	}
	w, err := doc.OpenWrite(ctx)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	h.props.Invalidate(p)
	return nil
}

func (h *Handler) refreshLock(c *gin.Context, p string, tokens []string, timeout time.Duration) {
	ctx := c.Request.Context()
	if len(tokens) == 0 {
		c.Status(http.StatusBadRequest)
		return
	}
	for _, token := range tokens {
		held, ok := h.locks.Lookup(token)
		if !ok || !held.Covers(p) {
			continue
		}
		lock, err := h.locks.Refresh(ctx, token, timeout)
		if err != nil {
			continue
		}
		h.writeXML(c, http.StatusOK, davxml.PropResponse{
			Xmlns:         davxml.NamespaceDAV,
			LockDiscovery: []davxml.ActiveLock{activeLock(h.prefix, lock, lock.Root != p || h.isCollection(ctx, p))},
		})
		return
	}
	c.Status(http.StatusPreconditionFailed)
}

// HandleUnlock releases the lock named in the Lock-Token header.
func (h *Handler) HandleUnlock(c *gin.Context) {
	ctx := c.Request.Context()
	p := requestPath(c)

	token := parseLockToken(c.GetHeader("Lock-Token"))
	if token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	held, ok := h.locks.Lookup(token)
	if !ok || !held.Covers(p) {
		h.writeXML(c, http.StatusConflict, davxml.LockTokenMismatchError())
		return
	}
	h.locks.Release(ctx, token)
	h.logger.WithFields(logrus.Fields{
		"path":  p,
		"token": token,
	}).Info("lock released")
	c.Status(http.StatusNoContent)
}

func (h *Handler) isCollection(ctx context.Context, p string) bool {
	res, err := h.fs.Find(ctx, p)
	if err != nil {
		return false
	}
	_, ok := res.(storage.Collection)
	return ok
}
