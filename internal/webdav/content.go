package webdav

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
)

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (h *Handler) HandleGet(c *gin.Context) {
	h.serveContent(c, true)
}

func (h *Handler) HandleHead(c *gin.Context) {
	h.serveContent(c, false)
}

func (h *Handler) serveContent(c *gin.Context, withBody bool) {
	ctx := c.Request.Context()
	p := requestPath(c)

	res, err := h.fs.Find(ctx, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	doc, ok := res.(storage.Document)
	if !ok {
		c.Header("Allow", "OPTIONS, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE, DELETE, LOCK, UNLOCK")
		c.Status(http.StatusMethodNotAllowed)
		return
	}

	tag, err := h.props.ETag(ctx, doc)
	if err != nil {
		h.fail(c, err)
		return
	}
	if code := checkConditions(c.Request, &tag); code != 0 {
		c.Status(code)
		return
	}

	headers := map[string]string{"ETag": tag.String()}
	if mod := doc.LastModified(); !mod.IsZero() {
		headers["Last-Modified"] = mod.UTC().Format(http.TimeFormat)
	}
	if !withBody {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Header("Content-Type", contentType(doc.Name()))
		c.Header("Content-Length", strconv.FormatInt(doc.Length(), 10))
		c.Status(http.StatusOK)
		return
	}

	rc, err := doc.OpenRead(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer rc.Close()

	h.logger.WithFields(logrus.Fields{
		"path": p,
		"size": humanize.Bytes(uint64(doc.Length())),
	}).Debug("serving document")
	c.DataFromReader(http.StatusOK, doc.Length(), contentType(doc.Name()), rc, headers)
}

// HandlePut writes the request body to a document, creating it when the
// parent collection exists.
func (h *Handler) HandlePut(c *gin.Context) {
	ctx := c.Request.Context()
	p := requestPath(c)
	if p == "/" {
		c.Status(http.StatusMethodNotAllowed)
		return
	}
	tokens, err := requestTokens(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	var existing storage.Document
	res, err := h.fs.Find(ctx, p)
	switch {
	case err == nil:
		doc, ok := res.(storage.Document)
		if !ok {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		existing = doc
	case !errors.Is(err, storage.ErrNotExist):
		h.fail(c, err)
		return
	}

	var current *props.EntityTag
	if existing != nil {
		tag, err := h.props.ETag(ctx, existing)
		if err != nil {
			h.fail(c, err)
			return
		}
		current = &tag
	}
	if code := checkConditions(c.Request, current); code != 0 {
		c.Status(code)
		return
	}
	if h.checkLocked(c, p, tokens) {
		return
	}

	dir, name := storage.Split(p)
	parent, ok := h.findCollection(c, dir)
	if !ok {
		return
	}
	if existing == nil && h.checkLocked(c, dir, tokens) {
		return
	}

	doc, err := parent.CreateDocument(ctx, name)
	if err != nil {
		h.fail(c, err)
		return
	}
	w, err := doc.OpenWrite(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	n, err := io.Copy(w, c.Request.Body)
	if err != nil {
		w.Close()
		h.fail(c, err)
		return
	}
	if err := w.Close(); err != nil {
		h.fail(c, err)
		return
	}
	h.props.Invalidate(p)

	if written, err := h.fs.Find(ctx, p); err == nil {
		if doc, ok := written.(storage.Document); ok {
			if tag, err := h.props.ETag(ctx, doc); err == nil {
				c.Header("ETag", tag.String())
			}
		}
	}
	h.logger.WithFields(logrus.Fields{
		"path":    p,
		"size":    humanize.Bytes(uint64(n)),
		"created": existing == nil,
	}).Info("document written")

	if existing == nil {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleMkcol creates a collection.
func (h *Handler) HandleMkcol(c *gin.Context) {
	ctx := c.Request.Context()
	p := requestPath(c)
	if c.Request.ContentLength > 0 {
		c.Status(http.StatusUnsupportedMediaType)
		return
	}
	tokens, err := requestTokens(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	if _, err := h.fs.Find(ctx, p); err == nil {
		c.Status(http.StatusMethodNotAllowed)
		return
	} else if !errors.Is(err, storage.ErrNotExist) {
		h.fail(c, err)
		return
	}

	dir, name := storage.Split(p)
	parent, ok := h.findCollection(c, dir)
	if !ok {
		return
	}
	if h.checkLocked(c, dir, tokens) {
		return
	}
	if _, err := parent.CreateCollection(ctx, name); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// findCollection resolves the parent of a new member, answering 409 when it
// is missing or not a collection.
func (h *Handler) findCollection(c *gin.Context, p string) (storage.Collection, bool) {
	res, err := h.fs.Find(c.Request.Context(), p)
	if errors.Is(err, storage.ErrNotExist) {
		c.Status(http.StatusConflict)
		return nil, false
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	col, ok := res.(storage.Collection)
	if !ok {
		c.Status(http.StatusConflict)
		return nil, false
	}
	return col, true
}
