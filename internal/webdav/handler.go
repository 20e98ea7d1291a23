package webdav

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/engine"
	"github.com/webdav-server/internal/locks"
	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
	davxml "github.com/webdav-server/internal/webdav/xml"
)

// Methods lists the methods served by Handler.
var Methods = []string{
	http.MethodOptions, http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete,
	"MKCOL", "COPY", "MOVE", "PROPFIND", "PROPPATCH", "LOCK", "UNLOCK",
}

// Handler maps WebDAV requests onto the storage tree, the lock table and the
// property store.
type Handler struct {
	fs         storage.FileSystem
	engine     *engine.Engine
	locks      *locks.Manager
	props      *props.Store
	serializer *davxml.Serializer
	prefix     string
	logger     logrus.FieldLogger
}

type Option func(*Handler)

// WithPrefix sets the URL path the tree is mounted under, e.g. "/webdav".
func WithPrefix(prefix string) Option {
	return func(h *Handler) { h.prefix = strings.TrimSuffix(prefix, "/") }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithSerializer(s *davxml.Serializer) Option {
	return func(h *Handler) { h.serializer = s }
}

func NewHandler(fs storage.FileSystem, eng *engine.Engine, lm *locks.Manager, ps *props.Store, opts ...Option) *Handler {
	h := &Handler{
		fs:         fs,
		engine:     eng,
		locks:      lm,
		props:      ps,
		serializer: davxml.NewSerializer(),
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the WebDAV routes to r. r is expected to be mounted at the
// handler prefix.
func (h *Handler) Register(r gin.IRoutes) {
	r.Handle(http.MethodOptions, "/*path", h.HandleOptions)
	r.Handle(http.MethodGet, "/*path", h.HandleGet)
	r.Handle(http.MethodHead, "/*path", h.HandleHead)
	r.Handle(http.MethodPut, "/*path", h.HandlePut)
	r.Handle(http.MethodDelete, "/*path", h.HandleDelete)
	r.Handle("MKCOL", "/*path", h.HandleMkcol)
	r.Handle("COPY", "/*path", h.HandleCopy)
	r.Handle("MOVE", "/*path", h.HandleMove)
	r.Handle("PROPFIND", "/*path", h.HandlePropfind)
	r.Handle("PROPPATCH", "/*path", h.HandleProppatch)
	r.Handle("LOCK", "/*path", h.HandleLock)
	r.Handle("UNLOCK", "/*path", h.HandleUnlock)
}

func (h *Handler) HandleOptions(c *gin.Context) {
	c.Header("DAV", "1, 2")
	c.Header("MS-Author-Via", "DAV")
	c.Header("Allow", strings.Join(Methods, ", "))
	c.Status(http.StatusOK)
}

func requestPath(c *gin.Context) string {
	return storage.Clean(c.Param("path"))
}

// hrefFor returns the percent-encoded URL path of p. Collections end in a slash.
func hrefFor(prefix, p string, isCol bool) string {
	full := prefix + storage.Clean(p)
	if isCol && !strings.HasSuffix(full, "/") {
		full += "/"
	}
	return (&url.URL{Path: full}).EscapedPath()
}

func (h *Handler) href(p string, isCol bool) string {
	return hrefFor(h.prefix, p, isCol)
}

// hrefOf looks p up to decide on the trailing slash.
func (h *Handler) hrefOf(ctx context.Context, p string) string {
	return h.href(p, h.isCollection(ctx, p))
}

// requestTokens returns the lock tokens submitted in the If header.
func requestTokens(c *gin.Context) ([]string, error) {
	lists, err := parseIf(c.GetHeader("If"))
	if err != nil {
		return nil, err
	}
	return submittedTokens(lists), nil
}

// checkLocked answers 423 when p is covered by a lock whose token was not
// submitted.
func (h *Handler) checkLocked(c *gin.Context, p string, tokens []string) bool {
	l, locked := h.locks.Check(p, tokens)
	if !locked {
		return false
	}
	h.logger.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   p,
		"root":   l.Root,
	}).Debug("request blocked by lock")
	h.writeXML(c, http.StatusLocked, davxml.LockTokenSubmittedError(h.hrefOf(c.Request.Context(), l.Root)))
	return true
}

func (h *Handler) writeXML(c *gin.Context, code int, v any) {
	data, err := h.serializer.Encode(v)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(code, "application/xml; charset=utf-8", data)
}

// statusFor maps an error to the response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrExist):
		return http.StatusMethodNotAllowed
	case errors.Is(err, storage.ErrInvalidPath):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, errForeignHost):
		return http.StatusBadGateway
	case errors.Is(err, errBadHeader), errors.Is(err, errOutsidePrefix),
		errors.Is(err, davxml.ErrMalformedBody), errors.Is(err, davxml.ErrEmptyBody):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	entry := h.logger.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
		"status": code,
		"error":  err,
	})
	if code >= http.StatusInternalServerError {
		entry.Error("webdav request failed")
	} else {
		entry.Debug("webdav request rejected")
	}
	c.Status(code)
}
