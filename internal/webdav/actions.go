package webdav

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/engine"
	"github.com/webdav-server/internal/locks"
	davxml "github.com/webdav-server/internal/webdav/xml"
)

func (h *Handler) HandleDelete(c *gin.Context) {
	tokens, err := requestTokens(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	depth, err := parseDepth(c.GetHeader("Depth"), depthInfinity)
	if err != nil {
		h.fail(c, err)
		return
	}
	if depth != depthInfinity {
		h.fail(c, fmt.Errorf("%w: DELETE requires Depth infinity", errBadHeader))
		return
	}
	res, err := h.engine.Delete(c.Request.Context(), requestPath(c), engine.Options{Tokens: tokens})
	h.writeResult(c, res, err)
}

func (h *Handler) HandleCopy(c *gin.Context) {
	h.transfer(c, false)
}

func (h *Handler) HandleMove(c *gin.Context) {
	h.transfer(c, true)
}

func (h *Handler) transfer(c *gin.Context, move bool) {
	ctx := c.Request.Context()
	tokens, err := requestTokens(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	dst, err := parseDestination(c.Request, h.prefix)
	if err != nil {
		h.fail(c, err)
		return
	}
	overwrite, err := parseOverwrite(c.GetHeader("Overwrite"))
	if err != nil {
		h.fail(c, err)
		return
	}
	depth, err := parseDepth(c.GetHeader("Depth"), depthInfinity)
	if err != nil {
		h.fail(c, err)
		return
	}
	if depth == depthOne || (move && depth != depthInfinity) {
		h.fail(c, fmt.Errorf("%w: Depth %d not allowed for %s", errBadHeader, depth, c.Request.Method))
		return
	}

	opts := engine.Options{
		Depth:     locks.Depth(depth),
		Overwrite: overwrite,
		Tokens:    tokens,
	}
	src := requestPath(c)
	var res engine.Result
	if move {
		res, err = h.engine.Move(ctx, src, dst, opts)
	} else {
		res, err = h.engine.Copy(ctx, src, dst, opts)
	}
	h.writeResult(c, res, err)
}

// writeResult renders an engine result tree: a single status when every node
// ended the same way, a multistatus listing each node otherwise.
func (h *Handler) writeResult(c *gin.Context, res engine.Result, err error) {
	if err != nil {
		if res == nil {
			h.fail(c, err)
			return
		}
		h.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"error":    err,
			"canceled": errors.Is(err, context.Canceled),
		}).Warn("operation aborted, reporting partial result")
	}

	code, multi := engine.Summarize(res)
	if !multi {
		top := res.Outcome()
		if code == http.StatusLocked {
			h.writeXML(c, code, davxml.LockTokenSubmittedError(h.href(top.Target, top.IsCollection)))
			return
		}
		c.Status(code)
		return
	}

	ms := davxml.Multistatus{Xmlns: davxml.NamespaceDAV}
	for _, r := range engine.Flatten(res) {
		resp := davxml.Response{
			Href:   h.href(r.Target, r.IsCollection),
			Status: davxml.StatusLine(r.HTTPStatus()),
		}
		if r.Status == engine.StatusLocked {
			resp.Error = &davxml.Error{LockTokenSubmitted: &davxml.Hrefs{Hrefs: []string{resp.Href}}}
		}
		ms.Responses = append(ms.Responses, resp)
	}
	h.writeXML(c, http.StatusMultiStatus, ms)
}
