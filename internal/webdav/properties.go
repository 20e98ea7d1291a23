package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
	davxml "github.com/webdav-server/internal/webdav/xml"
)

// propstats groups property elements by status, in first-seen status order.
type propstats struct {
	order  []int
	byCode map[int][]props.Element
	seen   map[int]map[xml.Name]bool
}

func newPropstats() *propstats {
	return &propstats{byCode: make(map[int][]props.Element), seen: make(map[int]map[xml.Name]bool)}
}

func (ps *propstats) add(code int, el props.Element) {
	if _, ok := ps.byCode[code]; !ok {
		ps.order = append(ps.order, code)
		ps.byCode[code] = nil
		ps.seen[code] = make(map[xml.Name]bool)
	}
	if ps.seen[code][el.XMLName] {
		return
	}
	ps.seen[code][el.XMLName] = true
	ps.byCode[code] = append(ps.byCode[code], el)
}

func (ps *propstats) build() []davxml.Propstat {
	out := make([]davxml.Propstat, 0, len(ps.order))
	for _, code := range ps.order {
		out = append(out, davxml.Propstat{
			Prop:   davxml.Prop{Elements: ps.byCode[code]},
			Status: davxml.StatusLine(code),
		})
	}
	return out
}

func (h *Handler) HandlePropfind(c *gin.Context) {
	ctx := c.Request.Context()
	p := requestPath(c)

	depth, err := parseDepth(c.GetHeader("Depth"), depthInfinity)
	if err != nil {
		h.fail(c, err)
		return
	}
	req, err := davxml.ParsePropfind(c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.fs.Find(ctx, p)
	if err != nil {
		h.fail(c, err)
		return
	}

	ms := davxml.Multistatus{Xmlns: davxml.NamespaceDAV}
	err = walk(ctx, res, depth, func(r storage.Resource) error {
		resp, err := h.propfindResponse(ctx, r, req)
		if err != nil {
			return err
		}
		ms.Responses = append(ms.Responses, resp)
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeXML(c, http.StatusMultiStatus, ms)
}

// walk visits r and, depending on depth, its members in pre-order.
func walk(ctx context.Context, r storage.Resource, depth int, visit func(storage.Resource) error) error {
	if err := visit(r); err != nil {
		return err
	}
	col, ok := r.(storage.Collection)
	if !ok || depth == depthZero {
		return nil
	}
	next := depthInfinity
	if depth == depthOne {
		next = depthZero
	}
	for child, err := range col.Children(ctx) {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walk(ctx, child, next, visit); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) propfindResponse(ctx context.Context, r storage.Resource, req *davxml.PropfindRequest) (davxml.Response, error) {
	_, isCol := r.(storage.Collection)
	resp := davxml.Response{Href: h.href(r.Path(), isCol)}
	ps := newPropstats()

	switch {
	case req.Prop != nil:
		for _, name := range *req.Prop {
			prop, err := h.props.Get(ctx, r, name)
			switch {
			case err == nil:
				ps.add(http.StatusOK, *prop.Value)
			case errors.Is(err, props.ErrNotFound):
				ps.add(http.StatusNotFound, props.Element{XMLName: name})
			case errors.Is(err, storage.ErrUnavailable):
				return resp, err
			default:
				h.logProperty(r, name, err)
				ps.add(http.StatusInternalServerError, props.Element{XMLName: name})
			}
		}
	default:
		for prop, err := range h.props.GetProperties(ctx, r) {
			if err != nil {
				if prop.Name.Local == "" || errors.Is(err, storage.ErrUnavailable) {
					return resp, err
				}
				h.logProperty(r, prop.Name, err)
				ps.add(http.StatusInternalServerError, props.Element{XMLName: prop.Name})
				continue
			}
			if req.PropName != nil {
				ps.add(http.StatusOK, props.Element{XMLName: prop.Name})
			} else {
				ps.add(http.StatusOK, *prop.Value)
			}
		}
		if req.AllProp != nil && req.Include != nil {
			for _, name := range *req.Include {
				if prop, err := h.props.Get(ctx, r, name); err == nil {
					ps.add(http.StatusOK, *prop.Value)
				}
			}
		}
	}

	resp.Propstats = ps.build()
	return resp, nil
}

func (h *Handler) logProperty(r storage.Resource, name xml.Name, err error) {
	h.logger.WithFields(logrus.Fields{
		"path":      r.Path(),
		"property":  name.Local,
		"namespace": name.Space,
		"error":     err,
	}).Warn("property could not be read")
}

// HandleProppatch applies a propertyupdate as one unit and reports every
// property with its status.
func (h *Handler) HandleProppatch(c *gin.Context) {
	ctx := c.Request.Context()
	p := requestPath(c)

	tokens, err := requestTokens(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.fs.Find(ctx, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.checkLocked(c, p, tokens) {
		return
	}
	update, err := davxml.ParsePropertyUpdate(c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}

	ops := make([]props.PatchOp, len(update.Entries))
	for i, entry := range update.Entries {
		el := entry.Element
		ops[i] = props.PatchOp{Remove: entry.Remove, Value: &el}
	}
	results, err := h.props.Patch(ctx, res, ops)
	if err != nil {
		h.fail(c, err)
		return
	}

	_, isCol := res.(storage.Collection)
	resp := davxml.Response{Href: h.href(p, isCol)}
	ps := newPropstats()
	protected := false
	for _, r := range results {
		ps.add(r.Status, props.Element{XMLName: r.Name})
		if r.Status == http.StatusForbidden && h.props.IsLive(r.Name) {
			protected = true
		}
	}
	resp.Propstats = ps.build()
	if protected {
		resp.Error = &davxml.Error{CannotModifyProtected: &struct{}{}}
	}
	h.writeXML(c, http.StatusMultiStatus, davxml.Multistatus{
		Xmlns:     davxml.NamespaceDAV,
		Responses: []davxml.Response{resp},
	})
}
