package engine

import (
	"errors"
	"net/http"

	"github.com/webdav-server/internal/storage"
)

// Status is the outcome of one node of a recursive operation.
type Status int

const (
	StatusSucceeded Status = iota
	StatusConflict
	StatusLocked
	StatusNotFound
	StatusForbidden
	StatusFailedDependency
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusConflict:
		return "conflict"
	case StatusLocked:
		return "locked"
	case StatusNotFound:
		return "not found"
	case StatusForbidden:
		return "forbidden"
	case StatusFailedDependency:
		return "failed dependency"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// ActionResult is the outcome for one resource.
type ActionResult struct {
	Status Status
	// Target is the destination path for copy and move, except for failures
	// concerning the source, and the deleted path for delete.
	Target       string
	IsCollection bool
	// Created is set when the destination did not exist before the operation.
	Created bool
	Err     error
}

// HTTPStatus maps the outcome to a response status code.
func (r ActionResult) HTTPStatus() int {
	switch r.Status {
	case StatusSucceeded:
		if r.Created {
			return http.StatusCreated
		}
		return http.StatusNoContent
	case StatusConflict:
		if errors.Is(r.Err, ErrDestinationExists) {
			return http.StatusPreconditionFailed
		}
		return http.StatusConflict
	case StatusLocked:
		return http.StatusLocked
	case StatusNotFound:
		return http.StatusNotFound
	case StatusForbidden:
		return http.StatusForbidden
	case StatusFailedDependency:
		return http.StatusFailedDependency
	}
	if errors.Is(r.Err, storage.ErrUnavailable) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Outcome returns r.
func (r *ActionResult) Outcome() *ActionResult {
	return r
}

// CollectionActionResult is the outcome for a collection and the members
// visited below it, documents and collections kept apart in visit order.
type CollectionActionResult struct {
	ActionResult
	Documents   []ActionResult
	Collections []CollectionActionResult
}

// Result is an *ActionResult or a *CollectionActionResult.
type Result interface {
	Outcome() *ActionResult
}

func (c *CollectionActionResult) add(r Result) {
	switch v := r.(type) {
	case *CollectionActionResult:
		c.Collections = append(c.Collections, *v)
	case *ActionResult:
		c.Documents = append(c.Documents, *v)
	}
}

// Flatten lists the node, then its documents, then each nested collection
// flattened in turn.
func Flatten(r Result) []ActionResult {
	var out []ActionResult
	switch v := r.(type) {
	case *CollectionActionResult:
		v.flattenInto(&out)
	case *ActionResult:
		out = append(out, *v)
	}
	return out
}

func (c *CollectionActionResult) flattenInto(out *[]ActionResult) {
	*out = append(*out, c.ActionResult)
	*out = append(*out, c.Documents...)
	for i := range c.Collections {
		c.Collections[i].flattenInto(out)
	}
}

// Summarize returns the single status code shared by every node, or 207 and
// true when the nodes disagree.
func Summarize(r Result) (code int, multi bool) {
	nodes := Flatten(r)
	if len(nodes) == 0 {
		return http.StatusInternalServerError, false
	}
	key := outcomeKey(nodes[0])
	for _, n := range nodes[1:] {
		if outcomeKey(n) != key {
			return http.StatusMultiStatus, true
		}
	}
	return nodes[0].HTTPStatus(), false
}

// outcomeKey groups successes regardless of whether they created anything.
func outcomeKey(r ActionResult) int {
	if r.Status == StatusSucceeded {
		return http.StatusOK
	}
	return r.HTTPStatus()
}

func allSucceeded(r Result) bool {
	for _, n := range Flatten(r) {
		if n.Status != StatusSucceeded {
			return false
		}
	}
	return true
}
