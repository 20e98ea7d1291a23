package props

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/storage"
)

var ErrNotFound = errors.New("props: property not found")

// Property is one named property of a resource.
type Property struct {
	Name   xml.Name
	Value  *Element
	IsLive bool
}

// LiveProperty is computed from resource state on every read and cannot be
// written by clients.
type LiveProperty struct {
	Name xml.Name
	// Compute returns the typed value for r. ok is false when the property does
	// not apply to r (e.g. content length of a collection).
	Compute func(ctx context.Context, r storage.Resource) (value any, ok bool, err error)
}

// PatchOp is one entry of a property patch, applied in request order.
type PatchOp struct {
	Remove bool
	// Value carries the new value for a set, and only the name for a remove.
	Value *Element
}

// PatchResult is the outcome of one PatchOp as an HTTP status code.
type PatchResult struct {
	Name   xml.Name
	Status int
}

// Store joins live properties with the dead properties of a DeadStore.
type Store struct {
	dead       DeadStore
	converters *Converters
	etags      *ETagger
	live       []LiveProperty
	liveByName map[xml.Name]int
	rules      []Rule
	logger     logrus.FieldLogger
}

type Option func(*Store)

// WithLive appends live properties after the built-in ones.
func WithLive(props ...LiveProperty) Option {
	return func(s *Store) { s.live = append(s.live, props...) }
}

// WithETagger caches entity tags.
func WithETagger(e *ETagger) Option {
	return func(s *Store) { s.etags = e }
}

// WithConverters replaces the default converter registry.
func WithConverters(c *Converters) Option {
	return func(s *Store) { s.converters = c }
}

// WithRules adds validation rules run against every patch operation.
func WithRules(rules ...Rule) Option {
	return func(s *Store) { s.rules = append(s.rules, rules...) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns a Store over dead with the DAV: live properties
// resourcetype, getcontentlength, getlastmodified and getetag.
func NewStore(dead DeadStore, opts ...Option) *Store {
	s := &Store{
		dead:       dead,
		converters: NewConverters(),
		rules:      DefaultRules(),
		logger:     logrus.StandardLogger(),
	}
	s.live = s.builtinLive()
	for _, opt := range opts {
		opt(s)
	}
	s.liveByName = make(map[xml.Name]int, len(s.live))
	for i, lp := range s.live {
		s.liveByName[lp.Name] = i
	}
	return s
}

// Converters returns the registry used to encode and validate values.
func (s *Store) Converters() *Converters {
	return s.converters
}

// IsLive reports whether name is a live property.
func (s *Store) IsLive(name xml.Name) bool {
	_, ok := s.liveByName[name]
	return ok
}

// GetProperties enumerates the live properties of r followed by its dead
// properties. Each range over the result recomputes everything.
func (s *Store) GetProperties(ctx context.Context, r storage.Resource) iter.Seq2[Property, error] {
	return func(yield func(Property, error) bool) {
		for _, lp := range s.live {
			p, ok, err := s.computeLive(ctx, lp, r)
			if err != nil {
				if !yield(Property{Name: lp.Name, IsLive: true}, err) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}

		dead, err := s.dead.List(ctx, r.Path())
		if err != nil {
			yield(Property{}, fmt.Errorf("list dead properties: %w", err))
			return
		}
		for _, el := range dead {
			if !yield(Property{Name: el.XMLName, Value: el}, nil) {
				return
			}
		}
	}
}

// Get returns a single property of r.
func (s *Store) Get(ctx context.Context, r storage.Resource, name xml.Name) (Property, error) {
	if i, ok := s.liveByName[name]; ok {
		p, ok, err := s.computeLive(ctx, s.live[i], r)
		if err != nil {
			return Property{}, err
		}
		if !ok {
			return Property{}, ErrNotFound
		}
		return p, nil
	}

	dead, err := s.dead.List(ctx, r.Path())
	if err != nil {
		return Property{}, fmt.Errorf("list dead properties: %w", err)
	}
	for _, el := range dead {
		if el.XMLName == name {
			return Property{Name: name, Value: el}, nil
		}
	}
	return Property{}, ErrNotFound
}

func (s *Store) computeLive(ctx context.Context, lp LiveProperty, r storage.Resource) (Property, bool, error) {
	v, ok, err := lp.Compute(ctx, r)
	if err != nil || !ok {
		return Property{}, false, err
	}
	el, err := s.converters.Encode(lp.Name, v)
	if err != nil {
		return Property{}, false, err
	}
	return Property{Name: lp.Name, Value: el, IsLive: true}, true, nil
}

// Patch applies ops to the dead properties of r as one unit. When any op is
// rejected nothing is stored: rejected ops report 403 (or the status of the
// failing Rule) and the others 424.
// The returned error is reserved for storage failures.
func (s *Store) Patch(ctx context.Context, r storage.Resource, ops []PatchOp) ([]PatchResult, error) {
	results := make([]PatchResult, len(ops))
	failed := false
	for i, op := range ops {
		results[i] = PatchResult{Name: op.Value.XMLName, Status: http.StatusOK}
		if err := s.validate(op); err != nil {
			s.logger.WithFields(logrus.Fields{
				"path":     r.Path(),
				"property": op.Value.XMLName.Local,
				"error":    err,
			}).Debug("property patch rejected")
			results[i].Status = http.StatusForbidden
			var ruleErr *RuleError
			if errors.As(err, &ruleErr) {
				results[i].Status = ruleErr.Status
			}
			failed = true
		}
	}
	if failed {
		for i := range results {
			if results[i].Status == http.StatusOK {
				results[i].Status = http.StatusFailedDependency
			}
		}
		return results, nil
	}

	// Later ops on the same name win.
	final := make(map[xml.Name]*Element)
	var order []xml.Name
	for _, op := range ops {
		name := op.Value.XMLName
		if _, seen := final[name]; !seen {
			order = append(order, name)
		}
		if op.Remove {
			final[name] = nil
		} else {
			final[name] = op.Value
		}
	}
	var set []*Element
	var remove []xml.Name
	for _, name := range order {
		if el := final[name]; el != nil {
			set = append(set, el)
		} else {
			remove = append(remove, name)
		}
	}

	if err := s.dead.Apply(ctx, r.Path(), set, remove); err != nil {
		return nil, fmt.Errorf("apply property patch: %w", err)
	}
	return results, nil
}

func (s *Store) validate(op PatchOp) error {
	if s.IsLive(op.Value.XMLName) {
		return fmt.Errorf("%s is a live property", op.Value.XMLName.Local)
	}
	for _, rule := range s.rules {
		if err := rule.Validate(op); err != nil {
			return err
		}
	}
	if op.Remove {
		return nil
	}
	_, err := s.converters.Decode(op.Value)
	return err
}

// CopyDead duplicates the dead properties of src onto dst, replacing any dst had.
func (s *Store) CopyDead(ctx context.Context, src, dst string) error {
	s.Invalidate(dst)
	return s.dead.Copy(ctx, src, dst)
}

// MoveDead relocates the dead properties of src to dst.
func (s *Store) MoveDead(ctx context.Context, src, dst string) error {
	s.Invalidate(src)
	s.Invalidate(dst)
	return s.dead.Move(ctx, src, dst)
}

// RemoveDead drops every dead property of path.
func (s *Store) RemoveDead(ctx context.Context, path string) error {
	s.Invalidate(path)
	return s.dead.Remove(ctx, path)
}

// ETag returns the entity tag of doc.
func (s *Store) ETag(ctx context.Context, doc storage.Document) (EntityTag, error) {
	if s.etags != nil {
		return s.etags.ETag(ctx, doc)
	}
	return computeETag(ctx, doc, doc.LastModified())
}

// Invalidate drops the cached entity tag of path. Writers call it once the
// new content is in place.
func (s *Store) Invalidate(path string) {
	if s.etags != nil {
		s.etags.Forget(path)
	}
}

func (s *Store) builtinLive() []LiveProperty {
	dav := func(local string) xml.Name { return xml.Name{Space: NamespaceDAV, Local: local} }
	return []LiveProperty{
		{
			Name: dav("resourcetype"),
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				_, isCol := r.(storage.Collection)
				return ResourceType{Collection: isCol}, true, nil
			},
		},
		{
			Name: dav("getcontentlength"),
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				doc, ok := r.(storage.Document)
				if !ok {
					return nil, false, nil
				}
				return doc.Length(), true, nil
			},
		},
		{
			Name: dav("getlastmodified"),
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				mod := r.LastModified()
				return mod, !mod.IsZero(), nil
			},
		},
		{
			Name: dav("getetag"),
			Compute: func(ctx context.Context, r storage.Resource) (any, bool, error) {
				doc, ok := r.(storage.Document)
				if !ok {
					return nil, false, nil
				}
				tag, err := s.ETag(ctx, doc)
				if err != nil {
					return nil, false, err
				}
				return tag, true, nil
			},
		},
	}
}
