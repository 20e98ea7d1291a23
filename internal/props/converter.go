package props

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrDuplicateConverter = errors.New("props: converter already registered for type")

// Converter maps values of type T to and from their XML element form.
// ToElement emits the canonical form, so ToElement(FromElement(el)) equals el
// only when el is canonical; padded text or other accepted spellings decode to
// the same value but re-encode canonically. Stored properties keep the element
// as submitted.
type Converter[T any] interface {
	ToElement(name xml.Name, value T) (*Element, error)
	FromElement(el *Element) (T, error)
}

type anyConverter struct {
	to   func(xml.Name, any) (*Element, error)
	from func(*Element) (any, error)
}

// Converters is a registry holding exactly one converter per value type.
// Property names bound to a type decode through that type's converter; other
// names pass through as captured XML.
type Converters struct {
	mu     sync.RWMutex
	byType map[reflect.Type]anyConverter
	byName map[xml.Name]reflect.Type
}

// NewConverters returns a registry with the built-in converters for DAV:
// properties.
func NewConverters() *Converters {
	r := &Converters{
		byType: make(map[reflect.Type]anyConverter),
		byName: make(map[xml.Name]reflect.Type),
	}
	mustRegister(r, StringConverter{}, xml.Name{Space: NamespaceDAV, Local: "displayname"}, xml.Name{Space: NamespaceDAV, Local: "getcontenttype"}, xml.Name{Space: NamespaceDAV, Local: "getcontentlanguage"})
	mustRegister(r, Int64Converter{}, xml.Name{Space: NamespaceDAV, Local: "getcontentlength"})
	mustRegister(r, TimeConverter{}, xml.Name{Space: NamespaceDAV, Local: "getlastmodified"})
	mustRegister(r, EntityTagConverter{}, xml.Name{Space: NamespaceDAV, Local: "getetag"})
	mustRegister(r, ResourceTypeConverter{}, xml.Name{Space: NamespaceDAV, Local: "resourcetype"})
	return r
}

func mustRegister[T any](r *Converters, c Converter[T], names ...xml.Name) {
	if err := Register(r, c, names...); err != nil {
		panic(err)
	}
}

// Register installs c as the converter for T and binds names to T.
func Register[T any](r *Converters, c Converter[T], names ...xml.Name) error {
	t := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConverter, t)
	}
	r.byType[t] = anyConverter{
		to: func(name xml.Name, v any) (*Element, error) {
			tv, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("props: %T is not %s", v, t)
			}
			return c.ToElement(name, tv)
		},
		from: func(el *Element) (any, error) {
			return c.FromElement(el)
		},
	}
	for _, name := range names {
		r.byName[name] = t
	}
	return nil
}

// Decode converts el with the converter bound to its name. Unbound names
// return el itself.
func (r *Converters) Decode(el *Element) (any, error) {
	r.mu.RLock()
	t, ok := r.byName[el.XMLName]
	conv := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return el, nil
	}
	v, err := conv.from(el)
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", el.XMLName.Space, el.XMLName.Local, err)
	}
	return v, nil
}

// Encode converts v with the converter registered for its dynamic type.
// Captured elements are renamed and returned as they are.
func (r *Converters) Encode(name xml.Name, v any) (*Element, error) {
	if el, ok := v.(*Element); ok {
		out := *el
		out.XMLName = name
		return &out, nil
	}
	r.mu.RLock()
	conv, ok := r.byType[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("props: no converter for %T", v)
	}
	return conv.to(name, v)
}

// StringConverter stores text properties.
type StringConverter struct{}

func (StringConverter) ToElement(name xml.Name, value string) (*Element, error) {
	return NewTextElement(name, value), nil
}

func (StringConverter) FromElement(el *Element) (string, error) {
	return el.Text()
}

// Int64Converter stores decimal integers.
type Int64Converter struct{}

func (Int64Converter) ToElement(name xml.Name, value int64) (*Element, error) {
	return NewTextElement(name, strconv.FormatInt(value, 10)), nil
}

func (Int64Converter) FromElement(el *Element) (int64, error) {
	text, err := el.Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(text), 10, 64)
}

// TimeConverter stores HTTP dates (RFC 1123, GMT).
type TimeConverter struct{}

func (TimeConverter) ToElement(name xml.Name, value time.Time) (*Element, error) {
	return NewTextElement(name, value.UTC().Format(http.TimeFormat)), nil
}

func (TimeConverter) FromElement(el *Element) (time.Time, error) {
	text, err := el.Text()
	if err != nil {
		return time.Time{}, err
	}
	return http.ParseTime(strings.TrimSpace(text))
}

// EntityTagConverter stores entity tags in their quoted header form.
type EntityTagConverter struct{}

func (EntityTagConverter) ToElement(name xml.Name, value EntityTag) (*Element, error) {
	return NewTextElement(name, value.String()), nil
}

func (EntityTagConverter) FromElement(el *Element) (EntityTag, error) {
	text, err := el.Text()
	if err != nil {
		return EntityTag{}, err
	}
	return ParseEntityTag(strings.TrimSpace(text))
}

// ResourceType is the value of DAV:resourcetype.
type ResourceType struct {
	Collection bool
}

// ResourceTypeConverter emits <DAV:collection/> for collections and an empty
// element for documents.
type ResourceTypeConverter struct{}

func (ResourceTypeConverter) ToElement(name xml.Name, value ResourceType) (*Element, error) {
	el := &Element{XMLName: name}
	if value.Collection {
		el.Inner = []byte(`<collection xmlns="DAV:"></collection>`)
	}
	return el, nil
}

func (ResourceTypeConverter) FromElement(el *Element) (ResourceType, error) {
	toks, err := innerTokens(el.Inner)
	if err != nil {
		return ResourceType{}, err
	}
	for _, tok := range toks {
		if start, ok := tok.(xml.StartElement); ok && start.Name == (xml.Name{Space: NamespaceDAV, Local: "collection"}) {
			return ResourceType{Collection: true}, nil
		}
	}
	return ResourceType{}, nil
}
