package props

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"slices"
)

// NamespaceDAV is the namespace of properties defined by RFC 4918.
const NamespaceDAV = "DAV:"

// Element is a captured XML element. Inner holds the element content as a
// self-contained fragment: every name is namespace-qualified, so the element can
// be re-emitted into any document.
type Element struct {
	XMLName xml.Name
	Attrs   []xml.Attr
	Inner   []byte
}

// NewTextElement returns an element whose only content is text.
func NewTextElement(name xml.Name, text string) *Element {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(text))
	return &Element{XMLName: name, Inner: buf.Bytes()}
}

// ParseElement captures the first element of data.
func ParseElement(data []byte) (*Element, error) {
	var el Element
	if err := xml.Unmarshal(data, &el); err != nil {
		return nil, err
	}
	return &el, nil
}

// Text returns the concatenated character data of the element content.
func (e *Element) Text() (string, error) {
	var buf bytes.Buffer
	d := xml.NewDecoder(bytes.NewReader(e.Inner))
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return buf.String(), nil
		}
		if err != nil {
			return "", err
		}
		if cd, ok := tok.(xml.CharData); ok {
			buf.Write(cd)
		}
	}
}

// UnmarshalXML captures start and everything up to its matching end element.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	e.XMLName = start.Name
	e.Attrs = stripNamespaceDecls(start.Attr)

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			t.Attr = stripNamespaceDecls(t.Attr)
			tok = t
		case xml.EndElement:
			if depth == 0 {
				if err := enc.Flush(); err != nil {
					return err
				}
				e.Inner = buf.Bytes()
				return nil
			}
			depth--
		case xml.CharData:
		default:
			// Comments, directives and processing instructions are not kept.
			continue
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return err
		}
	}
}

// MarshalXML writes the element with its captured content.
func (e Element) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = e.XMLName
	start.Attr = e.Attrs
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	toks, err := innerTokens(e.Inner)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		if err := enc.EncodeToken(tok); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// Equal reports whether e and o are structurally equal: same name, attributes
// and content tokens, regardless of prefixes or escaping.
func (e *Element) Equal(o *Element) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.XMLName != o.XMLName || !slices.Equal(e.Attrs, o.Attrs) {
		return false
	}
	a, err := innerTokens(e.Inner)
	if err != nil {
		return false
	}
	b, err := innerTokens(o.Inner)
	if err != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !tokenEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func innerTokens(inner []byte) ([]xml.Token, error) {
	var toks []xml.Token
	d := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return mergeCharData(toks), nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			t.Attr = stripNamespaceDecls(t.Attr)
			toks = append(toks, xml.CopyToken(t))
		case xml.EndElement, xml.CharData:
			toks = append(toks, xml.CopyToken(t))
		}
	}
}

func mergeCharData(toks []xml.Token) []xml.Token {
	out := toks[:0]
	for _, tok := range toks {
		if cd, ok := tok.(xml.CharData); ok && len(out) > 0 {
			if prev, ok := out[len(out)-1].(xml.CharData); ok {
				out[len(out)-1] = append(prev, cd...)
				continue
			}
		}
		out = append(out, tok)
	}
	return out
}

func tokenEqual(a, b xml.Token) bool {
	switch x := a.(type) {
	case xml.StartElement:
		y, ok := b.(xml.StartElement)
		return ok && x.Name == y.Name && slices.Equal(x.Attr, y.Attr)
	case xml.EndElement:
		y, ok := b.(xml.EndElement)
		return ok && x.Name == y.Name
	case xml.CharData:
		y, ok := b.(xml.CharData)
		return ok && bytes.Equal(x, y)
	}
	return false
}

func stripNamespaceDecls(attrs []xml.Attr) []xml.Attr {
	var out []xml.Attr
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		out = append(out, a)
	}
	return out
}
