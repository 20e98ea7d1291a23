package xml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/webdav-server/internal/props"
)

var (
	ErrEmptyBody     = errors.New("xml: empty request body")
	ErrMalformedBody = errors.New("xml: malformed request body")
)

// maxBodySize bounds request bodies read into memory.
const maxBodySize = 1 << 20

// ReadBody reads a request body of at most 1 MiB. Bodies that are empty or
// only whitespace return ErrEmptyBody.
func ReadBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedBody, maxBodySize)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

func dav(local string) xml.Name {
	return xml.Name{Space: NamespaceDAV, Local: local}
}

// PropfindRequest is the body of PROPFIND. A request without a body is
// treated as allprop.
type PropfindRequest struct {
	XMLName  xml.Name   `xml:"DAV: propfind"`
	AllProp  *struct{}  `xml:"DAV: allprop"`
	PropName *struct{}  `xml:"DAV: propname"`
	Prop     *PropNames `xml:"DAV: prop"`
	Include  *PropNames `xml:"DAV: include"`
}

// PropNames lists the names of the child elements of a prop element.
type PropNames []xml.Name

func (pn *PropNames) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			*pn = append(*pn, t.Name)
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// ParsePropfind decodes a PROPFIND body.
func ParsePropfind(r io.Reader) (*PropfindRequest, error) {
	body, err := ReadBody(r)
	if errors.Is(err, ErrEmptyBody) {
		return &PropfindRequest{AllProp: &struct{}{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var req PropfindRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	n := 0
	for _, set := range []bool{req.AllProp != nil, req.PropName != nil, req.Prop != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: propfind needs exactly one of allprop, propname or prop", ErrMalformedBody)
	}
	return &req, nil
}

// PatchEntry is one property of a set or remove instruction.
type PatchEntry struct {
	Remove  bool
	Element props.Element
}

// PropertyUpdate is the body of PROPPATCH with its entries in document order.
type PropertyUpdate struct {
	Entries []PatchEntry
}

func (pu *PropertyUpdate) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	if start.Name != dav("propertyupdate") {
		return fmt.Errorf("unexpected root element %s", start.Name.Local)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name {
			case dav("set"):
				err = pu.readInstruction(d, false)
			case dav("remove"):
				err = pu.readInstruction(d, true)
			default:
				err = d.Skip()
			}
			if err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (pu *PropertyUpdate) readInstruction(d *xml.Decoder, remove bool) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name != dav("prop") {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			if err := pu.readProp(d, remove); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (pu *PropertyUpdate) readProp(d *xml.Decoder, remove bool) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var el props.Element
			if err := d.DecodeElement(&el, &t); err != nil {
				return err
			}
			pu.Entries = append(pu.Entries, PatchEntry{Remove: remove, Element: el})
		case xml.EndElement:
			return nil
		}
	}
}

// ParsePropertyUpdate decodes a PROPPATCH body.
func ParsePropertyUpdate(r io.Reader) (*PropertyUpdate, error) {
	body, err := ReadBody(r)
	if err != nil {
		return nil, err
	}
	var pu PropertyUpdate
	if err := xml.Unmarshal(body, &pu); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if len(pu.Entries) == 0 {
		return nil, fmt.Errorf("%w: propertyupdate has no set or remove entries", ErrMalformedBody)
	}
	return &pu, nil
}

// LockInfo is the body of a LOCK creating a new lock.
type LockInfo struct {
	XMLName   xml.Name       `xml:"DAV: lockinfo"`
	Exclusive *struct{}      `xml:"lockscope>exclusive"`
	Shared    *struct{}      `xml:"lockscope>shared"`
	Write     *struct{}      `xml:"locktype>write"`
	Owner     *props.Element `xml:"owner"`
}

// OwnerXML returns the owner content as a self-contained fragment.
func (li *LockInfo) OwnerXML() string {
	if li.Owner == nil {
		return ""
	}
	return string(li.Owner.Inner)
}

// ParseLockInfo decodes a LOCK body. An empty body returns ErrEmptyBody,
// which marks a refresh.
func ParseLockInfo(r io.Reader) (*LockInfo, error) {
	body, err := ReadBody(r)
	if err != nil {
		return nil, err
	}
	var li LockInfo
	if err := xml.Unmarshal(body, &li); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if (li.Exclusive == nil) == (li.Shared == nil) || li.Write == nil {
		return nil, fmt.Errorf("%w: lockinfo needs one lockscope and a write locktype", ErrMalformedBody)
	}
	return &li, nil
}
