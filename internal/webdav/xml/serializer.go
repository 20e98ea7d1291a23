package xml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/webdav-server/internal/props"
)

// Serializer writes WebDAV response bodies.
type Serializer struct {
	encoderOptions encoderOptions
}

type encoderOptions struct {
	Indent string
	Prefix string
}

// NewSerializer returns a serializer that indents with two spaces.
func NewSerializer() *Serializer {
	return &Serializer{
		encoderOptions: encoderOptions{
			Indent: "  ",
		},
	}
}

// WithIndent sets the indentation. An empty indent writes compact XML.
func (s *Serializer) WithIndent(prefix string, indent string) *Serializer {
	s.encoderOptions.Prefix = prefix
	s.encoderOptions.Indent = indent
	return s
}

// Encode renders v as a standalone document with an XML declaration.
func (s *Serializer) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := s.EncodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo renders v into w without a declaration.
func (s *Serializer) EncodeTo(w io.Writer, v any) error {
	encoder := xml.NewEncoder(w)
	if s.encoderOptions.Indent != "" || s.encoderOptions.Prefix != "" {
		encoder.Indent(s.encoderOptions.Prefix, s.encoderOptions.Indent)
	}
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return encoder.Flush()
}

// StatusLine formats code as used in D:status elements.
func StatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// LockDiscoveryElement renders locks as the value of DAV:lockdiscovery.
func LockDiscoveryElement(locks []ActiveLock) (*props.Element, error) {
	return namespacedElement(LockDiscovery{Xmlns: NamespaceDAV, ActiveLocks: locks})
}

// SupportedLockElement renders the lock kinds the server grants as the value
// of DAV:supportedlock.
func SupportedLockElement() (*props.Element, error) {
	write := &struct{}{}
	return namespacedElement(SupportedLock{
		Xmlns: NamespaceDAV,
		Entries: []LockEntry{
			{LockScope: LockScope{Exclusive: &struct{}{}}, LockType: LockType{Write: write}},
			{LockScope: LockScope{Shared: &struct{}{}}, LockType: LockType{Write: write}},
		},
	})
}

// namespacedElement marshals a D:-prefixed value carrying its own xmlns:D
// declaration and captures it with every name resolved.
func namespacedElement(v any) (*props.Element, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return props.ParseElement(data)
}
