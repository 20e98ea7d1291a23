package xml

import (
	"encoding/xml"

	"github.com/webdav-server/internal/props"
)

const NamespaceDAV = props.NamespaceDAV

// Response bodies use the literal D: prefix declared on the root element.

// Multistatus is the body of a 207 response.
type Multistatus struct {
	XMLName   xml.Name   `xml:"D:multistatus"`
	Xmlns     string     `xml:"xmlns:D,attr"`
	Responses []Response `xml:"D:response"`
}

// Response reports on one resource: either propstats or a plain status.
type Response struct {
	Href                string     `xml:"D:href"`
	Status              string     `xml:"D:status,omitempty"`
	Propstats           []Propstat `xml:"D:propstat"`
	Error               *Error     `xml:"D:error,omitempty"`
	ResponseDescription string     `xml:"D:responsedescription,omitempty"`
}

// Propstat groups the properties that share one status.
type Propstat struct {
	Prop   Prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

// Prop holds captured property elements.
type Prop struct {
	Elements []props.Element
}

func (p Prop) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, el := range p.Elements {
		if err := enc.Encode(el); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// PropResponse is the body of a successful LOCK.
type PropResponse struct {
	XMLName       xml.Name     `xml:"D:prop"`
	Xmlns         string       `xml:"xmlns:D,attr"`
	LockDiscovery []ActiveLock `xml:"D:lockdiscovery>D:activelock"`
}

// LockDiscovery is the DAV:lockdiscovery property.
type LockDiscovery struct {
	XMLName     xml.Name     `xml:"D:lockdiscovery"`
	Xmlns       string       `xml:"xmlns:D,attr"`
	ActiveLocks []ActiveLock `xml:"D:activelock"`
}

// SupportedLock is the DAV:supportedlock property.
type SupportedLock struct {
	XMLName xml.Name    `xml:"D:supportedlock"`
	Xmlns   string      `xml:"xmlns:D,attr"`
	Entries []LockEntry `xml:"D:lockentry"`
}

type LockEntry struct {
	LockScope LockScope `xml:"D:lockscope"`
	LockType  LockType  `xml:"D:locktype"`
}

type LockScope struct {
	Exclusive *struct{} `xml:"D:exclusive,omitempty"`
	Shared    *struct{} `xml:"D:shared,omitempty"`
}

type LockType struct {
	Write *struct{} `xml:"D:write,omitempty"`
}

// ActiveLock describes one granted lock.
type ActiveLock struct {
	LockScope LockScope `xml:"D:lockscope"`
	LockType  LockType  `xml:"D:locktype"`
	Depth     string    `xml:"D:depth"`
	Owner     *Owner    `xml:"D:owner,omitempty"`
	Timeout   string    `xml:"D:timeout"`
	LockToken *Href     `xml:"D:locktoken,omitempty"`
	LockRoot  Href      `xml:"D:lockroot"`
}

// Owner carries the client's owner element content verbatim.
type Owner struct {
	InnerXML string `xml:",innerxml"`
}

type Href struct {
	Href string `xml:"D:href"`
}

// Error is a precondition or postcondition failure body.
type Error struct {
	XMLName                    xml.Name  `xml:"D:error"`
	Xmlns                      string    `xml:"xmlns:D,attr,omitempty"`
	NoConflictingLock          *Hrefs    `xml:"D:no-conflicting-lock,omitempty"`
	LockTokenSubmitted         *Hrefs    `xml:"D:lock-token-submitted,omitempty"`
	LockTokenMatchesRequestURI *struct{} `xml:"D:lock-token-matches-request-uri,omitempty"`
	CannotModifyProtected      *struct{} `xml:"D:cannot-modify-protected-property,omitempty"`
}

type Hrefs struct {
	Hrefs []string `xml:"D:href"`
}

// NoConflictingLockError reports the roots of the locks that blocked a request.
func NoConflictingLockError(hrefs ...string) *Error {
	return &Error{Xmlns: NamespaceDAV, NoConflictingLock: &Hrefs{Hrefs: hrefs}}
}

// LockTokenSubmittedError reports locked resources whose token was missing.
func LockTokenSubmittedError(hrefs ...string) *Error {
	return &Error{Xmlns: NamespaceDAV, LockTokenSubmitted: &Hrefs{Hrefs: hrefs}}
}

// LockTokenMismatchError reports an UNLOCK token that does not cover the
// request URI.
func LockTokenMismatchError() *Error {
	return &Error{Xmlns: NamespaceDAV, LockTokenMatchesRequestURI: &struct{}{}}
}
