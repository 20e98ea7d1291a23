package webdav

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
)

var (
	errBadHeader     = errors.New("webdav: malformed header")
	errForeignHost   = errors.New("webdav: destination on another server")
	errOutsidePrefix = errors.New("webdav: destination outside the served tree")
)

// Depth header values. depthInfinity matches locks.DepthInfinity.
const (
	depthZero     = 0
	depthOne      = 1
	depthInfinity = -1
)

const infiniteTimeout = time.Duration(math.MaxInt64)

// parseDepth returns def for an absent header.
func parseDepth(h string, def int) (int, error) {
	switch strings.ToLower(strings.TrimSpace(h)) {
	case "":
		return def, nil
	case "0":
		return depthZero, nil
	case "1":
		return depthOne, nil
	case "infinity":
		return depthInfinity, nil
	}
	return 0, fmt.Errorf("%w: Depth %q", errBadHeader, h)
}

// parseOverwrite defaults to true.
func parseOverwrite(h string) (bool, error) {
	switch strings.TrimSpace(h) {
	case "", "T", "t":
		return true, nil
	case "F", "f":
		return false, nil
	}
	return false, fmt.Errorf("%w: Overwrite %q", errBadHeader, h)
}

// parseTimeout reads the first usable entry of a Timeout header such as
// "Infinite, Second-4100000000". Zero means the server default.
func parseTimeout(h string) time.Duration {
	for _, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return infiniteTimeout
		}
		secs, ok := strings.CutPrefix(part, "Second-")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(secs, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		if n > int64(infiniteTimeout/time.Second) {
			return infiniteTimeout
		}
		return time.Duration(n) * time.Second
	}
	return 0
}

func formatTimeout(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int64(d/time.Second))
}

// parseLockToken strips the angle brackets of a Lock-Token header.
func parseLockToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < 2 || h[0] != '<' || h[len(h)-1] != '>' {
		return ""
	}
	return h[1 : len(h)-1]
}

// parseDestination resolves a Destination header to a path inside the tree
// served under prefix.
func parseDestination(r *http.Request, prefix string) (string, error) {
	h := r.Header.Get("Destination")
	if h == "" {
		return "", fmt.Errorf("%w: missing Destination", errBadHeader)
	}
	u, err := url.Parse(h)
	if err != nil {
		return "", fmt.Errorf("%w: Destination: %v", errBadHeader, err)
	}
	if u.Host != "" && u.Host != r.Host {
		return "", errForeignHost
	}
	p := u.Path
	if prefix != "" {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || (rest != "" && rest[0] != '/') {
			return "", errOutsidePrefix
		}
		p = rest
	}
	return storage.Clean(p), nil
}

// ifCondition is one state token or entity tag of an If header list.
type ifCondition struct {
	Not   bool
	Token string
	ETag  string
}

// ifList is a parenthesized list, optionally tagged with a resource URL.
type ifList struct {
	Resource   string
	Conditions []ifCondition
}

// parseIf parses tagged and untagged If header productions.
func parseIf(h string) ([]ifList, error) {
	var lists []ifList
	var tag string
	s := strings.TrimSpace(h)
	for len(s) > 0 {
		switch s[0] {
		case ' ', '\t':
			s = s[1:]
		case '<':
			end := strings.IndexByte(s, '>')
			if end < 0 {
				return nil, fmt.Errorf("%w: If: unterminated resource tag", errBadHeader)
			}
			tag = s[1:end]
			s = s[end+1:]
		case '(':
			end := strings.IndexByte(s, ')')
			if end < 0 {
				return nil, fmt.Errorf("%w: If: unterminated list", errBadHeader)
			}
			conds, err := parseIfConditions(s[1:end])
			if err != nil {
				return nil, err
			}
			lists = append(lists, ifList{Resource: tag, Conditions: conds})
			s = s[end+1:]
		default:
			return nil, fmt.Errorf("%w: If: unexpected %q", errBadHeader, s[0])
		}
	}
	return lists, nil
}

func parseIfConditions(s string) ([]ifCondition, error) {
	var conds []ifCondition
	not := false
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		if rest, ok := strings.CutPrefix(s, "Not"); ok {
			not = true
			s = rest
			continue
		}
		var closer byte
		switch s[0] {
		case '<':
			closer = '>'
		case '[':
			closer = ']'
		default:
			return nil, fmt.Errorf("%w: If: unexpected %q", errBadHeader, s[0])
		}
		end := strings.IndexByte(s, closer)
		if end < 0 {
			return nil, fmt.Errorf("%w: If: unterminated condition", errBadHeader)
		}
		cond := ifCondition{Not: not}
		if closer == '>' {
			cond.Token = s[1:end]
		} else {
			cond.ETag = s[1:end]
		}
		conds = append(conds, cond)
		not = false
		s = s[end+1:]
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("%w: If: empty list", errBadHeader)
	}
	return conds, nil
}

// submittedTokens returns the state tokens asserted by an If header.
func submittedTokens(lists []ifList) []string {
	var tokens []string
	for _, l := range lists {
		for _, c := range l.Conditions {
			if !c.Not && c.Token != "" {
				tokens = append(tokens, c.Token)
			}
		}
	}
	return tokens
}

// checkConditions evaluates If-Match and If-None-Match. tag is nil for an
// unmapped resource. It returns 0 when the request may proceed.
func checkConditions(r *http.Request, tag *props.EntityTag) int {
	if h := r.Header.Get("If-Match"); h != "" {
		if tag == nil || !matchesAny(h, *tag, false) {
			return http.StatusPreconditionFailed
		}
	}
	if h := r.Header.Get("If-None-Match"); h != "" {
		if tag != nil && matchesAny(h, *tag, true) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return http.StatusNotModified
			}
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

func matchesAny(h string, tag props.EntityTag, weak bool) bool {
	for _, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		if part == "*" {
			return true
		}
		t, err := props.ParseEntityTag(part)
		if err != nil {
			continue
		}
		if t.Matches(tag, weak) {
			return true
		}
	}
	return false
}
