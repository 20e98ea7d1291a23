package webdav

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdav-server/internal/engine"
	"github.com/webdav-server/internal/locks"
	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
)

// ========================================
// Test Server
// ========================================

type testServer struct {
	router *gin.Engine
	fs     *storage.MemFS
	locks  *locks.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, _ := test.NewNullLogger()
	fs := storage.NewMemFS()
	lm := locks.NewManager(locks.WithLogger(logger))
	ps := props.NewStore(props.NewMemoryStore(),
		props.WithLive(LiveProperties(lm, "/dav")...),
		props.WithLogger(logger),
	)
	eng := engine.New(fs, lm, ps, logger)
	h := NewHandler(fs, eng, lm, ps, WithPrefix("/dav"), WithLogger(logger))

	router := gin.New()
	h.Register(router.Group("/dav"))
	return &testServer{router: router, fs: fs, locks: lm}
}

func (s *testServer) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type testMultistatus struct {
	Responses []testResponse `xml:"response"`
}

type testResponse struct {
	Href      string         `xml:"href"`
	Status    string         `xml:"status"`
	Propstats []testPropstat `xml:"propstat"`
}

type testPropstat struct {
	Status string `xml:"status"`
	Prop   struct {
		Elements []struct {
			XMLName xml.Name
			Inner   string `xml:",innerxml"`
		} `xml:",any"`
	} `xml:"prop"`
}

func parseMultistatus(t *testing.T, w *httptest.ResponseRecorder) testMultistatus {
	t.Helper()
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	var ms testMultistatus
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &ms))
	return ms
}

// statusByProp maps property local names to the status line of their propstat.
func (r testResponse) statusByProp() map[string]string {
	out := make(map[string]string)
	for _, ps := range r.Propstats {
		for _, el := range ps.Prop.Elements {
			out[el.XMLName.Local] = ps.Status
		}
	}
	return out
}

func (ms testMultistatus) statusByHref() map[string]string {
	out := make(map[string]string)
	for _, r := range ms.Responses {
		out[r.Href] = r.Status
	}
	return out
}

// ========================================
// Content
// ========================================

func TestPutGetHead(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPut, "/dav/docs/a.txt", "hello", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do("MKCOL", "/dav/docs", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPut, "/dav/docs/a.txt", "hello", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	etag := w.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	w = s.do(http.MethodGet, "/dav/docs/a.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, etag, w.Header().Get("ETag"))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = s.do(http.MethodGet, "/dav/docs/a.txt", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = s.do(http.MethodHead, "/dav/docs/a.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("Content-Length"))

	w = s.do(http.MethodPut, "/dav/docs/a.txt", "bye", map[string]string{"If-Match": `"stale"`})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = s.do(http.MethodPut, "/dav/docs/a.txt", "bye", map[string]string{"If-Match": etag})
	assert.Equal(t, http.StatusNoContent, w.Code)
	data, err := s.fs.ReadFile("/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	w = s.do(http.MethodGet, "/dav/docs/", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMkcol(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.MkdirAll("/docs"))

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{name: "Created", target: "/dav/docs/new", want: http.StatusCreated},
		{name: "AlreadyMapped", target: "/dav/docs", want: http.StatusMethodNotAllowed},
		{name: "MissingParent", target: "/dav/missing/new", want: http.StatusConflict},
		{name: "WithBody", target: "/dav/docs/other", body: "<x/>", want: http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("MKCOL", tt.target, tt.body, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// ========================================
// Properties
// ========================================

func TestPropfindDepthOne(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.WriteFile("/docs/my report.txt", []byte("12345")))
	require.NoError(t, s.fs.MkdirAll("/docs/sub dir"))

	body := `<?xml version="1.0"?>
<D:propfind xmlns:D="DAV:" xmlns:Z="urn:example">
  <D:prop><D:getcontentlength/><D:resourcetype/><Z:missing/></D:prop>
</D:propfind>`
	w := s.do("PROPFIND", "/dav/docs/", body, map[string]string{"Depth": "1"})
	ms := parseMultistatus(t, w)

	require.Len(t, ms.Responses, 3)
	assert.Equal(t, "/dav/docs/", ms.Responses[0].Href)
	assert.Equal(t, "/dav/docs/my%20report.txt", ms.Responses[1].Href)
	assert.Equal(t, "/dav/docs/sub%20dir/", ms.Responses[2].Href)

	doc := ms.Responses[1].statusByProp()
	assert.Equal(t, "HTTP/1.1 200 OK", doc["getcontentlength"])
	assert.Equal(t, "HTTP/1.1 200 OK", doc["resourcetype"])
	assert.Equal(t, "HTTP/1.1 404 Not Found", doc["missing"])

	col := ms.Responses[2].statusByProp()
	assert.Equal(t, "HTTP/1.1 404 Not Found", col["getcontentlength"])
	assert.Contains(t, w.Body.String(), `<collection xmlns="DAV:">`)
}

func TestPropfindAllprop(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.WriteFile("/a.txt", []byte("abc")))

	w := s.do("PROPFIND", "/dav/a.txt", "", map[string]string{"Depth": "0"})
	ms := parseMultistatus(t, w)
	require.Len(t, ms.Responses, 1)

	got := ms.Responses[0].statusByProp()
	for _, name := range []string{"resourcetype", "getcontentlength", "getlastmodified", "getetag", "getcontenttype", "lockdiscovery", "supportedlock"} {
		assert.Equal(t, "HTTP/1.1 200 OK", got[name], name)
	}

	w = s.do("PROPFIND", "/dav/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProppatch(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.WriteFile("/a.txt", []byte("abc")))

	t.Run("LivePropertyFailsWholePatch", func(t *testing.T) {
		body := `<?xml version="1.0"?>
<D:propertyupdate xmlns:D="DAV:" xmlns:Z="urn:example">
  <D:set><D:prop><Z:author>Ada</Z:author><D:getetag>"x"</D:getetag></D:prop></D:set>
</D:propertyupdate>`
		w := s.do("PROPPATCH", "/dav/a.txt", body, nil)
		ms := parseMultistatus(t, w)
		require.Len(t, ms.Responses, 1)

		got := ms.Responses[0].statusByProp()
		assert.Equal(t, "HTTP/1.1 424 Failed Dependency", got["author"])
		assert.Equal(t, "HTTP/1.1 403 Forbidden", got["getetag"])
		assert.Contains(t, w.Body.String(), "cannot-modify-protected-property")

		w = s.do("PROPFIND", "/dav/a.txt", `<propfind xmlns="DAV:"><prop><author xmlns="urn:example"/></prop></propfind>`, nil)
		ms = parseMultistatus(t, w)
		assert.Equal(t, "HTTP/1.1 404 Not Found", ms.Responses[0].statusByProp()["author"])
	})

	t.Run("SetThenRead", func(t *testing.T) {
		body := `<D:propertyupdate xmlns:D="DAV:" xmlns:Z="urn:example">
  <D:set><D:prop><Z:author>Ada</Z:author></D:prop></D:set>
</D:propertyupdate>`
		w := s.do("PROPPATCH", "/dav/a.txt", body, nil)
		ms := parseMultistatus(t, w)
		assert.Equal(t, "HTTP/1.1 200 OK", ms.Responses[0].statusByProp()["author"])

		w = s.do("PROPFIND", "/dav/a.txt", `<propfind xmlns="DAV:"><prop><author xmlns="urn:example"/></prop></propfind>`, nil)
		assert.Contains(t, w.Body.String(), ">Ada</author>")
	})

	t.Run("Malformed", func(t *testing.T) {
		w := s.do("PROPPATCH", "/dav/a.txt", "<propertyupdate", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// ========================================
// Locks
// ========================================

const lockBody = `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:">
  <D:lockscope><D:exclusive/></D:lockscope>
  <D:locktype><D:write/></D:locktype>
  <D:owner><D:href>mailto:ada@example.org</D:href></D:owner>
</D:lockinfo>`

func TestLockLifecycle(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.WriteFile("/docs/a.txt", []byte("a")))

	w := s.do("LOCK", "/dav/docs/", lockBody, map[string]string{"Depth": "infinity", "Timeout": "Second-600"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	header := w.Header().Get("Lock-Token")
	token := parseLockToken(header)
	require.NotEmpty(t, token)
	assert.Contains(t, w.Body.String(), "mailto:ada@example.org")
	assert.Contains(t, w.Body.String(), "Second-600")
	assert.Contains(t, w.Body.String(), "<D:href>/dav/docs/</D:href>")

	// A second lock below the exclusive one is refused.
	w = s.do("LOCK", "/dav/docs/a.txt", lockBody, nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "no-conflicting-lock")
	assert.Contains(t, w.Body.String(), "/dav/docs/")

	w = s.do(http.MethodPut, "/dav/docs/a.txt", "b", nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "lock-token-submitted")

	w = s.do(http.MethodPut, "/dav/docs/a.txt", "b", map[string]string{"If": "(" + header + ")"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do("PROPFIND", "/dav/docs/a.txt", `<propfind xmlns="DAV:"><prop><lockdiscovery/></prop></propfind>`, map[string]string{"Depth": "0"})
	assert.Contains(t, w.Body.String(), token)

	// Refresh with an empty body.
	w = s.do("LOCK", "/dav/docs/", "", map[string]string{"If": "(" + header + ")", "Timeout": "Second-60"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Second-60")

	w = s.do("LOCK", "/dav/docs/", "", map[string]string{"If": "(<opaquelocktoken:unknown>)"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = s.do("UNLOCK", "/dav/other", "", map[string]string{"Lock-Token": header})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "lock-token-matches-request-uri")

	w = s.do("UNLOCK", "/dav/docs/", "", map[string]string{"Lock-Token": header})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, s.locks.Len())

	w = s.do(http.MethodPut, "/dav/docs/a.txt", "c", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLockUnmappedURL(t *testing.T) {
	s := newTestServer(t)

	w := s.do("LOCK", "/dav/new.txt", lockBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusCreated, w.Code)
	data, err := s.fs.ReadFile("/new.txt")
	require.NoError(t, err)
	assert.Empty(t, data)

	w = s.do("LOCK", "/dav/missing/new.txt", lockBody, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// ========================================
// Copy, Move, Delete
// ========================================

func TestMoveWithLockedChild(t *testing.T) {
	s := newTestServer(t)
	for _, p := range []string{"/src/a.txt", "/src/locked.txt", "/src/z.txt"} {
		require.NoError(t, s.fs.WriteFile(p, []byte(p)))
	}
	_, err := s.locks.Acquire(context.Background(), locks.Request{Path: "/src/locked.txt", Scope: locks.ScopeExclusive})
	require.NoError(t, err)

	w := s.do("MOVE", "/dav/src/", "", map[string]string{"Destination": "http://example.com/dav/dst/"})
	ms := parseMultistatus(t, w)

	got := ms.statusByHref()
	assert.Equal(t, "HTTP/1.1 201 Created", got["/dav/dst/"])
	assert.Equal(t, "HTTP/1.1 201 Created", got["/dav/dst/a.txt"])
	assert.Equal(t, "HTTP/1.1 423 Locked", got["/dav/src/locked.txt"])
	assert.Equal(t, "HTTP/1.1 201 Created", got["/dav/dst/z.txt"])

	_, err = s.fs.ReadFile("/src/locked.txt")
	assert.NoError(t, err)
}

func TestCopy(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.WriteFile("/a.txt", []byte("a")))
	require.NoError(t, s.fs.WriteFile("/b.txt", []byte("b")))

	w := s.do("COPY", "/dav/a.txt", "", map[string]string{"Destination": "/dav/b.txt", "Overwrite": "F"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	data, err := s.fs.ReadFile("/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	w = s.do("COPY", "/dav/a.txt", "", map[string]string{"Destination": "/dav/b.txt"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do("COPY", "/dav/a.txt", "", map[string]string{"Destination": "/dav/c.txt"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = s.do("COPY", "/dav/a.txt", "", map[string]string{"Destination": "http://elsewhere.org/dav/c.txt"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = s.do("COPY", "/dav/a.txt", "", map[string]string{"Destination": "/other/c.txt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("COPY", "/dav/a.txt", "", map[string]string{"Destination": "/dav/d.txt", "Depth": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDelete(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.fs.WriteFile("/docs/a.txt", []byte("a")))

	w := s.do(http.MethodDelete, "/dav/docs/", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodDelete, "/dav/docs/", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodOptions, "/dav/", "", nil)
	assert.Equal(t, "1, 2", w.Header().Get("DAV"))
	assert.Contains(t, w.Header().Get("Allow"), "PROPPATCH")
}

// ========================================
// Headers
// ========================================

func TestHrefFor(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		isCol  bool
		want   string
	}{
		{prefix: "", path: "/", isCol: true, want: "/"},
		{prefix: "/dav", path: "/", isCol: true, want: "/dav/"},
		{prefix: "/dav", path: "/a b", isCol: true, want: "/dav/a%20b/"},
		{prefix: "/dav", path: "/a b/c.txt", isCol: false, want: "/dav/a%20b/c.txt"},
		{prefix: "", path: "/x/ü#?.txt", isCol: false, want: "/x/%C3%BC%23%3F.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hrefFor(tt.prefix, tt.path, tt.isCol), tt.path)
	}
}

func TestParseIf(t *testing.T) {
	lists, err := parseIf(`<http://example.com/dav/a> (<opaquelocktoken:a> ["etag"]) (Not <urn:b>)`)
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, "http://example.com/dav/a", lists[0].Resource)
	assert.Equal(t, `"etag"`, lists[0].Conditions[1].ETag)
	assert.True(t, lists[1].Conditions[0].Not)
	assert.Equal(t, []string{"opaquelocktoken:a"}, submittedTokens(lists))

	lists, err = parseIf("")
	require.NoError(t, err)
	assert.Empty(t, submittedTokens(lists))

	for _, bad := range []string{"(<t", "<x", "()", "token", "(foo)"} {
		_, err := parseIf(bad)
		assert.ErrorIs(t, err, errBadHeader, bad)
	}
}

func TestParseHeaders(t *testing.T) {
	d, err := parseDepth("", depthInfinity)
	require.NoError(t, err)
	assert.Equal(t, depthInfinity, d)
	d, err = parseDepth("1", depthInfinity)
	require.NoError(t, err)
	assert.Equal(t, depthOne, d)
	_, err = parseDepth("2", depthZero)
	assert.ErrorIs(t, err, errBadHeader)

	ow, err := parseOverwrite("")
	require.NoError(t, err)
	assert.True(t, ow)
	ow, err = parseOverwrite("F")
	require.NoError(t, err)
	assert.False(t, ow)
	_, err = parseOverwrite("maybe")
	assert.ErrorIs(t, err, errBadHeader)

	assert.Equal(t, "Second-600", formatTimeout(parseTimeout("Second-600")))
	assert.Equal(t, infiniteTimeout, parseTimeout("Infinite, Second-60"))
	assert.Equal(t, "Second-60", formatTimeout(parseTimeout("Second-x, Second-60")))
	assert.Zero(t, parseTimeout(""))

	assert.Equal(t, "opaquelocktoken:a", parseLockToken(" <opaquelocktoken:a> "))
	assert.Empty(t, parseLockToken("opaquelocktoken:a"))
}
