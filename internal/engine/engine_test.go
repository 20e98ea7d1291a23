package engine

import (
	"context"
	"encoding/xml"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdav-server/internal/locks"
	"github.com/webdav-server/internal/props"
	"github.com/webdav-server/internal/storage"
)

// faultFS fails or intercepts lookups of chosen paths.
type faultFS struct {
	*storage.MemFS
	onFind func(p string) error
}

func (f *faultFS) Find(ctx context.Context, p string) (storage.Resource, error) {
	if f.onFind != nil {
		if err := f.onFind(p); err != nil {
			return nil, err
		}
	}
	return f.MemFS.Find(ctx, p)
}

type fixture struct {
	fs     *faultFS
	locks  *locks.Manager
	props  *props.Store
	engine *Engine
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	mem := storage.NewMemFS()
	for p, content := range files {
		require.NoError(t, mem.WriteFile(p, []byte(content)))
	}
	logger, _ := test.NewNullLogger()
	f := &fixture{
		fs:    &faultFS{MemFS: mem},
		locks: locks.NewManager(locks.WithLogger(logger)),
		props: props.NewStore(props.NewMemoryStore(), props.WithLogger(logger)),
	}
	f.engine = New(f.fs, f.locks, f.props, logger)
	return f
}

func (f *fixture) read(t *testing.T, p string) string {
	t.Helper()
	data, err := f.fs.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) exists(p string) bool {
	_, err := f.fs.MemFS.Find(context.Background(), p)
	return err == nil
}

func (f *fixture) setDisplayName(t *testing.T, p, name string) {
	t.Helper()
	ctx := context.Background()
	r, err := f.fs.Find(ctx, p)
	require.NoError(t, err)
	el := props.NewTextElement(xml.Name{Space: props.NamespaceDAV, Local: "displayname"}, name)
	_, err = f.props.Patch(ctx, r, []props.PatchOp{{Value: el}})
	require.NoError(t, err)
}

func (f *fixture) displayName(t *testing.T, p string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	r, err := f.fs.Find(ctx, p)
	require.NoError(t, err)
	prop, err := f.props.Get(ctx, r, xml.Name{Space: props.NamespaceDAV, Local: "displayname"})
	if err != nil {
		return "", false
	}
	text, _ := prop.Value.Text()
	return text, true
}

func statuses(r Result) map[string]Status {
	out := make(map[string]Status)
	for _, n := range Flatten(r) {
		out[n.Target] = n.Status
	}
	return out
}

// ========================================
// Result tree
// ========================================

func TestFlatten(t *testing.T) {
	tree := &CollectionActionResult{
		ActionResult: ActionResult{Target: "/r", IsCollection: true},
		Documents:    []ActionResult{{Target: "/r/a"}, {Target: "/r/b"}},
		Collections: []CollectionActionResult{
			{
				ActionResult: ActionResult{Target: "/r/c", IsCollection: true},
				Documents:    []ActionResult{{Target: "/r/c/d"}},
				Collections: []CollectionActionResult{
					{
						ActionResult: ActionResult{Target: "/r/c/e", IsCollection: true},
						Documents:    []ActionResult{{Target: "/r/c/e/f", Status: StatusLocked}},
					},
				},
			},
			{ActionResult: ActionResult{Target: "/r/g", IsCollection: true}},
		},
	}

	got := Flatten(tree)
	var targets []string
	for _, n := range got {
		targets = append(targets, n.Target)
	}
	assert.Equal(t, []string{"/r", "/r/a", "/r/b", "/r/c", "/r/c/d", "/r/c/e", "/r/c/e/f", "/r/g"}, targets)

	size := 1 + len(tree.Documents)
	for i := range tree.Collections {
		size += len(Flatten(&tree.Collections[i]))
	}
	assert.Len(t, got, size)
	assert.Equal(t, got, Flatten(tree))

	doc := &ActionResult{Target: "/x"}
	assert.Equal(t, []ActionResult{*doc}, Flatten(doc))
}

func TestSummarize(t *testing.T) {
	code, multi := Summarize(&ActionResult{Status: StatusSucceeded, Created: true})
	assert.Equal(t, http.StatusCreated, code)
	assert.False(t, multi)

	code, multi = Summarize(&CollectionActionResult{
		ActionResult: ActionResult{Status: StatusSucceeded},
		Documents:    []ActionResult{{Status: StatusSucceeded}},
	})
	assert.Equal(t, http.StatusNoContent, code)
	assert.False(t, multi)

	code, multi = Summarize(&CollectionActionResult{
		ActionResult: ActionResult{Status: StatusSucceeded},
		Documents:    []ActionResult{{Status: StatusLocked}},
	})
	assert.Equal(t, http.StatusMultiStatus, code)
	assert.True(t, multi)

	assert.Equal(t, http.StatusPreconditionFailed, ActionResult{Status: StatusConflict, Err: ErrDestinationExists}.HTTPStatus())
	assert.Equal(t, http.StatusConflict, ActionResult{Status: StatusConflict}.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, ActionResult{Status: StatusFailed, Err: storage.ErrUnavailable}.HTTPStatus())
}

// ========================================
// Copy
// ========================================

func TestCopyCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/src/a.txt":     "alpha",
		"/src/sub/b.txt": "beta",
	})
	f.setDisplayName(t, "/src/a.txt", "Alpha")
	require.NoError(t, f.fs.MkdirAll("/dst"))

	r, err := f.engine.Copy(ctx, "/src", "/dst/copy", Options{Depth: locks.DepthInfinity})
	require.NoError(t, err)

	code, multi := Summarize(r)
	assert.False(t, multi)
	assert.Equal(t, http.StatusCreated, code)
	assert.Len(t, Flatten(r), 4)

	assert.Equal(t, "alpha", f.read(t, "/dst/copy/a.txt"))
	assert.Equal(t, "beta", f.read(t, "/dst/copy/sub/b.txt"))
	assert.Equal(t, "alpha", f.read(t, "/src/a.txt"))

	name, ok := f.displayName(t, "/dst/copy/a.txt")
	require.True(t, ok)
	assert.Equal(t, "Alpha", name)
}

func TestCopyDepthZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"/src/a.txt": "alpha"})

	r, err := f.engine.Copy(ctx, "/src", "/dst", Options{Depth: locks.DepthZero})
	require.NoError(t, err)
	assert.Len(t, Flatten(r), 1)
	assert.True(t, f.exists("/dst"))
	assert.False(t, f.exists("/dst/a.txt"))
}

func TestCopyWithoutOverwrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/src/a.txt": "new",
		"/dst/a.txt": "old",
	})

	r, err := f.engine.Copy(ctx, "/src", "/dst", Options{Depth: locks.DepthInfinity})
	require.NoError(t, err)

	nodes := Flatten(r)
	require.Len(t, nodes, 1)
	assert.Equal(t, StatusConflict, nodes[0].Status)
	assert.ErrorIs(t, nodes[0].Err, ErrDestinationExists)
	code, _ := Summarize(r)
	assert.Equal(t, http.StatusPreconditionFailed, code)
	assert.Equal(t, "old", f.read(t, "/dst/a.txt"))
}

func TestCopyOverwrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/src.txt":       "new",
		"/dst/stale.txt": "stale",
	})

	r, err := f.engine.Copy(ctx, "/src.txt", "/dst", Options{Overwrite: true})
	require.NoError(t, err)
	code, multi := Summarize(r)
	assert.False(t, multi)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "new", f.read(t, "/dst"))
	assert.False(t, f.exists("/dst/stale.txt"))
}

func TestCopyPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"/src/a.txt": "a"})

	r, err := f.engine.Copy(ctx, "/src", "/src/inner", Options{Depth: locks.DepthInfinity})
	require.NoError(t, err)
	assert.Equal(t, StatusForbidden, r.Outcome().Status)

	r, err = f.engine.Copy(ctx, "/missing", "/dst", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, r.Outcome().Status)
	assert.Equal(t, "/missing", r.Outcome().Target)

	r, err = f.engine.Copy(ctx, "/src", "/no/such/parent", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, r.Outcome().Status)
	assert.Equal(t, http.StatusConflict, r.Outcome().HTTPStatus())
}

func TestMoveOverwriteOntoAncestor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/a/b/doc.txt": "doc",
		"/a/other.txt": "other",
	})

	r, err := f.engine.Move(ctx, "/a/b", "/a", Options{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, StatusForbidden, r.Outcome().Status)
	assert.Equal(t, "/a", r.Outcome().Target)
	assert.Equal(t, http.StatusForbidden, r.Outcome().HTTPStatus())

	assert.Equal(t, "doc", f.read(t, "/a/b/doc.txt"))
	assert.Equal(t, "other", f.read(t, "/a/other.txt"))

	r, err = f.engine.Copy(ctx, "/a/b/doc.txt", "/a", Options{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, StatusForbidden, r.Outcome().Status)
	assert.True(t, f.exists("/a/b/doc.txt"))
}

func TestCopyIntoLockedCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"/src.txt": "a"})
	require.NoError(t, f.fs.MkdirAll("/locked"))
	held, err := f.locks.Acquire(ctx, locks.Request{Path: "/locked", Scope: locks.ScopeExclusive})
	require.NoError(t, err)

	r, err := f.engine.Copy(ctx, "/src.txt", "/locked/a.txt", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, r.Outcome().Status)
	assert.False(t, f.exists("/locked/a.txt"))

	r, err = f.engine.Copy(ctx, "/src.txt", "/locked/a.txt", Options{Tokens: []string{held.Token}})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Outcome().Status)
}

// ========================================
// Move
// ========================================

func TestMoveWithLockedChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/src/dir/a.txt":      "a",
		"/src/dir/locked.txt": "locked",
		"/src/dir/z.txt":      "z",
		"/src/dir/sub/b.txt":  "b",
	})
	_, err := f.locks.Acquire(ctx, locks.Request{Path: "/src/dir/locked.txt", Scope: locks.ScopeExclusive})
	require.NoError(t, err)

	r, err := f.engine.Move(ctx, "/src/dir", "/dst", Options{})
	require.NoError(t, err)

	got := statuses(r)
	assert.Equal(t, StatusSucceeded, got["/dst"])
	assert.Equal(t, StatusLocked, got["/src/dir/locked.txt"])
	assert.Equal(t, StatusSucceeded, got["/dst/a.txt"])
	assert.Equal(t, StatusSucceeded, got["/dst/z.txt"])
	assert.Equal(t, StatusSucceeded, got["/dst/sub"])
	assert.Equal(t, StatusSucceeded, got["/dst/sub/b.txt"])

	code, multi := Summarize(r)
	assert.True(t, multi)
	assert.Equal(t, http.StatusMultiStatus, code)

	// The source keeps what could not move.
	assert.True(t, f.exists("/src/dir/locked.txt"))
	assert.False(t, f.exists("/src/dir/a.txt"))
	assert.False(t, f.exists("/src/dir/sub"))
	assert.Equal(t, "a", f.read(t, "/dst/a.txt"))
}

func TestMoveReleasesLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"/src/a.txt": "a"})
	f.setDisplayName(t, "/src/a.txt", "A")
	held, err := f.locks.Acquire(ctx, locks.Request{Path: "/src", Depth: locks.DepthInfinity, Scope: locks.ScopeExclusive})
	require.NoError(t, err)

	r, err := f.engine.Move(ctx, "/src", "/dst", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, r.Outcome().Status)
	assert.Equal(t, "/src", r.Outcome().Target)

	r, err = f.engine.Move(ctx, "/src", "/dst", Options{Tokens: []string{held.Token}})
	require.NoError(t, err)
	code, multi := Summarize(r)
	assert.False(t, multi)
	assert.Equal(t, http.StatusCreated, code)

	assert.False(t, f.exists("/src"))
	_, ok := f.locks.Lookup(held.Token)
	assert.False(t, ok)
	name, ok := f.displayName(t, "/dst/a.txt")
	require.True(t, ok)
	assert.Equal(t, "A", name)
}

// ========================================
// Delete
// ========================================

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/dir/a.txt":     "a",
		"/dir/sub/b.txt": "b",
	})
	f.setDisplayName(t, "/dir/a.txt", "A")

	r, err := f.engine.Delete(ctx, "/dir", Options{})
	require.NoError(t, err)
	code, multi := Summarize(r)
	assert.False(t, multi)
	assert.Equal(t, http.StatusNoContent, code)
	assert.False(t, f.exists("/dir"))

	// Recreated resources start without the old properties.
	require.NoError(t, f.fs.WriteFile("/dir/a.txt", []byte("again")))
	_, ok := f.displayName(t, "/dir/a.txt")
	assert.False(t, ok)

	r, err = f.engine.Delete(ctx, "/nothing", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, r.Outcome().Status)
}

func TestDeleteWithLockedMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/dir/a.txt":      "a",
		"/dir/locked.txt": "l",
		"/dir/sub/b.txt":  "b",
	})
	_, err := f.locks.Acquire(ctx, locks.Request{Path: "/dir/locked.txt", Scope: locks.ScopeShared})
	require.NoError(t, err)

	r, err := f.engine.Delete(ctx, "/dir", Options{})
	require.NoError(t, err)

	got := statuses(r)
	assert.Equal(t, StatusFailedDependency, got["/dir"])
	assert.Equal(t, StatusLocked, got["/dir/locked.txt"])
	assert.Equal(t, StatusSucceeded, got["/dir/a.txt"])
	assert.Equal(t, StatusSucceeded, got["/dir/sub"])

	assert.True(t, f.exists("/dir/locked.txt"))
	assert.False(t, f.exists("/dir/a.txt"))
	assert.False(t, f.exists("/dir/sub"))
}

func TestWriteUnderSharedLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/s.txt":   "s",
		"/src.txt": "new",
	})
	first, err := f.locks.Acquire(ctx, locks.Request{Path: "/s.txt", Scope: locks.ScopeShared})
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, locks.Request{Path: "/s.txt", Scope: locks.ScopeShared})
	require.NoError(t, err)

	r, err := f.engine.Copy(ctx, "/src.txt", "/s.txt", Options{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, r.Outcome().Status)
	assert.Equal(t, "s", f.read(t, "/s.txt"))

	r, err = f.engine.Delete(ctx, "/s.txt", Options{Tokens: []string{first.Token}})
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{"/s.txt": StatusSucceeded}, statuses(r))
	assert.False(t, f.exists("/s.txt"))
}

// ========================================
// Aborts
// ========================================

func TestCancellationReturnsPartialTree(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, map[string]string{
		"/src/a.txt": "a",
		"/src/b.txt": "b",
		"/src/c.txt": "c",
	})
	f.fs.onFind = func(p string) error {
		if p == "/dst/b.txt" {
			cancel()
		}
		return nil
	}

	r, err := f.engine.Copy(ctx, "/src", "/dst", Options{Depth: locks.DepthInfinity})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, r)

	col, ok := r.(*CollectionActionResult)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, col.Status)
	require.Len(t, col.Documents, 2)
	assert.Equal(t, "/dst/a.txt", col.Documents[0].Target)
	assert.Equal(t, "/dst/b.txt", col.Documents[1].Target)
	assert.False(t, f.exists("/dst/c.txt"))
}

func TestUnavailableStorageAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"/src/a.txt": "a",
		"/src/b.txt": "b",
		"/src/c.txt": "c",
	})
	f.fs.onFind = func(p string) error {
		if p == "/dst/b.txt" {
			return storage.ErrUnavailable
		}
		return nil
	}

	done := make(chan struct{})
	var r Result
	var err error
	go func() {
		defer close(done)
		r, err = f.engine.Copy(ctx, "/src", "/dst", Options{Depth: locks.DepthInfinity})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("copy did not return")
	}

	require.ErrorIs(t, err, storage.ErrUnavailable)
	got := statuses(r)
	assert.Equal(t, StatusSucceeded, got["/dst"])
	assert.Equal(t, StatusSucceeded, got["/dst/a.txt"])
	assert.Equal(t, StatusFailed, got["/dst/b.txt"])
	_, visited := got["/dst/c.txt"]
	assert.False(t, visited)
}
