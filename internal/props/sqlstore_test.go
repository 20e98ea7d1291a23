package props

import (
	"context"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========================================
// SQL builder
// ========================================

func TestRebind(t *testing.T) {
	q := "SELECT value FROM t WHERE path = ? AND name = ?"
	assert.Equal(t, q, Rebind(DialectSQLite, q))
	assert.Equal(t, "SELECT value FROM t WHERE path = $1 AND name = $2", Rebind(DialectPostgres, q))
}

func TestSQLBuilder(t *testing.T) {
	t.Run("Select", func(t *testing.T) {
		b := NewSelectBuilder("dead_properties", "namespace", "name").
			Where("path = ?", "/a").
			Where("namespace = ?", "DAV:").
			OrderBy("namespace", "name")
		assert.Equal(t,
			"SELECT namespace, name FROM dead_properties WHERE path = ? AND namespace = ? ORDER BY namespace, name",
			b.Build())
		assert.Equal(t, []any{"/a", "DAV:"}, b.Args())
	})

	t.Run("SelectAll", func(t *testing.T) {
		assert.Equal(t, "SELECT * FROM t", NewSelectBuilder("t").Build())
	})

	t.Run("Upsert", func(t *testing.T) {
		b := NewInsertBuilder("dead_properties").
			Columns("path", "name", "value").
			Values("/a", "n", "v").
			OnConflict([]string{"path", "name"}, "value")
		assert.Equal(t,
			"INSERT INTO dead_properties (path, name, value) VALUES (?, ?, ?) ON CONFLICT (path, name) DO UPDATE SET value = excluded.value",
			b.Build())
		assert.Equal(t, []any{"/a", "n", "v"}, b.Args())
	})

	t.Run("InsertManyIgnore", func(t *testing.T) {
		b := NewInsertBuilder("t").Columns("a", "b").Values(1, 2).Values(3, 4).OnConflict([]string{"a"})
		assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?), (?, ?) ON CONFLICT (a) DO NOTHING", b.Build())
		assert.Equal(t, []any{1, 2, 3, 4}, b.Args())
	})

	t.Run("Update", func(t *testing.T) {
		b := NewUpdateBuilder("t").Set("path", "/b").Set("updated_at", 7).Where("path = ?", "/a")
		assert.Equal(t, "UPDATE t SET path = ?, updated_at = ? WHERE path = ?", b.Build())
		assert.Equal(t, []any{"/b", 7, "/a"}, b.Args())
	})

	t.Run("Delete", func(t *testing.T) {
		b := NewDeleteBuilder("t").Where("path = ?", "/a").Where("name = ?", "n")
		assert.Equal(t, "DELETE FROM t WHERE path = ? AND name = ?", b.Build())
		assert.Equal(t, []any{"/a", "n"}, b.Args())
	})
}

// ========================================
// SQLStore
// ========================================

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLStore(context.Background(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustElement(t *testing.T, raw string) *Element {
	t.Helper()
	el, err := ParseElement([]byte(raw))
	require.NoError(t, err)
	return el
}

func names(els []*Element) []string {
	out := make([]string, len(els))
	for i, el := range els {
		out[i] = el.XMLName.Local
	}
	return out
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLStore(t)

	author := mustElement(t, `<x:author xmlns:x="urn:example"><x:name>Ada</x:name></x:author>`)
	display := mustElement(t, `<displayname xmlns="DAV:">Report</displayname>`)
	require.NoError(t, s.Apply(ctx, "/a.txt", []*Element{author, display}, nil))

	got, err := s.List(ctx, "/a.txt")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by namespace then name.
	assert.Equal(t, []string{"displayname", "author"}, names(got))
	assert.True(t, got[0].Equal(display))
	assert.True(t, got[1].Equal(author))

	t.Run("Upsert", func(t *testing.T) {
		updated := mustElement(t, `<displayname xmlns="DAV:">Final</displayname>`)
		require.NoError(t, s.Apply(ctx, "/a.txt", []*Element{updated}, nil))
		got, err := s.List(ctx, "/a.txt")
		require.NoError(t, err)
		require.Len(t, got, 2)
		text, _ := got[0].Text()
		assert.Equal(t, "Final", text)
	})

	t.Run("Copy", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, "/b.txt", []*Element{mustElement(t, `<x:stale xmlns:x="urn:example"/>`)}, nil))
		require.NoError(t, s.Copy(ctx, "/a.txt", "/b.txt"))
		got, err := s.List(ctx, "/b.txt")
		require.NoError(t, err)
		assert.Equal(t, []string{"displayname", "author"}, names(got))

		src, err := s.List(ctx, "/a.txt")
		require.NoError(t, err)
		assert.Len(t, src, 2)
	})

	t.Run("Move", func(t *testing.T) {
		require.NoError(t, s.Move(ctx, "/b.txt", "/c.txt"))
		got, err := s.List(ctx, "/b.txt")
		require.NoError(t, err)
		assert.Empty(t, got)
		got, err = s.List(ctx, "/c.txt")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("RemoveNames", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, "/c.txt", nil, []xml.Name{{Space: "urn:example", Local: "author"}}))
		got, err := s.List(ctx, "/c.txt")
		require.NoError(t, err)
		assert.Equal(t, []string{"displayname"}, names(got))
	})

	t.Run("RemovePath", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, "/c.txt"))
		got, err := s.List(ctx, "/c.txt")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSQLStoreBacksStore(t *testing.T) {
	ctx := context.Background()
	_, fs := newTestStore(t)
	doc := find(t, fs, "/docs/report.txt")
	s := NewStore(openTestSQLStore(t))

	results, err := s.Patch(ctx, doc, []PatchOp{
		{Value: mustElement(t, `<x:author xmlns:x="urn:example">Ada</x:author>`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	p, err := s.Get(ctx, doc, xml.Name{Space: "urn:example", Local: "author"})
	require.NoError(t, err)
	assert.False(t, p.IsLive)
	text, _ := p.Value.Text()
	assert.Equal(t, "Ada", text)
}
