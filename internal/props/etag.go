package props

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/webdav-server/internal/storage"
)

// EntityTag is an HTTP entity tag.
type EntityTag struct {
	Value string
	Weak  bool
}

// String returns the header form, e.g. "abc" or W/"abc".
func (t EntityTag) String() string {
	if t.Weak {
		return `W/"` + t.Value + `"`
	}
	return `"` + t.Value + `"`
}

// ParseEntityTag parses the header form of an entity tag.
func ParseEntityTag(s string) (EntityTag, error) {
	var tag EntityTag
	if strings.HasPrefix(s, "W/") {
		tag.Weak = true
		s = s[2:]
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return EntityTag{}, fmt.Errorf("props: malformed entity tag %q", s)
	}
	tag.Value = s[1 : len(s)-1]
	if strings.Contains(tag.Value, `"`) {
		return EntityTag{}, fmt.Errorf("props: malformed entity tag %q", s)
	}
	return tag, nil
}

// Matches compares two tags. Weak comparison ignores the weak flag.
func (t EntityTag) Matches(o EntityTag, weak bool) bool {
	if !weak && (t.Weak || o.Weak) {
		return false
	}
	return t.Value == o.Value
}

type etagEntry struct {
	modTime time.Time
	length  int64
	tag     EntityTag
}

// ETagger derives entity tags from document content and modification time.
// Tags are cached per path and reused while the document's modification time
// and length are unchanged; concurrent requests for the same document share a
// single computation.
type ETagger struct {
	cache *ttlcache.Cache[string, etagEntry]
	group singleflight.Group
}

// NewETagger returns an ETagger whose cache entries live for ttl.
func NewETagger(ttl time.Duration) *ETagger {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, etagEntry](ttl),
	)
	go cache.Start()
	return &ETagger{cache: cache}
}

// Stop ends the cache's expiry loop.
func (e *ETagger) Stop() {
	e.cache.Stop()
}

// ETag returns the entity tag of doc.
func (e *ETagger) ETag(ctx context.Context, doc storage.Document) (EntityTag, error) {
	modTime, length := doc.LastModified(), doc.Length()
	if item := e.cache.Get(doc.Path()); item != nil {
		entry := item.Value()
		if entry.modTime.Equal(modTime) && entry.length == length {
			return entry.tag, nil
		}
	}

	key := doc.Path() + "\x00" + strconv.FormatInt(modTime.UnixNano(), 10)
	v, err, _ := e.group.Do(key, func() (any, error) {
		tag, err := computeETag(ctx, doc, modTime)
		if err != nil {
			return EntityTag{}, err
		}
		e.cache.Set(doc.Path(), etagEntry{modTime: modTime, length: length, tag: tag}, ttlcache.DefaultTTL)
		return tag, nil
	})
	if err != nil {
		return EntityTag{}, err
	}
	return v.(EntityTag), nil
}

// Forget drops the cached tag for p.
func (e *ETagger) Forget(p string) {
	e.cache.Delete(p)
}

func computeETag(ctx context.Context, doc storage.Document, modTime time.Time) (EntityTag, error) {
	rc, err := doc.OpenRead(ctx)
	if err != nil {
		return EntityTag{}, err
	}
	defer rc.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, rc); err != nil {
		return EntityTag{}, fmt.Errorf("hash %s: %w", doc.Path(), err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(modTime.UnixNano()))
	_, _ = h.Write(ts[:])
	return EntityTag{Value: strconv.FormatUint(h.Sum64(), 16)}, nil
}
