package locks

import (
	"context"
	"time"
)

// Journal persists the lock table so locks survive a restart. The manager
// calls it outside its critical section and only logs its failures.
type Journal interface {
	Save(ctx context.Context, l Lock) error
	Delete(ctx context.Context, token string) error
	// Load returns the locks that are still active at now.
	Load(ctx context.Context, now time.Time) ([]Lock, error)
	Close() error
}

// record is the persisted form of a Lock.
type record struct {
	Token     string `json:"token"`
	Root      string `json:"root"`
	Depth     int    `json:"depth"`
	Scope     string `json:"scope"`
	Owner     string `json:"owner"`
	Timeout   int64  `json:"timeout_ms"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toRecord(l Lock) record {
	return record{
		Token:     l.Token,
		Root:      l.Root,
		Depth:     int(l.Depth),
		Scope:     string(l.Scope),
		Owner:     l.Owner,
		Timeout:   l.Timeout.Milliseconds(),
		CreatedAt: l.CreatedAt.UnixMilli(),
		ExpiresAt: l.ExpiresAt.UnixMilli(),
	}
}

func (r record) lock() Lock {
	return Lock{
		Token:     r.Token,
		Root:      r.Root,
		Depth:     Depth(r.Depth),
		Scope:     Scope(r.Scope),
		Owner:     r.Owner,
		Timeout:   time.Duration(r.Timeout) * time.Millisecond,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		ExpiresAt: time.UnixMilli(r.ExpiresAt),
	}
}
