package locks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/webdav-server/internal/storage"
)

var (
	ErrConflict = errors.New("locks: conflicting lock")
	ErrNotFound = errors.New("locks: lock not found")
)

// Scope is the sharing mode of a write lock.
type Scope string

const (
	ScopeExclusive Scope = "exclusive"
	ScopeShared    Scope = "shared"
)

// Depth is how far below its root a lock reaches.
type Depth int

const (
	DepthZero     Depth = 0
	DepthInfinity Depth = -1
)

func (d Depth) String() string {
	if d == DepthInfinity {
		return "infinity"
	}
	return "0"
}

// Lock is an active write lock.
type Lock struct {
	Token     string
	Root      string
	Depth     Depth
	Scope     Scope
	Owner     string
	Timeout   time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Covers reports whether the lock applies to p.
func (l *Lock) Covers(p string) bool {
	if l.Depth == DepthInfinity {
		return storage.IsWithin(p, l.Root)
	}
	return p == l.Root
}

func (l *Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Request describes a lock to acquire.
type Request struct {
	Path  string
	Depth Depth
	Scope Scope
	Owner string
	// Timeout zero selects the manager's default.
	Timeout time.Duration
}

// ConflictError reports the lock that blocked an Acquire.
type ConflictError struct {
	Held Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locks: %s is held by %s lock on %s", e.Held.Token, e.Held.Scope, e.Held.Root)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Manager is the table of active locks of one resource tree. Admission is a
// single check-and-insert under mu; expired locks are dropped whenever they are
// encountered.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*Lock   // token -> lock
	byRoot map[string][]*Lock // root path -> locks

	now            func() time.Time
	journal        Journal
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         logrus.FieldLogger
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithJournal records admitted, refreshed and released locks in j.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// WithMaxTimeout caps granted timeouts.
func WithMaxTimeout(d time.Duration) Option {
	return func(m *Manager) { m.maxTimeout = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns an empty lock table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:          make(map[string]*Lock),
		byRoot:         make(map[string][]*Lock),
		now:            time.Now,
		defaultTimeout: time.Hour,
		maxTimeout:     24 * time.Hour,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func generateToken() string {
	return fmt.Sprintf("opaquelocktoken:%s", uuid.New().String())
}

func (m *Manager) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = m.defaultTimeout
	}
	if d > m.maxTimeout {
		d = m.maxTimeout
	}
	return d
}

// Acquire admits req unless an active lock intersects it incompatibly, in
// which case the error is a *ConflictError.
func (m *Manager) Acquire(ctx context.Context, req Request) (Lock, error) {
	req.Path = storage.Clean(req.Path)
	if req.Scope != ScopeShared {
		req.Scope = ScopeExclusive
	}
	if req.Depth != DepthInfinity {
		req.Depth = DepthZero
	}

	m.mu.Lock()
	now := m.now()
	held, purged := m.conflictLocked(req, now)
	if held != nil {
		blocking := *held
		m.mu.Unlock()
		m.forget(ctx, purged)
		m.logger.WithFields(logrus.Fields{
			"path":  req.Path,
			"scope": req.Scope,
			"held":  blocking.Token,
			"root":  blocking.Root,
		}).Debug("lock request conflicts")
		return Lock{}, &ConflictError{Held: blocking}
	}

	timeout := m.clamp(req.Timeout)
	lock := &Lock{
		Token:     generateToken(),
		Root:      req.Path,
		Depth:     req.Depth,
		Scope:     req.Scope,
		Owner:     req.Owner,
		Timeout:   timeout,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	m.insertLocked(lock)
	granted := *lock
	m.mu.Unlock()

	m.forget(ctx, purged)
	m.record(ctx, granted)
	m.logger.WithFields(logrus.Fields{
		"token": granted.Token,
		"path":  granted.Root,
		"scope": granted.Scope,
		"depth": granted.Depth.String(),
	}).Debug("lock acquired")
	return granted, nil
}

// conflictLocked returns the first active lock that blocks req and the tokens
// of expired locks dropped on the way.
func (m *Manager) conflictLocked(req Request, now time.Time) (*Lock, []string) {
	var purged []string
	blocks := func(l *Lock) bool {
		if l.expired(now) {
			purged = append(purged, l.Token)
			return false
		}
		return l.Scope == ScopeExclusive || req.Scope == ScopeExclusive
	}

	// Locks rooted at the path or above it.
	var found *Lock
	for p := req.Path; found == nil; p, _ = storage.Split(p) {
		for _, l := range m.byRoot[p] {
			if l.Covers(req.Path) && blocks(l) {
				found = l
				break
			}
		}
		if p == "/" {
			break
		}
	}

	// Locks rooted strictly below the path.
	if found == nil && req.Depth == DepthInfinity {
		prefix := strings.TrimSuffix(req.Path, "/") + "/"
		for root, held := range m.byRoot {
			if !strings.HasPrefix(root, prefix) {
				continue
			}
			for _, l := range held {
				if blocks(l) {
					found = l
					break
				}
			}
			if found != nil {
				break
			}
		}
	}

	for _, token := range purged {
		m.removeLocked(token)
	}
	return found, purged
}

func (m *Manager) insertLocked(l *Lock) {
	m.locks[l.Token] = l
	m.byRoot[l.Root] = append(m.byRoot[l.Root], l)
}

func (m *Manager) removeLocked(token string) bool {
	l, ok := m.locks[token]
	if !ok {
		return false
	}
	delete(m.locks, token)
	held := slices.DeleteFunc(m.byRoot[l.Root], func(o *Lock) bool { return o.Token == token })
	if len(held) == 0 {
		delete(m.byRoot, l.Root)
	} else {
		m.byRoot[l.Root] = held
	}
	return true
}

// Refresh extends an active lock by timeout. Expired and released tokens fail
// with ErrNotFound.
func (m *Manager) Refresh(ctx context.Context, token string, timeout time.Duration) (Lock, error) {
	m.mu.Lock()
	now := m.now()
	l, ok := m.locks[token]
	if !ok || l.expired(now) {
		if ok {
			m.removeLocked(token)
		}
		m.mu.Unlock()
		if ok {
			m.forget(ctx, []string{token})
		}
		return Lock{}, fmt.Errorf("refresh %s: %w", token, ErrNotFound)
	}
	l.Timeout = m.clamp(timeout)
	l.ExpiresAt = now.Add(l.Timeout)
	refreshed := *l
	m.mu.Unlock()

	m.record(ctx, refreshed)
	m.logger.WithFields(logrus.Fields{
		"token":   token,
		"expires": refreshed.ExpiresAt,
	}).Debug("lock refreshed")
	return refreshed, nil
}

// Release drops the lock. Unknown, expired and already released tokens are
// ignored; the result reports whether an active lock was removed.
func (m *Manager) Release(ctx context.Context, token string) bool {
	m.mu.Lock()
	l, ok := m.locks[token]
	active := ok && !l.expired(m.now())
	if ok {
		m.removeLocked(token)
	}
	m.mu.Unlock()

	if ok {
		m.forget(ctx, []string{token})
		m.logger.WithField("token", token).Debug("lock released")
	}
	return active
}

// Lookup returns the active lock with token.
func (m *Manager) Lookup(token string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[token]
	if !ok || l.expired(m.now()) {
		return Lock{}, false
	}
	return *l, true
}

// Check reports whether p is write-locked against a request holding tokens.
// An exclusive lock covering p needs its own token. Shared locks are
// satisfied by the token of any one of them. The returned lock is the one
// that blocks; the boolean is false when p may be written.
func (m *Manager) Check(p string, tokens []string) (Lock, bool) {
	var blocking *Lock
	held := false
	for _, l := range m.Discover(p) {
		if slices.Contains(tokens, l.Token) {
			held = true
			continue
		}
		if l.Scope == ScopeExclusive {
			return l, true
		}
		if blocking == nil {
			blocking = &l
		}
	}
	if blocking == nil || held {
		return Lock{}, false
	}
	return *blocking, true
}

// Discover returns the active locks covering p, oldest first.
func (m *Manager) Discover(p string) []Lock {
	p = storage.Clean(p)

	m.mu.Lock()
	now := m.now()
	var out []Lock
	var purged []string
	for q := p; ; q, _ = storage.Split(q) {
		for _, l := range m.byRoot[q] {
			if l.expired(now) {
				purged = append(purged, l.Token)
				continue
			}
			if l.Covers(p) {
				out = append(out, *l)
			}
		}
		if q == "/" {
			break
		}
	}
	for _, token := range purged {
		m.removeLocked(token)
	}
	m.mu.Unlock()

	m.forget(context.Background(), purged)
	slices.SortFunc(out, func(a, b Lock) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Token, b.Token)
	})
	return out
}

// ReleaseTree drops every lock rooted at or below p and returns how many
// were removed.
func (m *Manager) ReleaseTree(ctx context.Context, p string) int {
	p = storage.Clean(p)

	m.mu.Lock()
	var tokens []string
	for root, held := range m.byRoot {
		if !storage.IsWithin(root, p) {
			continue
		}
		for _, l := range held {
			tokens = append(tokens, l.Token)
		}
	}
	for _, token := range tokens {
		m.removeLocked(token)
	}
	m.mu.Unlock()

	m.forget(ctx, tokens)
	return len(tokens)
}

// Restore loads unexpired locks from the journal. Locks that would conflict
// with ones already in the table are skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	saved, err := m.journal.Load(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("restore locks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	restored := 0
	for _, l := range saved {
		if l.expired(now) {
			continue
		}
		if _, dup := m.locks[l.Token]; dup {
			continue
		}
		held, _ := m.conflictLocked(Request{Path: l.Root, Depth: l.Depth, Scope: l.Scope}, now)
		if held != nil {
			m.logger.WithFields(logrus.Fields{
				"token": l.Token,
				"held":  held.Token,
			}).Warn("skipping conflicting journaled lock")
			continue
		}
		lock := l
		m.insertLocked(&lock)
		restored++
	}
	return restored, nil
}

// Len returns the number of active locks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, l := range m.locks {
		if !l.expired(now) {
			n++
		}
	}
	return n
}

func (m *Manager) record(ctx context.Context, l Lock) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Save(ctx, l); err != nil {
		m.logger.WithFields(logrus.Fields{
			"token": l.Token,
			"error": err,
		}).Warn("failed to journal lock")
	}
}

func (m *Manager) forget(ctx context.Context, tokens []string) {
	if m.journal == nil {
		return
	}
	for _, token := range tokens {
		if err := m.journal.Delete(ctx, token); err != nil {
			m.logger.WithFields(logrus.Fields{
				"token": token,
				"error": err,
			}).Warn("failed to remove journaled lock")
		}
	}
}
