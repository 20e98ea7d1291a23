package props

import (
	"context"
	"encoding/xml"
	"slices"
	"strings"
	"sync"
)

// DeadStore persists dead properties per resource path. Apply must be atomic:
// either every change of one call is visible or none is.
type DeadStore interface {
	List(ctx context.Context, path string) ([]*Element, error)
	Apply(ctx context.Context, path string, set []*Element, remove []xml.Name) error
	Copy(ctx context.Context, src, dst string) error
	Move(ctx context.Context, src, dst string) error
	Remove(ctx context.Context, path string) error
}

// MemoryStore is a DeadStore kept in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	props map[string]map[xml.Name]*Element
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{props: make(map[string]map[xml.Name]*Element)}
}

func (m *MemoryStore) List(ctx context.Context, path string) ([]*Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Element, 0, len(m.props[path]))
	for _, el := range m.props[path] {
		out = append(out, el)
	}
	slices.SortFunc(out, compareElementNames)
	return out, nil
}

func (m *MemoryStore) Apply(ctx context.Context, path string, set []*Element, remove []xml.Name) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.props[path]
	if byName == nil {
		byName = make(map[xml.Name]*Element)
		m.props[path] = byName
	}
	for _, name := range remove {
		delete(byName, name)
	}
	for _, el := range set {
		byName[el.XMLName] = el
	}
	if len(byName) == 0 {
		delete(m.props, path)
	}
	return nil
}

func (m *MemoryStore) Copy(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, dst)
	if byName, ok := m.props[src]; ok {
		cp := make(map[xml.Name]*Element, len(byName))
		for name, el := range byName {
			cp[name] = el
		}
		m.props[dst] = cp
	}
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, dst)
	if byName, ok := m.props[src]; ok {
		m.props[dst] = byName
		delete(m.props, src)
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, path)
	return nil
}

func compareElementNames(a, b *Element) int {
	if c := strings.Compare(a.XMLName.Space, b.XMLName.Space); c != 0 {
		return c
	}
	return strings.Compare(a.XMLName.Local, b.XMLName.Local)
}
