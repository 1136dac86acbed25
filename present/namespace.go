package present

import (
	"fmt"
	"sort"
	"sync"
)

// Namespace is a caller's name -> value bindings.
type Namespace interface {
	Has(name string) bool
	Set(name string, value any)
	// Bind binds value under FreeName(name) and returns the name used. The
	// choice and the binding are one step, so an existing binding is never
	// replaced.
	Bind(name string, value any) string
}

// FreeName returns name when it is unbound in ns, otherwise the first of
// name_1, name_2, ... that is.
func FreeName(ns Namespace, name string) string {
	return freeName(ns.Has, name)
}

func freeName(has func(string) bool, name string) string {
	if !has(name) {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if !has(candidate) {
			return candidate
		}
	}
}

// MapNamespace is an in-memory Namespace.
type MapNamespace struct {
	mu   sync.RWMutex
	vars map[string]any
}

func NewMapNamespace() *MapNamespace {
	return &MapNamespace{vars: make(map[string]any)}
}

func (m *MapNamespace) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vars[name]
	return ok
}

func (m *MapNamespace) Set(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[name] = value
}

func (m *MapNamespace) Bind(name string, value any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	final := freeName(func(n string) bool {
		_, ok := m.vars[n]
		return ok
	}, name)
	m.vars[final] = value
	return final
}

func (m *MapNamespace) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	return v, ok
}

// Names returns the bound names in order.
func (m *MapNamespace) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.vars))
	for n := range m.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
