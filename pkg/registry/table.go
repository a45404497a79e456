// pkg/registry/table.go
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/busybox42/capstone/pkg/process"
)

var (
	ErrReadOnly = errors.New("registry: read-only")
	ErrNotFound = errors.New("registry: name not found")
)

// Table maps names to capabilities. It owns one reference to every
// capability it holds.
type Table struct {
	mu       sync.RWMutex
	entries  map[string]process.Capability
	readOnly bool
}

func NewTable(readOnly bool) *Table {
	return &Table{
		entries:  make(map[string]process.Capability),
		readOnly: readOnly,
	}
}

func (t *Table) ReadOnly() bool {
	return t.readOnly
}

// Register binds name to c, taking ownership of c. It reports whether an
// existing binding was replaced.
func (t *Table) Register(name string, c process.Capability) (bool, error) {
	if t.readOnly {
		c.Release()
		return false, ErrReadOnly
	}
	t.mu.Lock()
	old, replaced := t.entries[name]
	t.entries[name] = c
	t.mu.Unlock()
	if replaced {
		old.Release()
	}
	return replaced, nil
}

// Get returns a new reference to the capability bound to name.
func (t *Table) Get(name string) (process.Capability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.entries[name]
	if !ok {
		return process.Capability{}, false
	}
	return c.Clone(), true
}

// List returns the registered names in sorted order.
func (t *Table) List() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Unregister drops name. Only writable tables accept it.
func (t *Table) Unregister(name string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.mu.Lock()
	c, ok := t.entries[name]
	delete(t.entries, name)
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	c.Release()
	return nil
}

// Forget drops every name bound to target and returns them sorted. It is
// used when the target's process goes down, so it ignores ReadOnly.
func (t *Table) Forget(target process.Target) []string {
	var (
		names []string
		caps  []process.Capability
	)
	t.mu.Lock()
	for name, c := range t.entries {
		if c.Target() == target {
			names = append(names, name)
			caps = append(caps, c)
			delete(t.entries, name)
		}
	}
	t.mu.Unlock()
	for _, c := range caps {
		c.Release()
	}
	sort.Strings(names)
	return names
}

// Seed binds name even on a read-only table. It is how a node installs
// its own services before serving peers.
func (t *Table) Seed(name string, c process.Capability) {
	t.mu.Lock()
	old, replaced := t.entries[name]
	t.entries[name] = c
	t.mu.Unlock()
	if replaced {
		old.Release()
	}
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
