// Package keylock provides a table of mutexes addressed by string key,
// used for single-writer discipline over per-aggregate operations.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock acquires the exclusive lock for key and returns its release func.
// Entries are dropped once the last holder releases, so the table stays
// proportional to the number of in-flight keys.
func (t *Table) Lock(key string) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}
