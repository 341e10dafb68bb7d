// Package actor serializes work per key while letting distinct keys run
// concurrently.
package actor

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Group runs functions one at a time per key. The zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Do runs fn while holding key's lock and returns its error.
func (g *Group) Do(key string, fn func() error) error {
	e := g.acquire(key)
	e.mu.Lock()
	defer g.release(key, e)
	defer e.mu.Unlock()
	return fn()
}

func (g *Group) acquire(key string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entries == nil {
		g.entries = make(map[string]*entry)
	}
	e, ok := g.entries[key]
	if !ok {
		e = &entry{}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *Group) release(key string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}

// Len reports how many keys currently hold or wait for a lock.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
