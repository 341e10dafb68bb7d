package syncer

import (
	"context"
	"sort"
	"sync"
)

// listener is one live subscription owned by the registry.
type listener struct {
	key       string
	docIDs    []string
	startedAt int64
	cancel    context.CancelFunc
	done      chan struct{}
}

func (l *listener) stop() {
	l.cancel()
	<-l.done
}

// registry maps subscription keys to their single active listener.
type registry struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[string]*listener)}
}

// register installs l under its key and returns the listener it replaced.
func (r *registry) register(l *listener) *listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.listeners[l.key]
	r.listeners[l.key] = l
	return prev
}

// unregister removes l only if it is still the active listener for its key.
func (r *registry) unregister(l *listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[l.key] != l {
		return false
	}
	delete(r.listeners, l.key)
	return true
}

func (r *registry) remove(key string) *listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.listeners[key]
	delete(r.listeners, key)
	return l
}

func (r *registry) get(key string) (*listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[key]
	return l, ok
}

func (r *registry) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.listeners))
	for key := range r.listeners {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (r *registry) drain() []*listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*listener, 0, len(r.listeners))
	for key, l := range r.listeners {
		out = append(out, l)
		delete(r.listeners, key)
	}
	return out
}
