package storage

import "sync"

const observerBuffer = 64

// observerSet fans committed cache events out to live queries. A slow
// observer drops events rather than blocking the writer; an event only says
// "re-read", so a dropped one is covered by the next.
type observerSet struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan CacheEvent
	closed bool
}

func newObserverSet() *observerSet {
	return &observerSet{subs: make(map[int]chan CacheEvent)}
}

func (o *observerSet) add() (int, <-chan CacheEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan CacheEvent, observerBuffer)
	if o.closed {
		close(ch)
		return -1, ch
	}
	id := o.next
	o.next++
	o.subs[id] = ch
	return id, ch
}

func (o *observerSet) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch, ok := o.subs[id]
	if !ok {
		return
	}
	delete(o.subs, id)
	close(ch)
}

func (o *observerSet) publish(events []CacheEvent) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, event := range events {
		for _, ch := range o.subs {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (o *observerSet) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

// Observe registers a live query. The returned cancel func unregisters it and
// closes the channel.
func (s *Store) Observe() (<-chan CacheEvent, func()) {
	id, ch := s.observers.add()
	return ch, func() { s.observers.remove(id) }
}
