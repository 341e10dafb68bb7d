package remotelog

import (
	"context"
	"sync"
)

// docChange is a backend-level notification before it is shaped for one
// subscriber. Nil fields mean the document was removed.
type docChange struct {
	collection string
	docID      string
	fields     Fields
}

// subscriber turns raw document changes into per-query change batches and
// pumps them to its consumer without blocking the producer.
type subscriber struct {
	query Query

	mu     sync.Mutex
	known  map[string]struct{}
	queue  []ChangeBatch
	closed bool

	signal chan struct{}
	out    chan ChangeBatch
	errs   chan error
}

func newSubscriber(query Query) *subscriber {
	return &subscriber{
		query:  query,
		known:  make(map[string]struct{}),
		signal: make(chan struct{}, 1),
		out:    make(chan ChangeBatch),
		errs:   make(chan error, 1),
	}
}

func (s *subscriber) subscription() *Subscription {
	return &Subscription{Changes: s.out, Errors: s.errs}
}

// offer shapes changes for this subscriber's query and enqueues the result.
// Added versus modified is decided by whether the subscriber has already seen
// the document; a document that stops matching the query is reported removed.
func (s *subscriber) offer(changes []docChange, meta BatchMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	batch := ChangeBatch{Metadata: meta}
	for _, ch := range changes {
		if ch.collection != s.query.Collection {
			continue
		}
		_, seen := s.known[ch.docID]
		path := ch.collection + "/" + ch.docID

		if ch.fields == nil || !s.query.matches(ch.docID, ch.fields) {
			if !seen {
				continue
			}
			delete(s.known, ch.docID)
			batch.Changes = append(batch.Changes, Change{
				DocID:            ch.docID,
				Path:             path,
				Type:             ChangeRemoved,
				FromCache:        meta.FromCache,
				HasPendingWrites: meta.HasPendingWrites,
			})
			continue
		}

		changeType := ChangeAdded
		if seen {
			changeType = ChangeModified
		}
		s.known[ch.docID] = struct{}{}
		batch.Changes = append(batch.Changes, Change{
			DocID:            ch.docID,
			Path:             path,
			Fields:           cloneFields(ch.fields),
			Type:             changeType,
			FromCache:        meta.FromCache,
			HasPendingWrites: meta.HasPendingWrites,
		})
	}

	if len(batch.Changes) == 0 && !meta.Initial {
		return
	}
	s.queue = append(s.queue, batch)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// fail reports a transport error to the consumer without blocking.
func (s *subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// run delivers queued batches in order until ctx is done.
func (s *subscriber) run(ctx context.Context, done func()) {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.out)
		close(s.errs)
		if done != nil {
			done()
		}
	}()

	for {
		s.mu.Lock()
		var next *ChangeBatch
		if len(s.queue) > 0 {
			batch := s.queue[0]
			s.queue = s.queue[1:]
			next = &batch
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case s.out <- *next:
		}
	}
}

// hub tracks the live subscribers of one backend.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) add(s *subscriber) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *hub) broadcast(changes []docChange, meta BatchMetadata) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.offer(changes, meta)
	}
}

// initialChanges converts a windowed snapshot into added changes.
func initialChanges(collection string, docs []document) []docChange {
	out := make([]docChange, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docChange{collection: collection, docID: doc.id, fields: doc.fields})
	}
	return out
}
