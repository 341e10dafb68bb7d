package remotelog

import (
	"context"
	"fmt"
	"sync"

	"chatsync/models"
)

// WriteHook runs before a Memory write is applied. Returning an error fails
// the write; blocking simulates network latency.
type WriteHook func(ctx context.Context, op WriteOp) error

// Memory is an in-process remote log. Every write is echoed to subscribers
// as a pending write and then delivered again as confirmed.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]Fields
	hub     *hub
	hook    WriteHook
	writes  []WriteOp
	batches [][]WriteOp
	deletes []string
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Fields),
		hub:  newHub(),
	}
}

var _ Log = (*Memory)(nil)

// SetWriteHook installs fn for subsequent writes, batches and deletes.
func (m *Memory) SetWriteHook(fn WriteHook) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

// FailWrites makes every subsequent write fail with err. Passing nil restores
// normal operation.
func (m *Memory) FailWrites(err error) {
	if err == nil {
		m.SetWriteHook(nil)
		return
	}
	m.SetWriteHook(func(context.Context, WriteOp) error { return err })
}

// Write applies one document write.
func (m *Memory) Write(ctx context.Context, path string, fields Fields, merge bool) error {
	collection, docID, err := SplitPath(path)
	if err != nil {
		return err
	}
	op := WriteOp{Path: path, Fields: cloneFields(fields), Merge: merge}

	m.mu.Lock()
	m.writes = append(m.writes, op)
	hook := m.hook
	m.mu.Unlock()

	if err := m.runHook(ctx, hook, op); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := applyWrite(m.docs[path], op.Fields, merge)
	change := []docChange{{collection: collection, docID: docID, fields: next}}
	m.hub.broadcast(change, BatchMetadata{HasPendingWrites: true})
	m.docs[path] = next
	m.hub.broadcast(change, BatchMetadata{})
	return nil
}

// BatchWrite applies all ops atomically or none of them.
func (m *Memory) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchOperations {
		return fmt.Errorf("%w: %d operations", ErrBatchTooLarge, len(ops))
	}

	batch := make([]WriteOp, 0, len(ops))
	for _, op := range ops {
		if _, _, err := SplitPath(op.Path); err != nil {
			return err
		}
		batch = append(batch, WriteOp{Path: op.Path, Fields: cloneFields(op.Fields), Merge: op.Merge})
	}

	m.mu.Lock()
	m.batches = append(m.batches, batch)
	hook := m.hook
	m.mu.Unlock()

	for _, op := range batch {
		if err := m.runHook(ctx, hook, op); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	staged := make(map[string]Fields, len(batch))
	order := make([]string, 0, len(batch))
	for _, op := range batch {
		current, ok := staged[op.Path]
		if !ok {
			current = m.docs[op.Path]
			order = append(order, op.Path)
		}
		staged[op.Path] = applyWrite(current, op.Fields, op.Merge)
	}

	changes := make([]docChange, 0, len(order))
	for _, path := range order {
		collection, docID, _ := SplitPath(path)
		changes = append(changes, docChange{collection: collection, docID: docID, fields: staged[path]})
	}
	m.hub.broadcast(changes, BatchMetadata{HasPendingWrites: true})
	for _, path := range order {
		m.docs[path] = staged[path]
	}
	m.hub.broadcast(changes, BatchMetadata{})
	return nil
}

// Delete removes a document. Deleting a missing document succeeds.
func (m *Memory) Delete(ctx context.Context, path string) error {
	collection, docID, err := SplitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.deletes = append(m.deletes, path)
	hook := m.hook
	m.mu.Unlock()

	if err := m.runHook(ctx, hook, WriteOp{Path: path}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
	m.hub.broadcast([]docChange{{collection: collection, docID: docID}}, BatchMetadata{})
	return nil
}

// Subscribe starts a live query. The first batch is the current snapshot.
func (m *Memory) Subscribe(ctx context.Context, query Query) (*Subscription, error) {
	if query.Collection == "" {
		return nil, fmt.Errorf("remotelog: subscribe requires a collection")
	}

	sub := newSubscriber(query)

	m.mu.Lock()
	remove := m.hub.add(sub)
	docs := make([]document, 0)
	for path, fields := range m.docs {
		collection, docID, err := SplitPath(path)
		if err != nil || collection != query.Collection || !query.matches(docID, fields) {
			continue
		}
		docs = append(docs, document{id: docID, fields: fields})
	}
	sub.offer(initialChanges(query.Collection, query.window(docs)), BatchMetadata{Initial: true})
	m.mu.Unlock()

	go sub.run(ctx, remove)
	return sub.subscription(), nil
}

// Emit delivers fields for path to subscribers with the given provenance
// without touching stored state. It replays what a device-local cache would
// surface, for example after a relaunch while offline.
func (m *Memory) Emit(path string, fields Fields, meta BatchMetadata) error {
	collection, docID, err := SplitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hub.broadcast([]docChange{{collection: collection, docID: docID, fields: cloneFields(fields)}}, meta)
	return nil
}

// Seed stores a document as if another device had written it, notifying
// subscribers with a confirmed change. Seeds are not recorded as writes.
func (m *Memory) Seed(path string, fields Fields) error {
	collection, docID, err := SplitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := applyWrite(m.docs[path], cloneFields(fields), true)
	m.docs[path] = next
	m.hub.broadcast([]docChange{{collection: collection, docID: docID, fields: next}}, BatchMetadata{})
	return nil
}

// Get returns a copy of the stored document at path.
func (m *Memory) Get(path string) (Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.docs[path]
	if !ok {
		return nil, false
	}
	return cloneFields(fields), true
}

// Writes returns every single-document write attempted, in order.
func (m *Memory) Writes() []WriteOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteOp(nil), m.writes...)
}

// WritesTo returns attempted single-document writes targeting path.
func (m *Memory) WritesTo(path string) []WriteOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteOp, 0)
	for _, op := range m.writes {
		if op.Path == path {
			out = append(out, op)
		}
	}
	return out
}

// Batches returns every batch attempted, in order.
func (m *Memory) Batches() [][]WriteOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]WriteOp(nil), m.batches...)
}

// WriteCount is the number of remote calls attempted: writes, batches and deletes.
func (m *Memory) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes) + len(m.batches) + len(m.deletes)
}

func (m *Memory) runHook(ctx context.Context, hook WriteHook, op WriteOp) error {
	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return fmt.Errorf("%w: %s: %w", models.ErrRemoteWriteFailed, op.Path, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", models.ErrRemoteWriteFailed, op.Path, err)
	}
	return nil
}
