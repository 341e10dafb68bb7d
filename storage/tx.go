package storage

import (
	"database/sql"
	"fmt"
)

type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx is one cache transaction. Change batches are applied through a single Tx
// so a batch is committed atomically.
type Tx struct {
	tx     *sql.Tx
	events []CacheEvent
	index  map[eventKey]int
}

type eventKey struct {
	kind           CacheEventKind
	conversationID string
}

// Update runs fn inside one transaction and publishes cache events to
// observers after a successful commit.
func (s *Store) Update(fn func(tx *Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cache transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	tx := &Tx{tx: sqlTx, index: make(map[eventKey]int)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit cache transaction: %w", err)
	}

	s.observers.publish(tx.events)
	return nil
}

func (t *Tx) record(kind CacheEventKind, conversationID, id string, deleted bool) {
	key := eventKey{kind: kind, conversationID: conversationID}
	idx, ok := t.index[key]
	if !ok {
		t.events = append(t.events, CacheEvent{Kind: kind, ConversationID: conversationID})
		idx = len(t.events) - 1
		t.index[key] = idx
	}
	if deleted {
		t.events[idx].Deleted = append(t.events[idx].Deleted, id)
		return
	}
	t.events[idx].IDs = append(t.events[idx].IDs, id)
}
