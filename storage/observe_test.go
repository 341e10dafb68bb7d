package storage

import (
	"testing"
	"time"

	"chatsync/models"
)

func TestObserveReceivesOneEventPerCommittedBatch(t *testing.T) {
	store := newTestStore(t)

	events, cancel := store.Observe()
	defer cancel()

	if err := store.Update(func(tx *Tx) error {
		if err := tx.UpsertMessage(models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Text: "a"}); err != nil {
			return err
		}
		return tx.UpsertMessage(models.Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Text: "b"})
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	select {
	case event := <-events:
		if event.Kind != CacheEventMessages || event.ConversationID != "c1" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if len(event.IDs) != 2 {
			t.Fatalf("expected both ids in one event, got %v", event.IDs)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for cache event")
	}

	select {
	case event := <-events:
		t.Fatalf("expected a single event for the batch, got extra %+v", event)
	default:
	}
}

func TestObserveSkipsRolledBackTransactions(t *testing.T) {
	store := newTestStore(t)

	events, cancel := store.Observe()
	defer cancel()

	_ = store.Update(func(tx *Tx) error {
		_ = tx.UpsertMessage(models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Text: "a"})
		return ErrNotFound
	})

	select {
	case event := <-events:
		t.Fatalf("expected no event for rolled back transaction, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveCancelClosesChannel(t *testing.T) {
	store := newTestStore(t)

	events, cancel := store.Observe()
	cancel()

	if _, ok := <-events; ok {
		t.Fatalf("expected channel closed after cancel")
	}
}
