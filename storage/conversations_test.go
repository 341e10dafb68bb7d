package storage

import (
	"errors"
	"testing"

	"chatsync/models"
)

func TestConversationCRUD(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertConversation(models.Conversation{
		ID:                    "c-old",
		ParticipantIDs:        []string{"u1", "u2"},
		UnreadCount:           map[string]int{"u2": 3},
		LastInteractionByUser: map[string]int64{"u1": 50},
		UpdatedAt:             100,
	}); err != nil {
		t.Fatalf("UpsertConversation old failed: %v", err)
	}
	if err := store.UpsertConversation(models.Conversation{
		ID:                   "c-new",
		Name:                 "team",
		ParticipantIDs:       []string{"u1", "u2", "u3"},
		IsGroup:              true,
		AdminIDs:             []string{"u1"},
		LastMessage:          "hello",
		LastMessageTimestamp: 190,
		LastSenderID:         "u3",
		UpdatedAt:            200,
	}); err != nil {
		t.Fatalf("UpsertConversation new failed: %v", err)
	}

	list, err := store.ListConversations(10)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c-new" || list[1].ID != "c-old" {
		t.Fatalf("expected conversations ordered by updated_at desc, got %+v", list)
	}
	if !list[0].IsGroup || list[0].AdminIDs[0] != "u1" || list[0].LastSenderID != "u3" {
		t.Fatalf("unexpected group conversation fields: %+v", list[0])
	}

	old, err := store.GetConversation("c-old")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if old.UnreadCount["u2"] != 3 || old.LastInteractionByUser["u1"] != 50 {
		t.Fatalf("expected maps to round-trip, got %+v", old)
	}

	mustUpsertMessage(t, store, models.Message{ID: "m1", ConversationID: "c-old", SenderID: "u1", Text: "x"})
	if err := store.Update(func(tx *Tx) error {
		return tx.DeleteConversation("c-old")
	}); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, err := store.GetConversation("c-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected c-old deleted, got %v", err)
	}
	if _, err := store.GetMessage("m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected messages of c-old deleted, got %v", err)
	}
}

func TestUserCRUD(t *testing.T) {
	store := newTestStore(t)

	if err := store.Update(func(tx *Tx) error {
		return tx.UpsertUser(models.User{ID: "u1", DisplayName: "Ada", LastSeen: 10})
	}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	user, err := store.GetUser("u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.DisplayName != "Ada" || user.LastSeen != 10 {
		t.Fatalf("unexpected user: %+v", user)
	}

	if err := store.Update(func(tx *Tx) error {
		return tx.DeleteUser("u1")
	}); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, err := store.GetUser("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user deleted, got %v", err)
	}
}
