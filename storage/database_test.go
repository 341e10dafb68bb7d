package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chatsync/models"
)

func TestOpenCreatesCacheAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	expectedTables := []string{
		"conversations",
		"messages",
		"users",
		"notified_messages",
	}
	for _, table := range expectedTables {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenPathReopensWithoutReapplyingMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultDBFileName)

	first, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("first OpenPath failed: %v", err)
	}
	if err := first.UpsertConversation(models.Conversation{ID: "c1", ParticipantIDs: []string{"u1", "u2"}}); err != nil {
		t.Fatalf("UpsertConversation failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("second OpenPath failed: %v", err)
	}
	defer func() {
		_ = second.Close()
	}()

	conv, err := second.GetConversation("c1")
	if err != nil {
		t.Fatalf("GetConversation after reopen failed: %v", err)
	}
	if len(conv.ParticipantIDs) != 2 {
		t.Fatalf("expected participants to survive reopen, got %v", conv.ParticipantIDs)
	}
}

func TestClosedStoreReportsDataUnavailable(t *testing.T) {
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := store.GetMessage("m1"); !errors.Is(err, models.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable from closed store, got %v", err)
	}
	if err := store.UpsertMessage(models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1"}); !errors.Is(err, models.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable on write to closed store, got %v", err)
	}
}
