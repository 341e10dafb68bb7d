package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "cache.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultNotifiedRetention controls automatic pruning of the notified-message ledger.
	DefaultNotifiedRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id          TEXT PRIMARY KEY,
  name                     TEXT NOT NULL DEFAULT '',
  participant_ids          TEXT NOT NULL DEFAULT '[]',
  is_group                 INTEGER NOT NULL DEFAULT 0,
  admin_ids                TEXT NOT NULL DEFAULT '[]',
  last_message             TEXT NOT NULL DEFAULT '',
  last_message_timestamp   INTEGER NOT NULL DEFAULT 0,
  last_sender_id           TEXT NOT NULL DEFAULT '',
  unread_count             TEXT NOT NULL DEFAULT '{}',
  last_interaction_by_user TEXT NOT NULL DEFAULT '{}',
  updated_at               INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id       TEXT PRIMARY KEY,
  conversation_id  TEXT NOT NULL,
  sender_id        TEXT NOT NULL,
  text             TEXT NOT NULL,
  timestamp        INTEGER NOT NULL,
  delivery_state   TEXT NOT NULL CHECK(delivery_state IN ('pending','sent','delivered','read','failed')) DEFAULT 'pending',
  read_receipts    TEXT NOT NULL DEFAULT '{}',
  updated_at       INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS users (
  user_id      TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  last_seen    INTEGER NOT NULL DEFAULT 0,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS notified_messages (
  message_id  TEXT PRIMARY KEY,
  notified_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, timestamp, message_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_state
ON messages (sender_id, delivery_state, timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
ON conversations (updated_at DESC, conversation_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_notified_messages_notified_at
ON notified_messages (notified_at);
`,
}

// Store is the local cache: a thin wrapper around a SQLite connection plus
// live-query observers.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	maintenanceStop       chan struct{}
	maintenanceWG         sync.WaitGroup
	notifiedRetention     time.Duration
	closeOnce             sync.Once

	observers *observerSet
}

// Open opens (or creates) cache.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		maintenanceStop:       make(chan struct{}),
		notifiedRetention:     DefaultNotifiedRetention,
		observers:             newObserverSet(),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close stops maintenance, closes observers and the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.maintenanceStop != nil {
			close(s.maintenanceStop)
			s.maintenanceWG.Wait()
		}
		s.observers.closeAll()
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startMaintenanceLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.maintenanceStop == nil {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
				if s.notifiedRetention > 0 {
					_, _ = s.PruneNotified(time.Now().Add(-s.notifiedRetention).UnixMilli())
				}
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
