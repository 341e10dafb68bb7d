package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"chatsync/models"
)

// UpsertUser inserts or replaces a cached user profile.
func (t *Tx) UpsertUser(user models.User) error {
	if user.ID == "" {
		return errors.New("user_id is required")
	}
	if user.UpdatedAt == 0 {
		user.UpdatedAt = nowUnixMilli()
	}

	_, err := t.tx.Exec(
		`INSERT INTO users (user_id, display_name, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		user.ID,
		user.DisplayName,
		user.LastSeen,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", user.ID, err)
	}
	t.record(CacheEventUsers, "", user.ID, false)
	return nil
}

// DeleteUser removes a cached user profile.
func (t *Tx) DeleteUser(userID string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	res, err := t.tx.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user %q: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.record(CacheEventUsers, "", userID, true)
	}
	return nil
}

// GetUser fetches one cached user profile.
func (s *Store) GetUser(userID string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	var user models.User
	err := s.db.QueryRow(
		`SELECT user_id, display_name, last_seen, updated_at FROM users WHERE user_id = ?`,
		userID,
	).Scan(&user.ID, &user.DisplayName, &user.LastSeen, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}
	return &user, nil
}
