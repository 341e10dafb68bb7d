package storage

import (
	"errors"
	"fmt"
)

// MarkNotified records that a new-message notification was emitted for a
// message ID. It returns false when the ID was already recorded, so each
// message is notified at most once even across relaunches.
func (s *Store) MarkNotified(messageID string, notifiedAt int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if notifiedAt == 0 {
		notifiedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO notified_messages (message_id, notified_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID,
		notifiedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert notified message ID %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for notified message ID %q: %w", messageID, err)
	}
	return rowsAffected == 1, nil
}

// HasNotified returns true if a message ID has already been notified.
func (s *Store) HasNotified(messageID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM notified_messages WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check notified message ID %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneNotified removes notified_messages rows older than cutoff timestamp.
func (s *Store) PruneNotified(cutoffTimestamp int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM notified_messages WHERE notified_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune notified message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for notified ID prune: %w", err)
	}

	return rowsAffected, nil
}
