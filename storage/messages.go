package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"chatsync/models"
)

const messageColumns = `
	message_id,
	conversation_id,
	sender_id,
	text,
	timestamp,
	delivery_state,
	read_receipts,
	updated_at`

// GetMessage fetches one message by ID inside the transaction.
func (t *Tx) GetMessage(messageID string) (*models.Message, error) {
	return getMessage(t.tx, messageID)
}

// UpsertMessage inserts or replaces a message row keyed by ID.
func (t *Tx) UpsertMessage(message models.Message) error {
	if err := upsertMessage(t.tx, message); err != nil {
		return err
	}
	t.record(CacheEventMessages, message.ConversationID, message.ID, false)
	return nil
}

// DeleteMessage removes a message row. Missing rows are not an error.
func (t *Tx) DeleteMessage(conversationID, messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	res, err := t.tx.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.record(CacheEventMessages, conversationID, messageID, true)
	}
	return nil
}

// UpdateDeliveryState sets delivery_state for a message.
func (t *Tx) UpdateDeliveryState(messageID string, state models.DeliveryState, updatedAt int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateDeliveryState(state); err != nil {
		return err
	}

	current, err := getMessage(t.tx, messageID)
	if err != nil {
		return err
	}

	res, err := t.tx.Exec(
		`UPDATE messages
		SET delivery_state = ?, updated_at = ?
		WHERE message_id = ?`,
		string(state),
		updatedAt,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update delivery state for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update delivery state %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	t.record(CacheEventMessages, current.ConversationID, messageID, false)
	return nil
}

// GetMessage fetches one message by ID.
func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return getMessage(s.db, messageID)
}

// UpsertMessage writes one message in its own transaction.
func (s *Store) UpsertMessage(message models.Message) error {
	return s.Update(func(tx *Tx) error {
		return tx.UpsertMessage(message)
	})
}

// UpdateDeliveryState updates one message's state in its own transaction.
func (s *Store) UpdateDeliveryState(messageID string, state models.DeliveryState) error {
	return s.Update(func(tx *Tx) error {
		return tx.UpdateDeliveryState(messageID, state, nowUnixMilli())
	})
}

// ListMessages returns the most recent limit messages of a conversation,
// ordered by timestamp ascending.
func (s *Store) ListMessages(conversationID string, limit int) ([]models.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, message_id ASC`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for conversation %q: %w", conversationID, err)
	}
	return collectMessages(rows)
}

// ListUnreadFor returns messages in a conversation that userID did not send
// and has no read receipt on, oldest first.
func (s *Store) ListUnreadFor(conversationID, userID string) ([]models.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if conversationID == "" || userID == "" {
		return nil, errors.New("conversation_id and user_id are required")
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sender_id != ?
		ORDER BY timestamp ASC, message_id ASC`,
		conversationID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unread messages for conversation %q: %w", conversationID, err)
	}
	all, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	unread := make([]models.Message, 0, len(all))
	for _, message := range all {
		if !message.HasReadReceipt(userID) {
			unread = append(unread, message)
		}
	}
	return unread, nil
}

// ListPendingBySender returns the sender's own messages still pending, oldest first.
func (s *Store) ListPendingBySender(senderID string) ([]models.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if senderID == "" {
		return nil, errors.New("sender_id is required")
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE sender_id = ? AND delivery_state = ?
		ORDER BY timestamp ASC`,
		senderID,
		string(models.DeliveryPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending messages for sender %q: %w", senderID, err)
	}
	return collectMessages(rows)
}

func getMessage(q queryer, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

func upsertMessage(q queryer, message models.Message) error {
	if message.ID == "" {
		return errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.DeliveryState == "" {
		message.DeliveryState = models.DeliveryPending
	}
	if err := validateDeliveryState(message.DeliveryState); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}
	if message.UpdatedAt == 0 {
		message.UpdatedAt = message.Timestamp
	}
	if message.ReadReceipts == nil {
		message.ReadReceipts = map[string]int64{}
	}

	receipts, err := encodeJSON(message.ReadReceipts)
	if err != nil {
		return fmt.Errorf("encode read receipts for message %q: %w", message.ID, err)
	}

	_, err = q.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			text = excluded.text,
			timestamp = excluded.timestamp,
			delivery_state = excluded.delivery_state,
			read_receipts = excluded.read_receipts,
			updated_at = excluded.updated_at`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Text,
		message.Timestamp,
		string(message.DeliveryState),
		receipts,
		message.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", message.ID, err)
	}
	return nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message  models.Message
		state    string
		receipts string
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Text,
		&message.Timestamp,
		&state,
		&receipts,
		&message.UpdatedAt,
	); err != nil {
		return nil, err
	}

	message.DeliveryState = models.DeliveryState(state)
	decoded, err := decodeInt64Map(receipts)
	if err != nil {
		return nil, fmt.Errorf("decode read receipts: %w", err)
	}
	message.ReadReceipts = decoded

	return &message, nil
}
