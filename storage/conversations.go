package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"chatsync/models"
)

const conversationColumns = `
	conversation_id,
	name,
	participant_ids,
	is_group,
	admin_ids,
	last_message,
	last_message_timestamp,
	last_sender_id,
	unread_count,
	last_interaction_by_user,
	updated_at`

// GetConversation fetches one conversation inside the transaction.
func (t *Tx) GetConversation(conversationID string) (*models.Conversation, error) {
	return getConversation(t.tx, conversationID)
}

// UpsertConversation inserts or replaces a conversation row keyed by ID.
func (t *Tx) UpsertConversation(conversation models.Conversation) error {
	if err := upsertConversation(t.tx, conversation); err != nil {
		return err
	}
	t.record(CacheEventConversations, "", conversation.ID, false)
	return nil
}

// DeleteConversation removes a conversation and its cached messages.
func (t *Tx) DeleteConversation(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if _, err := t.tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages of conversation %q: %w", conversationID, err)
	}
	res, err := t.tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation %q: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.record(CacheEventConversations, "", conversationID, true)
	}
	return nil
}

// GetConversation fetches one conversation by ID.
func (s *Store) GetConversation(conversationID string) (*models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return getConversation(s.db, conversationID)
}

// UpsertConversation writes one conversation in its own transaction.
func (s *Store) UpsertConversation(conversation models.Conversation) error {
	return s.Update(func(tx *Tx) error {
		return tx.UpsertConversation(conversation)
	})
}

// ListConversations returns conversations ordered by updated_at descending.
func (s *Store) ListConversations(limit int) ([]models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY updated_at DESC, conversation_id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return conversations, nil
}

func getConversation(q queryer, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := q.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, conversationID)
	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	return conversation, nil
}

func upsertConversation(q queryer, conversation models.Conversation) error {
	if conversation.ID == "" {
		return errors.New("conversation_id is required")
	}
	if conversation.UpdatedAt == 0 {
		conversation.UpdatedAt = nowUnixMilli()
	}
	if conversation.ParticipantIDs == nil {
		conversation.ParticipantIDs = []string{}
	}
	if conversation.AdminIDs == nil {
		conversation.AdminIDs = []string{}
	}
	if conversation.UnreadCount == nil {
		conversation.UnreadCount = map[string]int{}
	}
	if conversation.LastInteractionByUser == nil {
		conversation.LastInteractionByUser = map[string]int64{}
	}

	participants, err := encodeJSON(conversation.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encode participants for conversation %q: %w", conversation.ID, err)
	}
	admins, err := encodeJSON(conversation.AdminIDs)
	if err != nil {
		return fmt.Errorf("encode admins for conversation %q: %w", conversation.ID, err)
	}
	unread, err := encodeJSON(conversation.UnreadCount)
	if err != nil {
		return fmt.Errorf("encode unread counts for conversation %q: %w", conversation.ID, err)
	}
	interactions, err := encodeJSON(conversation.LastInteractionByUser)
	if err != nil {
		return fmt.Errorf("encode last interactions for conversation %q: %w", conversation.ID, err)
	}

	_, err = q.Exec(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			name = excluded.name,
			participant_ids = excluded.participant_ids,
			is_group = excluded.is_group,
			admin_ids = excluded.admin_ids,
			last_message = excluded.last_message,
			last_message_timestamp = excluded.last_message_timestamp,
			last_sender_id = excluded.last_sender_id,
			unread_count = excluded.unread_count,
			last_interaction_by_user = excluded.last_interaction_by_user,
			updated_at = excluded.updated_at`,
		conversation.ID,
		conversation.Name,
		participants,
		boolToInt(conversation.IsGroup),
		admins,
		conversation.LastMessage,
		conversation.LastMessageTimestamp,
		conversation.LastSenderID,
		unread,
		interactions,
		conversation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", conversation.ID, err)
	}
	return nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conversation models.Conversation
		participants string
		isGroup      int
		admins       string
		unread       string
		interactions string
	)

	if err := row.Scan(
		&conversation.ID,
		&conversation.Name,
		&participants,
		&isGroup,
		&admins,
		&conversation.LastMessage,
		&conversation.LastMessageTimestamp,
		&conversation.LastSenderID,
		&unread,
		&interactions,
		&conversation.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	conversation.IsGroup = isGroup == 1
	if conversation.ParticipantIDs, err = decodeStrings(participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if conversation.AdminIDs, err = decodeStrings(admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}
	if conversation.UnreadCount, err = decodeIntMap(unread); err != nil {
		return nil, fmt.Errorf("decode unread counts: %w", err)
	}
	if conversation.LastInteractionByUser, err = decodeInt64Map(interactions); err != nil {
		return nil, fmt.Errorf("decode last interactions: %w", err)
	}

	return &conversation, nil
}
