package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
)

// CreateConversation creates a direct or group conversation with the current
// user as a member. A direct conversation has exactly one other participant
// and a deterministic ID, so creating it twice yields the same conversation.
// The local record is written before the remote one; a remote failure is
// returned but the local record stays for the next sync to reconcile.
func (s *Service) CreateConversation(ctx context.Context, participantIDs []string, isGroup bool, name string) (models.Conversation, error) {
	ids := models.NormalizeIDs(append(append([]string{}, participantIDs...), s.options.UserID))
	others := len(ids) - 1
	if others < 1 {
		return models.Conversation{}, fmt.Errorf("no recipients: %w", models.ErrInvalidParticipants)
	}
	if !isGroup && others != 1 {
		return models.Conversation{}, fmt.Errorf("direct conversation needs one recipient, got %d: %w", others, models.ErrInvalidParticipants)
	}

	now := s.options.Now().UnixMilli()
	conv := models.Conversation{
		Name:                  strings.TrimSpace(name),
		ParticipantIDs:        ids,
		IsGroup:               isGroup,
		AdminIDs:              []string{},
		UnreadCount:           map[string]int{},
		LastInteractionByUser: map[string]int64{s.options.UserID: now},
		UpdatedAt:             now,
	}
	if isGroup {
		conv.ID = uuid.NewString()
		conv.AdminIDs = []string{s.options.UserID}
	} else {
		conv.ID = strings.Join(ids, "_")
	}

	var existing *models.Conversation
	err := s.options.Actors.Do(conv.ID, func() error {
		return s.options.Store.Update(func(tx *storage.Tx) error {
			found, err := tx.GetConversation(conv.ID)
			if err == nil {
				existing = found
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return tx.UpsertConversation(conv)
		})
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("store conversation %s: %w", conv.ID, err)
	}
	if existing != nil {
		return *existing, nil
	}

	// Only identity fields: a direct conversation may already exist remotely
	// with list metadata this device has not synced yet.
	fields := remotelog.Fields{
		remotelog.FieldName:                  conv.Name,
		remotelog.FieldParticipantIDs:        conv.ParticipantIDs,
		remotelog.FieldIsGroup:               conv.IsGroup,
		remotelog.FieldAdminIDs:              conv.AdminIDs,
		remotelog.FieldLastInteractionByUser: map[string]any{s.options.UserID: now},
		remotelog.FieldUpdatedAt:             now,
	}
	if err := s.options.Remote.Write(ctx, remotelog.ConversationPath(conv.ID), fields, true); err != nil {
		return conv, fmt.Errorf("create conversation %s: %w", conv.ID, err)
	}
	return conv, nil
}
