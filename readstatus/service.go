// Package readstatus records what the current user has read, locally and on
// the remote log.
package readstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatsync/actor"
	"chatsync/events"
	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
)

// Options configures the read-status service.
type Options struct {
	Store  *storage.Store
	Remote remotelog.Log
	UserID string

	Actors    *actor.Group
	Mutations events.MutationObserver

	// BatchLimit caps receipts written per MarkMessagesRead call.
	BatchLimit int

	Logger zerolog.Logger
	Now    func() time.Time
}

// Service marks conversations and messages read.
type Service struct {
	options Options
	log     zerolog.Logger
}

// BatchResult reports one MarkMessagesRead call. Remaining is the number of
// unread messages left for a later call.
type BatchResult struct {
	Committed int
	Remaining int
}

// New validates options and returns a read-status service.
func New(options Options) (*Service, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("readstatus: %w", models.ErrDataUnavailable)
	}
	if options.Remote == nil {
		return nil, errors.New("readstatus: remote log is required")
	}
	if options.UserID == "" {
		return nil, fmt.Errorf("readstatus: %w", models.ErrNotAuthenticated)
	}
	if options.Actors == nil {
		options.Actors = &actor.Group{}
	}
	if options.Mutations == nil {
		options.Mutations = events.Nop{}
	}
	if options.BatchLimit <= 0 || options.BatchLimit > remotelog.MaxBatchOperations {
		options.BatchLimit = remotelog.MaxBatchOperations
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Service{
		options: options,
		log:     options.Logger.With().Str("component", "read_status").Logger(),
	}, nil
}

// MarkConversationRead zeroes the user's unread count and stamps their last
// interaction, locally and in one merged remote write. It does nothing when
// the user has already interacted after the conversation's last message. It
// reports whether anything was written.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) (bool, error) {
	user := s.options.UserID
	now := s.options.Now().UnixMilli()

	updated := false
	err := s.options.Actors.Do(conversationID, func() error {
		return s.options.Store.Update(func(tx *storage.Tx) error {
			conv, err := tx.GetConversation(conversationID)
			if err != nil {
				return err
			}
			if conv.LastMessageTimestamp <= conv.LastInteractionByUser[user] {
				return nil
			}
			if conv.UnreadCount == nil {
				conv.UnreadCount = map[string]int{}
			}
			if conv.LastInteractionByUser == nil {
				conv.LastInteractionByUser = map[string]int64{}
			}
			conv.UnreadCount[user] = 0
			conv.LastInteractionByUser[user] = now
			updated = true
			return tx.UpsertConversation(*conv)
		})
	})
	if err != nil {
		return false, fmt.Errorf("mark conversation %s read: %w", conversationID, err)
	}
	if !updated {
		return false, nil
	}

	fields := remotelog.Fields{
		remotelog.FieldUnreadCount:           map[string]any{user: int64(0)},
		remotelog.FieldLastInteractionByUser: map[string]any{user: now},
	}
	if err := s.options.Remote.Write(ctx, remotelog.ConversationPath(conversationID), fields, true); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("conversation read write failed")
		return true, err
	}
	return true, nil
}

// MarkMessagesRead writes a read receipt and the read state for every
// message the user received in the conversation and has not read yet. At
// most one batch is committed per call; the cache is only updated after the
// remote batch succeeds.
func (s *Service) MarkMessagesRead(ctx context.Context, conversationID string) (BatchResult, error) {
	unread, err := s.options.Store.ListUnreadFor(conversationID, s.options.UserID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list unread messages: %w", err)
	}
	if len(unread) == 0 {
		return BatchResult{}, nil
	}

	batch := unread
	if len(batch) > s.options.BatchLimit {
		batch = unread[:s.options.BatchLimit]
	}
	result := BatchResult{Remaining: len(unread) - len(batch)}

	now := s.options.Now().UnixMilli()
	ops := make([]remotelog.WriteOp, 0, len(batch))
	for _, msg := range batch {
		ops = append(ops, remotelog.WriteOp{
			Path: remotelog.MessagePath(conversationID, msg.ID),
			Fields: remotelog.Fields{
				remotelog.FieldReadReceipts:  map[string]any{s.options.UserID: now},
				remotelog.FieldDeliveryState: string(models.DeliveryRead),
				remotelog.FieldUpdatedAt:     now,
			},
			Merge: true,
		})
	}

	if err := s.options.Remote.BatchWrite(ctx, ops); err != nil {
		s.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Int("messages", len(ops)).
			Msg("read receipt batch failed")
		result.Remaining = len(unread)
		return result, err
	}

	mutated := make([]string, 0, len(batch))
	err = s.options.Actors.Do(conversationID, func() error {
		return s.options.Store.Update(func(tx *storage.Tx) error {
			for _, msg := range batch {
				current, err := tx.GetMessage(msg.ID)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if current.ReadReceipts == nil {
					current.ReadReceipts = map[string]int64{}
				}
				if _, ok := current.ReadReceipts[s.options.UserID]; !ok {
					current.ReadReceipts[s.options.UserID] = now
				}
				current.DeliveryState = models.MaxState(current.DeliveryState, models.DeliveryRead)
				current.UpdatedAt = now
				if err := tx.UpsertMessage(*current); err != nil {
					return err
				}
				mutated = append(mutated, current.ID)
			}
			return nil
		})
	})
	result.Committed = len(batch)
	if err != nil {
		// The remote side is committed; the next sync repairs the cache.
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("local read receipt update failed")
		return result, nil
	}

	for _, id := range mutated {
		s.options.Mutations.OnMessageMutation(conversationID, id)
	}
	if result.Remaining > 0 {
		s.log.Debug().
			Str("conversation_id", conversationID).
			Int("remaining", result.Remaining).
			Msg("read receipts left for next call")
	}
	return result, nil
}
