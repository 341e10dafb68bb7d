package syncer

import (
	"context"
	"errors"
	"maps"

	"chatsync/delivery"
	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
)

// batchEffects collects what a committed message batch must trigger.
type batchEffects struct {
	mutated  []string
	notify   []models.Message
	confirms []models.Message
	acks     []models.Message
}

func (s *Service) applyMessageBatch(conversationID string, l *listener, batch remotelog.ChangeBatch) {
	var effects batchEffects
	err := s.options.Actors.Do(conversationID, func() error {
		effects = batchEffects{}
		return s.options.Store.Update(func(tx *storage.Tx) error {
			for _, change := range batch.Changes {
				if err := s.applyMessageChange(tx, conversationID, l, change, &effects); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("conversation_id", conversationID).
			Int("changes", len(batch.Changes)).
			Msg("apply message batch")
		return
	}

	for _, messageID := range effects.mutated {
		s.options.Mutations.OnMessageMutation(conversationID, messageID)
	}
	s.emitNotifications(effects.notify)
	for _, msg := range effects.confirms {
		s.writeState(msg, msg.DeliveryState, "confirm")
	}
	for _, msg := range effects.acks {
		s.writeState(msg, models.DeliveryDelivered, "ack")
	}
}

func (s *Service) applyMessageChange(tx *storage.Tx, conversationID string, l *listener, change remotelog.Change, effects *batchEffects) error {
	if change.Type == remotelog.ChangeRemoved {
		existing, err := tx.GetMessage(change.DocID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteMessage(conversationID, change.DocID); err != nil {
			return err
		}
		effects.mutated = append(effects.mutated, existing.ID)
		return nil
	}

	doc := remotelog.DecodeMessage(conversationID, change.DocID, change.Fields)
	existing, err := tx.GetMessage(doc.Message.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	_, hasReceipts := change.Fields[remotelog.FieldReadReceipts]
	msg := mergeMessage(existing, doc.Message, hasReceipts)
	if msg.SenderID == "" {
		s.log.Warn().
			Str("conversation_id", conversationID).
			Str("message_id", msg.ID).
			Msg("skipping message without sender")
		return nil
	}

	isOwn := msg.SenderID == s.options.UserID
	obs := delivery.Observation{
		IsOwn:            isOwn,
		Remote:           doc.RemoteState,
		FromCache:        change.FromCache,
		HasPendingWrites: change.HasPendingWrites,
		ReadReceipts:     msg.ReadReceipts,
		SenderID:         msg.SenderID,
		ObserverID:       s.options.UserID,
	}
	if existing != nil {
		obs.Existing = existing.DeliveryState
	}
	msg.DeliveryState = delivery.Resolve(obs)

	if existing == nil || !sameMessage(*existing, msg) {
		if err := tx.UpsertMessage(msg); err != nil {
			return err
		}
		effects.mutated = append(effects.mutated, msg.ID)
	}

	if change.Type == remotelog.ChangeAdded && !isOwn && msg.Timestamp > l.startedAt {
		effects.notify = append(effects.notify, msg)
	}
	if isOwn && existing != nil && existing.DeliveryState == models.DeliveryPending &&
		change.Confirmed() && msg.DeliveryState != models.DeliveryPending {
		effects.confirms = append(effects.confirms, msg)
	}
	if !isOwn && !change.FromCache && msg.DeliveryState == models.DeliverySent {
		effects.acks = append(effects.acks, msg)
	}
	return nil
}

// mergeMessage overlays a decoded remote message on the cached copy. The
// remote document is authoritative for read receipts; cached receipts are kept
// only when the document carries none.
func mergeMessage(existing *models.Message, incoming models.Message, hasReceipts bool) models.Message {
	if existing == nil {
		return incoming
	}
	out := incoming
	if out.SenderID == "" {
		out.SenderID = existing.SenderID
	}
	if out.Text == "" {
		out.Text = existing.Text
	}
	if out.Timestamp == 0 {
		out.Timestamp = existing.Timestamp
	}
	if out.UpdatedAt < existing.UpdatedAt {
		out.UpdatedAt = existing.UpdatedAt
	}
	if !hasReceipts {
		out.ReadReceipts = maps.Clone(existing.ReadReceipts)
	}
	return out
}

func sameMessage(a, b models.Message) bool {
	return a.ID == b.ID &&
		a.ConversationID == b.ConversationID &&
		a.SenderID == b.SenderID &&
		a.Text == b.Text &&
		a.Timestamp == b.Timestamp &&
		a.DeliveryState == b.DeliveryState &&
		(b.UpdatedAt == 0 || a.UpdatedAt == b.UpdatedAt) &&
		maps.Equal(a.ReadReceipts, b.ReadReceipts)
}

// emitNotifications fires once per message, guarded by the persisted ledger
// so a relaunch never re-notifies.
func (s *Service) emitNotifications(messages []models.Message) {
	now := s.options.Now().UnixMilli()
	for _, msg := range messages {
		inserted, err := s.options.Store.MarkNotified(msg.ID, now)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("record notified message")
			continue
		}
		if !inserted {
			continue
		}
		s.options.Notifier.OnNewMessage(msg.ConversationID, msg.SenderID, msg.Text, msg.Timestamp)
	}
}

// writeState issues a best-effort merged delivery-state write. Failures are
// logged and never retried; the next sync reconciles.
func (s *Service) writeState(msg models.Message, state models.DeliveryState, reason string) {
	path := remotelog.MessagePath(msg.ConversationID, msg.ID)
	fields := remotelog.Fields{
		remotelog.FieldDeliveryState: string(state),
		remotelog.FieldUpdatedAt:     s.options.Now().UnixMilli(),
	}
	s.goBestEffort(func(ctx context.Context) {
		if err := s.options.Remote.Write(ctx, path, fields, true); err != nil {
			s.log.Warn().Err(err).
				Str("conversation_id", msg.ConversationID).
				Str("message_id", msg.ID).
				Str("state", string(state)).
				Str("reason", reason).
				Msg("delivery state write failed")
		}
	})
}

func (s *Service) applyConversationBatch(batch remotelog.ChangeBatch) {
	err := s.options.Store.Update(func(tx *storage.Tx) error {
		for _, change := range batch.Changes {
			if change.Type == remotelog.ChangeRemoved {
				if err := tx.DeleteConversation(change.DocID); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpsertConversation(remotelog.DecodeConversation(change.DocID, change.Fields)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Int("changes", len(batch.Changes)).Msg("apply conversation batch")
	}
}

func (s *Service) applyUserBatch(batch remotelog.ChangeBatch) {
	err := s.options.Store.Update(func(tx *storage.Tx) error {
		for _, change := range batch.Changes {
			if change.Type == remotelog.ChangeRemoved {
				if err := tx.DeleteUser(change.DocID); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpsertUser(remotelog.DecodeUser(change.DocID, change.Fields)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Int("changes", len(batch.Changes)).Msg("apply user batch")
	}
}
