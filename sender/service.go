// Package sender accepts user sends, renders them optimistically from the
// local cache and delivers them to the remote log in the background.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsync/actor"
	"chatsync/events"
	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
)

// Options configures the send service.
type Options struct {
	Store  *storage.Store
	Remote remotelog.Log
	UserID string

	// Actors must be the group shared with the sync service.
	Actors    *actor.Group
	Mutations events.MutationObserver

	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Service owns the background delivery tasks of outbound messages.
type Service struct {
	options Options
	log     zerolog.Logger

	// Tasks run on this context, not the caller's, so leaving a
	// conversation never stops a send.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tasksMu sync.Mutex
	tasks   map[string]*Task
}

// New validates options and returns a send service.
func New(options Options) (*Service, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("sender: %w", models.ErrDataUnavailable)
	}
	if options.Remote == nil {
		return nil, errors.New("sender: remote log is required")
	}
	if options.UserID == "" {
		return nil, fmt.Errorf("sender: %w", models.ErrNotAuthenticated)
	}
	if options.Actors == nil {
		options.Actors = &actor.Group{}
	}
	if options.Mutations == nil {
		options.Mutations = events.Nop{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		options: options,
		log:     options.Logger.With().Str("component", "send").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*Task),
	}, nil
}

// Send stores text as a pending message and starts delivering it. The
// optimistic insert completes before Send returns. Blank text is ignored and
// yields an empty ID.
func (s *Service) Send(conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if conversationID == "" {
		return "", errors.New("conversation_id is required")
	}

	now := s.options.Now().UnixMilli()
	msg := models.Message{
		ID:             s.options.NewID(),
		ConversationID: conversationID,
		SenderID:       s.options.UserID,
		Text:           text,
		Timestamp:      now,
		DeliveryState:  models.DeliveryPending,
		ReadReceipts:   map[string]int64{},
		UpdatedAt:      now,
	}

	err := s.options.Actors.Do(conversationID, func() error {
		return s.options.Store.UpsertMessage(msg)
	})
	if err != nil {
		return "", fmt.Errorf("store optimistic message: %w", err)
	}
	s.options.Mutations.OnMessageMutation(conversationID, msg.ID)

	s.start(msg, true)
	return msg.ID, nil
}

// Retry re-delivers a failed message with its original ID and text.
func (s *Service) Retry(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if _, running := s.Task(messageID); running {
		return fmt.Errorf("retry %s: %w", messageID, models.ErrNotRetryable)
	}

	current, err := s.options.Store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("retry %s: %w", messageID, err)
	}

	var msg models.Message
	err = s.options.Actors.Do(current.ConversationID, func() error {
		return s.options.Store.Update(func(tx *storage.Tx) error {
			latest, err := tx.GetMessage(messageID)
			if err != nil {
				return err
			}
			if latest.DeliveryState != models.DeliveryFailed {
				return models.ErrNotRetryable
			}
			if err := tx.UpdateDeliveryState(messageID, models.DeliveryPending, s.options.Now().UnixMilli()); err != nil {
				return err
			}
			msg = *latest
			msg.DeliveryState = models.DeliveryPending
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", messageID, err)
	}
	s.options.Mutations.OnMessageMutation(msg.ConversationID, msg.ID)

	s.start(msg, false)
	return nil
}

// ResumePending restarts delivery of this user's pending messages that have
// no running task, for example after a relaunch. It returns how many started.
// A resumed write never carries a delivery state, so a document the server
// already advanced keeps its state.
func (s *Service) ResumePending() (int, error) {
	pending, err := s.options.Store.ListPendingBySender(s.options.UserID)
	if err != nil {
		return 0, fmt.Errorf("list pending messages: %w", err)
	}
	started := 0
	for _, msg := range pending {
		if _, running := s.Task(msg.ID); running {
			continue
		}
		s.start(msg, false)
		started++
	}
	if started > 0 {
		s.log.Info().Int("count", started).Msg("resumed pending messages")
	}
	return started, nil
}

// Task returns the in-flight task for a message, if any.
func (s *Service) Task(messageID string) (*Task, bool) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	task, ok := s.tasks[messageID]
	return task, ok
}

// InFlight lists message IDs with a running task.
func (s *Service) InFlight() []string {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	return out
}

// Cancel stops the task for messageID. It reports whether a task was running.
func (s *Service) Cancel(messageID string) bool {
	task, ok := s.Task(messageID)
	if ok {
		task.Cancel()
	}
	return ok
}

// Wait blocks until every running task has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all running tasks and waits for them. Their messages stay
// pending until ResumePending runs again.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// start runs one delivery task. initial is true only for the first attempt
// of a new message, whose document cannot exist remotely yet.
func (s *Service) start(msg models.Message, initial bool) {
	ctx, cancel := context.WithCancel(s.ctx)
	task := newTask(msg.ID, msg.ConversationID, cancel)

	s.tasksMu.Lock()
	s.tasks[msg.ID] = task
	s.tasksMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.deliver(ctx, msg, initial)

		s.tasksMu.Lock()
		if s.tasks[msg.ID] == task {
			delete(s.tasks, msg.ID)
		}
		s.tasksMu.Unlock()

		// Deregistered before markFailed notifies, so a retry from the
		// mutation callback finds no running task.
		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			s.log.Info().
				Str("conversation_id", msg.ConversationID).
				Str("message_id", msg.ID).
				Msg("send cancelled, message stays pending")
		default:
			s.log.Warn().Err(err).
				Str("conversation_id", msg.ConversationID).
				Str("message_id", msg.ID).
				Msg("send failed")
			s.markFailed(msg)
		}
		task.finish(err)
	}()
}

// deliver writes the message document and then the conversation's list
// metadata. Only the message write decides the message's fate.
func (s *Service) deliver(ctx context.Context, msg models.Message, initial bool) error {
	fields := remotelog.EncodeMessage(msg)
	if initial {
		fields[remotelog.FieldDeliveryState] = string(models.DeliveryPending)
	} else {
		delete(fields, remotelog.FieldDeliveryState)
	}

	path := remotelog.MessagePath(msg.ConversationID, msg.ID)
	if err := s.options.Remote.Write(ctx, path, fields, true); err != nil {
		return err
	}

	if err := s.updateConversation(ctx, msg); err != nil {
		s.log.Warn().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("conversation metadata update failed")
	}
	return nil
}

// markFailed moves a still-pending message to failed. A message the sync
// service already advanced is left alone.
func (s *Service) markFailed(msg models.Message) {
	changed := false
	err := s.options.Actors.Do(msg.ConversationID, func() error {
		return s.options.Store.Update(func(tx *storage.Tx) error {
			current, err := tx.GetMessage(msg.ID)
			if err != nil {
				return err
			}
			if current.DeliveryState != models.DeliveryPending {
				return nil
			}
			changed = true
			return tx.UpdateDeliveryState(msg.ID, models.DeliveryFailed, s.options.Now().UnixMilli())
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("mark message failed")
		return
	}
	if changed {
		s.options.Mutations.OnMessageMutation(msg.ConversationID, msg.ID)
	}
}

// updateConversation mirrors the new last message into the cached
// conversation, then merges the same metadata into the remote document.
func (s *Service) updateConversation(ctx context.Context, msg models.Message) error {
	fields := remotelog.Fields{
		remotelog.FieldLastMessage:           msg.Text,
		remotelog.FieldLastMessageTimestamp:  msg.Timestamp,
		remotelog.FieldLastSenderID:          msg.SenderID,
		remotelog.FieldUpdatedAt:             msg.Timestamp,
		remotelog.FieldLastInteractionByUser: map[string]any{msg.SenderID: msg.Timestamp},
	}

	var others []string
	err := s.options.Actors.Do(msg.ConversationID, func() error {
		return s.options.Store.Update(func(tx *storage.Tx) error {
			conv, err := tx.GetConversation(msg.ConversationID)
			if err != nil {
				return err
			}
			others = conv.OtherParticipants(msg.SenderID)
			applyLastMessage(conv, msg, others)
			return tx.UpsertConversation(*conv)
		})
	})
	switch {
	case err == nil:
		unread := make(map[string]any, len(others))
		for _, participant := range others {
			unread[participant] = remotelog.Increment(1)
		}
		fields[remotelog.FieldUnreadCount] = unread
	case errors.Is(err, storage.ErrNotFound):
		s.log.Debug().Str("conversation_id", msg.ConversationID).Msg("conversation not cached, skipping unread counts")
	default:
		return err
	}

	return s.options.Remote.Write(ctx, remotelog.ConversationPath(msg.ConversationID), fields, true)
}

// applyLastMessage is the local counterpart of the remote metadata merge.
// An older message never replaces a newer last message.
func applyLastMessage(conv *models.Conversation, msg models.Message, others []string) {
	if msg.Timestamp >= conv.LastMessageTimestamp {
		conv.LastMessage = msg.Text
		conv.LastMessageTimestamp = msg.Timestamp
		conv.LastSenderID = msg.SenderID
	}
	conv.UpdatedAt = max(conv.UpdatedAt, msg.Timestamp)

	if conv.LastInteractionByUser == nil {
		conv.LastInteractionByUser = map[string]int64{}
	}
	conv.LastInteractionByUser[msg.SenderID] = max(conv.LastInteractionByUser[msg.SenderID], msg.Timestamp)

	if conv.UnreadCount == nil {
		conv.UnreadCount = map[string]int{}
	}
	for _, participant := range others {
		conv.UnreadCount[participant]++
	}
}
