// Package syncer mirrors the remote log into the local cache. It owns one
// live subscription per open conversation plus the conversation list and
// user profile subscriptions.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/actor"
	"chatsync/events"
	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
)

const (
	defaultMessageLimit = 100

	conversationsKey = "conversations"
	usersKey         = "users"
)

// Options configures the sync service.
type Options struct {
	Store  *storage.Store
	Remote remotelog.Log
	UserID string

	// Actors serializes cache mutations per conversation. It is shared with
	// the send service so both mutate a conversation from one actor.
	Actors *actor.Group

	Notifier  events.Notifier
	Mutations events.MutationObserver

	MessageLimit int
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Service drives remote change batches through the resolver into the cache.
type Service struct {
	options Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subscribeMu sync.Mutex
	listeners   *registry

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates options and returns an idle service.
func New(options Options) (*Service, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("syncer: %w", models.ErrDataUnavailable)
	}
	if options.Remote == nil {
		return nil, errors.New("syncer: remote log is required")
	}
	if options.UserID == "" {
		return nil, fmt.Errorf("syncer: %w", models.ErrNotAuthenticated)
	}
	if options.Actors == nil {
		options.Actors = &actor.Group{}
	}
	if options.Notifier == nil {
		options.Notifier = events.Nop{}
	}
	if options.Mutations == nil {
		options.Mutations = events.Nop{}
	}
	if options.MessageLimit <= 0 {
		options.MessageLimit = defaultMessageLimit
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		options:   options,
		log:       options.Logger.With().Str("component", "sync").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: newRegistry(),
	}, nil
}

func conversationKey(conversationID string) string {
	return "conversation:" + conversationID
}

// Subscribe starts mirroring a conversation's most recent messages. Calling
// it again for the same conversation replaces the previous subscription,
// which is fully stopped before the new one starts.
func (s *Service) Subscribe(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	query := remotelog.Query{
		Collection:  remotelog.MessagesCollection(conversationID),
		OrderBy:     remotelog.FieldTimestamp,
		Limit:       s.options.MessageLimit,
		LimitToLast: true,
	}
	return s.listen(conversationKey(conversationID), query, func(l *listener, batch remotelog.ChangeBatch) {
		s.applyMessageBatch(conversationID, l, batch)
	})
}

// SubscribeConversations mirrors every conversation the user participates
// in, newest activity first.
func (s *Service) SubscribeConversations() error {
	query := remotelog.Query{
		Collection:    remotelog.ConversationsCollection(),
		OrderBy:       remotelog.FieldUpdatedAt,
		Descending:    true,
		ArrayContains: &remotelog.Filter{Field: remotelog.FieldParticipantIDs, Value: s.options.UserID},
	}
	return s.listen(conversationsKey, query, func(_ *listener, batch remotelog.ChangeBatch) {
		s.applyConversationBatch(batch)
	})
}

// SubscribeUsers mirrors the profiles of userIDs, replacing any previous
// user subscription. A live subscription to the same set is kept as is.
func (s *Service) SubscribeUsers(userIDs []string) error {
	ids := models.NormalizeIDs(userIDs)
	if len(ids) == 0 {
		s.stopKey(usersKey)
		return nil
	}
	if l, ok := s.listeners.get(usersKey); ok && slices.Equal(l.docIDs, ids) {
		return nil
	}
	query := remotelog.Query{
		Collection: remotelog.UsersCollection(),
		DocIDs:     ids,
	}
	return s.listen(usersKey, query, func(_ *listener, batch remotelog.ChangeBatch) {
		s.applyUserBatch(batch)
	})
}

// Unsubscribe stops a conversation subscription. The cache keeps its state.
func (s *Service) Unsubscribe(conversationID string) {
	s.stopKey(conversationKey(conversationID))
}

// Active reports whether a conversation currently has a live subscription.
func (s *Service) Active(conversationID string) bool {
	_, ok := s.listeners.get(conversationKey(conversationID))
	return ok
}

// ListenerStartedAt returns when the conversation's current subscription started.
func (s *Service) ListenerStartedAt(conversationID string) (int64, bool) {
	l, ok := s.listeners.get(conversationKey(conversationID))
	if !ok {
		return 0, false
	}
	return l.startedAt, true
}

// Subscriptions lists the keys of all live subscriptions.
func (s *Service) Subscriptions() []string {
	return s.listeners.keys()
}

// Close stops every subscription and waits for outstanding side-effect writes.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.subscribeMu.Lock()
		for _, l := range s.listeners.drain() {
			l.stop()
		}
		s.cancel()
		s.subscribeMu.Unlock()
		s.wg.Wait()
	})
}

func (s *Service) stopKey(key string) {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()
	if l := s.listeners.remove(key); l != nil {
		l.stop()
	}
}

func (s *Service) listen(key string, query remotelog.Query, apply func(*listener, remotelog.ChangeBatch)) error {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("syncer closed: %w", err)
	}
	if prev := s.listeners.remove(key); prev != nil {
		prev.stop()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	l := &listener{
		key:       key,
		docIDs:    query.DocIDs,
		startedAt: s.options.Now().UnixMilli(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	sub, err := s.options.Remote.Subscribe(ctx, query)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	s.listeners.register(l)

	go s.consume(l, sub, apply)
	return nil
}

func (s *Service) consume(l *listener, sub *remotelog.Subscription, apply func(*listener, remotelog.ChangeBatch)) {
	defer close(l.done)
	defer s.listeners.unregister(l)

	changes, errs := sub.Changes, sub.Errors
	for changes != nil {
		select {
		case batch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			apply(l, batch)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Warn().Err(err).Str("subscription", l.key).Msg("subscription error")
		}
	}
}

func (s *Service) goBestEffort(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}
