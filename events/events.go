// Package events fans sync-engine events out to downstream collaborators
// such as push notifications and analysis pipelines.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Notifier receives genuinely new inbound messages, never historical replay.
type Notifier interface {
	OnNewMessage(conversationID, senderID, text string, timestamp int64)
}

// MutationObserver receives every local insert or update of a message.
type MutationObserver interface {
	OnMessageMutation(conversationID, messageID string)
}

// Kind names an event type.
type Kind string

const (
	KindNewMessage      Kind = "new_message"
	KindMessageMutation Kind = "message_mutation"
)

// Event is the payload handed to observers.
type Event struct {
	Kind           Kind
	ConversationID string
	MessageID      string
	SenderID       string
	Text           string
	Timestamp      int64
}

// Observer consumes events. Name identifies it for Subscribe/Unsubscribe.
type Observer interface {
	Name() string
	Update(event Event) error
}

// Dispatcher implements Notifier and MutationObserver by forwarding events
// to its observers in turn. Observer failures are logged and do not stop
// delivery to the others.
type Dispatcher struct {
	log zerolog.Logger

	mu        sync.RWMutex
	observers map[string]Observer
}

var (
	_ Notifier         = (*Dispatcher)(nil)
	_ MutationObserver = (*Dispatcher)(nil)
)

// NewDispatcher returns a dispatcher with no observers.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:       log.With().Str("component", "events").Logger(),
		observers: make(map[string]Observer),
	}
}

// Subscribe adds or replaces an observer by name.
func (d *Dispatcher) Subscribe(observer Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[observer.Name()] = observer
	d.log.Debug().Str("observer", observer.Name()).Msg("observer subscribed")
}

// Unsubscribe removes an observer by name.
func (d *Dispatcher) Unsubscribe(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, name)
}

// Notify delivers event to every observer.
func (d *Dispatcher) Notify(event Event) {
	d.mu.RLock()
	observers := make([]Observer, 0, len(d.observers))
	for _, obs := range d.observers {
		observers = append(observers, obs)
	}
	d.mu.RUnlock()

	for _, observer := range observers {
		if err := observer.Update(event); err != nil {
			d.log.Warn().Err(err).
				Str("observer", observer.Name()).
				Str("kind", string(event.Kind)).
				Str("conversation_id", event.ConversationID).
				Msg("observer update failed")
		}
	}
}

func (d *Dispatcher) OnNewMessage(conversationID, senderID, text string, timestamp int64) {
	d.Notify(Event{
		Kind:           KindNewMessage,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      timestamp,
	})
}

func (d *Dispatcher) OnMessageMutation(conversationID, messageID string) {
	d.Notify(Event{
		Kind:           KindMessageMutation,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnNewMessage(string, string, string, int64) {}
func (Nop) OnMessageMutation(string, string)           {}
