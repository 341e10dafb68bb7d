package events

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrObserverFull is returned when a channel observer drops an event.
var ErrObserverFull = errors.New("events: observer channel full")

// LogObserver writes every event to a zerolog logger.
type LogObserver struct {
	log zerolog.Logger
}

func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

func (l *LogObserver) Name() string {
	return "log_observer"
}

func (l *LogObserver) Update(event Event) error {
	entry := l.log.Info()
	if event.Kind == KindMessageMutation {
		entry = l.log.Debug()
	}
	entry.
		Str("kind", string(event.Kind)).
		Str("conversation_id", event.ConversationID).
		Str("message_id", event.MessageID).
		Str("sender_id", event.SenderID).
		Int64("timestamp", event.Timestamp).
		Msg(event.Text)
	return nil
}

// ChannelObserver forwards events to a buffered channel without blocking.
type ChannelObserver struct {
	name string
	ch   chan Event
}

func NewChannelObserver(name string, buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{name: name, ch: make(chan Event, buffer)}
}

func (c *ChannelObserver) Name() string {
	return c.name
}

// Events returns the receive side of the observer channel.
func (c *ChannelObserver) Events() <-chan Event {
	return c.ch
}

func (c *ChannelObserver) Update(event Event) error {
	select {
	case c.ch <- event:
		return nil
	default:
		return ErrObserverFull
	}
}
