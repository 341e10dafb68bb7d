package sender

import (
	"context"
	"sync"
)

// Task is the handle of one in-flight send or retry.
type Task struct {
	MessageID      string
	ConversationID string

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newTask(messageID, conversationID string, cancel context.CancelFunc) *Task {
	return &Task{
		MessageID:      messageID,
		ConversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Cancel stops the task. A task cancelled before its remote write leaves the
// message pending.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done and returns the
// task's remote write error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task's error once finished.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}
