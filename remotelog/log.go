// Package remotelog is the boundary to the remote document store: a
// replicated append-only log with listen and write primitives.
//
// Implementations deliver latency-compensated change batches: a local write is
// first echoed to the writer's own subscriptions with HasPendingWrites set, and
// observed again once the store has acknowledged it.
package remotelog

import (
	"context"
	"errors"
	"strings"
)

// MaxBatchOperations is the largest number of operations one BatchWrite accepts.
const MaxBatchOperations = 500

// ErrBatchTooLarge is returned when a batch exceeds MaxBatchOperations.
var ErrBatchTooLarge = errors.New("remotelog: batch exceeds max operations")

// Fields is an untyped remote document payload.
type Fields map[string]any

// ChangeType classifies one document change inside a batch.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one document notification with its provenance flags.
type Change struct {
	DocID            string
	Path             string
	Fields           Fields
	Type             ChangeType
	FromCache        bool
	HasPendingWrites bool
}

// Confirmed reports whether the change reflects server-acknowledged state.
func (c Change) Confirmed() bool {
	return !c.FromCache && !c.HasPendingWrites
}

// BatchMetadata describes a whole change batch.
type BatchMetadata struct {
	FromCache        bool
	HasPendingWrites bool
	Initial          bool
}

// ChangeBatch is one snapshot delta delivered to a subscription.
type ChangeBatch struct {
	Changes  []Change
	Metadata BatchMetadata
}

// Filter restricts a query to documents whose array field contains Value.
type Filter struct {
	Field string
	Value string
}

// Query selects documents of one collection for a subscription.
type Query struct {
	Collection    string
	OrderBy       string
	Descending    bool
	Limit         int
	LimitToLast   bool
	ArrayContains *Filter
	DocIDs        []string
}

// WriteOp is one write in a batch.
type WriteOp struct {
	Path   string
	Fields Fields
	Merge  bool
}

// Subscription is a live query. Changes and Errors are closed once the
// subscription's context is cancelled or the transport gives up.
type Subscription struct {
	Changes <-chan ChangeBatch
	Errors  <-chan error
}

// Log is the remote log adapter contract.
type Log interface {
	Write(ctx context.Context, path string, fields Fields, merge bool) error
	BatchWrite(ctx context.Context, ops []WriteOp) error
	Delete(ctx context.Context, path string) error
	Subscribe(ctx context.Context, query Query) (*Subscription, error)
}

const (
	conversationsCollection = "conversations"
	messagesSegment         = "messages"
	usersCollection         = "users"
)

// ConversationsCollection is the collection of conversation documents.
func ConversationsCollection() string {
	return conversationsCollection
}

// UsersCollection is the collection of user profile documents.
func UsersCollection() string {
	return usersCollection
}

// ConversationPath returns the document path of a conversation.
func ConversationPath(conversationID string) string {
	return conversationsCollection + "/" + conversationID
}

// MessagesCollection returns the message collection of a conversation.
func MessagesCollection(conversationID string) string {
	return ConversationPath(conversationID) + "/" + messagesSegment
}

// MessagePath returns the document path of a message.
func MessagePath(conversationID, messageID string) string {
	return MessagesCollection(conversationID) + "/" + messageID
}

// UserPath returns the document path of a user profile.
func UserPath(userID string) string {
	return usersCollection + "/" + userID
}

// SplitPath splits a document path into its collection and document ID.
func SplitPath(path string) (collection, docID string, err error) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", errors.New("remotelog: invalid document path " + path)
	}
	return path[:idx], path[idx+1:], nil
}
