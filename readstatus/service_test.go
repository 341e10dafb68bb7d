package readstatus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
)

const (
	userA = "U1"
	userB = "U2"
	convC = "C1"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestService(t *testing.T, batchLimit int) (*Service, *storage.Store, *remotelog.Memory) {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	remote := remotelog.NewMemory()
	svc, err := New(Options{
		Store:      store,
		Remote:     remote,
		UserID:     userA,
		BatchLimit: batchLimit,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc, store, remote
}

func seedInbound(t *testing.T, store *storage.Store, count int) {
	t.Helper()
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		for i := 0; i < count; i++ {
			err := tx.UpsertMessage(models.Message{
				ID:             fmt.Sprintf("m%04d", i),
				ConversationID: convC,
				SenderID:       userB,
				Text:           "hello",
				Timestamp:      int64(1000 + i),
				DeliveryState:  models.DeliveryDelivered,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestMarkConversationReadSkipsWhenAlreadySeen(t *testing.T) {
	svc, store, remote := newTestService(t, 0)
	require.NoError(t, store.UpsertConversation(models.Conversation{
		ID:                    convC,
		ParticipantIDs:        []string{userA, userB},
		LastMessageTimestamp:  100,
		LastInteractionByUser: map[string]int64{userA: 100},
	}))

	updated, err := svc.MarkConversationRead(context.Background(), convC)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 0, remote.WriteCount())
}

func TestMarkConversationReadWritesLocalAndRemote(t *testing.T) {
	svc, store, remote := newTestService(t, 0)
	require.NoError(t, store.UpsertConversation(models.Conversation{
		ID:                    convC,
		ParticipantIDs:        []string{userA, userB},
		LastMessageTimestamp:  200,
		UnreadCount:           map[string]int{userA: 4, userB: 1},
		LastInteractionByUser: map[string]int64{userA: 100, userB: 200},
	}))
	require.NoError(t, remote.Seed(remotelog.ConversationPath(convC), remotelog.Fields{
		remotelog.FieldUnreadCount: map[string]any{userA: int64(4), userB: int64(1)},
	}))

	updated, err := svc.MarkConversationRead(context.Background(), convC)
	require.NoError(t, err)
	assert.True(t, updated)

	conv, err := store.GetConversation(convC)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount[userA])
	assert.Equal(t, 1, conv.UnreadCount[userB])
	assert.Equal(t, testNow.UnixMilli(), conv.LastInteractionByUser[userA])

	require.Len(t, remote.Writes(), 1)
	doc, ok := remote.Get(remotelog.ConversationPath(convC))
	require.True(t, ok)
	remoteConv := remotelog.DecodeConversation(convC, doc)
	assert.Equal(t, map[string]int{userA: 0, userB: 1}, remoteConv.UnreadCount)
	assert.Equal(t, testNow.UnixMilli(), remoteConv.LastInteractionByUser[userA])

	updated, err = svc.MarkConversationRead(context.Background(), convC)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Len(t, remote.Writes(), 1)
}

func TestMarkConversationReadUnknownConversation(t *testing.T) {
	svc, _, remote := newTestService(t, 0)
	_, err := svc.MarkConversationRead(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, remote.WriteCount())
}

func TestMarkMessagesReadSkipsOwnAndAlreadyRead(t *testing.T) {
	svc, store, remote := newTestService(t, 0)
	seedInbound(t, store, 2)
	require.NoError(t, store.UpsertMessage(models.Message{
		ID: "own", ConversationID: convC, SenderID: userA, Text: "mine", Timestamp: 5,
		DeliveryState: models.DeliverySent,
	}))
	require.NoError(t, store.UpsertMessage(models.Message{
		ID: "seen", ConversationID: convC, SenderID: userB, Text: "old", Timestamp: 6,
		DeliveryState: models.DeliveryRead, ReadReceipts: map[string]int64{userA: 7},
	}))

	result, err := svc.MarkMessagesRead(context.Background(), convC)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Committed: 2, Remaining: 0}, result)

	batches := remote.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	for _, op := range batches[0] {
		assert.True(t, op.Merge)
		assert.Equal(t, "read", op.Fields[remotelog.FieldDeliveryState])
	}

	for _, id := range []string{"m0000", "m0001"} {
		msg, err := store.GetMessage(id)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryRead, msg.DeliveryState)
		assert.Equal(t, testNow.UnixMilli(), msg.ReadReceipts[userA])
	}
	own, err := store.GetMessage("own")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, own.DeliveryState)

	result, err = svc.MarkMessagesRead(context.Background(), convC)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
	assert.Len(t, remote.Batches(), 1)
}

func TestMarkMessagesReadCommitsOneBatchPerCall(t *testing.T) {
	svc, store, remote := newTestService(t, 2)
	seedInbound(t, store, 3)

	result, err := svc.MarkMessagesRead(context.Background(), convC)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Committed: 2, Remaining: 1}, result)

	result, err = svc.MarkMessagesRead(context.Background(), convC)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Committed: 1, Remaining: 0}, result)
	assert.Len(t, remote.Batches(), 2)
}

func TestMarkMessagesReadCapsAtMaxBatch(t *testing.T) {
	svc, store, remote := newTestService(t, 0)
	seedInbound(t, store, remotelog.MaxBatchOperations+1)

	result, err := svc.MarkMessagesRead(context.Background(), convC)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Committed: remotelog.MaxBatchOperations, Remaining: 1}, result)
	require.Len(t, remote.Batches(), 1)
	assert.Len(t, remote.Batches()[0], remotelog.MaxBatchOperations)

	unread, err := store.ListUnreadFor(convC, userA)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, fmt.Sprintf("m%04d", remotelog.MaxBatchOperations), unread[0].ID)
}

func TestMarkMessagesReadFailureLeavesCacheUntouched(t *testing.T) {
	svc, store, remote := newTestService(t, 0)
	seedInbound(t, store, 2)
	remote.FailWrites(assert.AnError)

	result, err := svc.MarkMessagesRead(context.Background(), convC)
	assert.ErrorIs(t, err, models.ErrRemoteWriteFailed)
	assert.Equal(t, BatchResult{Committed: 0, Remaining: 2}, result)

	msg, err := store.GetMessage("m0000")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, msg.DeliveryState)
	assert.False(t, msg.HasReadReceipt(userA))
}
