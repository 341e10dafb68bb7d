package remotelog

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/models"
)

const testPrefix = "test:"

// execFailer fails every pipelined MULTI/EXEC while armed.
type execFailer struct {
	armed atomic.Bool
}

func (h *execFailer) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *execFailer) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *execFailer) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.armed.Load() {
			return errors.New("connection reset")
		}
		return next(ctx, cmds)
	}
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis, *execFailer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	failer := &execFailer{}
	rdb.AddHook(failer)
	return NewRedis(rdb, testPrefix), mr, failer
}

// nextBatches reads n batches, tolerating the feed confirming a write before
// its local echo arrives.
func nextBatches(t *testing.T, sub *Subscription, n int) (pending, confirmed []ChangeBatch) {
	t.Helper()
	for range n {
		batch := nextBatch(t, sub)
		require.NotEmpty(t, batch.Changes)
		if batch.Changes[0].HasPendingWrites {
			pending = append(pending, batch)
		} else {
			confirmed = append(confirmed, batch)
		}
	}
	return pending, confirmed
}

func expectNoBatch(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case batch := <-sub.Changes:
		t.Fatalf("unexpected change batch: %+v", batch)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisWriteMergeAndSubscribe(t *testing.T) {
	log, _, _ := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := ConversationPath("c1")
	require.NoError(t, log.Write(ctx, path, Fields{
		FieldParticipantIDs: []string{"u1", "u2"},
		FieldUnreadCount:    map[string]any{"u2": int64(1)},
	}, false))

	sub, err := log.Subscribe(ctx, Query{Collection: ConversationsCollection()})
	require.NoError(t, err)
	initial := nextBatch(t, sub)
	assert.True(t, initial.Metadata.Initial)
	require.Len(t, initial.Changes, 1)
	assert.Equal(t, ChangeAdded, initial.Changes[0].Type)

	require.NoError(t, log.Write(ctx, path, Fields{
		FieldUnreadCount: map[string]any{"u2": Increment(2)},
	}, true))

	pending, confirmed := nextBatches(t, sub, 2)
	require.Len(t, pending, 1)
	require.Len(t, confirmed, 1)
	assert.Equal(t, ChangeModified, confirmed[0].Changes[0].Type)

	for _, batch := range [][]ChangeBatch{pending, confirmed} {
		conv := DecodeConversation("c1", batch[0].Changes[0].Fields)
		assert.Equal(t, 3, conv.UnreadCount["u2"])
		assert.Equal(t, []string{"u1", "u2"}, conv.ParticipantIDs)
	}

	require.NoError(t, log.Delete(ctx, path))
	removed := nextBatch(t, sub)
	assert.Equal(t, ChangeRemoved, removed.Changes[0].Type)
}

func TestRedisStoresMergedDocument(t *testing.T) {
	log, mr, _ := newTestRedis(t)
	ctx := context.Background()
	path := MessagePath("c1", "m1")

	require.NoError(t, log.Write(ctx, path, Fields{
		FieldText:         "hi",
		FieldReadReceipts: map[string]any{"u2": int64(10)},
	}, false))
	require.NoError(t, log.Write(ctx, path, Fields{
		FieldDeliveryState: "read",
		FieldReadReceipts:  map[string]any{"u3": int64(20)},
	}, true))

	raw, err := mr.Get(testPrefix + docKeyPrefix + path)
	require.NoError(t, err)
	var stored Fields
	require.NoError(t, decodeJSON([]byte(raw), &stored))

	doc := DecodeMessage("c1", "m1", stored)
	assert.Equal(t, "hi", doc.Message.Text)
	assert.Equal(t, models.DeliveryRead, doc.RemoteState)
	assert.Equal(t, map[string]int64{"u2": 10, "u3": 20}, doc.Message.ReadReceipts)
	indexed, err := mr.IsMember(testPrefix+indexKeyPrefix+MessagesCollection("c1"), "m1")
	require.NoError(t, err)
	assert.True(t, indexed)
}

func TestRedisBatchWriteIncrementsAcrossDocuments(t *testing.T) {
	log, _, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, log.BatchWrite(ctx, []WriteOp{
		{Path: ConversationPath("c1"), Fields: Fields{FieldUnreadCount: map[string]any{"u2": Increment(1)}}, Merge: true},
		{Path: ConversationPath("c1"), Fields: Fields{FieldUnreadCount: map[string]any{"u2": Increment(1)}}, Merge: true},
		{Path: ConversationPath("c2"), Fields: Fields{FieldName: "team"}, Merge: true},
	}))

	docs, err := log.snapshot(ctx, Query{Collection: ConversationsCollection()})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 2, DecodeConversation("c1", docs[0].fields).UnreadCount["u2"])
	assert.Equal(t, "team", DecodeConversation("c2", docs[1].fields).Name)
}

func TestRedisFailedWriteIsNeitherStoredNorEchoed(t *testing.T) {
	log, mr, failer := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := MessagePath("c1", "m1")
	require.NoError(t, log.Write(ctx, path, Fields{
		FieldSenderID:      "u2",
		FieldDeliveryState: "delivered",
	}, false))

	sub, err := log.Subscribe(ctx, Query{Collection: MessagesCollection("c1")})
	require.NoError(t, err)
	nextBatch(t, sub)

	failer.armed.Store(true)
	err = log.BatchWrite(ctx, []WriteOp{{
		Path: path,
		Fields: Fields{
			FieldDeliveryState: "read",
			FieldReadReceipts:  map[string]any{"u1": int64(5)},
		},
		Merge: true,
	}})
	require.ErrorIs(t, err, models.ErrRemoteWriteFailed)
	expectNoBatch(t, sub)

	raw, err := mr.Get(testPrefix + docKeyPrefix + path)
	require.NoError(t, err)
	var stored Fields
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "delivered", stored[FieldDeliveryState])
	assert.NotContains(t, stored, FieldReadReceipts)

	failer.armed.Store(false)
	require.NoError(t, log.Write(ctx, path, Fields{FieldDeliveryState: "read"}, true))
	pending, confirmed := nextBatches(t, sub, 2)
	assert.Len(t, pending, 1)
	assert.Len(t, confirmed, 1)
}

func TestRedisFeedDeliversOtherClientsWrites(t *testing.T) {
	reader, mr, _ := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := reader.Subscribe(ctx, Query{Collection: MessagesCollection("c1")})
	require.NoError(t, err)
	initial := nextBatch(t, sub)
	assert.Empty(t, initial.Changes)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	writer := NewRedis(other, testPrefix)
	require.NoError(t, writer.Write(ctx, MessagePath("c1", "m1"), Fields{FieldText: "hello"}, false))

	batch := nextBatch(t, sub)
	require.Len(t, batch.Changes, 1)
	assert.True(t, batch.Changes[0].Confirmed())
	assert.Equal(t, ChangeAdded, batch.Changes[0].Type)
	assert.Equal(t, "hello", batch.Changes[0].Fields[FieldText])
	expectNoBatch(t, sub)
}

func TestRedisSubscribeRequiresCollection(t *testing.T) {
	log, _, _ := newTestRedis(t)
	_, err := log.Subscribe(context.Background(), Query{})
	assert.Error(t, err)
}
