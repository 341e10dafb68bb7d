package readstatus

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/actor"
	"chatsync/models"
	"chatsync/remotelog"
	"chatsync/storage"
	"chatsync/syncer"
)

// failingExec rejects MULTI/EXEC pipelines while armed.
type failingExec struct {
	armed atomic.Bool
}

func (h *failingExec) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingExec) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failingExec) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.armed.Load() {
			return errors.New("connection reset")
		}
		return next(ctx, cmds)
	}
}

func TestFailedReceiptBatchNeverReachesSyncedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	exec := &failingExec{}
	rdb.AddHook(exec)
	remote := remotelog.NewRedis(rdb, "test:")

	ctx := context.Background()
	for _, id := range []string{"m0000", "m0001"} {
		require.NoError(t, remote.Write(ctx, remotelog.MessagePath(convC, id), remotelog.Fields{
			remotelog.FieldID:            id,
			remotelog.FieldSenderID:      userB,
			remotelog.FieldText:          "hello",
			remotelog.FieldTimestamp:     int64(1000),
			remotelog.FieldDeliveryState: string(models.DeliveryDelivered),
		}, false))
	}

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	actors := &actor.Group{}

	sync, err := syncer.New(syncer.Options{
		Store:  store,
		Remote: remote,
		UserID: userA,
		Actors: actors,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(sync.Close)
	svc, err := New(Options{
		Store:  store,
		Remote: remote,
		UserID: userA,
		Actors: actors,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)

	require.NoError(t, sync.Subscribe(convC))
	require.Eventually(t, func() bool {
		unread, err := store.ListUnreadFor(convC, userA)
		return err == nil && len(unread) == 2
	}, 2*time.Second, 10*time.Millisecond)

	exec.armed.Store(true)
	result, err := svc.MarkMessagesRead(ctx, convC)
	require.ErrorIs(t, err, models.ErrRemoteWriteFailed)
	assert.Equal(t, BatchResult{Committed: 0, Remaining: 2}, result)

	assert.Never(t, func() bool {
		msg, err := store.GetMessage("m0000")
		return err != nil || msg.HasReadReceipt(userA) || msg.DeliveryState == models.DeliveryRead
	}, 300*time.Millisecond, 20*time.Millisecond)
	unread, err := store.ListUnreadFor(convC, userA)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	exec.armed.Store(false)
	result, err = svc.MarkMessagesRead(ctx, convC)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Committed: 2, Remaining: 0}, result)
	require.Eventually(t, func() bool {
		msg, err := store.GetMessage("m0001")
		return err == nil && msg.HasReadReceipt(userA) && msg.DeliveryState == models.DeliveryRead
	}, 2*time.Second, 10*time.Millisecond)
}
