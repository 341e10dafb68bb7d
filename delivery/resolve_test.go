package delivery

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatsync/models"
)

const (
	me    = "u1"
	other = "u2"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want models.DeliveryState
	}{
		{
			name: "own echo without field stays pending",
			obs:  Observation{IsOwn: true, HasPendingWrites: true, SenderID: me, ObserverID: me},
			want: models.DeliveryPending,
		},
		{
			name: "own echo with explicit field keeps local pending",
			obs: Observation{Existing: models.DeliveryPending, IsOwn: true, Remote: models.DeliverySent,
				HasPendingWrites: true, SenderID: me, ObserverID: me},
			want: models.DeliveryPending,
		},
		{
			name: "own cached copy keeps local pending",
			obs: Observation{Existing: models.DeliveryPending, IsOwn: true, Remote: models.DeliveryPending,
				FromCache: true, SenderID: me, ObserverID: me},
			want: models.DeliveryPending,
		},
		{
			name: "own confirmed without field becomes sent",
			obs:  Observation{Existing: models.DeliveryPending, IsOwn: true, SenderID: me, ObserverID: me},
			want: models.DeliverySent,
		},
		{
			name: "own confirmed explicit pending becomes sent",
			obs: Observation{Existing: models.DeliveryPending, IsOwn: true, Remote: models.DeliveryPending,
				SenderID: me, ObserverID: me},
			want: models.DeliverySent,
		},
		{
			name: "own confirmed explicit delivered",
			obs: Observation{Existing: models.DeliverySent, IsOwn: true, Remote: models.DeliveryDelivered,
				SenderID: me, ObserverID: me},
			want: models.DeliveryDelivered,
		},
		{
			name: "own unknown locally with explicit field from cache is authoritative",
			obs:  Observation{IsOwn: true, Remote: models.DeliveryDelivered, FromCache: true, SenderID: me, ObserverID: me},
			want: models.DeliveryDelivered,
		},
		{
			name: "other default is sent",
			obs:  Observation{SenderID: other, ObserverID: me},
			want: models.DeliverySent,
		},
		{
			name: "other from cache default is sent",
			obs:  Observation{SenderID: other, ObserverID: me, FromCache: true},
			want: models.DeliverySent,
		},
		{
			name: "other explicit delivered",
			obs:  Observation{SenderID: other, ObserverID: me, Remote: models.DeliveryDelivered},
			want: models.DeliveryDelivered,
		},
		{
			name: "reader other than sender upgrades to read",
			obs: Observation{Existing: models.DeliverySent, SenderID: other, ObserverID: me,
				Remote: models.DeliverySent, ReadReceipts: map[string]int64{me: 2}},
			want: models.DeliveryRead,
		},
		{
			name: "own message read by recipient",
			obs: Observation{Existing: models.DeliverySent, IsOwn: true, SenderID: me, ObserverID: me,
				ReadReceipts: map[string]int64{other: 5}},
			want: models.DeliveryRead,
		},
		{
			name: "only sender receipt seen by recipient is delivered",
			obs: Observation{SenderID: other, ObserverID: me,
				ReadReceipts: map[string]int64{other: 1}},
			want: models.DeliveryDelivered,
		},
		{
			name: "only sender receipt seen by sender stays sent",
			obs: Observation{Existing: models.DeliverySent, IsOwn: true, SenderID: me, ObserverID: me,
				ReadReceipts: map[string]int64{me: 1}},
			want: models.DeliverySent,
		},
		{
			name: "read never regresses to sent",
			obs: Observation{Existing: models.DeliveryRead, SenderID: other, ObserverID: me,
				Remote: models.DeliverySent},
			want: models.DeliveryRead,
		},
		{
			name: "own delivered never regresses on echo",
			obs: Observation{Existing: models.DeliveryDelivered, IsOwn: true, HasPendingWrites: true,
				SenderID: me, ObserverID: me},
			want: models.DeliveryDelivered,
		},
		{
			name: "failed is sticky on unconfirmed echo",
			obs: Observation{Existing: models.DeliveryFailed, IsOwn: true, Remote: models.DeliveryPending,
				HasPendingWrites: true, SenderID: me, ObserverID: me},
			want: models.DeliveryFailed,
		},
		{
			name: "failed is sticky without explicit field",
			obs: Observation{Existing: models.DeliveryFailed, IsOwn: true, SenderID: me, ObserverID: me,
				ReadReceipts: map[string]int64{other: 1}},
			want: models.DeliveryFailed,
		},
		{
			name: "failed moves on confirmed explicit forward state",
			obs: Observation{Existing: models.DeliveryFailed, IsOwn: true, Remote: models.DeliverySent,
				SenderID: me, ObserverID: me},
			want: models.DeliverySent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.obs))
		})
	}
}

func TestResolveProvenanceSuppression(t *testing.T) {
	for _, existing := range []models.DeliveryState{"", models.DeliveryPending} {
		for _, receipts := range []map[string]int64{nil, {other: 1}, {me: 1}} {
			obs := Observation{
				Existing:         existing,
				IsOwn:            true,
				HasPendingWrites: true,
				ReadReceipts:     receipts,
				SenderID:         me,
				ObserverID:       me,
			}
			assert.Equal(t, models.DeliveryPending, Resolve(obs), "existing=%q receipts=%v", existing, receipts)
		}
	}
}

func TestResolveReadReceiptUpgrade(t *testing.T) {
	for _, existing := range []models.DeliveryState{"", models.DeliveryPending, models.DeliverySent, models.DeliveryDelivered, models.DeliveryRead} {
		for _, own := range []bool{true, false} {
			sender := other
			if own {
				sender = me
			}
			reader := me
			if own {
				reader = other
			}
			obs := Observation{
				Existing:     existing,
				IsOwn:        own,
				ReadReceipts: map[string]int64{reader: 10},
				SenderID:     sender,
				ObserverID:   me,
			}
			assert.Equal(t, models.DeliveryRead, Resolve(obs), "existing=%q own=%v", existing, own)
		}
	}

	failed := Observation{Existing: models.DeliveryFailed, IsOwn: true, ReadReceipts: map[string]int64{other: 1}, SenderID: me, ObserverID: me}
	assert.Equal(t, models.DeliveryFailed, Resolve(failed))
}

func TestResolveIsMonotonicForSender(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	remotes := []models.DeliveryState{"", models.DeliveryPending, models.DeliverySent, models.DeliveryDelivered, models.DeliveryRead}
	readers := []map[string]int64{nil, {me: 1}, {other: 1}}

	for run := 0; run < 500; run++ {
		state := models.DeliveryPending
		for step := 0; step < 20; step++ {
			obs := Observation{
				Existing:         state,
				IsOwn:            true,
				Remote:           remotes[rng.Intn(len(remotes))],
				FromCache:        rng.Intn(3) == 0,
				HasPendingWrites: rng.Intn(3) == 0,
				ReadReceipts:     readers[rng.Intn(len(readers))],
				SenderID:         me,
				ObserverID:       me,
			}
			next := Resolve(obs)
			if next.Before(state) {
				t.Fatalf("run %d step %d: regressed from %s to %s on %+v", run, step, state, next, obs)
			}
			state = next
		}
	}
}

func TestResolveOrderIndependentWithinBatch(t *testing.T) {
	a := Observation{SenderID: other, ObserverID: me, Remote: models.DeliverySent}
	b := Observation{SenderID: other, ObserverID: me, ReadReceipts: map[string]int64{me: 1}}

	a1 := a
	b1 := b
	b1.Existing = Resolve(a1)
	first := Resolve(b1)

	b2 := b
	a2 := a
	a2.Existing = Resolve(b2)
	second := Resolve(a2)

	assert.Equal(t, first, second)
}
