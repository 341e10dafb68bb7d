package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryStateOrdering(t *testing.T) {
	order := []DeliveryState{DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryRead}
	for i := 1; i < len(order); i++ {
		assert.True(t, order[i-1].Before(order[i]), "%s should be before %s", order[i-1], order[i])
		assert.Equal(t, order[i], MaxState(order[i-1], order[i]))
		assert.Equal(t, order[i], MaxState(order[i], order[i-1]))
	}
	assert.True(t, DeliveryFailed.Before(DeliveryPending))
}

func TestParseDeliveryState(t *testing.T) {
	state, err := ParseDeliveryState("delivered")
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, state)

	_, err = ParseDeliveryState("seen")
	require.Error(t, err)
}

func TestConversationHasSeen(t *testing.T) {
	conv := Conversation{LastInteractionByUser: map[string]int64{"u1": 100}}
	assert.True(t, conv.HasSeen("u1", 100))
	assert.False(t, conv.HasSeen("u1", 101))
	assert.False(t, conv.HasSeen("u2", 1))
}

func TestNormalizeIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, NormalizeIDs([]string{"c", "a", "", "b", "a"}))
}
