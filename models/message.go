package models

// Message is one chat message as rendered from the local cache.
//
// ID is assigned on the sending device before any network round-trip and is
// identical between the optimistic local copy and the remote document.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	SenderID       string           `json:"senderId"`
	Text           string           `json:"text"`
	Timestamp      int64            `json:"timestamp"`
	DeliveryState  DeliveryState    `json:"deliveryState"`
	ReadReceipts   map[string]int64 `json:"readReceipts"`
	UpdatedAt      int64            `json:"updatedAt"`
}

// HasReadReceipt reports whether userID has a read receipt on the message.
func (m Message) HasReadReceipt(userID string) bool {
	_, ok := m.ReadReceipts[userID]
	return ok
}

// Clone returns a copy that does not share the receipts map.
func (m Message) Clone() Message {
	out := m
	out.ReadReceipts = make(map[string]int64, len(m.ReadReceipts))
	for k, v := range m.ReadReceipts {
		out.ReadReceipts[k] = v
	}
	return out
}
