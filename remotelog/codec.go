package remotelog

import (
	"chatsync/models"
)

// Wire field names shared by every backend.
const (
	FieldID                    = "id"
	FieldConversationID        = "conversationId"
	FieldSenderID              = "senderId"
	FieldText                  = "text"
	FieldTimestamp             = "timestamp"
	FieldDeliveryState         = "deliveryState"
	FieldReadReceipts          = "readReceipts"
	FieldUpdatedAt             = "updatedAt"
	FieldName                  = "name"
	FieldParticipantIDs        = "participantIds"
	FieldIsGroup               = "isGroup"
	FieldAdminIDs              = "adminIds"
	FieldLastMessage           = "lastMessage"
	FieldLastMessageTimestamp  = "lastMessageTimestamp"
	FieldLastSenderID          = "lastSenderId"
	FieldUnreadCount           = "unreadCount"
	FieldLastInteractionByUser = "lastInteractionByUser"
	FieldDisplayName           = "displayName"
	FieldLastSeen              = "lastSeen"
)

// MessageDoc is a decoded remote message document. RemoteState is empty when
// the document carries no usable delivery-state field.
type MessageDoc struct {
	Message     models.Message
	RemoteState models.DeliveryState
}

// HasExplicitState reports whether the document carried a delivery-state field.
func (d MessageDoc) HasExplicitState() bool {
	return d.RemoteState != ""
}

// DecodeMessage converts a loosely typed message document into a Message.
// Missing optional fields decode to zero values; the document ID wins over
// a missing or empty id field. A remote "failed" is never authoritative since
// failure is a local-only state, so it decodes as absent.
func DecodeMessage(conversationID, docID string, fields Fields) MessageDoc {
	msg := models.Message{
		ID:             toString(fields[FieldID]),
		ConversationID: toString(fields[FieldConversationID]),
		SenderID:       toString(fields[FieldSenderID]),
		Text:           toString(fields[FieldText]),
		Timestamp:      toInt64(fields[FieldTimestamp]),
		ReadReceipts:   toInt64Map(fields[FieldReadReceipts]),
		UpdatedAt:      toInt64(fields[FieldUpdatedAt]),
	}
	if msg.ID == "" {
		msg.ID = docID
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	doc := MessageDoc{Message: msg}
	if state, err := models.ParseDeliveryState(toString(fields[FieldDeliveryState])); err == nil && state != models.DeliveryFailed {
		doc.RemoteState = state
	}
	return doc
}

// EncodeMessage builds the full message document written by a sender.
func EncodeMessage(msg models.Message) Fields {
	receipts := make(map[string]any, len(msg.ReadReceipts))
	for user, at := range msg.ReadReceipts {
		receipts[user] = at
	}
	fields := Fields{
		FieldID:             msg.ID,
		FieldConversationID: msg.ConversationID,
		FieldSenderID:       msg.SenderID,
		FieldText:           msg.Text,
		FieldTimestamp:      msg.Timestamp,
		FieldReadReceipts:   receipts,
		FieldUpdatedAt:      msg.UpdatedAt,
	}
	if msg.DeliveryState != "" && msg.DeliveryState != models.DeliveryFailed {
		fields[FieldDeliveryState] = string(msg.DeliveryState)
	}
	return fields
}

// DecodeConversation converts a conversation document into a Conversation.
func DecodeConversation(docID string, fields Fields) models.Conversation {
	return models.Conversation{
		ID:                    docID,
		Name:                  toString(fields[FieldName]),
		ParticipantIDs:        toStrings(fields[FieldParticipantIDs]),
		IsGroup:               toBool(fields[FieldIsGroup]),
		AdminIDs:              toStrings(fields[FieldAdminIDs]),
		LastMessage:           toString(fields[FieldLastMessage]),
		LastMessageTimestamp:  toInt64(fields[FieldLastMessageTimestamp]),
		LastSenderID:          toString(fields[FieldLastSenderID]),
		UnreadCount:           toIntMap(fields[FieldUnreadCount]),
		LastInteractionByUser: toInt64Map(fields[FieldLastInteractionByUser]),
		UpdatedAt:             toInt64(fields[FieldUpdatedAt]),
	}
}

// EncodeConversation builds a full conversation document.
func EncodeConversation(conv models.Conversation) Fields {
	unread := make(map[string]any, len(conv.UnreadCount))
	for user, n := range conv.UnreadCount {
		unread[user] = int64(n)
	}
	interactions := make(map[string]any, len(conv.LastInteractionByUser))
	for user, at := range conv.LastInteractionByUser {
		interactions[user] = at
	}
	return Fields{
		FieldName:                  conv.Name,
		FieldParticipantIDs:        append([]string{}, conv.ParticipantIDs...),
		FieldIsGroup:               conv.IsGroup,
		FieldAdminIDs:              append([]string{}, conv.AdminIDs...),
		FieldLastMessage:           conv.LastMessage,
		FieldLastMessageTimestamp:  conv.LastMessageTimestamp,
		FieldLastSenderID:          conv.LastSenderID,
		FieldUnreadCount:           unread,
		FieldLastInteractionByUser: interactions,
		FieldUpdatedAt:             conv.UpdatedAt,
	}
}

// DecodeUser converts a user profile document into a User.
func DecodeUser(docID string, fields Fields) models.User {
	return models.User{
		ID:          docID,
		DisplayName: toString(fields[FieldDisplayName]),
		LastSeen:    toInt64(fields[FieldLastSeen]),
		UpdatedAt:   toInt64(fields[FieldUpdatedAt]),
	}
}
