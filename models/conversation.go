package models

import "sort"

// Conversation holds list-view metadata plus per-user read bookkeeping.
//
// LastInteractionByUser[u] >= a message timestamp means u has seen it.
type Conversation struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name,omitempty"`
	ParticipantIDs        []string         `json:"participantIds"`
	IsGroup               bool             `json:"isGroup"`
	AdminIDs              []string         `json:"adminIds"`
	LastMessage           string           `json:"lastMessage"`
	LastMessageTimestamp  int64            `json:"lastMessageTimestamp"`
	LastSenderID          string           `json:"lastSenderId"`
	UnreadCount           map[string]int   `json:"unreadCount"`
	LastInteractionByUser map[string]int64 `json:"lastInteractionByUser"`
	UpdatedAt             int64            `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipants returns every participant except userID.
func (c Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// HasSeen derives whether userID has seen a message sent at timestamp.
func (c Conversation) HasSeen(userID string, timestamp int64) bool {
	last, ok := c.LastInteractionByUser[userID]
	return ok && last >= timestamp
}

// NormalizeIDs dedupes and sorts a participant or admin id list.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
