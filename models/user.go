package models

// User is a cached profile of a conversation participant.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	LastSeen    int64  `json:"lastSeen"`
	UpdatedAt   int64  `json:"updatedAt"`
}
