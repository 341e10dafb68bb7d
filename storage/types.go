package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed indicates the cache is not open.
	ErrClosed = fmt.Errorf("storage: cache closed: %w", models.ErrDataUnavailable)
)

// CacheEventKind identifies which table a committed mutation touched.
type CacheEventKind string

const (
	// CacheEventMessages is published after message rows change.
	CacheEventMessages CacheEventKind = "messages"
	// CacheEventConversations is published after conversation rows change.
	CacheEventConversations CacheEventKind = "conversations"
	// CacheEventUsers is published after user rows change.
	CacheEventUsers CacheEventKind = "users"
)

// CacheEvent tells live queries which rows changed in one committed transaction.
type CacheEvent struct {
	Kind           CacheEventKind
	ConversationID string
	IDs            []string
	Deleted        []string
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDeliveryState(state models.DeliveryState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid delivery state %q", state)
	}
	return nil
}

func encodeJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeInt64Map(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeIntMap(raw string) (map[string]int, error) {
	out := make(map[string]int)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeStrings(raw string) ([]string, error) {
	out := make([]string, 0)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
