package models

import "errors"

var (
	// ErrNotAuthenticated means no current user context is available.
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
	// ErrDataUnavailable means the local cache is not configured or attached.
	ErrDataUnavailable = errors.New("chatsync: local cache unavailable")
	// ErrRemoteWriteFailed wraps network or store errors on remote writes.
	ErrRemoteWriteFailed = errors.New("chatsync: remote write failed")
	// ErrInvalidParticipants means a conversation was created without recipients.
	ErrInvalidParticipants = errors.New("chatsync: invalid participants")
	// ErrNotRetryable means retry was requested for a message that is not failed.
	ErrNotRetryable = errors.New("chatsync: message is not in failed state")
)
