// Package delivery computes a message's delivery state from a remote
// observation and the locally cached state.
package delivery

import "chatsync/models"

// Observation is one remote sighting of a message document.
type Observation struct {
	// Existing is the cached state, empty when the message is not cached yet.
	Existing models.DeliveryState
	// IsOwn is true when the observing user sent the message.
	IsOwn bool
	// Remote is the explicit delivery-state field, empty when absent.
	Remote models.DeliveryState

	FromCache        bool
	HasPendingWrites bool

	ReadReceipts map[string]int64
	SenderID     string
	// ObserverID is the current user.
	ObserverID string
}

// Confirmed reports whether the observation reflects server-acknowledged state.
func (o Observation) Confirmed() bool {
	return !o.FromCache && !o.HasPendingWrites
}

// Resolve returns the delivery state the cache should hold after o.
//
// The result never moves backward through pending < sent < delivered < read.
// A cached pending own message only moves on a confirmed sighting, and a
// cached failed message only on a confirmed explicit state past pending.
func Resolve(o Observation) models.DeliveryState {
	if o.Existing == models.DeliveryFailed {
		if o.Confirmed() && o.Remote.Rank() > models.DeliveryPending.Rank() {
			return models.MaxState(o.Remote, receiptState(o))
		}
		return models.DeliveryFailed
	}

	if o.IsOwn && !o.Confirmed() {
		if o.Existing == models.DeliveryPending || (o.Existing == "" && o.Remote == "") {
			return models.DeliveryPending
		}
		if o.Remote == "" {
			return o.Existing
		}
	}

	candidate := models.MaxState(baseState(o), receiptState(o))
	if o.Existing == "" {
		return candidate
	}
	return models.MaxState(o.Existing, candidate)
}

// baseState derives the state before read receipts are considered.
func baseState(o Observation) models.DeliveryState {
	if o.IsOwn && !o.Confirmed() {
		return o.Remote
	}
	// Anything the server has acknowledged has at least been sent.
	return models.MaxState(models.DeliverySent, o.Remote)
}

// receiptState derives the floor implied by read receipts.
func receiptState(o Observation) models.DeliveryState {
	senderOnly := false
	for reader := range o.ReadReceipts {
		if reader != o.SenderID {
			return models.DeliveryRead
		}
		senderOnly = true
	}
	if senderOnly && o.ObserverID != "" && o.ObserverID != o.SenderID {
		return models.DeliveryDelivered
	}
	return ""
}
