package models

import "fmt"

// DeliveryState is the life-cycle stage of a message from the sender's view.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// Rank orders the forward states pending < sent < delivered < read.
// Failed ranks below everything since it is only left through retry.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliveryPending:
		return 1
	case DeliverySent:
		return 2
	case DeliveryDelivered:
		return 3
	case DeliveryRead:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return true
	default:
		return false
	}
}

// Before reports whether s comes strictly before other in the forward ordering.
func (s DeliveryState) Before(other DeliveryState) bool {
	return s.Rank() < other.Rank()
}

// MaxState returns the later of two forward states.
func MaxState(a, b DeliveryState) DeliveryState {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseDeliveryState validates a stored state string.
func ParseDeliveryState(raw string) (DeliveryState, error) {
	s := DeliveryState(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid delivery state %q", raw)
	}
	return s, nil
}
