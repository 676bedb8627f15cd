// Package withdrawal defines on-chain payout requests and their state machine.
package withdrawal

import "time"

// Status is the lifecycle state of a withdrawal request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Transition is one recorded state change, kept as an audit trail on the
// request itself.
type Transition struct {
	From    Status
	To      Status
	ActorID int64 // 0 for system transitions
	Note    string
	At      time.Time
}

// Request is a reservation of credits awaiting an operator decision. The
// amount is debited when the request is created and refunded if it fails.
type Request struct {
	ID        string
	UserID    int64
	Amount    int64 // milli-units
	Address   string
	Status    Status
	History   []Transition
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanTransition reports whether a state change is allowed. Terminal states
// accept no further transitions.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusFailed
	case StatusApproved:
		return to == StatusSent || to == StatusFailed
	default:
		return false
	}
}
