// Package referral defines invitation edges and milestone rewards.
package referral

import "time"

// Edge links an invited user to their inviter. An edge becomes active once
// the invited user buys their first panel; only active edges count towards
// milestones.
type Edge struct {
	InviterID   int64
	InvitedID   int64
	Active      bool
	ActivatedAt time.Time
	CreatedAt   time.Time
}

// Milestone records a one-time reward latch for an inviter reaching a given
// number of active referrals.
type Milestone struct {
	InviterID int64
	Threshold int
	Reward    int64 // milli-units credited to the bonus balance
	Awarded   bool
	AwardedAt time.Time
}

// MilestoneTier is a configured threshold/reward pair.
type MilestoneTier struct {
	Threshold int
	Reward    int64
}

// Stats summarises an inviter's program standing.
type Stats struct {
	InviterID   int64
	Invited     int
	Active      int
	BonusEarned int64
}
