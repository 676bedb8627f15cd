// Package user defines the account model of the energy economy.
package user

import "time"

// Capabilities are per-user feature switches toggled by administrators.
type Capabilities struct {
	Admin   bool
	Shop    bool
	Tasks   bool
	Lottery bool
}

// User is a participant identified by their messenger account id. Balances
// are stored in milli-units; generation counters are milli-kWh.
type User struct {
	ID           int64
	Username     string
	MainBalance  int64
	BonusBalance int64

	TotalGeneratedKWh int64
	TodayGeneratedKWh int64
	AvailableKWh      int64

	ReferralBonusEarned int64

	Active        bool // has purchased at least one panel
	VIP           bool
	VIPCheckedAt  time.Time
	WalletAddress string
	ReferrerID    int64 // 0 when the user joined without an inviter

	Capabilities Capabilities

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Level buckets users by cumulative generated energy, in whole kWh.
type Level struct {
	Index     int
	Name      string
	MinKWh    int64 // inclusive, milli-kWh
	NextAtKWh int64 // exclusive upper bound, 0 for the top level
}
