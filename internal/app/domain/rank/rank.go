// Package rank defines leaderboard snapshots.
package rank

import "time"

// Kind selects which leaderboard a snapshot belongs to.
type Kind string

const (
	KindEnergy   Kind = "energy"
	KindReferral Kind = "referral"
)

// Entry is one row of a leaderboard. Metric is milli-kWh for the energy
// board and the active referral count for the referral board. Secondary is
// the referral board's tie-break (bonus earned); the energy board leaves it
// zero so equal metrics order by ascending user id.
type Entry struct {
	Position  int
	UserID    int64
	Username  string
	Metric    int64
	Secondary int64
}

// Snapshot is an immutable leaderboard computed once per accrual day.
type Snapshot struct {
	ID        string
	Kind      Kind
	Date      string // YYYY-MM-DD
	Entries   []Entry
	CreatedAt time.Time
}
