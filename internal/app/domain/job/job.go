// Package job defines bookkeeping records for scheduled background work.
package job

import "time"

// Kind names a scheduled job family.
const (
	KindAccrual = "accrual"
)

// Run tracks one dated execution of a job so interrupted runs can resume
// without repeating completed steps. A run with a zero CompletedAt is
// unfinished and eligible for re-execution. PanelsProcessed and KWhGranted
// accumulate across resume attempts; PanelsFailed counts only the failures
// of the latest pass, so a completed run always shows zero.
type Run struct {
	Kind            string
	Date            string // YYYY-MM-DD in UTC
	StartedAt       time.Time
	ResetAt         time.Time // when the daily counters were cleared
	CompletedAt     time.Time
	PanelsProcessed int
	PanelsFailed    int
	KWhGranted      int64 // milli-kWh
}

// GenerationRecord aggregates one user's credited energy for one accrual day.
type GenerationRecord struct {
	UserID       int64
	Date         string
	GeneratedKWh int64 // milli-kWh
	PanelCount   int
	VIP          bool
	CreatedAt    time.Time
}
