// Package panel defines virtual solar panels and their lifecycle.
package panel

import "time"

// Panel is a purchased generation unit. The daily rate is frozen at purchase
// time so later VIP changes do not affect existing panels.
type Panel struct {
	ID             string
	OwnerID        int64
	PurchasedAt    time.Time
	LifespanDays   int
	RemainingDays  int
	DailyRateKWh   int64 // milli-kWh credited per accrual day
	Active         bool
	VIPAtPurchase  bool
	IdempotencyKey string
	LastAccruedOn  string // accrual date (YYYY-MM-DD) of the last credit, empty if none
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the panel has consumed its full lifespan.
func (p Panel) Expired() bool {
	return p.RemainingDays <= 0
}
