// Package ledger defines the double-entry records that move EFHC credits and
// generated energy between accounts. All amounts are fixed-point integers in
// thousandths (milli-units) to keep arithmetic exact.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scale is the number of milli-units per whole EFHC credit or kWh.
const Scale = 1000

// Kind classifies a ledger entry by the operation that produced it.
type Kind string

const (
	KindPurchase       Kind = "purchase"
	KindConvert        Kind = "convert"
	KindTransferOut    Kind = "transfer_out"
	KindTransferIn     Kind = "transfer_in"
	KindWithdraw       Kind = "withdraw"
	KindWithdrawRefund Kind = "withdraw_refund"
	KindAccrual        Kind = "accrual"
	KindReferralBonus  Kind = "referral_bonus"
	KindAdminCredit    Kind = "admin_credit"
	KindMint           Kind = "mint"
	KindBurn           Kind = "burn"
)

// Balance identifies which of a user's balances an entry touches.
type Balance string

const (
	BalanceMain   Balance = "main"
	BalanceBonus  Balance = "bonus"
	BalanceEnergy Balance = "energy"
)

// Meta carries structured context for an entry. Zero-valued fields are
// omitted from the stored JSON.
type Meta struct {
	PanelID        string `json:"panel_id,omitempty"`
	CounterpartyID int64  `json:"counterparty_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Threshold      int    `json:"threshold,omitempty"`
	RunDate        string `json:"run_date,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Entry is one signed movement on a single balance of a single user. Multi-leg
// operations submit several entries to the store in one atomic batch.
type Entry struct {
	ID        string
	UserID    int64
	Kind      Kind
	Balance   Balance
	Amount    int64 // milli-units, negative for debits
	Meta      Meta
	CreatedAt time.Time
}

// ErrAmountSyntax reports an unparseable decimal amount.
var ErrAmountSyntax = errors.New("invalid amount syntax")

// FormatAmount renders milli-units as a decimal string with three places,
// e.g. 640 -> "0.640".
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%03d", sign, amount/Scale, amount%Scale)
}

// ParseAmount parses a decimal string with up to three fractional digits into
// milli-units. Extra precision is rejected rather than silently truncated.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrAmountSyntax
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrAmountSyntax
	}
	if len(frac) > 3 {
		return 0, fmt.Errorf("%w: more than 3 decimal places", ErrAmountSyntax)
	}
	var value int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, ErrAmountSyntax
		}
		value = value*10 + int64(r-'0')
	}
	value *= Scale
	mult := int64(100)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, ErrAmountSyntax
		}
		value += int64(r-'0') * mult
		mult /= 10
	}
	if neg {
		value = -value
	}
	return value, nil
}

// ApplyMultiplierPct scales a milli-unit amount by (100+pct)/100 with
// round-half-up. Used for the VIP generation boost.
func ApplyMultiplierPct(amount, pct int64) int64 {
	return (amount*(100+pct) + 50) / 100
}
