// Package pricing validates catalog price edits for lab tests and drugs.
package pricing

import (
	"math"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

// MaxUnconfirmedChange is the largest relative change accepted without an
// explicit confirmation while open orders still carry the old price.
const MaxUnconfirmedChange = 0.5

// Change is a requested price edit.
type Change struct {
	Old     float64
	New     float64
	Pending int  // open orders priced at Old
	Confirm bool // confirm_large_change
}

// Ratio is the relative size of the change, 0.25 meaning ±25%.
func (c Change) Ratio() float64 {
	if c.Old <= 0 {
		return 0
	}
	return math.Abs(c.New-c.Old) / c.Old
}

// Check rejects non-positive prices, and swings beyond ±50% while orders
// are pending unless confirmed.
func Check(item string, c Change) error {
	if c.New <= 0 {
		return apperr.InvalidPriceChange("price of %s must be greater than zero", item)
	}
	if c.Pending > 0 && !c.Confirm && c.Ratio() > MaxUnconfirmedChange {
		return apperr.InvalidPriceChange(
			"price of %s changes by %.0f%% while %d order(s) are pending at %.2f",
			item, c.Ratio()*100, c.Pending, c.Old,
		).WithDetails(map[string]interface{}{
			"old_price": c.Old,
			"new_price": c.New,
			"pending":   c.Pending,
		})
	}
	return nil
}
