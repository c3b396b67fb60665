package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Device is an immutable snapshot of one SIM card for a billing period.
// Snapshots are taken at sync time; the assigner sees them read-only.
type Device struct {
	ID                string
	CommPlanID        string
	CurrentRatePlanID string
	Usage             decimal.Decimal // in the plan's allowance units
	ActivationDate    time.Time
	BillingDaysActive int // <= billing period length
	Prorated          bool
}

// BillingFraction returns the share of the billing period the device was
// active, as a decimal ratio. Unprorated devices always bill the full period.
func (d Device) BillingFraction(periodDays int) decimal.Decimal {
	if !d.Prorated || periodDays <= 0 {
		return decimal.NewFromInt(1)
	}
	days := d.BillingDaysActive
	if days > periodDays {
		days = periodDays
	}
	if days < 0 {
		days = 0
	}
	return decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(int64(periodDays)))
}
