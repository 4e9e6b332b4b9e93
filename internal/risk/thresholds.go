package risk

import (
	"github.com/shopspring/decimal"
)

// Thresholds are the two policy tiers, expressed in margin-level percent.
// Alert must be strictly greater than Close, and Close strictly positive.
type Thresholds struct {
	AlertPercent decimal.Decimal
	ClosePercent decimal.Decimal
}

// DefaultThresholds matches the historical production settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AlertPercent: decimal.NewFromInt(30),
		ClosePercent: decimal.NewFromInt(15),
	}
}

// Validate checks close > 0 and alert > close.
func (t Thresholds) Validate() error {
	if !t.ClosePercent.IsPositive() {
		return &ConfigurationError{Field: "close_threshold", Reason: "must be > 0, got " + t.ClosePercent.String()}
	}
	if !t.AlertPercent.GreaterThan(t.ClosePercent) {
		return &ConfigurationError{
			Field:  "alert_threshold",
			Reason: "must be > close threshold (" + t.ClosePercent.String() + "), got " + t.AlertPercent.String(),
		}
	}
	return nil
}
