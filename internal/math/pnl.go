package math

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PositionPnL returns (mark - entry) * qty * sign, where sign is +1 for long
// and -1 for short exposure. The same formula yields unrealized P&L for an
// open position and realized P&L when it is closed at the mark.
func PositionPnL(sign int64, markPrice, entryPrice, quantity decimal.Decimal) decimal.Decimal {
	return markPrice.Sub(entryPrice).Mul(quantity).Mul(decimal.NewFromInt(sign))
}

// Equity = cash + extended credit + unrealized P&L.
func Equity(cash, credit, unrealized decimal.Decimal) decimal.Decimal {
	return cash.Add(credit).Add(unrealized)
}

// MarginLevel returns equity as a percentage of reserved margin.
// bounded is false when nothing is reserved (level is +infinity).
func MarginLevel(equity, reserved decimal.Decimal) (level decimal.Decimal, bounded bool) {
	if !reserved.IsPositive() {
		return decimal.Zero, false
	}
	// Scale before dividing so exact ratios stay exact.
	return equity.Mul(hundred).Div(reserved), true
}

// ReleaseMargin returns max(0, reserved - released).
func ReleaseMargin(reserved, released decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, reserved.Sub(released))
}
