package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a user's margin wallet.
// Version is bumped by every mutation (ours and external ones) and acts as
// the optimistic concurrency token for apply operations.
type Account struct {
	OwnerID        uuid.UUID
	CashBalance    decimal.Decimal
	ExtendedCredit decimal.Decimal
	MarginReserved decimal.Decimal
	LeverageFactor decimal.Decimal // read-only here
	Version        int64
	UpdatedAt      time.Time
}

// AtRisk reports whether the account carries reserved margin or extended credit.
func (a Account) AtRisk() bool {
	return a.MarginReserved.IsPositive() || a.ExtendedCredit.IsPositive()
}

// Side is the raw side label of a position as stored upstream.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long exposure and -1 for short exposure.
// BUY/SELL are accepted as aliases. Unrecognized labels return +1 with
// known=false so callers can decide whether to reject them.
func (s Side) Sign() (sign int64, known bool) {
	switch strings.ToUpper(strings.TrimSpace(string(s))) {
	case "SHORT", "SELL":
		return -1, true
	case "LONG", "BUY":
		return 1, true
	default:
		return 1, false
	}
}

// PositionStatus is the lifecycle status of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is one leveraged exposure.
type Position struct {
	PositionID     uuid.UUID
	OwnerID        uuid.UUID
	Side           Side
	Quantity       decimal.Decimal
	EntryPrice     decimal.Decimal
	MarkPrice      decimal.NullDecimal // unset means "use entry price"
	MarginReserved decimal.Decimal
	Status         PositionStatus
	RealizedPnl    decimal.NullDecimal // set only on close
	OpenedAt       time.Time
	ClosedAt       *time.Time // set only on close
}

// CurrentPrice returns the mark price, falling back to the entry price.
func (p Position) CurrentPrice() decimal.Decimal {
	if p.MarkPrice.Valid {
		return p.MarkPrice.Decimal
	}
	return p.EntryPrice
}

// IsOpen returns true while the position still carries exposure.
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Closure describes the forced close of one position.
type Closure struct {
	PositionID     uuid.UUID
	RealizedPnl    decimal.Decimal
	ReleasedMargin decimal.Decimal
}

// LiquidationRequest is everything a store needs to apply a liquidation
// atomically against the account snapshot it was computed from.
type LiquidationRequest struct {
	OwnerID         uuid.UUID
	ExpectedVersion int64
	Closures        []Closure
	ReleasedMargin  decimal.Decimal
	ClosedAt        time.Time
}

// RealizedTotal is the sum of realized P&L credited to the cash balance.
func (r LiquidationRequest) RealizedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Closures {
		total = total.Add(c.RealizedPnl)
	}
	return total
}
