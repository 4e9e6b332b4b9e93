package risk

import (
	"MarginWatch/internal/ledger"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the outcome of evaluating one account.
type Action int

const (
	ActionNoOp Action = iota
	ActionRevokeCredit
	ActionLiquidate
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "noop"
	case ActionRevokeCredit:
		return "revoke_credit"
	case ActionLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Assessment is the mark-to-market view of an account.
type Assessment struct {
	UnrealizedPnl decimal.Decimal
	Equity        decimal.Decimal
	MarginLevel   decimal.Decimal // meaningful only when Bounded
	Bounded       bool            // false means +infinity (nothing reserved)

	// PositionReserved is the margin reserved across the open positions.
	// ReservedMismatch is set when it differs from the account aggregate.
	PositionReserved decimal.Decimal
	ReservedMismatch bool

	// UnknownSides counts positions whose side label was not recognized
	// and was treated as long.
	UnknownSides int
}

// MarginLevelString renders the level with two decimals, or "+Inf".
func (a Assessment) MarginLevelString() string {
	if !a.Bounded {
		return "+Inf"
	}
	return a.MarginLevel.StringFixed(2)
}

// Decision is what the evaluator wants done with one account.
type Decision struct {
	OwnerID    uuid.UUID
	Action     Action
	Assessment Assessment

	// Liquidation only.
	Closures       []ledger.Closure
	ReleasedMargin decimal.Decimal
	RealizedTotal  decimal.Decimal
	ClosedAt       time.Time

	// Account state expected after the decision is applied.
	ProjectedCash     decimal.Decimal
	ProjectedCredit   decimal.Decimal
	ProjectedReserved decimal.Decimal
}

// LiquidationRequest converts the decision into the store request, pinned to
// the account version the decision was computed from.
func (d Decision) LiquidationRequest(expectedVersion int64) ledger.LiquidationRequest {
	return ledger.LiquidationRequest{
		OwnerID:         d.OwnerID,
		ExpectedVersion: expectedVersion,
		Closures:        d.Closures,
		ReleasedMargin:  d.ReleasedMargin,
		ClosedAt:        d.ClosedAt,
	}
}
