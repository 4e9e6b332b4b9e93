package risk

import (
	"MarginWatch/internal/ledger"
	fpmath "MarginWatch/internal/math"
	"time"

	"github.com/shopspring/decimal"
)

// Policy configures an Evaluator.
type Policy struct {
	Thresholds Thresholds

	// StrictSides rejects positions whose side label is neither LONG/BUY
	// nor SHORT/SELL instead of treating them as long.
	StrictSides bool
}

// Evaluator computes equity and margin level for one account and picks
// NoOp, RevokeCredit or Liquidate. It has no side effects.
type Evaluator struct {
	policy Policy
}

func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Policy returns the evaluator's policy.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Evaluate decides what to do with acct given its open positions.
// now stamps the closures of a liquidation decision.
//
// Precedence: liquidate when the level is finite and <= close; otherwise
// revoke when finite, < alert and credit > 0; otherwise no-op.
func (e *Evaluator) Evaluate(acct ledger.Account, open []ledger.Position, now time.Time) (Decision, error) {
	if err := ledger.ValidateSnapshot(acct, open); err != nil {
		return Decision{}, err
	}

	d := Decision{
		OwnerID:           acct.OwnerID,
		Action:            ActionNoOp,
		ProjectedCash:     acct.CashBalance,
		ProjectedCredit:   acct.ExtendedCredit,
		ProjectedReserved: acct.MarginReserved,
	}

	pnls := make([]decimal.Decimal, len(open))
	unrealized := decimal.Zero
	for i, p := range open {
		sign, known := p.Side.Sign()
		if !known {
			if e.policy.StrictSides {
				return Decision{}, ledger.Inconsistent(acct.OwnerID, "position %s has unknown side %q", p.PositionID, p.Side)
			}
			d.Assessment.UnknownSides++
		}
		pnls[i] = fpmath.PositionPnL(sign, p.CurrentPrice(), p.EntryPrice, p.Quantity)
		unrealized = unrealized.Add(pnls[i])
	}

	equity := fpmath.Equity(acct.CashBalance, acct.ExtendedCredit, unrealized)
	level, bounded := fpmath.MarginLevel(equity, acct.MarginReserved)
	positionReserved := ledger.ReservedSum(open)

	d.Assessment = Assessment{
		UnrealizedPnl:    unrealized,
		Equity:           equity,
		MarginLevel:      level,
		Bounded:          bounded,
		PositionReserved: positionReserved,
		ReservedMismatch: !positionReserved.Equal(acct.MarginReserved),
		UnknownSides:     d.Assessment.UnknownSides,
	}

	th := e.policy.Thresholds
	switch {
	case bounded && level.LessThanOrEqual(th.ClosePercent):
		if len(open) == 0 {
			// Nothing to close would leave the account liquidatable forever.
			return Decision{}, ledger.Inconsistent(acct.OwnerID,
				"liquidation required (level %s%%) but reserved margin %s has no open positions",
				level.StringFixed(2), acct.MarginReserved)
		}

		d.Action = ActionLiquidate
		d.ClosedAt = now
		d.Closures = make([]ledger.Closure, len(open))
		released := decimal.Zero
		realized := decimal.Zero
		for i, p := range open {
			d.Closures[i] = ledger.Closure{
				PositionID:     p.PositionID,
				RealizedPnl:    pnls[i],
				ReleasedMargin: p.MarginReserved,
			}
			released = released.Add(p.MarginReserved)
			realized = realized.Add(pnls[i])
		}
		d.ReleasedMargin = released
		d.RealizedTotal = realized
		d.ProjectedCash = acct.CashBalance.Add(realized)
		d.ProjectedReserved = fpmath.ReleaseMargin(acct.MarginReserved, released)

	case bounded && level.LessThan(th.AlertPercent) && acct.ExtendedCredit.IsPositive():
		d.Action = ActionRevokeCredit
		d.ProjectedCredit = decimal.Zero
	}

	return d, nil
}
