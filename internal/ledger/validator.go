package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidateSnapshot checks the invariants the risk loop relies on before it
// evaluates an account against its open positions.
func ValidateSnapshot(acct Account, open []Position) error {
	if acct.MarginReserved.IsNegative() {
		return Inconsistent(acct.OwnerID, "negative reserved margin %s", acct.MarginReserved)
	}

	seen := make(map[uuid.UUID]struct{}, len(open))
	for _, p := range open {
		if p.OwnerID != acct.OwnerID {
			return Inconsistent(acct.OwnerID, "position %s belongs to %s", p.PositionID, p.OwnerID)
		}
		if !p.IsOpen() {
			return Inconsistent(acct.OwnerID, "position %s listed as open with status %s", p.PositionID, p.Status)
		}
		if !p.Quantity.IsPositive() {
			return Inconsistent(acct.OwnerID, "position %s has non-positive quantity %s", p.PositionID, p.Quantity)
		}
		if p.MarginReserved.IsNegative() {
			return Inconsistent(acct.OwnerID, "position %s has negative reserved margin %s", p.PositionID, p.MarginReserved)
		}
		if _, dup := seen[p.PositionID]; dup {
			return Inconsistent(acct.OwnerID, "position %s listed twice", p.PositionID)
		}
		seen[p.PositionID] = struct{}{}
	}

	return nil
}

// ReservedSum returns the total margin reserved across positions.
func ReservedSum(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.MarginReserved)
	}
	return total
}
