package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store is the account/position contract consumed by the risk loop.
// Implementations must bound every call with their own timeout.
type Store interface {
	// ListAtRiskAccounts returns accounts with MarginReserved > 0 or
	// ExtendedCredit > 0, in no particular order.
	ListAtRiskAccounts(ctx context.Context) ([]Account, error)

	// ListOpenPositions returns all OPEN positions of the account.
	ListOpenPositions(ctx context.Context, ownerID uuid.UUID) ([]Position, error)

	// ApplyLiquidation atomically closes every position named in the request,
	// credits the realized total to the cash balance and releases the
	// reserved margin (clamped at zero). Returns ErrStaleSnapshot when the
	// account version moved or the open position set differs from the request.
	ApplyLiquidation(ctx context.Context, req LiquidationRequest) error

	// ApplyRevoke atomically sets ExtendedCredit to zero. Returns
	// ErrStaleSnapshot when the account version moved.
	ApplyRevoke(ctx context.Context, ownerID uuid.UUID, expectedVersion int64) error
}
