package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store. It backs tests and the demo mode and
// also exposes the mutations external collaborators would perform
// (opening positions, deposits, mark updates), each of which bumps the
// account version like the Postgres schema does.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*Account
	positions map[uuid.UUID]*Position
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[uuid.UUID]*Account),
		positions: make(map[uuid.UUID]*Position),
		now:       time.Now,
	}
}

// PutAccount inserts or replaces an account.
func (s *MemoryStore) PutAccount(acct Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := acct
	s.accounts[acct.OwnerID] = &a
}

// PutPosition inserts or replaces a position without touching the account.
func (s *MemoryStore) PutPosition(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pos
	s.positions[pos.PositionID] = &p
}

// OpenPosition records a new OPEN position and reserves its margin on the
// account, as the execution engine would.
func (s *MemoryStore) OpenPosition(pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[pos.OwnerID]
	if !ok {
		return &InconsistentStateError{OwnerID: pos.OwnerID, Reason: "open position", Err: ErrAccountNotFound}
	}

	p := pos
	p.Status = PositionOpen
	if p.OpenedAt.IsZero() {
		p.OpenedAt = s.now()
	}
	s.positions[p.PositionID] = &p

	acct.MarginReserved = acct.MarginReserved.Add(p.MarginReserved)
	s.touch(acct)
	return nil
}

// Deposit credits the cash balance.
func (s *MemoryStore) Deposit(ownerID uuid.UUID, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[ownerID]
	if !ok {
		return &InconsistentStateError{OwnerID: ownerID, Reason: "deposit", Err: ErrAccountNotFound}
	}
	acct.CashBalance = acct.CashBalance.Add(amount)
	s.touch(acct)
	return nil
}

// SetMarkPrice updates the mark of a position and bumps its owner's version.
func (s *MemoryStore) SetMarkPrice(positionID uuid.UUID, mark decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return
	}
	p.MarkPrice = decimal.NewNullDecimal(mark)
	if acct, ok := s.accounts[p.OwnerID]; ok {
		s.touch(acct)
	}
}

// Account returns a copy of the account.
func (s *MemoryStore) Account(ownerID uuid.UUID) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Position returns a copy of the position.
func (s *MemoryStore) Position(positionID uuid.UUID) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (s *MemoryStore) ListAtRiskAccounts(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientStoreError{Op: "list_at_risk_accounts", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Account
	for _, a := range s.accounts {
		if a.AtRisk() {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context, ownerID uuid.UUID) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientStoreError{Op: "list_open_positions", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.openPositionsLocked(ownerID)
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (s *MemoryStore) ApplyLiquidation(ctx context.Context, req LiquidationRequest) error {
	if err := ctx.Err(); err != nil {
		return &TransientStoreError{Op: "apply_liquidation", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.OwnerID]
	if !ok {
		return &InconsistentStateError{OwnerID: req.OwnerID, Reason: "apply liquidation", Err: ErrAccountNotFound}
	}
	if acct.Version != req.ExpectedVersion {
		return ErrStaleSnapshot
	}

	open := s.openPositionsLocked(req.OwnerID)
	if len(open) != len(req.Closures) {
		return ErrStaleSnapshot
	}
	for _, c := range req.Closures {
		p, ok := s.positions[c.PositionID]
		if !ok || p.OwnerID != req.OwnerID || !p.IsOpen() {
			return ErrStaleSnapshot
		}
	}

	// Validated up front so the writes below cannot fail halfway.
	closedAt := req.ClosedAt
	for _, c := range req.Closures {
		p := s.positions[c.PositionID]
		p.Status = PositionClosed
		p.RealizedPnl = decimal.NewNullDecimal(c.RealizedPnl)
		p.ClosedAt = &closedAt
	}

	acct.CashBalance = acct.CashBalance.Add(req.RealizedTotal())
	acct.MarginReserved = decimal.Max(decimal.Zero, acct.MarginReserved.Sub(req.ReleasedMargin))
	s.touch(acct)
	return nil
}

func (s *MemoryStore) ApplyRevoke(ctx context.Context, ownerID uuid.UUID, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return &TransientStoreError{Op: "apply_revoke", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[ownerID]
	if !ok {
		return &InconsistentStateError{OwnerID: ownerID, Reason: "apply revoke", Err: ErrAccountNotFound}
	}
	if acct.Version != expectedVersion {
		return ErrStaleSnapshot
	}

	acct.ExtendedCredit = decimal.Zero
	s.touch(acct)
	return nil
}

func (s *MemoryStore) openPositionsLocked(ownerID uuid.UUID) []Position {
	var out []Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.IsOpen() {
			out = append(out, *p)
		}
	}
	return out
}

func (s *MemoryStore) touch(acct *Account) {
	acct.Version++
	acct.UpdatedAt = s.now()
}
