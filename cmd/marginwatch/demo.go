package main

import (
	"MarginWatch/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type demoPosition struct {
	side                 ledger.Side
	qty, entry, mark, im string
}

type demoAccount struct {
	cash, credit string
	positions    []demoPosition
}

// demoAccounts covers each tier under the default thresholds: two healthy
// accounts, one credit revocation (26%) and one liquidation (-90%).
var demoAccounts = []demoAccount{
	{cash: "1000", credit: "200", positions: []demoPosition{
		{ledger.SideLong, "2", "100", "110", "100"},
	}},
	{cash: "100", credit: "50", positions: []demoPosition{
		{ledger.SideLong, "10", "10", "7", "200"},
	}},
	{cash: "10", credit: "0", positions: []demoPosition{
		{ledger.SideShort, "5", "100", "120", "100"},
	}},
	{cash: "20", credit: "40", positions: []demoPosition{
		{ledger.SideLong, "4", "50", "44", "60"},
		{ledger.SideShort, "2", "80", "85", "40"},
	}},
}

func seedDemo(s *ledger.MemoryStore) (int, error) {
	for _, a := range demoAccounts {
		owner := uuid.New()
		s.PutAccount(ledger.Account{
			OwnerID:        owner,
			CashBalance:    decimal.RequireFromString(a.cash),
			ExtendedCredit: decimal.RequireFromString(a.credit),
			LeverageFactor: decimal.NewFromInt(10),
		})
		for _, p := range a.positions {
			pos := ledger.Position{
				PositionID:     uuid.New(),
				OwnerID:        owner,
				Side:           p.side,
				Quantity:       decimal.RequireFromString(p.qty),
				EntryPrice:     decimal.RequireFromString(p.entry),
				MarginReserved: decimal.RequireFromString(p.im),
			}
			if err := s.OpenPosition(pos); err != nil {
				return 0, err
			}
			s.SetMarkPrice(pos.PositionID, decimal.RequireFromString(p.mark))
		}
	}
	return len(demoAccounts), nil
}
