package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type discriminates outbound risk events.
type Type string

const (
	TypeCreditRevoked     Type = "credit_revoked"
	TypeAccountLiquidated Type = "account_liquidated"
)

// SubjectPrefix is the NATS subject root for risk events.
const SubjectPrefix = "margin.risk.events"

// RiskEvent is emitted after a revoke or liquidation has been committed.
type RiskEvent struct {
	EventID        uuid.UUID       `json:"event_id"`
	TickID         uuid.UUID       `json:"tick_id"`
	Type           Type            `json:"type"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	AccountVersion int64           `json:"account_version"`
	MarginLevel    string          `json:"margin_level"`
	Equity         decimal.Decimal `json:"equity"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl"`

	// Liquidation only.
	Closures       []ClosedPosition `json:"closures,omitempty"`
	ReleasedMargin decimal.Decimal  `json:"released_margin"`
	RealizedTotal  decimal.Decimal  `json:"realized_total"`

	OccurredAt time.Time `json:"occurred_at"`
}

type ClosedPosition struct {
	PositionID     uuid.UUID       `json:"position_id"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl"`
	ReleasedMargin decimal.Decimal `json:"released_margin"`
}

// IdempotencyKey is stable across redeliveries of the same decision: one
// account version can be revoked or liquidated at most once.
func (e *RiskEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", e.Type, e.OwnerID, e.AccountVersion)
}

// Subject returns prefix.{type}, e.g. margin.risk.events.credit_revoked.
func (e *RiskEvent) Subject(prefix string) string {
	if prefix == "" {
		prefix = SubjectPrefix
	}
	return fmt.Sprintf("%s.%s", prefix, e.Type)
}
