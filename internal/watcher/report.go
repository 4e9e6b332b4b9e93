package watcher

import (
	"MarginWatch/internal/risk"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the per-account result of one tick.
type Outcome int

const (
	OutcomeNoOp Outcome = iota
	OutcomeRevoked
	OutcomeLiquidated
	OutcomeSkipped // stale snapshot or inconsistent data; retried next tick
	OutcomeFailed  // store or unexpected error; retried next tick
)

var outcomeNames = [...]string{"noop", "revoked", "liquidated", "skipped", "failed"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// AccountResult records what happened to one account during a tick.
type AccountResult struct {
	OwnerID         uuid.UUID       `json:"owner_id"`
	Outcome         Outcome         `json:"outcome"`
	Action          risk.Action     `json:"action"`
	MarginLevel     string          `json:"margin_level,omitempty"`
	Equity          decimal.Decimal `json:"equity"`
	PositionsClosed int             `json:"positions_closed,omitempty"`
	Error           string          `json:"error,omitempty"`
	Duration        time.Duration   `json:"duration_ns"`

	Err error `json:"-"`
}

// TickReport aggregates the results of one tick.
type TickReport struct {
	TickID     uuid.UUID       `json:"tick_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Accounts   int             `json:"accounts"`
	Results    []AccountResult `json:"results"`

	// ListError is set when the at-risk accounts could not be listed, in
	// which case Results is empty.
	ListError string `json:"list_error,omitempty"`
}

// Count returns the number of results with the given outcome.
func (r *TickReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Summary returns result counts keyed by outcome name.
func (r *TickReport) Summary() map[string]int {
	out := make(map[string]int, len(outcomeNames))
	for _, res := range r.Results {
		out[res.Outcome.String()]++
	}
	return out
}

// Result returns the result for ownerID, if the account was part of the tick.
func (r *TickReport) Result(ownerID uuid.UUID) (AccountResult, bool) {
	for _, res := range r.Results {
		if res.OwnerID == ownerID {
			return res, true
		}
	}
	return AccountResult{}, false
}
