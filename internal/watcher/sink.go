package watcher

import (
	"MarginWatch/internal/event"
	"context"
)

// Sink receives a RiskEvent after the corresponding revoke or liquidation
// has been committed. Delivery failures are logged and counted; they never
// change the account outcome.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt *event.RiskEvent) error
}
