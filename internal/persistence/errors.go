package persistence

import (
	"MarginWatch/internal/ledger"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// Postgres error classes worth retrying on the next tick:
// connection exceptions, transaction rollbacks (serialization failures,
// deadlocks), insufficient resources and operator intervention.
var transientClasses = map[pq.ErrorClass]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

// classify wraps err in the ledger error taxonomy. Errors that are already
// classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrStaleSnapshot) || ledger.IsTransient(err) || ledger.IsInconsistent(err) {
		return err
	}
	if isTransient(err) {
		return &ledger.TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientClasses[pqErr.Code.Class()]
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
