package port

import (
	"context"
	"time"
)

type InventoryLedger interface {
	// Decrement atomically lowers available units by quantity only if at least
	// quantity units remain, returning the new count. It applies at most once
	// per saleID; a repeat returns the current count without consuming.
	Decrement(ctx context.Context, saleID, eventID, batchID string, quantity int) (int, error)

	// Available returns a snapshot of the available units; advisory only.
	Available(ctx context.Context, eventID, batchID string) (int, error)
}

type CooldownStore interface {
	// Acquire sets key for ttl, returns false if it is already held
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
