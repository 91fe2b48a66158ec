package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// LedgerSink receives every appended event together with the snapshot it produced.
// Sinks run after the append is durable; their errors never undo it.
type LedgerSink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.StockEvent, snap domain.Availability) error
}

type SnapshotCache interface {
	// PutSnapshot stores snap unless a snapshot with a higher version is already cached
	PutSnapshot(ctx context.Context, snap domain.Availability) error

	// GetSnapshot returns nil when the product has no cached snapshot
	GetSnapshot(ctx context.Context, productID string) (*domain.Availability, error)
}
