package domain

import (
	"fmt"
	"time"
)

type EventKind string

const (
	EventKindRestock EventKind = "restock"
	EventKindReserve EventKind = "reserve"
	EventKindCommit  EventKind = "commit"
	EventKindRelease EventKind = "release"
)

// StockEvent is one immutable ledger entry. Seq is the per-product logical
// timestamp assigned by the ledger on append.
type StockEvent struct {
	ProductID     string
	Kind          EventKind
	Quantity      int
	Seq           uint64
	ReservationID string
	RecordedAt    time.Time
}

// Validate checks the shape of an event before it is appended.
func (e StockEvent) Validate() error {
	if e.ProductID == "" {
		return fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, e.Quantity)
	}

	switch e.Kind {
	case EventKindRestock:
		if e.ReservationID != "" {
			return fmt.Errorf("%w: restock must not carry a reservation id", ErrValidation)
		}
	case EventKindReserve, EventKindCommit, EventKindRelease:
		if e.ReservationID == "" {
			return fmt.Errorf("%w: %s requires a reservation id", ErrValidation, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrValidation, e.Kind)
	}

	return nil
}
