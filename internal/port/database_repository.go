package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

var (
	// ErrAppendConflict is returned when the (product, seq) slot is already taken,
	// e.g. another process appended to the same product.
	ErrAppendConflict = errors.New("append conflict")

	// ErrStateConflict is returned when a reservation is not in the expected state.
	ErrStateConflict = errors.New("reservation state conflict")

	// ErrDuplicateRequest is returned when a reservation request id is already used.
	ErrDuplicateRequest = errors.New("duplicate request")
)

type EventStore interface {
	// Append durably records ev. It either stores the event or returns an error.
	Append(ctx context.Context, ev domain.StockEvent) error

	// Events returns up to limit events for productID with Seq > afterSeq, in Seq order
	Events(ctx context.Context, productID string, afterSeq uint64, limit int) ([]domain.StockEvent, error)
}

type ReservationRepository interface {
	// Create inserts a new reservation, ErrDuplicateRequest if its RequestID is taken
	Create(ctx context.Context, r domain.Reservation) error

	// Get returns nil when the reservation does not exist
	Get(ctx context.Context, id string) (*domain.Reservation, error)

	// FindByRequestID returns nil when no reservation carries requestID
	FindByRequestID(ctx context.Context, requestID string) (*domain.Reservation, error)

	// UpdateState moves a reservation from one state to another, ErrStateConflict otherwise
	UpdateState(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) error

	// Delete removes a reservation whose Reserve event never reached the ledger
	Delete(ctx context.Context, id string) error

	// ListExpired returns active reservations with ExpiresAt <= now
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

type ProductRepository interface {
	Create(ctx context.Context, p domain.Product) error

	// Get returns nil when the product does not exist
	Get(ctx context.Context, id string) (*domain.Product, error)

	// Update writes descriptive and pricing fields only
	Update(ctx context.Context, p domain.Product) error

	List(ctx context.Context, offset, limit int) ([]domain.Product, error)

	// UpdateInventory refreshes the denormalized inventory column, no-op for unknown ids
	UpdateInventory(ctx context.Context, id string, onHand int) error
}
