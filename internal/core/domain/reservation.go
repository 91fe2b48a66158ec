package domain

import "time"

type ReservationState string

const (
	ReservationStateActive    ReservationState = "active"
	ReservationStateCommitted ReservationState = "committed"
	ReservationStateReleased  ReservationState = "released"
	ReservationStateExpired   ReservationState = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s ReservationState) Terminal() bool {
	return s == ReservationStateCommitted || s == ReservationStateReleased || s == ReservationStateExpired
}

// Reservation is a time-bounded hold on stock.
type Reservation struct {
	ID        string
	RequestID string
	ProductID string
	Quantity  int
	State     ReservationState
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// PastExpiry reports whether the hold has lapsed at now.
func (r Reservation) PastExpiry(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
