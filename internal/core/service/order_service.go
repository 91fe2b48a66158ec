package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// PaymentFunc charges the buyer for a held reservation.
type PaymentFunc func(ctx context.Context, r domain.Reservation) error

// OrderService runs a one-shot purchase: hold stock, take payment, then commit
// the hold, or release it when payment fails.
type OrderService struct {
	reservations *ReservationService
	logger       zerolog.Logger
}

func NewOrderService(reservations *ReservationService, logger zerolog.Logger) *OrderService {
	return &OrderService{reservations: reservations, logger: logger}
}

type PurchaseInput struct {
	RequestID string
	ProductID string
	Quantity  int
}

func (s *OrderService) Purchase(ctx context.Context, in PurchaseInput, pay PaymentFunc) (domain.Reservation, error) {
	r, created, err := s.reservations.reserve(ctx, ReserveInput{
		ProductID: in.ProductID,
		Quantity:  in.Quantity,
		RequestID: in.RequestID,
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	// Only the call that created the hold may charge for it. A retry sees the
	// outcome, or learns that the first call is still running.
	if !created {
		switch r.State {
		case domain.ReservationStateCommitted:
			return r, nil
		case domain.ReservationStateReleased, domain.ReservationStateExpired:
			return r, fmt.Errorf("%w: reservation %s is %s", domain.ErrInvalidState, r.ID, r.State)
		default:
			return r, fmt.Errorf("%w: request %s is still in progress", domain.ErrDuplicateRequest, in.RequestID)
		}
	}

	if pay != nil {
		if err := pay(ctx, r); err != nil {
			if relErr := s.reservations.Release(ctx, r.ID); relErr != nil && !errors.Is(relErr, domain.ErrExpired) {
				s.logger.Error().Err(relErr).Str("reservation_id", r.ID).Msg("CRITICAL: release after failed payment failed")
			}
			return domain.Reservation{}, fmt.Errorf("payment failed: %w", err)
		}
	}

	if err := s.reservations.Commit(ctx, r.ID); err != nil {
		s.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("commit after payment failed")
		return domain.Reservation{}, err
	}

	r.State = domain.ReservationStateCommitted
	return r, nil
}
