package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultReservationTTL = 15 * time.Minute
	sweepBatchSize        = 500
	ledgerWriteTimeout    = 5 * time.Second
)

// MaxReservationTTL is the longest hold a reserve call may ask for.
const MaxReservationTTL = 7 * 24 * time.Hour

var errNothingToExpire = errors.New("nothing to expire")

// ReservationService runs the reserve -> commit/release lifecycle on top of
// the ledger. Every transition of a reservation happens inside its product's
// exclusive section, so the first transition wins and later ones see the new
// state.
type ReservationService struct {
	ledger     *Ledger
	repo       port.ReservationRepository
	clock      clock.Clock
	defaultTTL time.Duration
	logger     zerolog.Logger
	metrics    port.Metrics
	tracer     trace.Tracer
}

type ReservationOption func(*ReservationService)

// WithDefaultTTL overrides the TTL used when a reserve call does not set one.
func WithDefaultTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

func WithReservationLogger(l zerolog.Logger) ReservationOption {
	return func(s *ReservationService) { s.logger = l }
}

func WithReservationMetrics(m port.Metrics) ReservationOption {
	return func(s *ReservationService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithReservationTracer(t trace.Tracer) ReservationOption {
	return func(s *ReservationService) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewReservationService(ledger *Ledger, repo port.ReservationRepository, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	s := &ReservationService{
		ledger:     ledger,
		repo:       repo,
		clock:      clk,
		defaultTTL: defaultReservationTTL,
		logger:     zerolog.Nop(),
		metrics:    port.NopMetrics{},
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ReserveInput struct {
	ProductID string
	Quantity  int
	// TTL <= 0 selects the service default.
	TTL time.Duration
	// RequestID makes retries of the same call return the same reservation.
	RequestID string
}

func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error) {
	r, _, err := s.reserve(ctx, in)
	return r, err
}

// reserve also reports whether this call created the reservation, as opposed
// to replaying an earlier call with the same RequestID.
func (s *ReservationService) reserve(ctx context.Context, in ReserveInput) (domain.Reservation, bool, error) {
	if in.Quantity <= 0 {
		return domain.Reservation{}, false, fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrValidation, in.Quantity)
	}
	if in.TTL > MaxReservationTTL {
		return domain.Reservation{}, false, fmt.Errorf("%w: ttl %s exceeds the maximum of %s", domain.ErrValidation, in.TTL, MaxReservationTTL)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	ctx, span := s.tracer.Start(ctx, "reservation.Reserve", trace.WithAttributes(
		attribute.String("product.id", in.ProductID),
		attribute.Int("reservation.quantity", in.Quantity),
	))
	defer span.End()

	var (
		result  domain.Reservation
		created bool
	)
	err := s.ledger.WithProduct(ctx, in.ProductID, func(w *ProductWriter) error {
		if in.RequestID != "" {
			existing, err := s.repo.FindByRequestID(ctx, in.RequestID)
			if err != nil {
				return fmt.Errorf("find reservation by request id: %w", err)
			}
			if existing != nil {
				if existing.ProductID != in.ProductID || existing.Quantity != in.Quantity {
					return fmt.Errorf("%w: request id %s was used for a different reservation", domain.ErrValidation, in.RequestID)
				}
				r, err := s.reconcile(ctx, w, *existing, s.clock.Now())
				if err == nil {
					result = r
					return nil
				}
				// An orphan record was removed; reserve afresh.
				if !errors.Is(err, domain.ErrNotFound) {
					return err
				}
			}
		}

		snap := w.Snapshot()
		if snap.Available < in.Quantity {
			s.metrics.ReservationRejected("insufficient_stock")
			return fmt.Errorf("%w: product %s has %d available, requested %d",
				domain.ErrInsufficientStock, in.ProductID, snap.Available, in.Quantity)
		}

		now := s.clock.Now()
		r := domain.Reservation{
			ID:        uuid.NewString(),
			RequestID: in.RequestID,
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			State:     domain.ReservationStateActive,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			UpdatedAt: now,
		}

		if err := s.repo.Create(ctx, r); err != nil {
			if errors.Is(err, port.ErrDuplicateRequest) {
				return fmt.Errorf("%w: request id %s was used for a different reservation", domain.ErrValidation, in.RequestID)
			}
			return fmt.Errorf("create reservation: %w", err)
		}

		// The record exists from here on, so the append and its cleanup
		// outlive the caller.
		wctx, cancel := detached(ctx)
		defer cancel()
		if _, err := w.Append(wctx, domain.StockEvent{
			Kind:          domain.EventKindReserve,
			Quantity:      r.Quantity,
			ReservationID: r.ID,
		}); err != nil {
			if delErr := s.repo.Delete(wctx, r.ID); delErr != nil {
				s.logger.Error().Err(delErr).Str("reservation_id", r.ID).Msg("failed to remove reservation after append failure, left for the sweeper")
			}
			return err
		}

		result = r
		created = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return domain.Reservation{}, false, err
	}

	span.SetAttributes(attribute.String("reservation.id", result.ID))
	return result, created, nil
}

// Commit finalizes a sale. A reservation found past its expiry is expired on
// the spot and the call fails with ErrExpired.
func (s *ReservationService) Commit(ctx context.Context, reservationID string) error {
	ctx, span := s.tracer.Start(ctx, "reservation.Commit", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()

	err := s.finish(ctx, reservationID, func(w *ProductWriter, r domain.Reservation, now time.Time) error {
		switch r.State {
		case domain.ReservationStateCommitted, domain.ReservationStateReleased:
			s.metrics.ReservationRejected("invalid_state")
			return fmt.Errorf("%w: reservation %s is %s", domain.ErrInvalidState, r.ID, r.State)
		case domain.ReservationStateExpired:
			s.metrics.ReservationRejected("expired")
			return fmt.Errorf("%w: reservation %s", domain.ErrExpired, r.ID)
		}
		if r.PastExpiry(now) {
			return s.expireOnAccess(ctx, w, r, now)
		}
		return s.transition(ctx, w, r, domain.ReservationStateCommitted, domain.EventKindCommit, now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
	}
	return err
}

// Release cancels a hold. Releasing an already released reservation succeeds
// without touching the ledger so cancellations can be retried.
func (s *ReservationService) Release(ctx context.Context, reservationID string) error {
	ctx, span := s.tracer.Start(ctx, "reservation.Release", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()

	err := s.finish(ctx, reservationID, func(w *ProductWriter, r domain.Reservation, now time.Time) error {
		switch r.State {
		case domain.ReservationStateReleased:
			return nil
		case domain.ReservationStateCommitted:
			s.metrics.ReservationRejected("invalid_state")
			return fmt.Errorf("%w: reservation %s is %s", domain.ErrInvalidState, r.ID, r.State)
		case domain.ReservationStateExpired:
			s.metrics.ReservationRejected("expired")
			return fmt.Errorf("%w: reservation %s", domain.ErrExpired, r.ID)
		}
		if r.PastExpiry(now) {
			return s.expireOnAccess(ctx, w, r, now)
		}
		return s.transition(ctx, w, r, domain.ReservationStateReleased, domain.EventKindRelease, now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
	}
	return err
}

// SweepExpired expires one batch of lapsed active reservations and returns
// how many it expired. Records that disagree with the ledger are repaired
// instead. Failures on individual reservations are logged and skipped; only a
// failure to list candidates is returned.
func (s *ReservationService) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	candidates, err := s.repo.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	count := 0
	for _, c := range candidates {
		err := s.ledger.WithProduct(ctx, c.ProductID, func(w *ProductWriter) error {
			r, err := s.repo.Get(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("get reservation: %w", err)
			}
			if r == nil || r.State != domain.ReservationStateActive {
				return errNothingToExpire
			}
			cur, err := s.reconcile(ctx, w, *r, now)
			if errors.Is(err, domain.ErrNotFound) {
				return errNothingToExpire
			}
			if err != nil {
				return err
			}
			if cur.State != domain.ReservationStateActive || !cur.PastExpiry(now) {
				return errNothingToExpire
			}
			return s.transition(ctx, w, cur, domain.ReservationStateExpired, domain.EventKindRelease, now)
		})
		if errors.Is(err, errNothingToExpire) {
			continue
		}
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("reservation_id", c.ID).
				Str("product_id", c.ProductID).
				Msg("failed to expire reservation")
			continue
		}
		count++
	}

	if count > 0 {
		s.metrics.ReservationsExpired(count)
		s.logger.Info().Int("count", count).Msg("expired reservations")
	}
	return count, nil
}

// Restock adds units to a product and returns the event's sequence number.
func (s *ReservationService) Restock(ctx context.Context, productID string, quantity int) (uint64, error) {
	return s.ledger.Append(ctx, domain.StockEvent{
		ProductID: productID,
		Kind:      domain.EventKindRestock,
		Quantity:  quantity,
	})
}

func (s *ReservationService) Get(ctx context.Context, reservationID string) (domain.Reservation, error) {
	r, err := s.repo.Get(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	if r == nil {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	return *r, nil
}

// finish locates the reservation, enters its product's section and hands fn
// the state as re-read under the lock.
func (s *ReservationService) finish(ctx context.Context, reservationID string, fn func(*ProductWriter, domain.Reservation, time.Time) error) error {
	r, err := s.Get(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.ledger.WithProduct(ctx, r.ProductID, func(w *ProductWriter) error {
		cur, err := s.Get(ctx, reservationID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		cur, err = s.reconcile(ctx, w, cur, now)
		if err != nil {
			return err
		}
		return fn(w, cur, now)
	})
}

func (s *ReservationService) expireOnAccess(ctx context.Context, w *ProductWriter, r domain.Reservation, now time.Time) error {
	if err := s.transition(ctx, w, r, domain.ReservationStateExpired, domain.EventKindRelease, now); err != nil {
		return err
	}
	s.metrics.ReservationsExpired(1)
	s.metrics.ReservationRejected("expired")
	return fmt.Errorf("%w: reservation %s expired at %s", domain.ErrExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
}

// transition closes an active reservation's hold in the ledger, then records
// the new state. Once started it runs on a detached context: the ledger is
// the source of truth, and a state write that still fails is repaired by
// reconcile on the next access or sweep.
func (s *ReservationService) transition(ctx context.Context, w *ProductWriter, r domain.Reservation, to domain.ReservationState, kind domain.EventKind, now time.Time) error {
	wctx, cancel := detached(ctx)
	defer cancel()

	if _, err := w.Append(wctx, domain.StockEvent{
		Kind:          kind,
		Quantity:      r.Quantity,
		ReservationID: r.ID,
	}); err != nil {
		return err
	}

	if err := s.repo.UpdateState(wctx, r.ID, domain.ReservationStateActive, to, now); err != nil {
		s.logger.Error().
			Err(err).
			Str("reservation_id", r.ID).
			Str("state", string(to)).
			Msg("reservation state lags the ledger")
	}
	return nil
}

// reconcile returns r as the ledger sees it. An active record whose hold is
// already closed takes the state of the closing event. An active record that
// never reached the ledger is deleted and reported as not found.
func (s *ReservationService) reconcile(ctx context.Context, w *ProductWriter, r domain.Reservation, now time.Time) (domain.Reservation, error) {
	if r.State != domain.ReservationStateActive {
		return r, nil
	}
	if _, held := w.Hold(r.ID); held {
		return r, nil
	}

	last, found, err := w.LastEventFor(ctx, r.ID)
	if err != nil {
		return r, fmt.Errorf("read ledger for reservation: %w", err)
	}

	wctx, cancel := detached(ctx)
	defer cancel()

	var to domain.ReservationState
	switch {
	case !found:
		if err := s.repo.Delete(wctx, r.ID); err != nil {
			return r, fmt.Errorf("delete orphaned reservation: %w", err)
		}
		s.logger.Warn().Str("reservation_id", r.ID).Msg("removed reservation with no ledger hold")
		return r, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, r.ID)
	case last.Kind == domain.EventKindCommit:
		to = domain.ReservationStateCommitted
	case last.Kind == domain.EventKindRelease && r.PastExpiry(last.RecordedAt):
		to = domain.ReservationStateExpired
	case last.Kind == domain.EventKindRelease:
		to = domain.ReservationStateReleased
	default:
		return r, nil
	}

	if err := s.repo.UpdateState(wctx, r.ID, domain.ReservationStateActive, to, now); err != nil {
		if errors.Is(err, port.ErrStateConflict) {
			return s.Get(ctx, r.ID)
		}
		return r, fmt.Errorf("repair reservation state: %w", err)
	}
	s.logger.Warn().Str("reservation_id", r.ID).Str("state", string(to)).Msg("repaired reservation state from ledger")

	r.State = to
	r.UpdatedAt = now
	return r, nil
}

// detached keeps ctx's values but not its cancellation, bounded by
// ledgerWriteTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
}
