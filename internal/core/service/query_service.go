package service

import (
	"context"
	"iter"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// QueryService is the read side of the inventory. It never mutates state.
type QueryService struct {
	ledger *Ledger
	cache  port.SnapshotCache
	logger zerolog.Logger
}

type QueryOption func(*QueryService)

// WithSnapshotCache enables CachedAvailability.
func WithSnapshotCache(c port.SnapshotCache) QueryOption {
	return func(q *QueryService) { q.cache = c }
}

func WithQueryLogger(l zerolog.Logger) QueryOption {
	return func(q *QueryService) { q.logger = l }
}

func NewQueryService(ledger *Ledger, opts ...QueryOption) *QueryService {
	q := &QueryService{ledger: ledger, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Availability reflects every append that completed before the call.
func (q *QueryService) Availability(ctx context.Context, productID string) (domain.Availability, error) {
	return q.ledger.Snapshot(ctx, productID)
}

// CachedAvailability serves from the snapshot cache and falls back to the
// ledger on a miss or cache error. For a product this process has loaded, a
// cached snapshot older than the ledger head is never returned; the cache is
// refreshed instead. Other products can lag by at most the cache TTL.
func (q *QueryService) CachedAvailability(ctx context.Context, productID string) (domain.Availability, error) {
	if q.cache == nil {
		return q.Availability(ctx, productID)
	}

	snap, err := q.cache.GetSnapshot(ctx, productID)
	if err != nil {
		q.logger.Warn().Err(err).Str("product_id", productID).Msg("snapshot cache read failed")
		return q.Availability(ctx, productID)
	}

	live, loaded := q.ledger.cached(productID)
	if loaded && (snap == nil || snap.Version < live.Version) {
		if err := q.cache.PutSnapshot(ctx, live); err != nil {
			q.logger.Warn().Err(err).Str("product_id", productID).Msg("snapshot cache refresh failed")
		}
		return live, nil
	}
	if snap == nil {
		return q.Availability(ctx, productID)
	}
	return *snap, nil
}

func (q *QueryService) EventsFor(ctx context.Context, productID string) iter.Seq2[domain.StockEvent, error] {
	return q.ledger.EventsFor(ctx, productID)
}

// Replay folds the product's event history. For a product with no writes in
// flight it equals Availability.
func (q *QueryService) Replay(ctx context.Context, productID string) (domain.Availability, error) {
	a := domain.Availability{ProductID: productID}
	for ev, err := range q.ledger.EventsFor(ctx, productID) {
		if err != nil {
			return domain.Availability{}, err
		}
		a = a.Apply(ev)
	}
	return a, nil
}
