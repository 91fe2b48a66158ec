package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

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
	tracerName      = "github.com/rl1809/stock-ledger"
	defaultPageSize = 500
)

var errStaleState = errors.New("ledger state reloaded, retry the operation")

// Ledger is the append-only record of stock events per product. All writes to
// a product go through its exclusive section; reads use an immutable snapshot
// swapped atomically after each append.
type Ledger struct {
	store      port.EventStore
	locks      *KeyedMutex
	clock      clock.Clock
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    port.Metrics
	tracer     trace.Tracer
	pageSize   int

	states sync.Map // product id -> *productState
}

type productState struct {
	snap atomic.Pointer[domain.Availability]
	// holds maps each open reservation to its quantity. Only touched inside
	// the product's section.
	holds map[string]int
}

func newProductState(productID string) *productState {
	st := &productState{holds: make(map[string]int)}
	st.snap.Store(&domain.Availability{ProductID: productID})
	return st
}

func (st *productState) apply(ev domain.StockEvent) {
	next := st.snap.Load().Apply(ev)
	st.snap.Store(&next)
	switch ev.Kind {
	case domain.EventKindReserve:
		st.holds[ev.ReservationID] = ev.Quantity
	case domain.EventKindCommit, domain.EventKindRelease:
		delete(st.holds, ev.ReservationID)
	}
}

type LedgerOption func(*Ledger)

func WithLedgerLogger(l zerolog.Logger) LedgerOption {
	return func(led *Ledger) { led.logger = l }
}

func WithLedgerMetrics(m port.Metrics) LedgerOption {
	return func(led *Ledger) {
		if m != nil {
			led.metrics = m
		}
	}
}

func WithLedgerTracer(t trace.Tracer) LedgerOption {
	return func(led *Ledger) {
		if t != nil {
			led.tracer = t
		}
	}
}

// WithDispatcher forwards every appended event to d.
func WithDispatcher(d *Dispatcher) LedgerOption {
	return func(led *Ledger) { led.dispatcher = d }
}

func WithPageSize(n int) LedgerOption {
	return func(led *Ledger) {
		if n > 0 {
			led.pageSize = n
		}
	}
}

func NewLedger(store port.EventStore, clk clock.Clock, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:    store,
		locks:    NewKeyedMutex(),
		clock:    clk,
		logger:   zerolog.Nop(),
		metrics:  port.NopMetrics{},
		tracer:   otel.Tracer(tracerName),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ProductWriter is valid only inside the WithProduct callback that produced it.
type ProductWriter struct {
	ledger    *Ledger
	productID string
	state     *productState
	stale     bool
}

// Snapshot returns the availability as of the last append.
func (w *ProductWriter) Snapshot() domain.Availability {
	return *w.state.snap.Load()
}

// Hold reports whether reservationID has a Reserve event that no Commit or
// Release has closed yet, and its quantity.
func (w *ProductWriter) Hold(reservationID string) (int, bool) {
	qty, ok := w.state.holds[reservationID]
	return qty, ok
}

// LastEventFor returns the latest event recorded for reservationID, or
// ok=false when the ledger has none.
func (w *ProductWriter) LastEventFor(ctx context.Context, reservationID string) (last domain.StockEvent, ok bool, err error) {
	head := w.Snapshot().Version
	if head == 0 {
		return last, false, nil
	}
	err = w.ledger.scan(ctx, w.productID, head, func(ev domain.StockEvent) bool {
		if ev.ReservationID == reservationID {
			last, ok = ev, true
		}
		return true
	})
	return last, ok, err
}

// Append validates ev, assigns the next sequence number and stores it. The
// store append is the commit point: on error nothing changes.
func (w *ProductWriter) Append(ctx context.Context, ev domain.StockEvent) (uint64, error) {
	l := w.ledger
	if w.stale {
		return 0, errStaleState
	}

	if ev.ProductID == "" {
		ev.ProductID = w.productID
	}
	if ev.ProductID != w.productID {
		return 0, fmt.Errorf("%w: event for %s appended under %s", domain.ErrValidation, ev.ProductID, w.productID)
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("product.id", ev.ProductID),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.Int("event.quantity", ev.Quantity),
	))
	defer span.End()

	cur := w.Snapshot()
	ev.Seq = cur.Version + 1
	ev.RecordedAt = l.clock.Now()

	next := cur.Apply(ev)
	err := checkHold(ev, w.state.holds)
	if err == nil {
		err = checkInvariants(ev, next)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return 0, err
	}

	start := time.Now()
	if err := l.store.Append(ctx, ev); err != nil {
		if errors.Is(err, port.ErrAppendConflict) {
			l.states.Delete(w.productID)
			w.stale = true
			l.logger.Warn().Str("product_id", w.productID).Uint64("seq", ev.Seq).Msg("append conflict, dropping cached state")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "store append failed")
		return 0, err
	}

	w.state.apply(ev)
	l.metrics.EventAppended(ev.Kind, time.Since(start))
	span.SetAttributes(attribute.Int64("event.seq", int64(ev.Seq)))

	if l.dispatcher != nil {
		l.dispatcher.Enqueue(ev, next)
	}
	return ev.Seq, nil
}

// checkHold keeps reservations and their closing events paired: a reservation
// holds stock at most once and is closed with the quantity it holds.
func checkHold(ev domain.StockEvent, holds map[string]int) error {
	held, open := holds[ev.ReservationID]
	switch ev.Kind {
	case domain.EventKindReserve:
		if open {
			return fmt.Errorf("%w: reservation %s already holds stock", domain.ErrValidation, ev.ReservationID)
		}
	case domain.EventKindCommit, domain.EventKindRelease:
		if !open {
			return fmt.Errorf("%w: reservation %s holds no stock", domain.ErrValidation, ev.ReservationID)
		}
		if held != ev.Quantity {
			return fmt.Errorf("%w: reservation %s holds %d, %s of %d", domain.ErrValidation, ev.ReservationID, held, ev.Kind, ev.Quantity)
		}
	}
	return nil
}

func checkInvariants(ev domain.StockEvent, next domain.Availability) error {
	if next.Reserved < 0 {
		return fmt.Errorf("%w: %s of %d exceeds reserved stock", domain.ErrValidation, ev.Kind, ev.Quantity)
	}
	if next.Available < 0 {
		return fmt.Errorf("%w: %s of %d exceeds available stock", domain.ErrInsufficientStock, ev.Kind, ev.Quantity)
	}
	return nil
}

// WithProduct runs fn inside the exclusive section of productID.
func (l *Ledger) WithProduct(ctx context.Context, productID string, fn func(w *ProductWriter) error) error {
	if productID == "" {
		return fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}

	unlock, err := l.locks.Lock(ctx, productID)
	if err != nil {
		return fmt.Errorf("lock product %s: %w", productID, err)
	}
	defer unlock()

	st, err := l.load(ctx, productID)
	if err != nil {
		return err
	}
	return fn(&ProductWriter{ledger: l, productID: productID, state: st})
}

// Append records a single event and returns its sequence number.
func (l *Ledger) Append(ctx context.Context, ev domain.StockEvent) (uint64, error) {
	var seq uint64
	err := l.WithProduct(ctx, ev.ProductID, func(w *ProductWriter) error {
		s, err := w.Append(ctx, ev)
		seq = s
		return err
	})
	return seq, err
}

// Snapshot returns the current availability without taking the product lock,
// except on first access when the product is hydrated from the store.
func (l *Ledger) Snapshot(ctx context.Context, productID string) (domain.Availability, error) {
	if snap, ok := l.cached(productID); ok {
		return snap, nil
	}

	var snap domain.Availability
	err := l.WithProduct(ctx, productID, func(w *ProductWriter) error {
		snap = w.Snapshot()
		return nil
	})
	return snap, err
}

// cached returns the snapshot of a product this ledger has already loaded,
// without hydrating it.
func (l *Ledger) cached(productID string) (domain.Availability, bool) {
	v, ok := l.states.Load(productID)
	if !ok {
		return domain.Availability{}, false
	}
	return *v.(*productState).snap.Load(), true
}

// EventsFor yields the product's events in append order. Each range starts
// from the first event and stops at the head observed when ranging began.
func (l *Ledger) EventsFor(ctx context.Context, productID string) iter.Seq2[domain.StockEvent, error] {
	return func(yield func(domain.StockEvent, error) bool) {
		head, err := l.Snapshot(ctx, productID)
		if err != nil {
			yield(domain.StockEvent{}, err)
			return
		}
		if head.Version == 0 {
			return
		}
		err = l.scan(ctx, productID, head.Version, func(ev domain.StockEvent) bool {
			return yield(ev, nil)
		})
		if err != nil {
			yield(domain.StockEvent{}, err)
		}
	}
}

// load must be called inside the product's section.
func (l *Ledger) load(ctx context.Context, productID string) (*productState, error) {
	if v, ok := l.states.Load(productID); ok {
		return v.(*productState), nil
	}

	st := newProductState(productID)
	err := l.scan(ctx, productID, 0, func(ev domain.StockEvent) bool {
		st.apply(ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	l.states.Store(productID, st)

	l.logger.Debug().Str("product_id", productID).Uint64("version", st.snap.Load().Version).Msg("hydrated product ledger")
	return st, nil
}

// scan pages through the store. upTo of 0 means no upper bound. It stops
// without error when visit returns false.
func (l *Ledger) scan(ctx context.Context, productID string, upTo uint64, visit func(domain.StockEvent) bool) error {
	var after uint64
	for upTo == 0 || after < upTo {
		page, err := l.store.Events(ctx, productID, after, l.pageSize)
		if err != nil {
			return fmt.Errorf("read events for %s: %w", productID, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, ev := range page {
			if upTo != 0 && ev.Seq > upTo {
				return nil
			}
			if !visit(ev) {
				return nil
			}
			after = ev.Seq
		}
		if len(page) < l.pageSize {
			return nil
		}
	}
	return nil
}
