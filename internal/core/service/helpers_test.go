package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

var (
	testEpoch    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errStoreDown = errors.New("store unavailable")
)

// flakyStore fails appends of the configured kind until cleared.
type flakyStore struct {
	port.EventStore
	mu     sync.Mutex
	failOn domain.EventKind
	// beforeAppend runs ahead of every append that is not failed.
	beforeAppend func(domain.StockEvent)
}

func (f *flakyStore) setBeforeAppend(fn func(domain.StockEvent)) {
	f.mu.Lock()
	f.beforeAppend = fn
	f.mu.Unlock()
}

func (f *flakyStore) setFailOn(kind domain.EventKind) {
	f.mu.Lock()
	f.failOn = kind
	f.mu.Unlock()
}

func (f *flakyStore) Append(ctx context.Context, ev domain.StockEvent) error {
	f.mu.Lock()
	fail := f.failOn != "" && f.failOn == ev.Kind
	hook := f.beforeAppend
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	if hook != nil {
		hook(ev)
	}
	return f.EventStore.Append(ctx, ev)
}

// flakyRepo honours context cancellation on writes the way a database driver
// does, and fails a set number of state updates or deletes.
type flakyRepo struct {
	*storage.MemoryReservationRepository
	mu          sync.Mutex
	failUpdates int
	failDeletes int
}

func (r *flakyRepo) failNext(updates, deletes int) {
	r.mu.Lock()
	r.failUpdates, r.failDeletes = updates, deletes
	r.mu.Unlock()
}

func (r *flakyRepo) take(n *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (r *flakyRepo) Create(ctx context.Context, res domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryReservationRepository.Create(ctx, res)
}

func (r *flakyRepo) UpdateState(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.take(&r.failUpdates) {
		return errStoreDown
	}
	return r.MemoryReservationRepository.UpdateState(ctx, id, from, to, at)
}

func (r *flakyRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.take(&r.failDeletes) {
		return errStoreDown
	}
	return r.MemoryReservationRepository.Delete(ctx, id)
}

type countingMetrics struct {
	appended   atomic.Int32
	rejected   atomic.Int32
	expired    atomic.Int32
	sinkFailed atomic.Int32
}

func (m *countingMetrics) EventAppended(domain.EventKind, time.Duration) { m.appended.Add(1) }
func (m *countingMetrics) ReservationRejected(string)                    { m.rejected.Add(1) }
func (m *countingMetrics) ReservationsExpired(n int)                     { m.expired.Add(int32(n)) }
func (m *countingMetrics) SinkFailed(string)                             { m.sinkFailed.Add(1) }

type testEnv struct {
	clock        *clock.Manual
	store        *flakyStore
	repo         *flakyRepo
	metrics      *countingMetrics
	ledger       *Ledger
	reservations *ReservationService
	query        *QueryService
}

func newTestEnv(t *testing.T, opts ...LedgerOption) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:   clock.NewManual(testEpoch),
		store:   &flakyStore{EventStore: storage.NewMemoryEventStore()},
		repo:    &flakyRepo{MemoryReservationRepository: storage.NewMemoryReservationRepository()},
		metrics: &countingMetrics{},
	}
	opts = append([]LedgerOption{WithLedgerMetrics(env.metrics)}, opts...)
	env.ledger = NewLedger(env.store, env.clock, opts...)
	env.reservations = NewReservationService(env.ledger, env.repo, env.clock, WithReservationMetrics(env.metrics))
	env.query = NewQueryService(env.ledger)
	return env
}

func (e *testEnv) restock(t *testing.T, productID string, qty int) {
	t.Helper()
	if _, err := e.reservations.Restock(context.Background(), productID, qty); err != nil {
		t.Fatalf("restock %s: %v", productID, err)
	}
}

func (e *testEnv) snapshot(t *testing.T, productID string) domain.Availability {
	t.Helper()
	snap, err := e.query.Availability(context.Background(), productID)
	if err != nil {
		t.Fatalf("availability %s: %v", productID, err)
	}
	return snap
}

func (e *testEnv) reserve(t *testing.T, productID string, qty int, ttl time.Duration) domain.Reservation {
	t.Helper()
	r, err := e.reservations.Reserve(context.Background(), ReserveInput{ProductID: productID, Quantity: qty, TTL: ttl})
	if err != nil {
		t.Fatalf("reserve %d of %s: %v", qty, productID, err)
	}
	return r
}

func (e *testEnv) state(t *testing.T, reservationID string) domain.ReservationState {
	t.Helper()
	r, err := e.reservations.Get(context.Background(), reservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	return r.State
}

func assertAvailability(t *testing.T, got domain.Availability, available, reserved, committed int) {
	t.Helper()
	if got.Available != available || got.Reserved != reserved || got.Committed != committed {
		t.Errorf("expected available=%d reserved=%d committed=%d, got available=%d reserved=%d committed=%d",
			available, reserved, committed, got.Available, got.Reserved, got.Committed)
	}
}

// recordingSink keeps delivered events per product.
type recordingSink struct {
	name string
	mu   sync.Mutex
	seen map[string][]uint64
	fail bool
	// failFirst rejects that many deliveries before accepting.
	failFirst int
	attempts  int
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, seen: make(map[string][]uint64)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev domain.StockEvent, snap domain.Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail || s.failFirst > 0 {
		s.failFirst--
		return errors.New("sink rejected event")
	}
	s.seen[ev.ProductID] = append(s.seen[ev.ProductID], ev.Seq)
	return nil
}

func (s *recordingSink) seqs(productID string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seen[productID]...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}
