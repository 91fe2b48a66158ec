package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

func TestLedger_AppendAssignsSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seq, err := env.ledger.Append(ctx, domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}

	seq, err = env.ledger.Append(ctx, domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 2 {
		t.Errorf("expected seq 2, got %d", seq)
	}

	// other products keep their own sequence
	seq, err = env.ledger.Append(ctx, domain.StockEvent{ProductID: "sku-2", Kind: domain.EventKindRestock, Quantity: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1 for sku-2, got %d", seq)
	}

	snap := env.snapshot(t, "sku-1")
	if snap.Version != 2 || snap.Restocked != 15 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	assertAvailability(t, snap, 15, 0, 0)

	var recorded []domain.StockEvent
	for ev, err := range env.ledger.EventsFor(ctx, "sku-1") {
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		recorded = append(recorded, ev)
	}
	if len(recorded) != 2 || !recorded[0].RecordedAt.Equal(testEpoch) {
		t.Errorf("expected 2 events stamped by the clock, got %+v", recorded)
	}
}

func TestLedger_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.restock(t, "sku-1", 5)

	tests := []struct {
		name    string
		ev      domain.StockEvent
		wantErr error
	}{
		{"missing product", domain.StockEvent{Kind: domain.EventKindRestock, Quantity: 1}, domain.ErrValidation},
		{"zero quantity", domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock}, domain.ErrValidation},
		{"reserve beyond available", domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindReserve, Quantity: 6, ReservationID: "r1"}, domain.ErrInsufficientStock},
		{"release beyond reserved", domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRelease, Quantity: 1, ReservationID: "r1"}, domain.ErrValidation},
		{"commit beyond reserved", domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindCommit, Quantity: 1, ReservationID: "r1"}, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.Append(ctx, tt.ev)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	snap := env.snapshot(t, "sku-1")
	if snap.Version != 1 {
		t.Errorf("rejected appends must not advance the ledger, version %d", snap.Version)
	}
	assertAvailability(t, snap, 5, 0, 0)
}

func TestLedger_HoldsPairReserveWithClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.restock(t, "sku-1", 5)

	steps := []struct {
		name    string
		ev      domain.StockEvent
		wantErr error
	}{
		{"reserve", domain.StockEvent{Kind: domain.EventKindReserve, Quantity: 2, ReservationID: "r1"}, nil},
		{"reserve same id twice", domain.StockEvent{Kind: domain.EventKindReserve, Quantity: 1, ReservationID: "r1"}, domain.ErrValidation},
		{"commit wrong quantity", domain.StockEvent{Kind: domain.EventKindCommit, Quantity: 1, ReservationID: "r1"}, domain.ErrValidation},
		{"release unknown hold", domain.StockEvent{Kind: domain.EventKindRelease, Quantity: 2, ReservationID: "r2"}, domain.ErrValidation},
		{"commit", domain.StockEvent{Kind: domain.EventKindCommit, Quantity: 2, ReservationID: "r1"}, nil},
		{"commit closed hold", domain.StockEvent{Kind: domain.EventKindCommit, Quantity: 2, ReservationID: "r1"}, domain.ErrValidation},
	}

	for _, step := range steps {
		err := env.ledger.WithProduct(ctx, "sku-1", func(w *ProductWriter) error {
			_, err := w.Append(ctx, step.ev)
			return err
		})
		if step.wantErr == nil && err != nil {
			t.Fatalf("%s: unexpected error: %v", step.name, err)
		}
		if step.wantErr != nil && !errors.Is(err, step.wantErr) {
			t.Errorf("%s: expected %v, got %v", step.name, step.wantErr, err)
		}
	}

	assertAvailability(t, env.snapshot(t, "sku-1"), 3, 0, 2)
}

// readFailStore fails every Events call from the failFrom-th on.
type readFailStore struct {
	port.EventStore
	calls    atomic.Int32
	failFrom int32
}

func (s *readFailStore) Events(ctx context.Context, productID string, afterSeq uint64, limit int) ([]domain.StockEvent, error) {
	if s.calls.Add(1) >= s.failFrom {
		return nil, errStoreDown
	}
	return s.EventStore.Events(ctx, productID, afterSeq, limit)
}

func TestLedger_EventsForReportsReadErrorOnce(t *testing.T) {
	mem := storage.NewMemoryEventStore()
	store := &readFailStore{EventStore: mem, failFrom: 1 << 30}
	ledger := NewLedger(store, clock.NewManual(testEpoch), WithPageSize(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := ledger.Append(ctx, domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 1}); err != nil {
			t.Fatalf("restock: %v", err)
		}
	}

	// the first page succeeds, the second fails
	store.failFrom = store.calls.Load() + 2

	var events, errs int
	for _, err := range ledger.EventsFor(ctx, "sku-1") {
		if err != nil {
			if !errors.Is(err, errStoreDown) {
				t.Errorf("expected store error, got %v", err)
			}
			errs++
			continue
		}
		events++
	}
	if events != 2 || errs != 1 {
		t.Errorf("expected 2 events then one error, got %d events and %d errors", events, errs)
	}
}

func TestLedger_WriterRejectsForeignProduct(t *testing.T) {
	env := newTestEnv(t)

	err := env.ledger.WithProduct(context.Background(), "sku-1", func(w *ProductWriter) error {
		_, err := w.Append(context.Background(), domain.StockEvent{ProductID: "sku-2", Kind: domain.EventKindRestock, Quantity: 1})
		return err
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestLedger_StoreFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.restock(t, "sku-1", 3)

	env.store.setFailOn(domain.EventKindRestock)
	_, err := env.ledger.Append(context.Background(), domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 2})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	snap := env.snapshot(t, "sku-1")
	if snap.Version != 1 || snap.Restocked != 3 {
		t.Errorf("expected untouched snapshot, got %+v", snap)
	}

	env.store.setFailOn("")
	seq, err := env.ledger.Append(context.Background(), domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 2 {
		t.Errorf("expected seq 2 after failed append, got %d", seq)
	}
}

func TestLedger_ConcurrentAppendsAreGapless(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.ledger.Append(ctx, domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 1}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	var want uint64 = 1
	for ev, err := range env.ledger.EventsFor(ctx, "sku-1") {
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
		want++
	}
	if want != 51 {
		t.Errorf("expected 50 events, got %d", want-1)
	}
	if snap := env.snapshot(t, "sku-1"); snap.Available != 50 {
		t.Errorf("expected 50 available, got %d", snap.Available)
	}
}

func TestLedger_SnapshotsAreConsistentUnderWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.restock(t, "sku-1", 1000)

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap, err := env.ledger.Snapshot(ctx, "sku-1")
				if err != nil {
					t.Errorf("snapshot: %v", err)
					return
				}
				if snap.Available < 0 || snap.Available != snap.Restocked-snap.Reserved-snap.Committed {
					t.Errorf("torn snapshot: %+v", snap)
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 20; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for j := 0; j < 10; j++ {
				r, err := env.reservations.Reserve(ctx, ReserveInput{ProductID: "sku-1", Quantity: 2})
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				if j%2 == 0 {
					err = env.reservations.Commit(ctx, r.ID)
				} else {
					err = env.reservations.Release(ctx, r.ID)
				}
				if err != nil {
					t.Errorf("finish: %v", err)
					return
				}
			}
		}()
	}
	writers.Wait()
	close(done)
	readers.Wait()

	// 20 writers x 5 commits x 2 units
	assertAvailability(t, env.snapshot(t, "sku-1"), 800, 0, 200)
}

func TestLedger_HydratesFromStore(t *testing.T) {
	store := storage.NewMemoryEventStore()
	clk := clock.NewManual(testEpoch)
	ctx := context.Background()

	first := NewLedger(store, clk)
	for _, ev := range []domain.StockEvent{
		{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 10},
		{ProductID: "sku-1", Kind: domain.EventKindReserve, Quantity: 4, ReservationID: "r1"},
		{ProductID: "sku-1", Kind: domain.EventKindCommit, Quantity: 4, ReservationID: "r1"},
	} {
		if _, err := first.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	second := NewLedger(store, clk, WithPageSize(2))
	snap, err := second.Snapshot(ctx, "sku-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("expected version 3, got %d", snap.Version)
	}
	assertAvailability(t, snap, 6, 0, 4)

	seq, err := second.Append(ctx, domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 1})
	if err != nil {
		t.Fatalf("append after hydration: %v", err)
	}
	if seq != 4 {
		t.Errorf("expected seq 4, got %d", seq)
	}
}

func TestLedger_AppendConflictReloadsState(t *testing.T) {
	store := storage.NewMemoryEventStore()
	clk := clock.NewManual(testEpoch)
	ctx := context.Background()
	a := NewLedger(store, clk)
	b := NewLedger(store, clk)

	restock := domain.StockEvent{ProductID: "sku-1", Kind: domain.EventKindRestock, Quantity: 1}
	if _, err := a.Append(ctx, restock); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := b.Snapshot(ctx, "sku-1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := a.Append(ctx, restock); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := b.WithProduct(ctx, "sku-1", func(w *ProductWriter) error {
		_, err := w.Append(ctx, restock)
		if !errors.Is(err, port.ErrAppendConflict) {
			t.Errorf("expected ErrAppendConflict, got %v", err)
		}
		_, err = w.Append(ctx, restock)
		if !errors.Is(err, errStaleState) {
			t.Errorf("expected stale writer, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with product: %v", err)
	}

	seq, err := b.Append(ctx, restock)
	if err != nil {
		t.Fatalf("append after reload: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3, got %d", seq)
	}
}

func TestLedger_EventsForBoundedAtHead(t *testing.T) {
	env := newTestEnv(t, WithPageSize(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		env.restock(t, "sku-1", 1)
	}

	count := 0
	for ev, err := range env.ledger.EventsFor(ctx, "sku-1") {
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if ev.Seq == 1 {
			env.restock(t, "sku-1", 1)
		}
		count++
	}
	if count != 5 {
		t.Errorf("expected 5 events from the head at range start, got %d", count)
	}

	// ranging again starts over and sees the later append
	count = 0
	for _, err := range env.ledger.EventsFor(ctx, "sku-1") {
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		count++
	}
	if count != 6 {
		t.Errorf("expected 6 events, got %d", count)
	}
}

func TestLedger_EventsForEarlyBreakAndEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.restock(t, "sku-1", 1)
	}

	count := 0
	for range env.ledger.EventsFor(ctx, "sku-1") {
		count++
		break
	}
	if count != 1 {
		t.Errorf("expected to stop after 1 event, got %d", count)
	}

	for ev, err := range env.ledger.EventsFor(ctx, "unknown") {
		t.Errorf("expected no events, got %+v %v", ev, err)
	}
}

func TestLedger_ForwardsToDispatcher(t *testing.T) {
	sink := newRecordingSink("recorder")
	d := NewDispatcher(2, 16, []port.LedgerSink{sink})
	d.Start()

	env := newTestEnv(t, WithDispatcher(d))
	env.restock(t, "sku-1", 4)
	env.reserve(t, "sku-1", 1, 0)
	d.Close()

	got := sink.seqs("sku-1")
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected seqs [1 2], got %v", got)
	}
}
