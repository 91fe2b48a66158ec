package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// Shared behaviour every storage backend has to provide.

func testEventStore(t *testing.T, store port.EventStore) {
	ctx := context.Background()
	productID := "it-" + uuid.NewString()
	recorded := time.Now().UTC().Truncate(time.Microsecond)

	events := []domain.StockEvent{
		{ProductID: productID, Seq: 1, Kind: domain.EventKindRestock, Quantity: 10, RecordedAt: recorded},
		{ProductID: productID, Seq: 2, Kind: domain.EventKindReserve, Quantity: 3, ReservationID: "res-1", RecordedAt: recorded},
		{ProductID: productID, Seq: 3, Kind: domain.EventKindCommit, Quantity: 3, ReservationID: "res-1", RecordedAt: recorded},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append seq %d: %v", ev.Seq, err)
		}
	}

	t.Run("rejects a taken slot", func(t *testing.T) {
		dup := events[1]
		if err := store.Append(ctx, dup); !errors.Is(err, port.ErrAppendConflict) {
			t.Errorf("expected ErrAppendConflict, got %v", err)
		}
	})

	t.Run("rejects a gap", func(t *testing.T) {
		gap := domain.StockEvent{ProductID: productID, Seq: 5, Kind: domain.EventKindRestock, Quantity: 1, RecordedAt: recorded}
		if err := store.Append(ctx, gap); !errors.Is(err, port.ErrAppendConflict) {
			t.Errorf("expected ErrAppendConflict, got %v", err)
		}
	})

	t.Run("pages in order", func(t *testing.T) {
		first, err := store.Events(ctx, productID, 0, 2)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(first) != 2 || first[0].Seq != 1 || first[1].Seq != 2 {
			t.Fatalf("unexpected first page: %+v", first)
		}
		if first[1].Kind != domain.EventKindReserve || first[1].ReservationID != "res-1" || first[1].Quantity != 3 {
			t.Errorf("event did not round trip: %+v", first[1])
		}
		if !first[0].RecordedAt.Equal(recorded) {
			t.Errorf("expected recorded at %v, got %v", recorded, first[0].RecordedAt)
		}

		rest, err := store.Events(ctx, productID, 2, 10)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(rest) != 1 || rest[0].Seq != 3 {
			t.Errorf("unexpected second page: %+v", rest)
		}

		tail, err := store.Events(ctx, productID, 3, 10)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(tail) != 0 {
			t.Errorf("expected empty tail, got %+v", tail)
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		got, err := store.Events(ctx, "it-"+uuid.NewString(), 0, 10)
		if err != nil || len(got) != 0 {
			t.Errorf("expected no events, got %+v %v", got, err)
		}
	})
}

func testReservationRepository(t *testing.T, repo port.ReservationRepository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	requestID := "req-" + uuid.NewString()

	live := domain.Reservation{
		ID: uuid.NewString(), RequestID: requestID, ProductID: "p-1", Quantity: 2,
		State: domain.ReservationStateActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}
	lapsed := domain.Reservation{
		ID: uuid.NewString(), ProductID: "p-1", Quantity: 1,
		State: domain.ReservationStateActive, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), UpdatedAt: now,
	}
	for _, r := range []domain.Reservation{live, lapsed} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	defer func() {
		_ = repo.Delete(ctx, live.ID)
		_ = repo.Delete(ctx, lapsed.ID)
	}()

	t.Run("duplicate request id", func(t *testing.T) {
		again := live
		again.ID = uuid.NewString()
		if err := repo.Create(ctx, again); !errors.Is(err, port.ErrDuplicateRequest) {
			t.Errorf("expected ErrDuplicateRequest, got %v", err)
		}
	})

	t.Run("lookups", func(t *testing.T) {
		got, err := repo.Get(ctx, live.ID)
		if err != nil || got == nil {
			t.Fatalf("get: %+v %v", got, err)
		}
		if got.RequestID != requestID || got.Quantity != 2 || !got.ExpiresAt.Equal(live.ExpiresAt) {
			t.Errorf("reservation did not round trip: %+v", got)
		}

		byReq, err := repo.FindByRequestID(ctx, requestID)
		if err != nil || byReq == nil || byReq.ID != live.ID {
			t.Errorf("find by request id: %+v %v", byReq, err)
		}

		missing, err := repo.Get(ctx, uuid.NewString())
		if err != nil || missing != nil {
			t.Errorf("expected nil for unknown id, got %+v %v", missing, err)
		}
	})

	t.Run("list expired", func(t *testing.T) {
		expired, err := repo.ListExpired(ctx, now, 10000)
		if err != nil {
			t.Fatalf("list expired: %v", err)
		}
		var sawLapsed, sawLive bool
		for _, r := range expired {
			sawLapsed = sawLapsed || r.ID == lapsed.ID
			sawLive = sawLive || r.ID == live.ID
		}
		if !sawLapsed || sawLive {
			t.Errorf("expected only the lapsed reservation, lapsed=%v live=%v", sawLapsed, sawLive)
		}
	})

	t.Run("compare and set state", func(t *testing.T) {
		at := now.Add(time.Second)
		if err := repo.UpdateState(ctx, live.ID, domain.ReservationStateActive, domain.ReservationStateCommitted, at); err != nil {
			t.Fatalf("update state: %v", err)
		}
		err := repo.UpdateState(ctx, live.ID, domain.ReservationStateActive, domain.ReservationStateReleased, at)
		if !errors.Is(err, port.ErrStateConflict) {
			t.Errorf("expected ErrStateConflict, got %v", err)
		}

		got, _ := repo.Get(ctx, live.ID)
		if got == nil || got.State != domain.ReservationStateCommitted || !got.UpdatedAt.Equal(at) {
			t.Errorf("unexpected state after update: %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := repo.Delete(ctx, live.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if got, _ := repo.Get(ctx, live.ID); got != nil {
			t.Errorf("expected deleted, got %+v", got)
		}
		if got, _ := repo.FindByRequestID(ctx, requestID); got != nil {
			t.Errorf("expected request id to be freed, got %+v", got)
		}
	})
}

func testProductRepository(t *testing.T, repo port.ProductRepository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	p := domain.Product{
		ID:          uuid.NewString(),
		Name:        "Espresso Machine",
		Brand:       "Gaggia",
		Description: "Classic Pro",
		Price:       decimal.RequireFromString("449.99"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, p.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %+v %v", got, err)
	}
	if got.Name != p.Name || got.Brand != p.Brand || !got.Price.Equal(p.Price) {
		t.Errorf("product did not round trip: %+v", got)
	}

	p.Name = "Espresso Machine v2"
	p.Price = decimal.RequireFromString("499.00")
	p.UpdatedAt = now.Add(time.Minute)
	if err := repo.Update(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.UpdateInventory(ctx, p.ID, 7); err != nil {
		t.Fatalf("update inventory: %v", err)
	}
	if err := repo.UpdateInventory(ctx, uuid.NewString(), 3); err != nil {
		t.Errorf("inventory refresh of an unknown product should be a no-op, got %v", err)
	}

	got, err = repo.Get(ctx, p.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %+v %v", got, err)
	}
	if got.Name != p.Name || !got.Price.Equal(p.Price) || got.Inventory != 7 {
		t.Errorf("unexpected product after update: %+v", got)
	}

	if missing, err := repo.Get(ctx, uuid.NewString()); err != nil || missing != nil {
		t.Errorf("expected nil for unknown product, got %+v %v", missing, err)
	}

	page, err := repo.List(ctx, 0, 1)
	if err != nil || len(page) != 1 {
		t.Errorf("expected a page of one, got %d %v", len(page), err)
	}
}
