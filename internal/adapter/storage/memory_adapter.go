package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// MemoryEventStore keeps ledgers in process memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]domain.StockEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]domain.StockEvent)}
}

func (m *MemoryEventStore) Append(ctx context.Context, ev domain.StockEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[ev.ProductID]
	if want := uint64(len(log)) + 1; ev.Seq != want {
		return fmt.Errorf("%w: product %s expected seq %d, got %d", port.ErrAppendConflict, ev.ProductID, want, ev.Seq)
	}
	m.events[ev.ProductID] = append(log, ev)
	return nil
}

func (m *MemoryEventStore) Events(ctx context.Context, productID string, afterSeq uint64, limit int) ([]domain.StockEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[productID]
	if afterSeq >= uint64(len(log)) {
		return nil, nil
	}
	// seq n lives at index n-1
	rest := log[afterSeq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]domain.StockEvent, len(rest))
	copy(out, rest)
	return out, nil
}

// MemoryReservationRepository keeps reservations in process memory.
type MemoryReservationRepository struct {
	mu        sync.RWMutex
	byID      map[string]domain.Reservation
	byRequest map[string]string
}

func NewMemoryReservationRepository() *MemoryReservationRepository {
	return &MemoryReservationRepository{
		byID:      make(map[string]domain.Reservation),
		byRequest: make(map[string]string),
	}
}

func (m *MemoryReservationRepository) Create(ctx context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	if r.RequestID != "" {
		if _, ok := m.byRequest[r.RequestID]; ok {
			return port.ErrDuplicateRequest
		}
		m.byRequest[r.RequestID] = r.ID
	}
	m.byID[r.ID] = r
	return nil
}

func (m *MemoryReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryReservationRepository) FindByRequestID(ctx context.Context, requestID string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRequest[requestID]
	if !ok {
		return nil, nil
	}
	r := m.byID[id]
	return &r, nil
}

func (m *MemoryReservationRepository) UpdateState(ctx context.Context, id string, from, to domain.ReservationState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok || r.State != from {
		return port.ErrStateConflict
	}
	r.State = to
	r.UpdatedAt = at
	m.byID[id] = r
	return nil
}

func (m *MemoryReservationRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byID[id]; ok && r.RequestID != "" {
		delete(m.byRequest, r.RequestID)
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryReservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range m.byID {
		if r.State == domain.ReservationStateActive && r.PastExpiry(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryProductRepository keeps products in process memory.
type MemoryProductRepository struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	order    []string
}

func NewMemoryProductRepository() *MemoryProductRepository {
	return &MemoryProductRepository{products: make(map[string]domain.Product)}
}

func (m *MemoryProductRepository) Create(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	m.products[p.ID] = p
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryProductRepository) Get(ctx context.Context, id string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryProductRepository) Update(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.products[p.ID]
	if !ok {
		return fmt.Errorf("product %s does not exist", p.ID)
	}
	cur.Name = p.Name
	cur.Brand = p.Brand
	cur.Description = p.Description
	cur.Price = p.Price
	cur.UpdatedAt = p.UpdatedAt
	m.products[p.ID] = cur
	return nil
}

func (m *MemoryProductRepository) List(ctx context.Context, offset, limit int) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset >= len(m.order) {
		return nil, nil
	}
	ids := m.order[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.products[id])
	}
	return out, nil
}

func (m *MemoryProductRepository) UpdateInventory(ctx context.Context, id string, onHand int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil
	}
	p.Inventory = onHand
	m.products[id] = p
	return nil
}
