package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultPriceScale = 2
	maxListLimit      = 200
)

type availabilityReader interface {
	Availability(ctx context.Context, productID string) (domain.Availability, error)
}

// ProductService is the catalog registry. It owns descriptive and pricing
// fields; inventory always comes from the ledger.
type ProductService struct {
	repo       port.ProductRepository
	stock      availabilityReader
	clock      clock.Clock
	locks      *KeyedMutex
	priceScale int32
	logger     zerolog.Logger
}

type ProductOption func(*ProductService)

// WithPriceScale sets the number of decimal places prices are rounded to.
func WithPriceScale(scale int32) ProductOption {
	return func(s *ProductService) {
		if scale >= 0 {
			s.priceScale = scale
		}
	}
}

func WithProductLogger(l zerolog.Logger) ProductOption {
	return func(s *ProductService) { s.logger = l }
}

func NewProductService(repo port.ProductRepository, stock availabilityReader, clk clock.Clock, opts ...ProductOption) *ProductService {
	s := &ProductService{
		repo:       repo,
		stock:      stock,
		clock:      clk,
		locks:      NewKeyedMutex(),
		priceScale: defaultPriceScale,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type NewProduct struct {
	Name        string
	Brand       string
	Description string
	Price       decimal.Decimal
}

// ProductUpdate carries the fields to change; nil fields are left alone.
type ProductUpdate struct {
	Name        *string
	Brand       *string
	Description *string
	Price       *decimal.Decimal
}

func (s *ProductService) Create(ctx context.Context, in NewProduct) (domain.Product, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if in.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must not be negative", domain.ErrValidation)
	}

	now := s.clock.Now()
	p := domain.Product{
		ID:          uuid.NewString(),
		Name:        name,
		Brand:       in.Brand,
		Description: in.Description,
		Price:       in.Price.Round(s.priceScale),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}

	s.logger.Info().Str("product_id", p.ID).Str("name", p.Name).Msg("product created")
	return p, nil
}

func (s *ProductService) Update(ctx context.Context, id string, upd ProductUpdate) (domain.Product, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return domain.Product{}, fmt.Errorf("%w: name must not be empty", domain.ErrValidation)
	}
	if upd.Price != nil && upd.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must not be negative", domain.ErrValidation)
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("lock product %s: %w", id, err)
	}
	defer unlock()

	p, err := s.find(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	if upd.Name != nil {
		p.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Brand != nil {
		p.Brand = *upd.Brand
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Price != nil {
		p.Price = upd.Price.Round(s.priceScale)
	}
	p.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, p); err != nil {
		return domain.Product{}, fmt.Errorf("update product: %w", err)
	}
	return s.withInventory(ctx, p)
}

// Get returns the product with Inventory read from the ledger.
func (s *ProductService) Get(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.find(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return s.withInventory(ctx, p)
}

// List returns a page of products with their stored inventory column.
func (s *ProductService) List(ctx context.Context, offset, limit int) ([]domain.Product, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	products, err := s.repo.List(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

func (s *ProductService) Name() string {
	return "product-inventory"
}

// Deliver keeps the stored inventory column in step with the ledger.
func (s *ProductService) Deliver(ctx context.Context, ev domain.StockEvent, snap domain.Availability) error {
	if err := s.repo.UpdateInventory(ctx, ev.ProductID, snap.OnHand()); err != nil {
		return fmt.Errorf("refresh inventory of %s: %w", ev.ProductID, err)
	}
	return nil
}

func (s *ProductService) find(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	if p == nil {
		return domain.Product{}, fmt.Errorf("%w: product %s", domain.ErrNotFound, id)
	}
	return *p, nil
}

func (s *ProductService) withInventory(ctx context.Context, p domain.Product) (domain.Product, error) {
	snap, err := s.stock.Availability(ctx, p.ID)
	if err != nil {
		return domain.Product{}, fmt.Errorf("read inventory of %s: %w", p.ID, err)
	}
	p.Inventory = snap.OnHand()
	return p, nil
}
