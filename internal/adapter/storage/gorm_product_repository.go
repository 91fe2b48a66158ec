package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// ProductModel maps the products table.
type ProductModel struct {
	ID          string          `gorm:"primaryKey;size:36"`
	Name        string          `gorm:"size:255;not null"`
	Brand       string          `gorm:"size:255"`
	Description string          `gorm:"type:text"`
	Price       decimal.Decimal `gorm:"type:decimal(12,4);not null"`
	Inventory   int             `gorm:"not null;default:0"`
	CreatedAt   time.Time       `gorm:"index"`
	UpdatedAt   time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

func toDomainProduct(m *ProductModel) *domain.Product {
	return &domain.Product{
		ID:          m.ID,
		Name:        m.Name,
		Brand:       m.Brand,
		Description: m.Description,
		Price:       m.Price,
		Inventory:   m.Inventory,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toProductModel(p domain.Product) *ProductModel {
	return &ProductModel{
		ID:          p.ID,
		Name:        p.Name,
		Brand:       p.Brand,
		Description: p.Description,
		Price:       p.Price,
		Inventory:   p.Inventory,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type GormProductRepository struct {
	db *gorm.DB
}

func NewGormProductRepository(db *gorm.DB) *GormProductRepository {
	return &GormProductRepository{db: db}
}

// Migrate creates or updates the products table.
func (r *GormProductRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ProductModel{})
}

func (r *GormProductRepository) Create(ctx context.Context, p domain.Product) error {
	if err := r.db.WithContext(ctx).Create(toProductModel(p)).Error; err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *GormProductRepository) Get(ctx context.Context, id string) (*domain.Product, error) {
	var model ProductModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query product: %w", err)
	}
	return toDomainProduct(&model), nil
}

// Update writes descriptive and pricing columns; inventory is left alone.
func (r *GormProductRepository) Update(ctx context.Context, p domain.Product) error {
	updateData := map[string]interface{}{
		"name":        p.Name,
		"brand":       p.Brand,
		"description": p.Description,
		"price":       p.Price,
		"updated_at":  p.UpdatedAt,
	}
	result := r.db.WithContext(ctx).Model(&ProductModel{}).Where("id = ?", p.ID).Updates(updateData)
	if result.Error != nil {
		return fmt.Errorf("update product: %w", result.Error)
	}
	return nil
}

func (r *GormProductRepository) List(ctx context.Context, offset, limit int) ([]domain.Product, error) {
	var models []ProductModel
	err := r.db.WithContext(ctx).Order("created_at, id").Offset(offset).Limit(limit).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	products := make([]domain.Product, len(models))
	for i := range models {
		products[i] = *toDomainProduct(&models[i])
	}
	return products, nil
}

// UpdateInventory skips hooks and timestamps; it is a cache refresh, not an edit.
func (r *GormProductRepository) UpdateInventory(ctx context.Context, id string, onHand int) error {
	err := r.db.WithContext(ctx).Model(&ProductModel{}).Where("id = ?", id).UpdateColumn("inventory", onHand).Error
	if err != nil {
		return fmt.Errorf("update product inventory: %w", err)
	}
	return nil
}
