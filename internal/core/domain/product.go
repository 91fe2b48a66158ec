package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry. Inventory is a denormalized copy of the
// ledger's on-hand count and is never written directly.
type Product struct {
	ID          string
	Name        string
	Brand       string
	Description string
	Price       decimal.Decimal
	Inventory   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
