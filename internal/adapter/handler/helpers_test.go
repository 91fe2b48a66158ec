package handler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type services struct {
	clock        *clock.Manual
	products     *service.ProductService
	reservations *service.ReservationService
	query        *service.QueryService
	orders       *service.OrderService
}

func newServices(t *testing.T) *services {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	ledger := service.NewLedger(storage.NewMemoryEventStore(), clk)
	reservations := service.NewReservationService(ledger, storage.NewMemoryReservationRepository(), clk)
	query := service.NewQueryService(ledger)

	return &services{
		clock:        clk,
		products:     service.NewProductService(storage.NewMemoryProductRepository(), query, clk),
		reservations: reservations,
		query:        query,
		orders:       service.NewOrderService(reservations, zerolog.Nop()),
	}
}
