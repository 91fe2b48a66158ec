package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const (
	productID     = "flash-sale-item"
	initialStock  = 20
	totalRequests = 50
	holders       = 10
	holdTTL       = 50 * time.Millisecond
)

func main() {
	ctx := context.Background()

	clk := clock.NewSystem()
	ledger := service.NewLedger(storage.NewMemoryEventStore(), clk)
	reservations := service.NewReservationService(ledger, storage.NewMemoryReservationRepository(), clk)
	query := service.NewQueryService(ledger)
	orders := service.NewOrderService(reservations, zerolog.Nop())

	if _, err := reservations.Restock(ctx, productID, initialStock); err != nil {
		log.Fatal().Err(err).Msg("failed to restock")
	}

	// Holders take stock and walk away; their reservations expire and return it.
	for i := 0; i < holders; i++ {
		if _, err := reservations.Reserve(ctx, service.ReserveInput{ProductID: productID, Quantity: 1, TTL: holdTTL}); err != nil {
			log.Fatal().Err(err).Msg("failed to place hold")
		}
	}

	var successCount atomic.Int32
	var failCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			in := service.PurchaseInput{
				RequestID: fmt.Sprintf("user-%d", userID),
				ProductID: productID,
				Quantity:  1,
			}
			// Retry once after the holds lapse.
			for attempt := 0; attempt < 2; attempt++ {
				_, err := orders.Purchase(ctx, in, nil)
				if err == nil {
					successCount.Add(1)
					return
				}
				if !errors.Is(err, domain.ErrInsufficientStock) {
					break
				}
				time.Sleep(2 * holdTTL)
				if _, err := reservations.SweepExpired(ctx); err != nil {
					log.Error().Err(err).Msg("sweep failed")
				}
			}
			failCount.Add(1)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Expiring Holds:   %d\n", holders)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && fail == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d fail, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, fail)
	}

	live, err := query.Availability(ctx, productID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read availability")
	}
	replayed, err := query.Replay(ctx, productID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to replay ledger")
	}
	fmt.Printf("Final Availability: available=%d reserved=%d committed=%d version=%d\n",
		live.Available, live.Reserved, live.Committed, live.Version)

	if live.Available == 0 && live.Committed == initialStock && live == replayed {
		fmt.Println("PASS: Stock depleted and replay matches the live snapshot")
	} else {
		fmt.Printf("FAIL: live %+v, replayed %+v\n", live, replayed)
	}
}
