package models_test

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/models"
)

func TestConcurrentAdvancesCannotJointlyOverdraw(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	supplier := models.Supplier{Name: "Race Supply"}
	if err := db.Create(&supplier).Error; err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	comp := models.Component{Sku: "LEG-STL", Name: "Steel Leg", DefaultSupplierId: supplier.ID}
	if err := db.Create(&comp).Error; err != nil {
		t.Fatalf("create component: %v", err)
	}

	order, err := models.CreateCustomerOrder(ctx, &models.NewCustomerOrder{
		CustomerName: "Race Cafe",
		OrderDate:    time.Now(),
		Lines: []models.NewOrderLine{
			{ComponentId: comp.ID, Quantity: dec("3")},
		},
	})
	if err != nil {
		t.Fatalf("CreateCustomerOrder: %v", err)
	}
	lineId := order.Lines[0].ID

	// Phase Inserted holds 3 units; two racing advances of 2 must not both
	// succeed.
	const workers = 2
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.AdvancePhase(ctx, &models.NewPhaseEvent{
				OrderLineId: lineId,
				FromPhase:   models.PhaseInserted,
				ToPhase:     models.PhaseStructure,
				Quantity:    dec("2"),
			})
		}(i)
	}
	wg.Wait()

	succeeded, overdrawn := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrOverdraw):
			overdrawn++
		default:
			t.Fatalf("unexpected advance error: %v", err)
		}
	}
	if succeeded != 1 || overdrawn != 1 {
		t.Fatalf("succeeded=%d overdrawn=%d, want exactly one of each", succeeded, overdrawn)
	}

	qty, err := models.QuantityInPhase(ctx, lineId, models.PhaseStructure)
	if err != nil {
		t.Fatalf("QuantityInPhase: %v", err)
	}
	if !qty.Equal(dec("2")) {
		t.Fatalf("Structure occupancy after race = %s, want 2", qty)
	}
}

func TestConcurrentOrderCreationRetriesSequenceRaces(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	supplier := models.Supplier{Name: "Race Supply"}
	if err := db.Create(&supplier).Error; err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	comp := models.Component{Sku: "LEG-STL", Name: "Steel Leg", DefaultSupplierId: supplier.ID}
	if err := db.Create(&comp).Error; err != nil {
		t.Fatalf("create component: %v", err)
	}

	// All workers race the customer_order sequence on a fresh category; a
	// lost draw must be retried, not surfaced.
	const workers = 8
	orders := make([]*models.CustomerOrder, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orders[i], errs[i] = models.CreateCustomerOrder(ctx, &models.NewCustomerOrder{
				CustomerName: fmt.Sprintf("Walk-in %d", i),
				OrderDate:    time.Now(),
				Lines: []models.NewOrderLine{
					{ComponentId: comp.ID, Quantity: dec("1")},
				},
			})
		}(i)
	}
	wg.Wait()

	values := make([]int64, 0, workers)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: CreateCustomerOrder: %v", i, err)
		}
		values = append(values, orders[i].SequenceNo)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		if v != int64(i+1) {
			t.Fatalf("order sequence values have a gap or duplicate: %v", values)
		}
	}
}

func TestSequenceNumbersAreGapFreeUnderConcurrency(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)

	const workers = 20
	values := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = models.ReserveSequence(ctx, models.SequenceCategoryReturn)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: ReserveSequence: %v", i, err)
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		if v != int64(i+1) {
			t.Fatalf("sequence values have a gap or duplicate: %v", values)
		}
	}
}
