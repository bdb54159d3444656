package models_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/models"
	"bitbucket.org/mmdatafocus/factory_backend/workflow"
)

// Two orders short on the same component attach their residuals to the same
// oldest open PO line. Each order keeps its own shortfall row, the line's
// total is the sum, and a re-run over unchanged state rewrites nothing.
func TestShortfallsAccumulateAcrossOrdersOnSharedPoLine(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	supplier := models.Supplier{Name: "Ash Mill"}
	if err := db.Create(&supplier).Error; err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	warehouse := models.Warehouse{Name: "Main Warehouse"}
	if err := db.Create(&warehouse).Error; err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	slat := models.Component{Sku: "SLAT-ASH", Name: "Ash Slat", DefaultSupplierId: supplier.ID}
	if err := db.Create(&slat).Error; err != nil {
		t.Fatalf("create component: %v", err)
	}

	// One open PO line with a single unit of incoming capacity; purchasing
	// owns it, so it is seeded directly.
	noShortfall := false
	po := models.SupplierOrder{
		OrderNumber:  "PO-SEED-1",
		SequenceNo:   900,
		SupplierId:   supplier.ID,
		OrderDate:    time.Now().AddDate(0, 0, -10),
		Status:       models.SupplierOrderStatusConfirmed,
		HasShortfall: &noShortfall,
		Lines: []models.SupplierOrderLine{
			{ComponentId: slat.ID, Quantity: dec("1")},
		},
	}
	if err := db.Create(&po).Error; err != nil {
		t.Fatalf("create supplier order: %v", err)
	}
	sharedLineId := po.Lines[0].ID

	orderA, err := models.CreateCustomerOrder(ctx, &models.NewCustomerOrder{
		CustomerName: "Bistro Nord",
		OrderDate:    time.Now().Add(-2 * time.Hour),
		Lines: []models.NewOrderLine{
			{ComponentId: slat.ID, Quantity: dec("6")},
		},
	})
	if err != nil {
		t.Fatalf("CreateCustomerOrder A: %v", err)
	}
	orderB, err := models.CreateCustomerOrder(ctx, &models.NewCustomerOrder{
		CustomerName: "Bistro Sud",
		OrderDate:    time.Now().Add(-1 * time.Hour),
		Lines: []models.NewOrderLine{
			{ComponentId: slat.ID, Quantity: dec("4")},
		},
	})
	if err != nil {
		t.Fatalf("CreateCustomerOrder B: %v", err)
	}

	run, err := workflow.RunWeeklyReconciliation(ctx)
	if err != nil {
		t.Fatalf("RunWeeklyReconciliation: %v", err)
	}
	if run.OrdersTouched != 2 {
		t.Fatalf("orders touched = %d, want 2", run.OrdersTouched)
	}
	if !run.QtyReservedPo.Equal(dec("1")) {
		t.Fatalf("qty reserved from po = %s, want 1", run.QtyReservedPo)
	}
	if run.ShortfallLines != 2 || !run.QtyShort.Equal(dec("9")) {
		t.Fatalf("shortfall lines=%d qty=%s, want 2 rows totalling 9", run.ShortfallLines, run.QtyShort)
	}

	var rows []models.Shortfall
	if err := db.Where("supplier_order_line_id = ?", sharedLineId).Order("customer_order_id").Find(&rows).Error; err != nil {
		t.Fatalf("load shortfalls: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("shortfall rows on shared line = %d, want 2", len(rows))
	}
	if rows[0].CustomerOrderId != orderA.ID || !rows[0].Quantity.Equal(dec("5")) {
		t.Fatalf("row A = order %d qty %s, want order %d qty 5", rows[0].CustomerOrderId, rows[0].Quantity, orderA.ID)
	}
	if rows[1].CustomerOrderId != orderB.ID || !rows[1].Quantity.Equal(dec("4")) {
		t.Fatalf("row B = order %d qty %s, want order %d qty 4", rows[1].CustomerOrderId, rows[1].Quantity, orderB.ID)
	}
	var flagged models.SupplierOrder
	if err := db.First(&flagged, po.ID).Error; err != nil {
		t.Fatalf("reload supplier order: %v", err)
	}
	if flagged.HasShortfall == nil || !*flagged.HasShortfall {
		t.Fatalf("has_shortfall = %v, want true", flagged.HasShortfall)
	}

	// Unchanged state: the re-run observes the same shortfall but rewrites
	// no rows.
	run2, err := workflow.RunWeeklyReconciliation(ctx)
	if err != nil {
		t.Fatalf("second RunWeeklyReconciliation: %v", err)
	}
	if run2.ShortfallLines != 0 || run2.ReservationLines != 0 {
		t.Fatalf("second run shortfall lines=%d reservation lines=%d, want 0/0", run2.ShortfallLines, run2.ReservationLines)
	}
	var rowCount int64
	if err := db.Model(&models.Shortfall{}).Where("supplier_order_line_id = ?", sharedLineId).Count(&rowCount).Error; err != nil {
		t.Fatalf("count shortfalls: %v", err)
	}
	if rowCount != 2 {
		t.Fatalf("shortfall rows after rerun = %d, want 2", rowCount)
	}

	// Stock lands for the full residual. The next run covers both orders and
	// retires their shortfall rows along with the supplier-side flag.
	if _, err := models.CreateStockLot(ctx, &models.NewStockLot{
		ComponentId:  slat.ID,
		WarehouseId:  warehouse.ID,
		QtyOnHand:    dec("9"),
		ReceivedDate: time.Now(),
	}); err != nil {
		t.Fatalf("CreateStockLot: %v", err)
	}

	run3, err := workflow.RunWeeklyReconciliation(ctx)
	if err != nil {
		t.Fatalf("third RunWeeklyReconciliation: %v", err)
	}
	if !run3.QtyReservedStock.Equal(dec("9")) {
		t.Fatalf("third run stock qty = %s, want 9", run3.QtyReservedStock)
	}
	if !run3.QtyShort.IsZero() {
		t.Fatalf("third run qty short = %s, want 0", run3.QtyShort)
	}
	if err := db.Model(&models.Shortfall{}).Where("supplier_order_line_id = ?", sharedLineId).Count(&rowCount).Error; err != nil {
		t.Fatalf("count shortfalls: %v", err)
	}
	if rowCount != 0 {
		t.Fatalf("shortfall rows after coverage = %d, want 0", rowCount)
	}
	if err := db.First(&flagged, po.ID).Error; err != nil {
		t.Fatalf("reload supplier order: %v", err)
	}
	if flagged.HasShortfall == nil || *flagged.HasShortfall {
		t.Fatalf("has_shortfall after coverage = %v, want false", flagged.HasShortfall)
	}
	for _, id := range []int{orderA.ID, orderB.ID} {
		var covered models.CustomerOrder
		if err := db.First(&covered, id).Error; err != nil {
			t.Fatalf("reload order %d: %v", id, err)
		}
		if covered.NeedsReorder == nil || *covered.NeedsReorder {
			t.Fatalf("order %d needs_reorder = %v, want false after coverage", id, covered.NeedsReorder)
		}
	}
}
