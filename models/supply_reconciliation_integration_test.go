package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/models"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"bitbucket.org/mmdatafocus/factory_backend/workflow"
)

func TestSupplyReconciliationEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	supplier := models.Supplier{Name: "Oak & Iron Supply"}
	if err := db.Create(&supplier).Error; err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	warehouse := models.Warehouse{Name: "Main Warehouse"}
	if err := db.Create(&warehouse).Error; err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	frame := models.Component{Sku: "FRM-OAK", Name: "Oak Frame", DefaultSupplierId: supplier.ID}
	if err := db.Create(&frame).Error; err != nil {
		t.Fatalf("create component: %v", err)
	}
	foam := models.Component{Sku: "FOAM-HD", Name: "High Density Foam", DefaultSupplierId: supplier.ID}
	if err := db.Create(&foam).Error; err != nil {
		t.Fatalf("create component: %v", err)
	}

	// On-hand stock covers 4 of the 10 frames the first order needs.
	if _, err := models.CreateStockLot(ctx, &models.NewStockLot{
		ComponentId:  frame.ID,
		WarehouseId:  warehouse.ID,
		QtyOnHand:    dec("4"),
		ReceivedDate: time.Now().AddDate(0, 0, -3),
	}); err != nil {
		t.Fatalf("CreateStockLot: %v", err)
	}

	order, err := models.CreateCustomerOrder(ctx, &models.NewCustomerOrder{
		CustomerName: "Hotel Aurora",
		OrderDate:    time.Now(),
		Lines: []models.NewOrderLine{
			{ComponentId: frame.ID, Description: "Lounge chair", Quantity: dec("10")},
		},
	})
	if err != nil {
		t.Fatalf("CreateCustomerOrder: %v", err)
	}
	if order.OrderNumber != "CO-000001" {
		t.Fatalf("order number = %s, want CO-000001", order.OrderNumber)
	}

	// First run: 4 from stock, 6 via a fresh replenishment order.
	run, err := workflow.RunWeeklyReconciliation(ctx)
	if err != nil {
		t.Fatalf("RunWeeklyReconciliation: %v", err)
	}
	if run.Result != models.SupplyRunResultOk {
		t.Fatalf("run result = %s, want ok", run.Result)
	}
	if run.OrdersTouched != 1 {
		t.Fatalf("orders touched = %d, want 1", run.OrdersTouched)
	}
	if !run.QtyReservedStock.Equal(dec("4")) {
		t.Fatalf("qty reserved from stock = %s, want 4", run.QtyReservedStock)
	}
	if !run.QtyReservedPo.Equal(dec("6")) {
		t.Fatalf("qty reserved from po = %s, want 6", run.QtyReservedPo)
	}
	if !run.QtyShort.Equal(dec("6")) {
		t.Fatalf("qty short = %s, want 6", run.QtyShort)
	}

	var supplierOrders []models.SupplierOrder
	if err := db.Preload("Lines").Find(&supplierOrders).Error; err != nil {
		t.Fatalf("load supplier orders: %v", err)
	}
	if len(supplierOrders) != 1 {
		t.Fatalf("supplier orders = %d, want 1", len(supplierOrders))
	}
	replenishment := supplierOrders[0]
	if replenishment.Status != models.SupplierOrderStatusConfirmed {
		t.Fatalf("replenishment status = %s, want Confirmed", replenishment.Status)
	}
	if len(replenishment.Lines) != 1 || !replenishment.Lines[0].Quantity.Equal(dec("6")) {
		t.Fatalf("replenishment lines = %+v, want one line of 6", replenishment.Lines)
	}
	if replenishment.SupplyRunId == nil || *replenishment.SupplyRunId != run.ID {
		t.Fatalf("replenishment supply_run_id = %v, want %d", replenishment.SupplyRunId, run.ID)
	}

	var shortfall models.Shortfall
	if err := db.Where("supplier_order_line_id = ?", replenishment.Lines[0].ID).First(&shortfall).Error; err != nil {
		t.Fatalf("load shortfall: %v", err)
	}
	if !shortfall.Quantity.Equal(dec("6")) {
		t.Fatalf("shortfall qty = %s, want 6", shortfall.Quantity)
	}

	var refreshed models.CustomerOrder
	if err := db.First(&refreshed, order.ID).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if refreshed.NeedsReorder == nil || *refreshed.NeedsReorder {
		t.Fatalf("needs_reorder = %v, want false (residual covered by replenishment)", refreshed.NeedsReorder)
	}

	// Second run over the same window must not move anything.
	run2, err := workflow.RunWeeklyReconciliation(ctx)
	if err != nil {
		t.Fatalf("second RunWeeklyReconciliation: %v", err)
	}
	if run2.OrdersTouched != 0 || run2.OrdersSkipped != 1 {
		t.Fatalf("second run touched=%d skipped=%d, want 0/1", run2.OrdersTouched, run2.OrdersSkipped)
	}
	if run2.ReservationLines != 0 || !run2.QtyShort.IsZero() {
		t.Fatalf("second run wrote reservations=%d short=%s, want none", run2.ReservationLines, run2.QtyShort)
	}
	var reservationCount int64
	if err := db.Model(&models.StockReservation{}).Count(&reservationCount).Error; err != nil {
		t.Fatalf("count stock reservations: %v", err)
	}
	if reservationCount != 1 {
		t.Fatalf("stock reservations after rerun = %d, want 1", reservationCount)
	}

	// Scrap cycle on a second order: start production, scrap two units,
	// and let the next run procure the replacements.
	scrapOrder, err := models.CreateCustomerOrder(ctx, &models.NewCustomerOrder{
		CustomerName: "Cafe Brutal",
		OrderDate:    time.Now(),
		Lines: []models.NewOrderLine{
			{ComponentId: foam.ID, Description: "Bar stool", Quantity: dec("5")},
		},
	})
	if err != nil {
		t.Fatalf("CreateCustomerOrder: %v", err)
	}
	scrapLine := scrapOrder.Lines[0]

	if _, err := models.AdvancePhase(ctx, &models.NewPhaseEvent{
		OrderLineId: scrapLine.ID,
		FromPhase:   models.PhaseInserted,
		ToPhase:     models.PhaseStructure,
		Quantity:    dec("5"),
	}); err != nil {
		t.Fatalf("advance to Structure: %v", err)
	}
	scrapEvent, err := models.AdvancePhase(ctx, &models.NewPhaseEvent{
		OrderLineId: scrapLine.ID,
		FromPhase:   models.PhaseStructure,
		ToPhase:     models.PhaseInserted,
		Quantity:    dec("2"),
		Reason:      "cracked frame",
		Rollback:    &models.RollbackIntent{Mode: models.RollbackModeScrap},
	})
	if err != nil {
		t.Fatalf("scrap rollback: %v", err)
	}

	// The scrap event and its compensating demand are written as a pair.
	demands, err := models.GetReorderDemandsForEvent(ctx, scrapEvent.ID)
	if err != nil {
		t.Fatalf("GetReorderDemandsForEvent: %v", err)
	}
	if len(demands) != 1 || !demands[0].Quantity.Equal(dec("2")) {
		t.Fatalf("demands paired with scrap event = %+v, want one of 2", demands)
	}

	var scrappedLine models.OrderLine
	if err := db.First(&scrappedLine, scrapLine.ID).Error; err != nil {
		t.Fatalf("reload scrapped line: %v", err)
	}
	if !scrappedLine.QtyScrapped.Equal(dec("2")) {
		t.Fatalf("qty_scrapped = %s, want 2", scrappedLine.QtyScrapped)
	}
	var scrapParent models.CustomerOrder
	if err := db.First(&scrapParent, scrapOrder.ID).Error; err != nil {
		t.Fatalf("reload scrap order: %v", err)
	}
	if scrapParent.NeedsReorder == nil || !*scrapParent.NeedsReorder {
		t.Fatalf("needs_reorder after scrap = %v, want true", scrapParent.NeedsReorder)
	}

	run3, err := workflow.RunWeeklyReconciliation(ctx)
	if err != nil {
		t.Fatalf("third RunWeeklyReconciliation: %v", err)
	}
	if run3.OrdersTouched != 1 {
		t.Fatalf("third run touched = %d, want 1 (scrap order)", run3.OrdersTouched)
	}
	if !run3.QtyReservedPo.Equal(dec("2")) {
		t.Fatalf("third run po qty = %s, want 2", run3.QtyReservedPo)
	}

	var demand models.ReorderDemand
	if err := db.Where("order_line_id = ?", scrapLine.ID).First(&demand).Error; err != nil {
		t.Fatalf("load reorder demand: %v", err)
	}
	if demand.Status != models.ReorderDemandStatusCovered {
		t.Fatalf("demand status = %s, want Covered", demand.Status)
	}

	// Receiving the replenishment closes the supplier order and books a lot.
	var replLine models.SupplierOrderLine
	if err := db.Where("component_id = ? AND supplier_order_id = ?", frame.ID, replenishment.ID).First(&replLine).Error; err != nil {
		t.Fatalf("load replenishment line: %v", err)
	}
	if _, err := models.ReceiveSupplierOrderLine(ctx, replLine.ID, warehouse.ID, dec("2"), "SUP-LOT-9"); err != nil {
		t.Fatalf("partial receive: %v", err)
	}
	var partiallyReceived models.SupplierOrder
	if err := db.First(&partiallyReceived, replenishment.ID).Error; err != nil {
		t.Fatalf("reload supplier order: %v", err)
	}
	if partiallyReceived.Status != models.SupplierOrderStatusPartiallyReceived {
		t.Fatalf("status after partial receive = %s, want Partially Received", partiallyReceived.Status)
	}
	lot, err := models.ReceiveSupplierOrderLine(ctx, replLine.ID, warehouse.ID, dec("4"), "SUP-LOT-9")
	if err != nil {
		t.Fatalf("final receive: %v", err)
	}
	if !lot.QtyOnHand.Equal(dec("4")) {
		t.Fatalf("received lot qty = %s, want 4", lot.QtyOnHand)
	}
	var closed models.SupplierOrder
	if err := db.First(&closed, replenishment.ID).Error; err != nil {
		t.Fatalf("reload supplier order: %v", err)
	}
	if closed.Status != models.SupplierOrderStatusClosed {
		t.Fatalf("status after full receive = %s, want Closed", closed.Status)
	}

	// Full receipt fulfils the recorded shortfall and drops the flag.
	var shortfallCount int64
	if err := db.Model(&models.Shortfall{}).Where("supplier_order_line_id = ?", replLine.ID).Count(&shortfallCount).Error; err != nil {
		t.Fatalf("count shortfalls: %v", err)
	}
	if shortfallCount != 0 {
		t.Fatalf("shortfall rows after full receive = %d, want 0", shortfallCount)
	}
	if closed.HasShortfall == nil || *closed.HasShortfall {
		t.Fatalf("has_shortfall after full receive = %v, want false", closed.HasShortfall)
	}
}

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetOperatorInContext(ctx, "line-operator-1")
	return ctx
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=factory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
