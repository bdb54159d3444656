package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/models"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// orderOutcome is one customer order's contribution to a run's totals.
type orderOutcome struct {
	touched          bool
	reservationLines int
	qtyStock         decimal.Decimal
	qtyPo            decimal.Decimal
	shortfallLines   int
	qtyShort         decimal.Decimal
	supplierOrderIds []int
	needsReorder     bool
}

func newOrderOutcome() orderOutcome {
	return orderOutcome{
		qtyStock: decimal.Zero,
		qtyPo:    decimal.Zero,
		qtyShort: decimal.Zero,
	}
}

// ProcessSupplyReconciliation walks every open customer order in the run's
// window and covers outstanding component need from stock, then incoming PO
// capacity, then replenishment orders. Each order commits in its own short
// transaction; one order's failure is captured in the run's error context and
// the walk continues.
func ProcessSupplyReconciliation(ctx context.Context, db *gorm.DB, logger *logrus.Logger, run *models.SupplyRun) (models.SupplyRunTotals, models.SupplyRunResult) {
	totals := models.SupplyRunTotals{
		QtyReservedStock: decimal.Zero,
		QtyReservedPo:    decimal.Zero,
		QtyShort:         decimal.Zero,
	}

	orders, err := models.GetOpenCustomerOrders(ctx, run.WindowEnd)
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "ProcessSupplyReconciliation", "Querying open customer orders", run.ID, err)
		totals.Errors = append(totals.Errors, models.SupplyRunError{Error: fmt.Sprintf("load open orders: %v", err)})
		return totals, models.SupplyRunResultError
	}

	for _, order := range orders {
		totals.OrdersScanned++

		var outcome orderOutcome
		err := utils.WithRetry(ctx, 3, retryableAllocationErr, func() error {
			return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				o, err := processOrderAllocation(tx, run, order)
				if err != nil {
					return err
				}
				outcome = o
				return nil
			})
		})
		if err != nil {
			totals.OrdersFailed++
			totals.Errors = append(totals.Errors, models.SupplyRunError{
				CustomerOrderId: order.ID,
				OrderNumber:     order.OrderNumber,
				Error:           err.Error(),
			})
			config.LogError(logger, "allocationWorkflow.go", "ProcessSupplyReconciliation", "Processing customer order", order.OrderNumber, err)
			continue
		}

		if !outcome.touched {
			totals.OrdersSkipped++
			continue
		}
		totals.OrdersTouched++
		totals.ReservationLines += outcome.reservationLines
		totals.QtyReservedStock = totals.QtyReservedStock.Add(outcome.qtyStock)
		totals.QtyReservedPo = totals.QtyReservedPo.Add(outcome.qtyPo)
		totals.ShortfallLines += outcome.shortfallLines
		totals.QtyShort = totals.QtyShort.Add(outcome.qtyShort)
		totals.SupplierOrderIds = append(totals.SupplierOrderIds, outcome.supplierOrderIds...)
	}

	if totals.OrdersFailed > 0 {
		return totals, models.SupplyRunResultPartial
	}
	return totals, models.SupplyRunResultOk
}

func retryableAllocationErr(err error) bool {
	return errors.Is(err, utils.ErrorTransientConflict) ||
		errors.Is(err, models.ErrSequenceConflict) ||
		utils.IsLockWaitErr(err)
}

// componentNeed is the per-component fold of an order's lines.
type componentNeed struct {
	lineIds       []int
	qtyNotStarted decimal.Decimal
	reorderDemand decimal.Decimal
}

// processOrderAllocation handles one order inside one transaction. Need is
// aggregated per component (lines can share a component), availabilities are
// read under row locks, and the coverage plan is applied atomically with any
// replenishment order it requires.
func processOrderAllocation(tx *gorm.DB, run *models.SupplyRun, order *models.CustomerOrder) (orderOutcome, error) {
	outcome := newOrderOutcome()
	runId := run.ID
	correlationId := run.CorrelationId

	needs := make(map[int]*componentNeed)
	for i := range order.Lines {
		line := &order.Lines[i]
		events, err := models.LineEvents(tx, line.ID)
		if err != nil {
			return outcome, err
		}
		notStarted := models.QuantityInPhaseFromEvents(line.Quantity, events, models.PhaseInserted)
		demand, err := models.GetOpenReorderDemandQty(tx, line.ID)
		if err != nil {
			return outcome, err
		}

		need, ok := needs[line.ComponentId]
		if !ok {
			need = &componentNeed{
				qtyNotStarted: decimal.Zero,
				reorderDemand: decimal.Zero,
			}
			needs[line.ComponentId] = need
		}
		need.lineIds = append(need.lineIds, line.ID)
		need.qtyNotStarted = need.qtyNotStarted.Add(notStarted)
		need.reorderDemand = need.reorderDemand.Add(demand)
	}

	componentIds := make([]int, 0, len(needs))
	for id := range needs {
		componentIds = append(componentIds, id)
	}
	sort.Ints(componentIds)

	for _, componentId := range componentIds {
		need := needs[componentId]

		reservedStock, err := models.GetStockReservedQtyForOrder(tx, order.ID, componentId)
		if err != nil {
			return outcome, err
		}
		reservedPo, err := models.GetPoReservedQtyForOrder(tx, order.ID, componentId)
		if err != nil {
			return outcome, err
		}
		outstanding := OutstandingNeed(need.qtyNotStarted, need.reorderDemand, reservedStock, reservedPo)
		if outstanding.LessThanOrEqual(decimal.Zero) {
			continue
		}
		outcome.touched = true

		lots, err := models.LockLotAvailabilities(tx, componentId, config.LotSelectionStrategy())
		if err != nil {
			return outcome, err
		}
		poLines, err := models.LockPoLineAvailabilities(tx, componentId, order.ID)
		if err != nil {
			return outcome, err
		}

		plan := PlanComponentCoverage(outstanding, lots, poLines)

		for _, planned := range plan.StockReservations {
			if _, err := models.CreateStockReservation(tx, planned.LotId, order.ID, planned.Quantity, &runId, correlationId); err != nil {
				return outcome, err
			}
			outcome.reservationLines++
			outcome.qtyStock = outcome.qtyStock.Add(planned.Quantity)
		}
		for _, planned := range plan.PoReservations {
			if _, err := models.UpsertPoReservation(tx, planned.LineId, order.ID, planned.Quantity, &runId, correlationId); err != nil {
				return outcome, err
			}
			outcome.reservationLines++
			outcome.qtyPo = outcome.qtyPo.Add(planned.Quantity)
		}

		residualCovered := false
		shortfallLineId := 0
		if plan.Shortfall.GreaterThan(decimal.Zero) {
			targetLineId := 0
			if len(poLines) > 0 {
				targetLineId = poLines[0].LineId
			}
			if targetLineId == 0 {
				supplierOrder, err := models.CreateReplenishmentOrder(tx, componentId, plan.Shortfall, &runId, correlationId)
				if err != nil {
					return outcome, err
				}
				outcome.supplierOrderIds = append(outcome.supplierOrderIds, supplierOrder.ID)
				targetLineId = supplierOrder.Lines[0].ID

				// Bind the fresh capacity to this order immediately so a
				// re-run of the same window has nothing left to do.
				if _, err := models.UpsertPoReservation(tx, targetLineId, order.ID, plan.Shortfall, &runId, correlationId); err != nil {
					return outcome, err
				}
				outcome.reservationLines++
				outcome.qtyPo = outcome.qtyPo.Add(plan.Shortfall)
				residualCovered = true
			}

			note := fmt.Sprintf("order %s: %s uncovered for component %d", order.OrderNumber, plan.Shortfall, componentId)
			_, changed, err := models.RecordShortfall(tx, targetLineId, order.ID, plan.Shortfall, note, &runId, correlationId)
			if err != nil {
				return outcome, err
			}
			if changed {
				outcome.shortfallLines++
			}
			outcome.qtyShort = outcome.qtyShort.Add(plan.Shortfall)
			shortfallLineId = targetLineId
			if !residualCovered {
				outcome.needsReorder = true
			}
		}

		// Covered need retires this order's earlier shortfall rows for the
		// component; a still-short order keeps only the row on the current
		// target line.
		if err := models.ResolveShortfalls(tx, order.ID, componentId, shortfallLineId); err != nil {
			return outcome, err
		}

		if plan.Shortfall.IsZero() || residualCovered {
			for _, lineId := range need.lineIds {
				if err := models.SettleReorderDemands(tx, lineId); err != nil {
					return outcome, err
				}
			}
		}
	}

	if err := models.MarkOrderNeedsReorder(tx, order.ID, outcome.needsReorder); err != nil {
		return outcome, err
	}
	return outcome, nil
}
