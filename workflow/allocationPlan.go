package workflow

import (
	"bitbucket.org/mmdatafocus/factory_backend/models"
	"github.com/shopspring/decimal"
)

// CoveragePlan is the outcome of planning one component's outstanding need
// against availabilities captured under the current transaction's locks.
// Planning is pure; applying the plan writes the reservation rows.
type CoveragePlan struct {
	StockReservations []PlannedStockReservation
	PoReservations    []PlannedPoReservation
	Shortfall         decimal.Decimal
}

type PlannedStockReservation struct {
	LotId    int
	Quantity decimal.Decimal
}

type PlannedPoReservation struct {
	LineId   int
	Quantity decimal.Decimal
}

// PlanComponentCoverage drains on-hand lots first (in the order the caller
// selected them), then incoming PO capacity, and declares whatever is left a
// shortfall. Owned inventory always wins over promised inventory.
func PlanComponentCoverage(need decimal.Decimal, lots []models.LotAvailability, poLines []models.PoLineAvailability) CoveragePlan {
	plan := CoveragePlan{Shortfall: decimal.Zero}
	remaining := need
	if remaining.LessThanOrEqual(decimal.Zero) {
		return plan
	}

	for _, lot := range lots {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lot.Unreserved)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		plan.StockReservations = append(plan.StockReservations, PlannedStockReservation{
			LotId:    lot.LotId,
			Quantity: take,
		})
		remaining = remaining.Sub(take)
	}

	for _, line := range poLines {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, line.Unreserved)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		plan.PoReservations = append(plan.PoReservations, PlannedPoReservation{
			LineId:   line.LineId,
			Quantity: take,
		})
		remaining = remaining.Sub(take)
	}

	if remaining.GreaterThan(decimal.Zero) {
		plan.Shortfall = remaining
	}
	return plan
}

// OutstandingNeed computes one line's uncovered component demand: units not
// yet started (still in Inserted) plus open scrap demand, minus whatever is
// already reserved from stock or incoming capacity. Never negative.
func OutstandingNeed(qtyNotStarted, openReorderDemand, reservedStock, reservedPo decimal.Decimal) decimal.Decimal {
	need := qtyNotStarted.Add(openReorderDemand).Sub(reservedStock).Sub(reservedPo)
	if need.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return need
}
