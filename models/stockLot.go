package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockLot is on-hand component inventory, one row per received lot.
type StockLot struct {
	ID                int             `gorm:"primary_key" json:"id"`
	ComponentId       int             `gorm:"uniqueIndex:idx_stock_lot_component_wh_lot,priority:1;not null" json:"component_id"`
	WarehouseId       int             `gorm:"uniqueIndex:idx_stock_lot_component_wh_lot,priority:2;not null" json:"warehouse_id"`
	LotNumber         string          `gorm:"size:100;uniqueIndex:idx_stock_lot_component_wh_lot,priority:3;not null" json:"lot_number"`
	SupplierLotNumber string          `gorm:"size:100" json:"supplier_lot_number"`
	QtyOnHand         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_on_hand"`
	ReceivedDate      time.Time       `gorm:"index;not null" json:"received_date"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockReservation commits part of a lot's on-hand quantity to a customer
// order. Written once by the allocation engine, released by shipping flows
// outside this core.
type StockReservation struct {
	ID              int             `gorm:"primary_key" json:"id"`
	StockLotId      int             `gorm:"index;not null" json:"stock_lot_id"`
	CustomerOrderId int             `gorm:"index;not null" json:"customer_order_id"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	SupplyRunId     *int            `gorm:"index" json:"supply_run_id"`
	CorrelationId   string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

var ErrLotOverReservation = errors.New("reservation exceeds unreserved on-hand quantity")

type NewStockLot struct {
	ComponentId       int             `json:"component_id" validate:"required"`
	WarehouseId       int             `json:"warehouse_id" validate:"required"`
	SupplierLotNumber string          `json:"supplier_lot_number"`
	QtyOnHand         decimal.Decimal `json:"qty_on_hand" validate:"required"`
	ReceivedDate      time.Time       `json:"received_date" validate:"required"`
}

// CreateStockLot registers a received lot, numbering it from the internal_lot
// sequence with a bounded retry on a lost draw.
func CreateStockLot(ctx context.Context, input *NewStockLot) (*StockLot, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.QtyOnHand.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("on-hand quantity must be positive")
	}
	if err := utils.ValidateResourceId[Component](ctx, input.ComponentId); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, input.WarehouseId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var lot *StockLot
	err := utils.WithRetry(ctx, 5, retryableSequenceErr, func() error {
		l := StockLot{
			ComponentId:       input.ComponentId,
			WarehouseId:       input.WarehouseId,
			SupplierLotNumber: input.SupplierLotNumber,
			QtyOnHand:         input.QtyOnHand,
			ReceivedDate:      input.ReceivedDate,
		}
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seqNo, err := NextSequence(tx, SequenceCategoryInternalLot)
			if err != nil {
				return err
			}
			l.LotNumber = fmt.Sprintf("LOT-%06d", seqNo)
			if err := tx.Create(&l).Error; err != nil {
				return err
			}
			lot = &l
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return lot, nil
}

// LotAvailability is one lot's unreserved balance at the time of a locking
// read. Valid only inside the transaction that took the lock.
type LotAvailability struct {
	LotId        int
	Unreserved   decimal.Decimal
	QtyOnHand    decimal.Decimal
	ReceivedDate time.Time
}

// LockLotAvailabilities reads a component's lots FOR UPDATE and returns each
// lot's unreserved quantity, ordered by the given lot-selection strategy.
// The row locks are held until the surrounding transaction commits, so two
// concurrent reservers of the same lot serialize here and can never jointly
// overdraw it.
func LockLotAvailabilities(tx *gorm.DB, componentId int, strategy string) ([]LotAvailability, error) {
	order := "received_date, id"
	if strategy == config.LotSelectionLargestFirst {
		order = "qty_on_hand DESC, id"
	}

	var lots []StockLot
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("component_id = ? AND qty_on_hand > 0", componentId).
		Order(order).
		Find(&lots).Error; err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}

	lotIds := make([]int, 0, len(lots))
	for _, lot := range lots {
		lotIds = append(lotIds, lot.ID)
	}

	type reservedRow struct {
		StockLotId int
		Reserved   decimal.Decimal
	}
	var reserved []reservedRow
	if err := tx.Model(&StockReservation{}).
		Select("stock_lot_id, COALESCE(SUM(quantity), 0) AS reserved").
		Where("stock_lot_id IN ?", lotIds).
		Group("stock_lot_id").
		Scan(&reserved).Error; err != nil {
		return nil, err
	}
	reservedByLot := make(map[int]decimal.Decimal, len(reserved))
	for _, r := range reserved {
		reservedByLot[r.StockLotId] = r.Reserved
	}

	availabilities := make([]LotAvailability, 0, len(lots))
	for _, lot := range lots {
		unreserved := lot.QtyOnHand.Sub(reservedByLot[lot.ID])
		if unreserved.LessThanOrEqual(decimal.Zero) {
			continue
		}
		availabilities = append(availabilities, LotAvailability{
			LotId:        lot.ID,
			Unreserved:   unreserved,
			QtyOnHand:    lot.QtyOnHand,
			ReceivedDate: lot.ReceivedDate,
		})
	}
	return availabilities, nil
}

// CreateStockReservation writes one reservation. The caller must hold the
// lot's row lock (LockLotAvailabilities) in the same transaction; the
// re-check here is the invariant guard, not the concurrency control.
func CreateStockReservation(tx *gorm.DB, lotId, customerOrderId int, qty decimal.Decimal, supplyRunId *int, correlationId string) (*StockReservation, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("reservation quantity must be positive")
	}

	var lot StockLot
	if err := tx.First(&lot, lotId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	var reserved decimal.NullDecimal
	if err := tx.Model(&StockReservation{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("stock_lot_id = ?", lotId).
		Scan(&reserved).Error; err != nil {
		return nil, err
	}
	if qty.GreaterThan(lot.QtyOnHand.Sub(reserved.Decimal)) {
		return nil, fmt.Errorf("%w: lot %s", ErrLotOverReservation, lot.LotNumber)
	}

	reservation := StockReservation{
		StockLotId:      lotId,
		CustomerOrderId: customerOrderId,
		Quantity:        qty,
		SupplyRunId:     supplyRunId,
		CorrelationId:   correlationId,
	}
	if err := tx.Create(&reservation).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

// GetStockReservedQtyForOrder sums stock already committed to an order for
// one component. Feeds the engine's outstanding-need computation.
func GetStockReservedQtyForOrder(tx *gorm.DB, customerOrderId, componentId int) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := tx.Model(&StockReservation{}).
		Select("COALESCE(SUM(stock_reservations.quantity), 0)").
		Joins("JOIN stock_lots ON stock_lots.id = stock_reservations.stock_lot_id").
		Where("stock_reservations.customer_order_id = ? AND stock_lots.component_id = ?", customerOrderId, componentId).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total.Decimal, nil
}
