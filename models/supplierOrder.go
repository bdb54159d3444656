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

// SupplierOrder is a purchase order for components. Purchasing/receiving owns
// its lifecycle; the core reserves against open lines and creates new orders
// for uncovered shortfalls.
type SupplierOrder struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	OrderNumber   string              `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	SequenceNo    int64               `gorm:"not null" json:"sequence_no"`
	SupplierId    int                 `gorm:"index;not null" json:"supplier_id"`
	OrderDate     time.Time           `gorm:"not null" json:"order_date"`
	ExpectedDate  *time.Time          `json:"expected_date"`
	Status        SupplierOrderStatus `gorm:"type:enum('Draft','Confirmed','Partially Received','Closed','Cancelled');default:'Draft';not null" json:"status"`
	HasShortfall  *bool               `gorm:"not null;default:false" json:"has_shortfall"`
	SupplyRunId   *int                `gorm:"index" json:"supply_run_id"`
	CorrelationId string              `gorm:"size:64;index" json:"correlation_id"`
	Lines         []SupplierOrderLine `gorm:"foreignKey:SupplierOrderId" json:"lines"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type SupplierOrderLine struct {
	ID              int             `gorm:"primary_key" json:"id"`
	SupplierOrderId int             `gorm:"index;not null" json:"supplier_order_id"`
	ComponentId     int             `gorm:"index;not null" json:"component_id"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	QtyReceived     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_received"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PoReservation promises incoming supplier-order capacity to one customer
// order. At most one row per (supplier order line, customer order): the
// engine raises the existing row instead of inserting a second one, so the
// same incoming unit can never be promised twice.
type PoReservation struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	SupplierOrderLineId int             `gorm:"uniqueIndex:idx_po_reservation_line_order,priority:1;not null" json:"supplier_order_line_id"`
	CustomerOrderId     int             `gorm:"uniqueIndex:idx_po_reservation_line_order,priority:2;not null" json:"customer_order_id"`
	Quantity            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	SupplyRunId         *int            `gorm:"index" json:"supply_run_id"`
	CorrelationId       string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Shortfall records component quantity that neither stock nor incoming PO
// capacity could cover. One row per (supplier order line, customer order):
// orders short on the same line keep separate rows, so the line's total
// shortfall is the sum across rows and one order's residual never overwrites
// another's.
type Shortfall struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	SupplierOrderLineId int             `gorm:"uniqueIndex:idx_shortfall_line_order,priority:1;not null" json:"supplier_order_line_id"`
	CustomerOrderId     int             `gorm:"uniqueIndex:idx_shortfall_line_order,priority:2;not null" json:"customer_order_id"`
	Quantity            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Note                string          `gorm:"type:text" json:"note"`
	SupplyRunId         *int            `gorm:"index" json:"supply_run_id"`
	CorrelationId       string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrPoOverReservation = errors.New("reservation exceeds unreserved incoming quantity")

// PoLineAvailability is one open PO line's unreserved incoming balance under
// the current transaction's locks, plus any reservation the given customer
// order already holds on it.
type PoLineAvailability struct {
	LineId          int
	SupplierOrderId int
	Unreserved      decimal.Decimal
	ExistingQty     decimal.Decimal
}

// LockPoLineAvailabilities reads a component's open supplier-order lines
// FOR UPDATE and returns unreserved incoming capacity per line, oldest order
// first. Incoming capacity is ordered minus received; received units live on
// as stock lots and are covered by the stock pass instead.
func LockPoLineAvailabilities(tx *gorm.DB, componentId, customerOrderId int) ([]PoLineAvailability, error) {
	var lines []SupplierOrderLine
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Joins("JOIN supplier_orders ON supplier_orders.id = supplier_order_lines.supplier_order_id").
		Where("supplier_order_lines.component_id = ? AND supplier_orders.status IN ?", componentId, openSupplierOrderStatuses()).
		Order("supplier_orders.order_date, supplier_order_lines.id").
		Find(&lines).Error; err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	lineIds := make([]int, 0, len(lines))
	for _, line := range lines {
		lineIds = append(lineIds, line.ID)
	}

	type reservedRow struct {
		SupplierOrderLineId int
		Reserved            decimal.Decimal
		ExistingQty         decimal.Decimal
	}
	var reserved []reservedRow
	if err := tx.Model(&PoReservation{}).
		Select(`supplier_order_line_id,
COALESCE(SUM(quantity), 0) AS reserved,
COALESCE(SUM(CASE WHEN customer_order_id = ? THEN quantity ELSE 0 END), 0) AS existing_qty`, customerOrderId).
		Where("supplier_order_line_id IN ?", lineIds).
		Group("supplier_order_line_id").
		Scan(&reserved).Error; err != nil {
		return nil, err
	}
	reservedByLine := make(map[int]reservedRow, len(reserved))
	for _, r := range reserved {
		reservedByLine[r.SupplierOrderLineId] = r
	}

	availabilities := make([]PoLineAvailability, 0, len(lines))
	// Fully-reserved lines stay in the result: they carry no plannable
	// capacity, but a shortfall still attaches to an existing open line.
	for _, line := range lines {
		incoming := line.Quantity.Sub(line.QtyReceived)
		r := reservedByLine[line.ID]
		unreserved := incoming.Sub(r.Reserved)
		availabilities = append(availabilities, PoLineAvailability{
			LineId:          line.ID,
			SupplierOrderId: line.SupplierOrderId,
			Unreserved:      unreserved,
			ExistingQty:     r.ExistingQty,
		})
	}
	return availabilities, nil
}

// UpsertPoReservation raises the (line, order) pair's reservation by addQty,
// creating the row if the pair is new. The caller must hold the line's row
// lock; the re-check of unreserved capacity guards the invariant.
func UpsertPoReservation(tx *gorm.DB, lineId, customerOrderId int, addQty decimal.Decimal, supplyRunId *int, correlationId string) (*PoReservation, error) {
	if addQty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("reservation quantity must be positive")
	}

	var line SupplierOrderLine
	if err := tx.First(&line, lineId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	var reserved decimal.NullDecimal
	if err := tx.Model(&PoReservation{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("supplier_order_line_id = ?", lineId).
		Scan(&reserved).Error; err != nil {
		return nil, err
	}
	incoming := line.Quantity.Sub(line.QtyReceived)
	if addQty.GreaterThan(incoming.Sub(reserved.Decimal)) {
		return nil, fmt.Errorf("%w: supplier order line %d", ErrPoOverReservation, lineId)
	}

	var reservation PoReservation
	err := tx.Where("supplier_order_line_id = ? AND customer_order_id = ?", lineId, customerOrderId).
		First(&reservation).Error
	switch {
	case err == nil:
		if err := tx.Model(&reservation).
			Updates(map[string]interface{}{
				"quantity":       gorm.Expr("quantity + ?", addQty),
				"supply_run_id":  supplyRunId,
				"correlation_id": correlationId,
			}).Error; err != nil {
			return nil, err
		}
		reservation.Quantity = reservation.Quantity.Add(addQty)
		return &reservation, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		reservation = PoReservation{
			SupplierOrderLineId: lineId,
			CustomerOrderId:     customerOrderId,
			Quantity:            addQty,
			SupplyRunId:         supplyRunId,
			CorrelationId:       correlationId,
		}
		if err := tx.Create(&reservation).Error; err != nil {
			// Unique (line, order) index turns a race into a duplicate key;
			// the engine's bounded retry takes another pass.
			if utils.IsDuplicateKeyErr(err) {
				return nil, utils.ErrorTransientConflict
			}
			return nil, err
		}
		return &reservation, nil
	default:
		return nil, err
	}
}

// RecordShortfall attaches one customer order's uncovered need to a supplier
// order line and flips the parent order's shortfall flag. Re-running a window
// with unchanged state finds the row already carrying the same quantity and
// writes nothing.
func RecordShortfall(tx *gorm.DB, lineId, customerOrderId int, qty decimal.Decimal, note string, supplyRunId *int, correlationId string) (*Shortfall, bool, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, false, errors.New("shortfall quantity must be positive")
	}

	var line SupplierOrderLine
	if err := tx.First(&line, lineId).Error; err != nil {
		return nil, false, utils.ErrorRecordNotFound
	}

	var existing Shortfall
	err := tx.Where("supplier_order_line_id = ? AND customer_order_id = ?", lineId, customerOrderId).
		First(&existing).Error
	if err == nil {
		if existing.Quantity.Equal(qty) {
			return &existing, false, nil
		}
		if err := tx.Model(&existing).
			Updates(map[string]interface{}{
				"quantity":       qty,
				"note":           note,
				"supply_run_id":  supplyRunId,
				"correlation_id": correlationId,
			}).Error; err != nil {
			return nil, false, err
		}
		existing.Quantity = qty
		existing.Note = note
		return &existing, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	shortfall := Shortfall{
		SupplierOrderLineId: lineId,
		CustomerOrderId:     customerOrderId,
		Quantity:            qty,
		Note:                note,
		SupplyRunId:         supplyRunId,
		CorrelationId:       correlationId,
	}
	if err := tx.Create(&shortfall).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, false, utils.ErrorTransientConflict
		}
		return nil, false, err
	}
	if err := tx.Model(&SupplierOrder{}).
		Where("id = ?", line.SupplierOrderId).
		Update("has_shortfall", true).Error; err != nil {
		return nil, false, err
	}
	return &shortfall, true, nil
}

// ResolveShortfalls deletes a customer order's shortfall rows for one
// component once the engine has covered the need. keepLineId (0 for none)
// spares the line a residual was just recorded on, so a shifted target does
// not leave a stale row behind. Supplier orders left without any shortfall
// rows get their flag cleared.
func ResolveShortfalls(tx *gorm.DB, customerOrderId, componentId, keepLineId int) error {
	q := tx.Model(&Shortfall{}).
		Joins("JOIN supplier_order_lines ON supplier_order_lines.id = shortfalls.supplier_order_line_id").
		Where("shortfalls.customer_order_id = ? AND supplier_order_lines.component_id = ?", customerOrderId, componentId)
	if keepLineId > 0 {
		q = q.Where("shortfalls.supplier_order_line_id <> ?", keepLineId)
	}
	var rows []Shortfall
	if err := q.Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	rowIds := make([]int, 0, len(rows))
	lineIds := make([]int, 0, len(rows))
	for _, row := range rows {
		rowIds = append(rowIds, row.ID)
		lineIds = append(lineIds, row.SupplierOrderLineId)
	}
	if err := tx.Delete(&Shortfall{}, rowIds).Error; err != nil {
		return err
	}

	var orderIds []int
	if err := tx.Model(&SupplierOrderLine{}).
		Distinct("supplier_order_id").
		Where("id IN ?", lineIds).
		Pluck("supplier_order_id", &orderIds).Error; err != nil {
		return err
	}
	return clearShortfallFlags(tx, orderIds)
}

// clearShortfallFlags drops has_shortfall on the given supplier orders where
// no shortfall row remains on any of their lines.
func clearShortfallFlags(tx *gorm.DB, supplierOrderIds []int) error {
	if len(supplierOrderIds) == 0 {
		return nil
	}
	return tx.Model(&SupplierOrder{}).
		Where(`id IN ? AND NOT EXISTS (
SELECT 1 FROM shortfalls
JOIN supplier_order_lines sol ON sol.id = shortfalls.supplier_order_line_id
WHERE sol.supplier_order_id = supplier_orders.id)`, supplierOrderIds).
		Update("has_shortfall", false).Error
}

// CreateReplenishmentOrder opens a new one-line supplier order for a
// component with no open PO line, numbered from the supplier_order sequence.
// The run id is kept on the order as provenance of the automatic creation.
func CreateReplenishmentOrder(tx *gorm.DB, componentId int, qty decimal.Decimal, supplyRunId *int, correlationId string) (*SupplierOrder, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("replenishment quantity must be positive")
	}

	var component Component
	if err := tx.First(&component, componentId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	seqNo, err := NextSequence(tx, SequenceCategorySupplierOrder)
	if err != nil {
		return nil, err
	}

	order := SupplierOrder{
		OrderNumber:   fmt.Sprintf("PO-%06d", seqNo),
		SequenceNo:    seqNo,
		SupplierId:    component.DefaultSupplierId,
		OrderDate:     time.Now(),
		Status:        SupplierOrderStatusConfirmed,
		HasShortfall:  newFalse(),
		SupplyRunId:   supplyRunId,
		CorrelationId: correlationId,
		Lines: []SupplierOrderLine{
			{ComponentId: componentId, Quantity: qty},
		},
	}
	if err := tx.Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// GetPoReservedQtyForOrder sums incoming capacity already promised to an
// order for one component.
func GetPoReservedQtyForOrder(tx *gorm.DB, customerOrderId, componentId int) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := tx.Model(&PoReservation{}).
		Select("COALESCE(SUM(po_reservations.quantity), 0)").
		Joins("JOIN supplier_order_lines ON supplier_order_lines.id = po_reservations.supplier_order_line_id").
		Where("po_reservations.customer_order_id = ? AND supplier_order_lines.component_id = ?", customerOrderId, componentId).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total.Decimal, nil
}

// ReceiveSupplierOrderLine books received units onto the line and creates the
// matching stock lot. Called by the receiving collaborator.
func ReceiveSupplierOrderLine(ctx context.Context, lineId int, warehouseId int, qty decimal.Decimal, supplierLotNumber string) (*StockLot, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("received quantity must be positive")
	}

	db := config.GetDB()
	var lot *StockLot
	err := utils.WithRetry(ctx, 5, retryableSequenceErr, func() error {
		lot = nil
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var line SupplierOrderLine
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&line, lineId).Error; err != nil {
				return utils.ErrorRecordNotFound
			}
			if qty.GreaterThan(line.Quantity.Sub(line.QtyReceived)) {
				return errors.New("received quantity exceeds outstanding order quantity")
			}

			if err := tx.Model(&line).
				Update("qty_received", gorm.Expr("qty_received + ?", qty)).Error; err != nil {
				return err
			}

			seqNo, err := NextSequence(tx, SequenceCategoryInternalLot)
			if err != nil {
				return err
			}
			newLot := StockLot{
				ComponentId:       line.ComponentId,
				WarehouseId:       warehouseId,
				LotNumber:         fmt.Sprintf("LOT-%06d", seqNo),
				SupplierLotNumber: supplierLotNumber,
				QtyOnHand:         qty,
				ReceivedDate:      time.Now(),
			}
			if err := tx.Create(&newLot).Error; err != nil {
				return err
			}
			lot = &newLot

			received := line.QtyReceived.Add(qty)
			status := SupplierOrderStatusPartiallyReceived
			if received.GreaterThanOrEqual(line.Quantity) {
				// Full receipt fulfils whatever shortfall was recorded on the line.
				if err := tx.Where("supplier_order_line_id = ?", line.ID).
					Delete(&Shortfall{}).Error; err != nil {
					return err
				}
				if err := clearShortfallFlags(tx, []int{line.SupplierOrderId}); err != nil {
					return err
				}

				// Single-line replenishment orders close on full receipt; multi-line
				// orders are closed by purchasing once every line lands.
				var openLines int64
				if err := tx.Model(&SupplierOrderLine{}).
					Where("supplier_order_id = ? AND id <> ? AND quantity > qty_received", line.SupplierOrderId, line.ID).
					Count(&openLines).Error; err != nil {
					return err
				}
				if openLines == 0 {
					status = SupplierOrderStatusClosed
				}
			}
			return tx.Model(&SupplierOrder{}).
				Where("id = ?", line.SupplierOrderId).
				Update("status", status).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return lot, nil
}

func GetSupplierOrder(ctx context.Context, id int) (*SupplierOrder, error) {
	return utils.FetchModel[SupplierOrder](ctx, id, "Lines")
}
