package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"github.com/shopspring/decimal"
)

// SupplyRun is the immutable audit record of one reconciliation execution.
// The row is opened when the run starts and finalized exactly once by the run
// itself; nothing else ever writes it.
type SupplyRun struct {
	ID               int             `gorm:"primary_key" json:"id"`
	WindowStart      time.Time       `gorm:"index;not null" json:"window_start"`
	WindowEnd        time.Time       `gorm:"index;not null" json:"window_end"`
	StartedAt        time.Time       `gorm:"not null" json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at"`
	DurationMs       int64           `gorm:"default:0" json:"duration_ms"`
	OrdersScanned    int             `gorm:"default:0" json:"orders_scanned"`
	OrdersSkipped    int             `gorm:"default:0" json:"orders_skipped"`
	OrdersTouched    int             `gorm:"default:0" json:"orders_touched"`
	OrdersFailed     int             `gorm:"default:0" json:"orders_failed"`
	ReservationLines int             `gorm:"default:0" json:"reservation_lines"`
	QtyReservedStock decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_reserved_stock"`
	QtyReservedPo    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_reserved_po"`
	ShortfallLines   int             `gorm:"default:0" json:"shortfall_lines"`
	QtyShort         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_short"`
	SupplierOrderIds []byte          `gorm:"type:json" json:"supplier_order_ids"`
	Result           SupplyRunResult `gorm:"type:enum('ok','partial','error');default:'ok';not null" json:"result"`
	ErrorContext     []byte          `gorm:"type:json" json:"error_context"`
	CorrelationId    string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SupplyRunTotals is the aggregate a finished run writes back to its row.
type SupplyRunTotals struct {
	OrdersScanned    int
	OrdersSkipped    int
	OrdersTouched    int
	OrdersFailed     int
	ReservationLines int
	QtyReservedStock decimal.Decimal
	QtyReservedPo    decimal.Decimal
	ShortfallLines   int
	QtyShort         decimal.Decimal
	SupplierOrderIds []int
	Errors           []SupplyRunError
}

// SupplyRunError is one per-order failure captured in the run's error context.
type SupplyRunError struct {
	CustomerOrderId int    `json:"customer_order_id"`
	OrderNumber     string `json:"order_number"`
	Error           string `json:"error"`
}

var ErrRunAlreadyFinalized = errors.New("supply run already finalized")

// BeginSupplyRun opens the audit row before any allocation work starts.
func BeginSupplyRun(ctx context.Context, windowStart, windowEnd time.Time) (*SupplyRun, error) {
	run := SupplyRun{
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		StartedAt:     time.Now(),
		Result:        SupplyRunResultOk,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// FinalizeSupplyRun writes totals, result and finished_at exactly once. The
// finished_at IS NULL guard makes a double finalize (crash/retry overlap)
// fail loudly instead of overwriting the audit record.
func FinalizeSupplyRun(ctx context.Context, run *SupplyRun, totals SupplyRunTotals, result SupplyRunResult) error {
	orderIds, err := json.Marshal(totals.SupplierOrderIds)
	if err != nil {
		return err
	}
	var errorContext []byte
	if len(totals.Errors) > 0 {
		errorContext, err = json.Marshal(totals.Errors)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&SupplyRun{}).
		Where("id = ? AND finished_at IS NULL", run.ID).
		Updates(map[string]interface{}{
			"finished_at":        now,
			"duration_ms":        now.Sub(run.StartedAt).Milliseconds(),
			"orders_scanned":     totals.OrdersScanned,
			"orders_skipped":     totals.OrdersSkipped,
			"orders_touched":     totals.OrdersTouched,
			"orders_failed":      totals.OrdersFailed,
			"reservation_lines":  totals.ReservationLines,
			"qty_reserved_stock": totals.QtyReservedStock,
			"qty_reserved_po":    totals.QtyReservedPo,
			"shortfall_lines":    totals.ShortfallLines,
			"qty_short":          totals.QtyShort,
			"supplier_order_ids": orderIds,
			"result":             result,
			"error_context":      errorContext,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunAlreadyFinalized
	}

	run.FinishedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	run.OrdersScanned = totals.OrdersScanned
	run.OrdersSkipped = totals.OrdersSkipped
	run.OrdersTouched = totals.OrdersTouched
	run.OrdersFailed = totals.OrdersFailed
	run.ReservationLines = totals.ReservationLines
	run.QtyReservedStock = totals.QtyReservedStock
	run.QtyReservedPo = totals.QtyReservedPo
	run.ShortfallLines = totals.ShortfallLines
	run.QtyShort = totals.QtyShort
	run.SupplierOrderIds = orderIds
	run.ErrorContext = errorContext
	run.Result = result
	return nil
}

// GetSupplyRuns lists runs newest first, for the telemetry consumer.
func GetSupplyRuns(ctx context.Context, limit int) ([]*SupplyRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := config.GetDB()
	var runs []*SupplyRun
	err := db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// GetUnfinishedSupplyRuns surfaces runs that crashed before finalizing.
// They are never silently treated as ok; alerting reads this.
func GetUnfinishedSupplyRuns(ctx context.Context, olderThan time.Duration) ([]*SupplyRun, error) {
	db := config.GetDB()
	var runs []*SupplyRun
	err := db.WithContext(ctx).
		Where("finished_at IS NULL AND started_at < ?", time.Now().Add(-olderThan)).
		Order("started_at").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
