package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReorderDemand is the compensating record for a scrap rollback: scrapped
// units leave the pipeline permanently, so the same transaction that appends
// the scrap event raises an equal demand here for the allocation engine.
// Rows are written once; the engine only flips Status when coverage lands.
type ReorderDemand struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	OrderLineId   int                 `gorm:"index;not null" json:"order_line_id"`
	ComponentId   int                 `gorm:"index;not null" json:"component_id"`
	PhaseEventId  int                 `gorm:"uniqueIndex;not null" json:"phase_event_id"`
	Quantity      decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Status        ReorderDemandStatus `gorm:"type:enum('Open','Covered');default:'Open';not null" json:"status"`
	CorrelationId string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOpenReorderDemandQty sums open scrap demand for one order line.
func GetOpenReorderDemandQty(tx *gorm.DB, orderLineId int) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := tx.Model(&ReorderDemand{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("order_line_id = ? AND status = ?", orderLineId, ReorderDemandStatusOpen).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total.Decimal, nil
}

// SettleReorderDemands marks a line's open demands covered once the engine
// has reserved or reordered for them.
func SettleReorderDemands(tx *gorm.DB, orderLineId int) error {
	return tx.Model(&ReorderDemand{}).
		Where("order_line_id = ? AND status = ?", orderLineId, ReorderDemandStatusOpen).
		Update("status", ReorderDemandStatusCovered).Error
}

// GetReorderDemandsForEvent returns the demand paired with one scrap event.
// Used by audits replaying the ledger to verify scrap coupling.
func GetReorderDemandsForEvent(ctx context.Context, phaseEventId int) ([]*ReorderDemand, error) {
	db := config.GetDB()
	var demands []*ReorderDemand
	err := db.WithContext(ctx).
		Where("phase_event_id = ?", phaseEventId).
		Find(&demands).Error
	if err != nil {
		return nil, err
	}
	return demands, nil
}
