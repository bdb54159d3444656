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
)

// CustomerOrder is the demand side of the system. Intake CRUD is handled by
// the back office; the core reads open orders and maintains the denormalized
// needs_reorder flag when shortfalls or scrap demand appear.
type CustomerOrder struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	OrderNumber  string              `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	SequenceNo   int64               `gorm:"not null" json:"sequence_no"`
	CustomerName string              `gorm:"size:255;not null" json:"customer_name"`
	OrderDate    time.Time           `gorm:"index;not null" json:"order_date"`
	Status       CustomerOrderStatus `gorm:"type:enum('Draft','Confirmed','Closed','Cancelled');default:'Draft';not null" json:"status"`
	NeedsReorder *bool               `gorm:"not null;default:false" json:"needs_reorder"`
	Lines        []OrderLine         `gorm:"foreignKey:CustomerOrderId" json:"lines"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderLine is the unit the phase ledger tracks. current_phase, qty_completed
// and qty_scrapped are read-side caches recomputed from the ledger on every
// append; they are never written from anywhere else.
type OrderLine struct {
	ID              int             `gorm:"primary_key" json:"id"`
	CustomerOrderId int             `gorm:"index;not null" json:"customer_order_id"`
	ComponentId     int             `gorm:"index;not null" json:"component_id"`
	Description     string          `gorm:"size:255" json:"description"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CurrentPhase    Phase           `gorm:"not null;default:0" json:"current_phase"`
	QtyCompleted    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_completed"`
	QtyScrapped     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_scrapped"`
	PhaseUpdatedAt  *time.Time      `json:"phase_updated_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomerOrder struct {
	CustomerName string             `json:"customer_name" validate:"required"`
	OrderDate    time.Time          `json:"order_date" validate:"required"`
	Lines        []NewOrderLine     `json:"lines" validate:"required,min=1,dive"`
}

type NewOrderLine struct {
	ComponentId int             `json:"component_id" validate:"required"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity" validate:"required"`
}

func (input *NewCustomerOrder) validate(ctx context.Context) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	for _, line := range input.Lines {
		if line.Quantity.LessThanOrEqual(decimal.Zero) {
			return errors.New("line quantity must be positive")
		}
		if err := utils.ValidateResourceId[Component](ctx, line.ComponentId); err != nil {
			return fmt.Errorf("component %d: %w", line.ComponentId, err)
		}
	}
	return nil
}

// CreateCustomerOrder inserts the order with a number drawn from the
// customer_order sequence, retrying bounded when the draw loses a race.
// Every unit of every line starts in Inserted; that initial occupancy is
// implicit in the ledger (no seed event is written). Each attempt rebuilds
// the row set so a rolled-back try leaves no stale ids behind.
func CreateCustomerOrder(ctx context.Context, input *NewCustomerOrder) (*CustomerOrder, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var order *CustomerOrder
	err := utils.WithRetry(ctx, 5, retryableSequenceErr, func() error {
		lines := make([]OrderLine, 0, len(input.Lines))
		for _, l := range input.Lines {
			lines = append(lines, OrderLine{
				ComponentId:  l.ComponentId,
				Description:  l.Description,
				Quantity:     l.Quantity,
				CurrentPhase: PhaseInserted,
			})
		}
		o := CustomerOrder{
			CustomerName: input.CustomerName,
			OrderDate:    input.OrderDate,
			Status:       CustomerOrderStatusConfirmed,
			NeedsReorder: newFalse(),
			Lines:        lines,
		}
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seqNo, err := NextSequence(tx, SequenceCategoryCustomerOrder)
			if err != nil {
				return err
			}
			o.SequenceNo = seqNo
			o.OrderNumber = fmt.Sprintf("CO-%06d", seqNo)
			if err := tx.Create(&o).Error; err != nil {
				return err
			}
			order = &o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func GetCustomerOrder(ctx context.Context, id int) (*CustomerOrder, error) {
	return utils.FetchModel[CustomerOrder](ctx, id, "Lines")
}

func GetOrderLine(ctx context.Context, id int) (*OrderLine, error) {
	return utils.FetchModel[OrderLine](ctx, id)
}

// GetOpenCustomerOrders returns confirmed orders placed at or before windowEnd,
// oldest first, with lines preloaded. The allocation engine walks this list.
func GetOpenCustomerOrders(ctx context.Context, windowEnd time.Time) ([]*CustomerOrder, error) {
	db := config.GetDB()
	var orders []*CustomerOrder
	err := db.WithContext(ctx).
		Where("status = ? AND order_date <= ?", CustomerOrderStatusConfirmed, windowEnd).
		Preload("Lines").
		Order("order_date, id").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// MarkOrderNeedsReorder flips the denormalized reorder signal on the parent
// order. Kept idempotent; callers invoke it inside their own transaction.
func MarkOrderNeedsReorder(tx *gorm.DB, orderId int, needsReorder bool) error {
	return tx.Model(&CustomerOrder{}).
		Where("id = ?", orderId).
		Update("needs_reorder", needsReorder).Error
}

func newFalse() *bool {
	b := false
	return &b
}

func newTrue() *bool {
	b := true
	return &b
}
