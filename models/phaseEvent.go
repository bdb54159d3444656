package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PhaseEvent is one immutable row of the production ledger: a signed quantity
// transfer between two phases of an order line. Rows are never updated or
// deleted; corrections are new compensating events.
type PhaseEvent struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderLineId   int             `gorm:"index;not null" json:"order_line_id"`
	FromPhase     Phase           `gorm:"not null" json:"from_phase"`
	ToPhase       Phase           `gorm:"not null" json:"to_phase"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Actor         string          `gorm:"size:100;not null" json:"actor"`
	Operator      string          `gorm:"size:100" json:"operator"`
	IsRollback    *bool           `gorm:"not null;default:false" json:"is_rollback"`
	RollbackMode  *RollbackMode   `gorm:"type:enum('Reuse','Scrap');default:null" json:"rollback_mode"`
	Reason        string          `gorm:"size:255" json:"reason"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// RollbackIntent tags an advance as a backward move. Scrap structurally
// carries its compensating demand: the scrap branch of AdvancePhase cannot
// complete without writing the paired ReorderDemand row.
type RollbackIntent struct {
	Mode RollbackMode `json:"mode"`
}

type NewPhaseEvent struct {
	OrderLineId int             `json:"order_line_id" validate:"required"`
	FromPhase   Phase           `json:"from_phase"`
	ToPhase     Phase           `json:"to_phase"`
	Quantity    decimal.Decimal `json:"quantity" validate:"required"`
	Operator    string          `json:"operator"`
	Reason      string          `json:"reason"`
	Rollback    *RollbackIntent `json:"rollback"`
}

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrOverdraw          = errors.New("quantity exceeds units in source phase")
	ErrMalformedRollback = errors.New("malformed rollback")
)

func (input *NewPhaseEvent) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.New("quantity must be positive")
	}
	if !input.FromPhase.IsValid() || !input.ToPhase.IsValid() {
		return ErrInvalidTransition
	}
	if input.Rollback == nil {
		next, ok := input.FromPhase.Next()
		if !ok || input.ToPhase != next {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, input.FromPhase, input.ToPhase)
		}
		return nil
	}
	if !input.Rollback.Mode.IsValid() {
		return ErrMalformedRollback
	}
	// Rollback may jump backward any number of phases, never forward or in place.
	if input.ToPhase >= input.FromPhase {
		return fmt.Errorf("%w: rollback %s -> %s", ErrInvalidTransition, input.FromPhase, input.ToPhase)
	}
	return nil
}

// AdvancePhase validates and appends one ledger event, then recomputes the
// line's denormalized phase cache, all in one transaction.
//
// Serialization: the order line row is read FOR UPDATE first, so concurrent
// advances on the same line queue on the row lock and each one validates
// against fully committed ledger state. Two racing advances can never jointly
// overdraw a phase. Lock contention (1205/1213) is retried bounded; validation
// failures are surfaced immediately and never retried.
func AdvancePhase(ctx context.Context, input *NewPhaseEvent) (*PhaseEvent, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	actor, _ := utils.GetUserNameFromContext(ctx)
	if actor == "" {
		return nil, errors.New("actor is required")
	}
	operator := input.Operator
	if operator == "" {
		operator, _ = utils.GetOperatorFromContext(ctx)
	}

	db := config.GetDB()
	var event *PhaseEvent
	err := utils.WithRetry(ctx, 3, utils.IsLockWaitErr, func() error {
		event = nil
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var line OrderLine
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&line, input.OrderLineId).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return utils.ErrorRecordNotFound
				}
				return err
			}

			events, err := LineEvents(tx, line.ID)
			if err != nil {
				return err
			}

			available := QuantityInPhaseFromEvents(line.Quantity, events, input.FromPhase)
			if input.Quantity.GreaterThan(available) {
				return fmt.Errorf("%w: phase %s has %s, requested %s",
					ErrOverdraw, input.FromPhase, available, input.Quantity)
			}

			e := PhaseEvent{
				OrderLineId:   line.ID,
				FromPhase:     input.FromPhase,
				ToPhase:       input.ToPhase,
				Quantity:      input.Quantity,
				Actor:         actor,
				Operator:      operator,
				IsRollback:    newFalse(),
				Reason:        input.Reason,
				CorrelationId: correlationIdFromContextOrNew(ctx),
			}
			if input.Rollback != nil {
				mode := input.Rollback.Mode
				e.IsRollback = newTrue()
				e.RollbackMode = &mode
			}
			if err := tx.Create(&e).Error; err != nil {
				return err
			}

			if input.Rollback != nil && input.Rollback.Mode == RollbackModeScrap {
				if err := applyScrapDemand(tx, &line, &e); err != nil {
					return err
				}
			}

			if err := refreshLineCache(tx, &line, append(events, e)); err != nil {
				return err
			}
			event = &e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// applyScrapDemand removes scrapped units from the pipeline bookkeeping and
// raises the compensating demand in the same transaction. A scrap event
// without this dual write is a data-integrity failure, so any error here
// aborts the whole append.
func applyScrapDemand(tx *gorm.DB, line *OrderLine, e *PhaseEvent) error {
	if err := tx.Model(&OrderLine{}).Where("id = ?", line.ID).
		Update("qty_scrapped", gorm.Expr("qty_scrapped + ?", e.Quantity)).Error; err != nil {
		return err
	}
	demand := ReorderDemand{
		OrderLineId:   line.ID,
		ComponentId:   line.ComponentId,
		PhaseEventId:  e.ID,
		Quantity:      e.Quantity,
		Status:        ReorderDemandStatusOpen,
		CorrelationId: e.CorrelationId,
	}
	if err := tx.Create(&demand).Error; err != nil {
		return err
	}
	return MarkOrderNeedsReorder(tx, line.CustomerOrderId, true)
}

// refreshLineCache recomputes current_phase and qty_completed from the full
// event list (including the event just appended) and persists them. The cache
// is derived state only; reads that must be exact replay the ledger.
func refreshLineCache(tx *gorm.DB, line *OrderLine, events []PhaseEvent) error {
	current, completed := DeriveLineState(line.Quantity, events)
	now := time.Now()
	return tx.Model(&OrderLine{}).Where("id = ?", line.ID).
		Updates(map[string]interface{}{
			"current_phase":    current,
			"qty_completed":    completed,
			"phase_updated_at": now,
		}).Error
}

// LineEvents loads one line's ledger in append order.
func LineEvents(tx *gorm.DB, orderLineId int) ([]PhaseEvent, error) {
	var events []PhaseEvent
	err := tx.Where("order_line_id = ?", orderLineId).
		Order("id").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// QuantityInPhase replays the ledger for one line and returns the units
// currently sitting in the given phase.
func QuantityInPhase(ctx context.Context, orderLineId int, phase Phase) (decimal.Decimal, error) {
	if !phase.IsValid() {
		return decimal.Zero, ErrInvalidTransition
	}
	db := config.GetDB()
	var line OrderLine
	if err := db.WithContext(ctx).First(&line, orderLineId).Error; err != nil {
		return decimal.Zero, utils.ErrorRecordNotFound
	}
	events, err := LineEvents(db.WithContext(ctx), orderLineId)
	if err != nil {
		return decimal.Zero, err
	}
	return QuantityInPhaseFromEvents(line.Quantity, events, phase), nil
}

// QuantityInPhaseAggregate computes the same number as a single SQL
// aggregation. Read-side convenience for dashboards only; write-side
// validation always replays the ledger under the line lock.
func QuantityInPhaseAggregate(ctx context.Context, orderLineId int, phase Phase) (decimal.Decimal, error) {
	db := config.GetDB()
	var line OrderLine
	if err := db.WithContext(ctx).First(&line, orderLineId).Error; err != nil {
		return decimal.Zero, utils.ErrorRecordNotFound
	}

	var delta decimal.NullDecimal
	sql := `
SELECT COALESCE(SUM(CASE WHEN to_phase = @phase
                          AND (rollback_mode IS NULL OR rollback_mode <> 'Scrap')
                         THEN quantity ELSE 0 END), 0)
     - COALESCE(SUM(CASE WHEN from_phase = @phase THEN quantity ELSE 0 END), 0)
FROM phase_events
WHERE order_line_id = @line`
	if err := db.WithContext(ctx).
		Raw(sql, map[string]interface{}{"phase": int(phase), "line": orderLineId}).
		Scan(&delta).Error; err != nil {
		return decimal.Zero, err
	}

	qty := delta.Decimal
	if phase == PhaseInserted {
		qty = qty.Add(line.Quantity)
	}
	return qty, nil
}

// IsScrap reports whether the event removes its units from the pipeline.
func (e *PhaseEvent) IsScrap() bool {
	return e.RollbackMode != nil && *e.RollbackMode == RollbackModeScrap
}

// QuantityInPhaseFromEvents is the derived-quantity formula as a pure
// function: initial occupancy of Inserted is the ordered quantity, then every
// event adds to its to_phase and subtracts from its from_phase. A scrap event
// only subtracts; its units leave the pipeline instead of landing in the
// target phase, and the paired reorder demand accounts for their replacement.
func QuantityInPhaseFromEvents(orderedQty decimal.Decimal, events []PhaseEvent, phase Phase) decimal.Decimal {
	qty := decimal.Zero
	if phase == PhaseInserted {
		qty = orderedQty
	}
	for i := range events {
		e := &events[i]
		if e.ToPhase == phase && !e.IsScrap() {
			qty = qty.Add(e.Quantity)
		}
		if e.FromPhase == phase {
			qty = qty.Sub(e.Quantity)
		}
	}
	return qty
}

// PhaseOccupancy replays the ledger into a full per-phase occupancy map.
func PhaseOccupancy(orderedQty decimal.Decimal, events []PhaseEvent) map[Phase]decimal.Decimal {
	occupancy := make(map[Phase]decimal.Decimal, int(PhaseShipped)+1)
	for _, p := range AllPhases() {
		occupancy[p] = QuantityInPhaseFromEvents(orderedQty, events, p)
	}
	return occupancy
}

// QuantityInPipeline is the sum of occupancy over all phases. Equals the
// ordered quantity minus everything scrapped out of the pipeline.
func QuantityInPipeline(orderedQty decimal.Decimal, events []PhaseEvent) decimal.Decimal {
	total := decimal.Zero
	for _, qty := range PhaseOccupancy(orderedQty, events) {
		total = total.Add(qty)
	}
	return total
}

// DeriveLineState computes the denormalized cache values: the lowest
// non-terminal phase that still holds units, and the quantity already shipped.
// A line whose pipeline is empty without anything shipped (everything
// scrapped) sits back at Inserted waiting for replacements.
func DeriveLineState(orderedQty decimal.Decimal, events []PhaseEvent) (Phase, decimal.Decimal) {
	occupancy := PhaseOccupancy(orderedQty, events)
	completed := occupancy[PhaseShipped]
	for _, p := range AllPhases() {
		if p.IsTerminal() {
			continue
		}
		if occupancy[p].GreaterThan(decimal.Zero) {
			return p, completed
		}
	}
	if completed.GreaterThan(decimal.Zero) {
		return PhaseShipped, completed
	}
	return PhaseInserted, completed
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
