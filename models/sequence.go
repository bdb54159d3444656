package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceCounter keeps one row per issued number. The unique (category, value)
// index is the hard guarantee: even if two transactions race past the locking
// read, only one insert of a given value can commit.
type SequenceCounter struct {
	ID        int              `gorm:"primary_key" json:"id"`
	Category  SequenceCategory `gorm:"size:50;uniqueIndex:idx_sequence_category_value,priority:1;not null" json:"category"`
	Value     int64            `gorm:"uniqueIndex:idx_sequence_category_value,priority:2;not null" json:"value"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

var ErrSequenceConflict = errors.New("sequence number conflict")

// NextSequence issues the next number for a category inside the caller's
// transaction: locking read of the current max row, then insert of max+1.
// The insert rolls back with the surrounding transaction, so an aborted
// caller consumes no number. A lost race on a fresh category surfaces as
// ErrSequenceConflict for the caller to retry.
func NextSequence(tx *gorm.DB, category SequenceCategory) (int64, error) {
	if !category.IsValid() {
		return 0, errors.New("invalid sequence category")
	}

	var last SequenceCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("category = ?", category).
		Order("value DESC").
		First(&last).Error

	next := int64(1)
	if err == nil {
		next = last.Value + 1
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	row := SequenceCounter{Category: category, Value: next}
	if err := tx.Create(&row).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return 0, ErrSequenceConflict
		}
		return 0, err
	}
	return next, nil
}

// retryableSequenceErr matches the transient failures a sequence-drawing
// transaction can hit under contention.
func retryableSequenceErr(err error) bool {
	return errors.Is(err, ErrSequenceConflict) || utils.IsLockWaitErr(err)
}

// ReserveSequence issues a number in its own short transaction, retrying
// bounded on conflict. Use NextSequence directly when the number must be
// atomic with other writes.
func ReserveSequence(ctx context.Context, category SequenceCategory) (int64, error) {
	db := config.GetDB()
	var value int64
	err := utils.WithRetry(ctx, 5, retryableSequenceErr, func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			v, err := NextSequence(tx, category)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}
