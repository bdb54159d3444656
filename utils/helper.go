package utils

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs the shared validator over an input struct.
func ValidateStruct(input any) error {
	return validate.Struct(input)
}

// WithRetry runs fn up to attempts times, backing off between tries.
// Only errors for which retryable returns true are retried; anything else
// is surfaced immediately.
func WithRetry(ctx context.Context, attempts int, retryable func(error) bool, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		sleep := time.Duration(1<<min(i, 4)) * 50 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
