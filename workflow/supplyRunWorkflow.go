package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/models"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const supplyRunLockKey = "lock:supply_run"

// supplyRunLockTTL must outlive the slowest realistic run; the lock is
// refreshed while the run is in flight.
const supplyRunLockTTL = 2 * time.Minute

var ErrRunInProgress = errors.New("supply run already in progress on another instance")

// RunWeeklyReconciliation executes one full reconciliation pass: open the
// telemetry row, walk the window's open orders through the allocation engine,
// and finalize the row exactly once. A cross-instance redis lock keeps
// overlapping schedules (or a manual trigger racing the ticker) from running
// two passes at the same time.
func RunWeeklyReconciliation(ctx context.Context) (*models.SupplyRun, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	windowStart, windowEnd := currentRunWindow(time.Now())

	lock, err := obtainSupplyRunLock(ctx, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()
	stopRefresh := refreshLockWhileRunning(ctx, logger, lock)
	defer stopRefresh()

	tracer := otel.Tracer("factory_backend/workflow")
	ctx, span := tracer.Start(ctx, "supply_run.weekly", trace.WithAttributes(
		attribute.String("window_start", windowStart.Format(time.RFC3339)),
		attribute.String("window_end", windowEnd.Format(time.RFC3339)),
	))
	defer span.End()

	run, err := models.BeginSupplyRun(ctx, windowStart, windowEnd)
	if err != nil {
		config.LogError(logger, "supplyRunWorkflow.go", "RunWeeklyReconciliation", "Opening supply run row", nil, err)
		return nil, err
	}
	ctx = utils.SetCorrelationIdInContext(ctx, run.CorrelationId)
	span.SetAttributes(attribute.Int("supply_run_id", run.ID))

	logger.WithFields(logrus.Fields{
		"field":          "supplyRunWorkflow",
		"supply_run_id":  run.ID,
		"window_start":   windowStart,
		"window_end":     windowEnd,
		"correlation_id": run.CorrelationId,
	}).Info("supply run started")

	totals, result := ProcessSupplyReconciliation(ctx, db, logger, run)

	if err := models.FinalizeSupplyRun(ctx, run, totals, result); err != nil {
		config.LogError(logger, "supplyRunWorkflow.go", "RunWeeklyReconciliation", "Finalizing supply run", run.ID, err)
		return run, err
	}

	logger.WithFields(logrus.Fields{
		"field":              "supplyRunWorkflow",
		"supply_run_id":      run.ID,
		"result":             string(result),
		"orders_scanned":     totals.OrdersScanned,
		"orders_skipped":     totals.OrdersSkipped,
		"orders_touched":     totals.OrdersTouched,
		"orders_failed":      totals.OrdersFailed,
		"reservation_lines":  totals.ReservationLines,
		"qty_reserved_stock": totals.QtyReservedStock.String(),
		"qty_reserved_po":    totals.QtyReservedPo.String(),
		"shortfall_lines":    totals.ShortfallLines,
		"qty_short":          totals.QtyShort.String(),
		"duration_ms":        run.DurationMs,
	}).Info("supply run finished")

	return run, nil
}

// currentRunWindow looks back SUPPLY_RUN_WINDOW_DAYS from now. Orders dated
// inside the window (and anything older still open) are reconciled.
func currentRunWindow(now time.Time) (time.Time, time.Time) {
	days := config.SupplyRunWindowDays()
	end := now
	start := end.AddDate(0, 0, -days)
	return start, end
}

func obtainSupplyRunLock(ctx context.Context, logger *logrus.Logger) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, "supplyRunWorkflow.go", "obtainSupplyRunLock", "Redis lock not initialized", nil, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := locker.Obtain(ctx, supplyRunLockKey, supplyRunLockTTL, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"field": "supplyRunWorkflow",
		}).Warn("supply run lock held elsewhere; skipping this pass")
		return nil, ErrRunInProgress
	} else if err != nil {
		config.LogError(logger, "supplyRunWorkflow.go", "obtainSupplyRunLock", "Error obtaining supply run lock", nil, err)
		return nil, err
	}
	return lock, nil
}

// refreshLockWhileRunning extends the lock TTL until the returned stop func
// is called. A run that outlives the TTL must not lose the lock mid-flight.
func refreshLockWhileRunning(ctx context.Context, logger *logrus.Logger, lock *redislock.Lock) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(supplyRunLockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, supplyRunLockTTL, nil); err != nil {
					logger.WithFields(logrus.Fields{
						"field": "supplyRunWorkflow",
					}).Warn("failed to refresh supply run lock: " + err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}
