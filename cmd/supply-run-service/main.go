package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"bitbucket.org/mmdatafocus/factory_backend/models"
	"bitbucket.org/mmdatafocus/factory_backend/models/reports"
	"bitbucket.org/mmdatafocus/factory_backend/utils"
	"bitbucket.org/mmdatafocus/factory_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SUPPLY_RUN_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(contextMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "x-actor", "x-operator", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// API endpoints
	r.POST("/api/customer-orders", createCustomerOrderHandler())
	r.GET("/api/customer-orders/:id", getCustomerOrderHandler())
	r.POST("/api/phase-events", advancePhaseHandler())
	r.GET("/api/order-lines/:id", getOrderLineHandler())
	r.GET("/api/order-lines/:id/phase-quantity", phaseQuantityHandler())
	r.GET("/api/supplier-orders/:id", getSupplierOrderHandler())
	r.POST("/api/supplier-order-lines/:id/receive", receiveSupplierLineHandler())
	r.POST("/api/supply-runs/trigger", triggerSupplyRunHandler())
	r.GET("/api/supply-runs", listSupplyRunsHandler())
	r.GET("/api/supply-runs/unfinished", unfinishedSupplyRunsHandler())
	r.GET("/api/reports/shortfalls-by-component", shortfallReportHandler())
	r.GET("/api/reports/supply-runs/export", gin.WrapF(reports.ExportSupplyRunExcel))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	stopScheduler := startWeeklyScheduler(sigCtx, logger)
	defer stopScheduler()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// contextMiddleware stamps every request context with a correlation id, the
// acting user and the floor operator. The actor comes from x-actor, falling
// back to x-operator for floor terminals that only send the latter; ledger
// writes refuse requests that carry neither.
func contextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		op := strings.TrimSpace(c.GetHeader("x-operator"))
		if op != "" {
			ctx = utils.SetOperatorInContext(ctx, op)
		}
		actor := strings.TrimSpace(c.GetHeader("x-actor"))
		if actor == "" {
			actor = op
		}
		if actor != "" {
			ctx = utils.SetUserNameInContext(ctx, actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// startWeeklyScheduler fires the reconciliation once per interval. The redis
// lock inside the workflow keeps multiple replicas from double-running.
func startWeeklyScheduler(ctx context.Context, logger *logrus.Logger) func() {
	intervalHours := intFromEnv("SUPPLY_RUN_INTERVAL_HOURS", 7*24)
	interval := time.Duration(intervalHours) * time.Hour

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := workflow.RunWeeklyReconciliation(ctx); err != nil && !errors.Is(err, workflow.ErrRunInProgress) {
					logger.WithFields(logrus.Fields{"field": "scheduler"}).Error("scheduled supply run failed: " + err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}

func createCustomerOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCustomerOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := models.CreateCustomerOrder(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

func getCustomerOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		order, err := models.GetCustomerOrder(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "customer order not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func advancePhaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPhaseEvent
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		event, err := models.AdvancePhase(c.Request.Context(), &input)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrInvalidTransition),
				errors.Is(err, models.ErrOverdraw),
				errors.Is(err, models.ErrMalformedRollback):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "order line not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

func getOrderLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		line, err := models.GetOrderLine(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "order line not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

// phaseQuantityHandler serves dashboard reads with the single-query
// aggregation instead of a full ledger replay.
func phaseQuantityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		phaseNo, err := strconv.Atoi(c.Query("phase"))
		if err != nil || !models.Phase(phaseNo).IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phase"})
			return
		}
		qty, err := models.QuantityInPhaseAggregate(c.Request.Context(), id, models.Phase(phaseNo))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "order line not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"order_line_id": id,
			"phase":         models.Phase(phaseNo).String(),
			"quantity":      qty,
		})
	}
}

func getSupplierOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		order, err := models.GetSupplierOrder(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "supplier order not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func receiveSupplierLineHandler() gin.HandlerFunc {
	type receiveInput struct {
		WarehouseId       int             `json:"warehouse_id"`
		Quantity          decimal.Decimal `json:"quantity"`
		SupplierLotNumber string          `json:"supplier_lot_number"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var input receiveInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lot, err := models.ReceiveSupplierOrderLine(c.Request.Context(), id, input.WarehouseId, input.Quantity, input.SupplierLotNumber)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "supplier order line not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, lot)
	}
}

func triggerSupplyRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := workflow.RunWeeklyReconciliation(c.Request.Context())
		if err != nil {
			if errors.Is(err, workflow.ErrRunInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func listSupplyRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		runs, err := models.GetSupplyRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}

// unfinishedSupplyRunsHandler surfaces runs that never reached finalization,
// typically after a crash mid-run. Alerting polls this.
func unfinishedSupplyRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		minutes, _ := strconv.Atoi(c.DefaultQuery("older_than_minutes", "30"))
		if minutes < 0 {
			minutes = 0
		}
		runs, err := models.GetUnfinishedSupplyRuns(c.Request.Context(), time.Duration(minutes)*time.Minute)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}

func shortfallReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := reports.GetShortfallByComponentReport(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
