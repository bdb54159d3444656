package reports

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/factory_backend/config"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type SupplyRunSummaryResponse struct {
	SupplyRunId      int             `json:"SupplyRunId"`
	WindowStart      time.Time       `json:"WindowStart"`
	WindowEnd        time.Time       `json:"WindowEnd"`
	Result           string          `json:"Result"`
	DurationMs       int64           `json:"DurationMs"`
	OrdersScanned    int             `json:"OrdersScanned"`
	OrdersSkipped    int             `json:"OrdersSkipped"`
	OrdersTouched    int             `json:"OrdersTouched"`
	OrdersFailed     int             `json:"OrdersFailed"`
	ReservationLines int             `json:"ReservationLines"`
	QtyReservedStock decimal.Decimal `json:"QtyReservedStock"`
	QtyReservedPo    decimal.Decimal `json:"QtyReservedPo"`
	ShortfallLines   int             `json:"ShortfallLines"`
	QtyShort         decimal.Decimal `json:"QtyShort"`
}

// GetSupplyRunSummaryReport lists finished runs newest first.
func GetSupplyRunSummaryReport(ctx context.Context, limit int) ([]*SupplyRunSummaryResponse, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	sql := `
SELECT
    id AS supply_run_id,
    window_start,
    window_end,
    result,
    duration_ms,
    orders_scanned,
    orders_skipped,
    orders_touched,
    orders_failed,
    reservation_lines,
    qty_reserved_stock,
    qty_reserved_po,
    shortfall_lines,
    qty_short
FROM
    supply_runs
WHERE
    finished_at IS NOT NULL
ORDER BY started_at DESC
LIMIT @limit;
`

	var records []*SupplyRunSummaryResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{"limit": limit}).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

type ShortfallByComponentResponse struct {
	ComponentId   int             `json:"ComponentId"`
	Sku           string          `json:"Sku"`
	ComponentName string          `json:"ComponentName"`
	ShortfallQty  decimal.Decimal `json:"ShortfallQty"`
	LineCount     int             `json:"LineCount"`
}

// GetShortfallByComponentReport sums the currently recorded shortfalls per
// component across open supplier orders.
func GetShortfallByComponentReport(ctx context.Context) ([]*ShortfallByComponentResponse, error) {
	sql := `
SELECT
    sf.component_id,
    components.sku,
    components.name AS component_name,
    sf.shortfall_qty,
    sf.line_count
FROM
    (
        SELECT
            supplier_order_lines.component_id,
            SUM(shortfalls.quantity) AS shortfall_qty,
            COUNT(shortfalls.id) AS line_count
        FROM
            shortfalls
            JOIN supplier_order_lines ON supplier_order_lines.id = shortfalls.supplier_order_line_id
            JOIN supplier_orders ON supplier_orders.id = supplier_order_lines.supplier_order_id
        WHERE
            supplier_orders.status IN ('Confirmed', 'Partially Received')
            AND shortfalls.quantity > 0
        GROUP BY
            supplier_order_lines.component_id
    ) AS sf
    LEFT JOIN components ON components.id = sf.component_id
ORDER BY sf.shortfall_qty DESC;
`

	var records []*ShortfallByComponentResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ExportSupplyRunExcel streams the run summary as an xlsx download.
func ExportSupplyRunExcel(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	data, err := GetSupplyRunSummaryReport(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f := excelize.NewFile()
	_, err = f.NewSheet("Sheet1")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "RunId")
	f.SetCellValue("Sheet1", "B1", "WindowStart")
	f.SetCellValue("Sheet1", "C1", "WindowEnd")
	f.SetCellValue("Sheet1", "D1", "Result")
	f.SetCellValue("Sheet1", "E1", "DurationMs")
	f.SetCellValue("Sheet1", "F1", "OrdersScanned")
	f.SetCellValue("Sheet1", "G1", "OrdersTouched")
	f.SetCellValue("Sheet1", "H1", "OrdersFailed")
	f.SetCellValue("Sheet1", "I1", "QtyReservedStock")
	f.SetCellValue("Sheet1", "J1", "QtyReservedPo")
	f.SetCellValue("Sheet1", "K1", "QtyShort")

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue("Sheet1", "A"+row, d.SupplyRunId)
		f.SetCellValue("Sheet1", "B"+row, d.WindowStart.Format("2006-01-02"))
		f.SetCellValue("Sheet1", "C"+row, d.WindowEnd.Format("2006-01-02"))
		f.SetCellValue("Sheet1", "D"+row, d.Result)
		f.SetCellValue("Sheet1", "E"+row, d.DurationMs)
		f.SetCellValue("Sheet1", "F"+row, d.OrdersScanned)
		f.SetCellValue("Sheet1", "G"+row, d.OrdersTouched)
		f.SetCellValue("Sheet1", "H"+row, d.OrdersFailed)
		f.SetCellValue("Sheet1", "I"+row, d.QtyReservedStock.String())
		f.SetCellValue("Sheet1", "J"+row, d.QtyReservedPo.String())
		f.SetCellValue("Sheet1", "K"+row, d.QtyShort.String())
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=supply_runs.xlsx")
	if err := f.Write(w); err != nil {
		http.Error(w, "Failed to write file", http.StatusInternalServerError)
	}
}
