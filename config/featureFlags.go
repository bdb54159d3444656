package config

import (
	"os"
	"strconv"
	"strings"
)

// Lot selection policies for the allocation engine.
const (
	LotSelectionOldestFirst  = "OLDEST_FIRST"
	LotSelectionLargestFirst = "LARGEST_FIRST"
)

// LotSelectionStrategy decides which stock lots the allocation engine drains first.
//
// Set via env:
// - LOT_SELECTION_STRATEGY=OLDEST_FIRST|LARGEST_FIRST (default OLDEST_FIRST)
func LotSelectionStrategy() string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("LOT_SELECTION_STRATEGY")))
	if v == LotSelectionLargestFirst {
		return LotSelectionLargestFirst
	}
	return LotSelectionOldestFirst
}

// SupplyRunWindowDays is the width of the demand window a reconciliation run scans.
//
// Set via env:
// - SUPPLY_RUN_WINDOW_DAYS=7 (default 7)
func SupplyRunWindowDays() int {
	v := strings.TrimSpace(os.Getenv("SUPPLY_RUN_WINDOW_DAYS"))
	if v == "" {
		return 7
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 7
	}
	return n
}
