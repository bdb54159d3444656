package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// Phase is the fixed, ordered manufacturing sequence a unit of an order line
// passes through. The set is closed: phases are compared by integer order and
// a normal move is always to the immediate successor.
type Phase int

const (
	PhaseInserted Phase = iota
	PhaseStructure
	PhasePadding
	PhaseUpholstery
	PhaseAssembly
	PhaseFinishing
	PhaseShipped
)

var phaseNames = map[Phase]string{
	PhaseInserted:   "Inserted",
	PhaseStructure:  "Structure",
	PhasePadding:    "Padding",
	PhaseUpholstery: "Upholstery",
	PhaseAssembly:   "Assembly",
	PhaseFinishing:  "Finishing",
	PhaseShipped:    "Shipped",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) IsValid() bool {
	return p >= PhaseInserted && p <= PhaseShipped
}

// IsTerminal reports whether units in this phase have left production.
func (p Phase) IsTerminal() bool {
	return p == PhaseShipped
}

// Next returns the immediate successor phase. ok is false at the terminal phase.
func (p Phase) Next() (next Phase, ok bool) {
	if !p.IsValid() || p.IsTerminal() {
		return p, false
	}
	return p + 1, true
}

// AllPhases in ascending order.
func AllPhases() []Phase {
	phases := make([]Phase, 0, int(PhaseShipped)+1)
	for p := PhaseInserted; p <= PhaseShipped; p++ {
		phases = append(phases, p)
	}
	return phases
}

type RollbackMode string

const (
	RollbackModeReuse RollbackMode = "Reuse"
	RollbackModeScrap RollbackMode = "Scrap"
)

func (m RollbackMode) IsValid() bool {
	return m == RollbackModeReuse || m == RollbackModeScrap
}

func (m RollbackMode) Value() (driver.Value, error) {
	if !m.IsValid() {
		return nil, errors.New("invalid rollback mode")
	}
	return string(m), nil
}

func (m *RollbackMode) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		*m = RollbackMode(v)
	case string:
		*m = RollbackMode(v)
	default:
		return fmt.Errorf("unsupported rollback mode value: %v", value)
	}
	return nil
}

type CustomerOrderStatus string

const (
	CustomerOrderStatusDraft     CustomerOrderStatus = "Draft"
	CustomerOrderStatusConfirmed CustomerOrderStatus = "Confirmed"
	CustomerOrderStatusClosed    CustomerOrderStatus = "Closed"
	CustomerOrderStatusCancelled CustomerOrderStatus = "Cancelled"
)

type SupplierOrderStatus string

const (
	SupplierOrderStatusDraft             SupplierOrderStatus = "Draft"
	SupplierOrderStatusConfirmed         SupplierOrderStatus = "Confirmed"
	SupplierOrderStatusPartiallyReceived SupplierOrderStatus = "Partially Received"
	SupplierOrderStatusClosed            SupplierOrderStatus = "Closed"
	SupplierOrderStatusCancelled         SupplierOrderStatus = "Cancelled"
)

// openSupplierOrderStatuses are the statuses whose lines the allocation engine
// may still reserve against.
func openSupplierOrderStatuses() []SupplierOrderStatus {
	return []SupplierOrderStatus{SupplierOrderStatusConfirmed, SupplierOrderStatusPartiallyReceived}
}

type SupplyRunResult string

const (
	SupplyRunResultOk      SupplyRunResult = "ok"
	SupplyRunResultPartial SupplyRunResult = "partial"
	SupplyRunResultError   SupplyRunResult = "error"
)

type ReorderDemandStatus string

const (
	ReorderDemandStatusOpen    ReorderDemandStatus = "Open"
	ReorderDemandStatusCovered ReorderDemandStatus = "Covered"
)

// SequenceCategory scopes the atomic sequence generator. Each category is an
// independent gap-free counter.
type SequenceCategory string

const (
	SequenceCategoryCustomerOrder SequenceCategory = "customer_order"
	SequenceCategorySupplierOrder SequenceCategory = "supplier_order"
	SequenceCategoryReturn        SequenceCategory = "return"
	SequenceCategoryInternalLot   SequenceCategory = "internal_lot"
)

func (c SequenceCategory) IsValid() bool {
	switch c {
	case SequenceCategoryCustomerOrder, SequenceCategorySupplierOrder,
		SequenceCategoryReturn, SequenceCategoryInternalLot:
		return true
	}
	return false
}
