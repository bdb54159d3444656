package models

import (
	"log"

	"bitbucket.org/mmdatafocus/factory_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Component{}, &Supplier{}, &Warehouse{},
		&CustomerOrder{}, &OrderLine{},
		&PhaseEvent{}, &ReorderDemand{},
		&StockLot{}, &StockReservation{},
		&SupplierOrder{}, &SupplierOrderLine{}, &PoReservation{}, &Shortfall{},
		&SequenceCounter{},
		&SupplyRun{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
