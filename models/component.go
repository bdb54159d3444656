package models

import (
	"time"
)

// Component is a purchasable part consumed by production (frames, foam,
// fabric, hardware). Master-data CRUD lives in the back office; only the
// columns the allocation engine touches are modeled here.
type Component struct {
	ID                int       `gorm:"primary_key" json:"id"`
	Sku               string    `gorm:"size:100;uniqueIndex;not null" json:"sku"`
	Name              string    `gorm:"size:255;not null" json:"name"`
	DefaultSupplierId int       `gorm:"index" json:"default_supplier_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Supplier struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Warehouse struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
