package models

import (
	"time"
)

// MasterItem is one row of a store's barcode reference set. The master version
// is not stored per item; it is computed over the active set (workflow package).
type MasterItem struct {
	ID          int       `gorm:"primary_key" json:"id"`
	StoreId     string    `gorm:"size:36;not null;index:uniq_master_item,unique" json:"store_id"`
	Barcode     string    `gorm:"size:64;not null;index:uniq_master_item,unique" json:"barcode"`
	Sku         string    `gorm:"size:64" json:"sku"`
	Description string    `gorm:"size:255" json:"description"`
	Category    string    `gorm:"size:100;index" json:"category"`
	IsActive    *bool     `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
