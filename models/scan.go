package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scan is one counted observation. local_id is the client-generated identity:
// replays with the same local_id merge into this row, they never duplicate it.
// barcode, area_id, device_id and scanned_at are immutable after creation so a
// stale retry cannot rewrite the original event record.
type Scan struct {
	ID                int             `gorm:"primary_key" json:"id"`
	LocalId           string          `gorm:"size:64;not null;uniqueIndex" json:"local_id"`
	StocktakeId       string          `gorm:"size:36;not null;index" json:"stocktake_id"`
	AreaId            string          `gorm:"size:36;not null;index" json:"area_id"`
	DeviceId          string          `gorm:"size:36;not null;index" json:"device_id"`
	Barcode           string          `gorm:"size:64;not null;index" json:"barcode"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"quantity"`
	IsValid           *bool           `gorm:"not null;default:true" json:"is_valid"`
	ValidationMessage *string         `gorm:"size:255" json:"validation_message"`
	ScannedAt         time.Time       `gorm:"not null" json:"scanned_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
