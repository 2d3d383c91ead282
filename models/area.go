package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/google/uuid"
)

type Area struct {
	ID          uuid.UUID  `gorm:"primary_key;size:36" json:"id"`
	StocktakeId string     `gorm:"size:36;not null;index:idx_area_stocktake" json:"stocktake_id"`
	Name        string     `gorm:"size:100;not null" json:"name"`
	Status      AreaStatus `gorm:"type:enum('PENDING','IN_PROGRESS','COMPLETED','LOCKED');default:PENDING;not null;index" json:"status"`
	SortOrder   int        `gorm:"not null;default:0" json:"sort_order"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func GetAreaById(ctx context.Context, stocktakeId string, areaId string) (*Area, error) {
	db := config.GetDB()
	var area Area
	if err := db.WithContext(ctx).Where("id = ? AND stocktake_id = ?", areaId, stocktakeId).
		Take(&area).Error; err != nil {
		return nil, utils.NewNotFoundError("area %s not found in stocktake %s", areaId, stocktakeId)
	}
	return &area, nil
}

// AreaView is the claim-aware response shape for claim/complete calls.
type AreaView struct {
	Area
	ClaimedByDeviceId *string `json:"claimed_by_device_id"`
}
