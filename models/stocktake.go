package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Stocktake struct {
	ID      uuid.UUID       `gorm:"primary_key;size:36" json:"id"`
	StoreId string          `gorm:"size:36;index;not null" json:"store_id"`
	Name    string          `gorm:"size:100;not null" json:"name"`
	Status  StocktakeStatus `gorm:"type:enum('DRAFT','ACTIVE','PAUSED','COMPLETED','CANCELLED');default:DRAFT;not null;index" json:"status"`
	// MasterVersion is stamped at activation so devices can detect that the
	// reference data changed underneath a running stocktake.
	MasterVersion string    `gorm:"size:16" json:"master_version"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

type NewStocktake struct {
	Name  string   `json:"name" binding:"required" validate:"required,max=100"`
	Areas []string `json:"areas" validate:"max=500,dive,required,max=100"`
}

// CreateStocktake provisions a stocktake in DRAFT with its areas in PENDING.
func CreateStocktake(ctx context.Context, storeId string, input *NewStocktake) (*Stocktake, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if _, err := GetStoreById(ctx, storeId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	stocktake := Stocktake{
		ID:      uuid.New(),
		StoreId: storeId,
		Name:    input.Name,
		Status:  StocktakeStatusDraft,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&stocktake).Error; err != nil {
			return err
		}
		for i, areaName := range input.Areas {
			area := Area{
				ID:          uuid.New(),
				StocktakeId: stocktake.ID.String(),
				Name:        areaName,
				Status:      AreaStatusPending,
				SortOrder:   i + 1,
			}
			if err := tx.Create(&area).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewPersistenceError(err, "create stocktake")
	}
	return &stocktake, nil
}

func GetStocktakeById(ctx context.Context, id string) (*Stocktake, error) {
	db := config.GetDB()
	var stocktake Stocktake
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&stocktake).Error; err != nil {
		return nil, utils.NewNotFoundError("stocktake %s not found", id)
	}
	return &stocktake, nil
}
