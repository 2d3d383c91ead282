package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/google/uuid"
)

type Store struct {
	ID        uuid.UUID `gorm:"primary_key;size:36" json:"id"`
	Name      string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStore struct {
	Name string `json:"name" binding:"required" validate:"required,max=100"`
}

func CreateStore(ctx context.Context, input *NewStore) (*Store, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	db := config.GetDB()

	store := Store{
		ID:       uuid.New(),
		Name:     input.Name,
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&store).Error; err != nil {
		return nil, utils.NewPersistenceError(err, "create store")
	}
	return &store, nil
}

func GetStoreById(ctx context.Context, id string) (*Store, error) {
	db := config.GetDB()
	var store Store
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&store).Error; err != nil {
		return nil, utils.NewNotFoundError("store %s not found", id)
	}
	return &store, nil
}
