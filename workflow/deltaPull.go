package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"gorm.io/gorm"
)

// DeltaResult is the watermark-based change feed. Clients overwrite their
// cached status fields from it; the server is the single source of truth.
type DeltaResult struct {
	Stocktakes []models.Stocktake `json:"stocktakes"`
	Areas      []models.Area      `json:"areas"`
	ServerTime time.Time          `json:"server_time"`
}

// PullDelta returns every stocktake and area whose updated_at strictly exceeds
// since, optionally scoped to one stocktake. ServerTime is captured before the
// queries run so the client's next watermark can never skip a row committed
// while this pull was executing.
func PullDelta(ctx context.Context, db *gorm.DB, storeId string, since time.Time, stocktakeId string) (*DeltaResult, error) {
	result := &DeltaResult{
		Stocktakes: []models.Stocktake{},
		Areas:      []models.Area{},
		ServerTime: time.Now().UTC(),
	}

	stocktakeQuery := db.WithContext(ctx).
		Where("store_id = ? AND updated_at > ?", storeId, since).
		Order("updated_at asc")
	if stocktakeId != "" {
		scoped, err := models.GetStocktakeById(ctx, stocktakeId)
		if err != nil {
			return nil, err
		}
		// The scope must belong to the requesting store; a foreign stocktake id
		// must not leak another store's rows.
		if scoped.StoreId != storeId {
			return nil, utils.NewNotFoundError("stocktake %s not found", stocktakeId)
		}
		stocktakeQuery = stocktakeQuery.Where("id = ?", stocktakeId)
	}
	if err := stocktakeQuery.Find(&result.Stocktakes).Error; err != nil {
		return nil, utils.NewPersistenceError(err, "pull stocktake delta")
	}

	areaQuery := db.WithContext(ctx).
		Where("updated_at > ?", since).
		Order("updated_at asc")
	if stocktakeId != "" {
		areaQuery = areaQuery.Where("stocktake_id = ?", stocktakeId)
	} else {
		areaQuery = areaQuery.Where("stocktake_id IN (?)",
			db.Model(&models.Stocktake{}).Select("id").Where("store_id = ?", storeId))
	}
	if err := areaQuery.Find(&result.Areas).Error; err != nil {
		return nil, utils.NewPersistenceError(err, "pull area delta")
	}

	return result, nil
}
