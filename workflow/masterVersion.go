package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const masterVersionLength = 16

// MasterVersion fingerprints a store's active barcode set. It is a pure
// function of the set: barcodes are sorted before digesting, so input order
// never changes the token. Truncation to 16 hex chars trades a small collision
// probability for a short client-comparable token.
func MasterVersion(barcodes []string) string {
	sorted := make([]string, len(barcodes))
	copy(sorted, barcodes)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:masterVersionLength]
}

func masterVersionCacheKey(storeId string) string {
	return fmt.Sprintf("MasterVersion:%s", storeId)
}

// MasterVersionProbe returns the store's current master version, serving from
// Redis when the cache is warm. The cache is invalidated on every import or
// item change, so a stale read window is bounded by the TTL.
func MasterVersionProbe(ctx context.Context, db *gorm.DB, storeId string) (string, error) {
	if cached, ok, err := config.GetRedisValue(masterVersionCacheKey(storeId)); err == nil && ok {
		return cached, nil
	}

	barcodes, err := activeBarcodes(ctx, db, storeId)
	if err != nil {
		return "", err
	}
	version := MasterVersion(barcodes)
	if err := config.SetRedisValue(masterVersionCacheKey(storeId), version, time.Hour); err != nil {
		config.LogError(config.GetLogger(), "workflow", "MasterVersionProbe",
			"failed to cache master version", storeId, err)
	}
	return version, nil
}

func InvalidateMasterVersion(storeId string) {
	if err := config.RemoveRedisKey(masterVersionCacheKey(storeId)); err != nil {
		config.LogError(config.GetLogger(), "workflow", "InvalidateMasterVersion",
			"failed to drop cached master version", storeId, err)
	}
}

func activeBarcodes(ctx context.Context, db *gorm.DB, storeId string) ([]string, error) {
	var barcodes []string
	err := db.WithContext(ctx).Model(&models.MasterItem{}).
		Where("store_id = ? AND is_active = ?", storeId, true).
		Pluck("barcode", &barcodes).Error
	if err != nil {
		return nil, utils.NewPersistenceError(err, "load active barcodes")
	}
	return barcodes, nil
}

// MasterDownload returns the store's full active master list plus the version
// it corresponds to, for devices seeding or refreshing their local cache.
func MasterDownload(ctx context.Context, db *gorm.DB, storeId string) ([]models.MasterItem, string, error) {
	if _, err := models.GetStoreById(ctx, storeId); err != nil {
		return nil, "", err
	}
	var items []models.MasterItem
	err := db.WithContext(ctx).
		Where("store_id = ? AND is_active = ?", storeId, true).
		Order("barcode asc").
		Find(&items).Error
	if err != nil {
		return nil, "", utils.NewPersistenceError(err, "load master items")
	}
	barcodes := make([]string, len(items))
	for i := range items {
		barcodes[i] = items[i].Barcode
	}
	return items, MasterVersion(barcodes), nil
}

// ActivateStocktake moves a DRAFT stocktake to ACTIVE and stamps it with the
// master version it was started against, so devices can detect reference data
// changing underneath a running stocktake.
func ActivateStocktake(ctx context.Context, db *gorm.DB, stocktakeId string, deviceId string) (*models.Stocktake, error) {
	stocktake, err := models.GetStocktakeById(ctx, stocktakeId)
	if err != nil {
		return nil, err
	}
	if stocktake.Status != models.StocktakeStatusDraft && stocktake.Status != models.StocktakeStatusPaused {
		return nil, utils.NewStateError("stocktake %s is %s and cannot be activated", stocktakeId, stocktake.Status)
	}

	version, err := MasterVersionProbe(ctx, db, stocktake.StoreId)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": models.StocktakeStatusActive}
		if stocktake.Status == models.StocktakeStatusDraft {
			updates["master_version"] = version
		}
		if err := tx.Model(&models.Stocktake{}).Where("id = ?", stocktakeId).
			Updates(updates).Error; err != nil {
			return utils.NewPersistenceError(err, "activate stocktake")
		}
		return models.EnqueueStatusEvent(ctx, tx, stocktake.StoreId, stocktakeId,
			stocktakeId, models.StatusReferenceTypeStocktake, string(models.StocktakeStatusActive), deviceId)
	})
	if err != nil {
		return nil, err
	}
	stocktake.Status = models.StocktakeStatusActive
	if stocktake.MasterVersion == "" {
		stocktake.MasterVersion = version
	}
	return stocktake, nil
}

// MasterImportResult summarizes one xlsx import run.
type MasterImportResult struct {
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	Version  string `json:"version"`
}

// ImportMasterItems replaces or extends a store's master list from an xlsx
// sheet with columns barcode, sku, description, category. Rows merge by
// (store_id, barcode); previously imported rows missing from the sheet are
// deactivated when replace is set.
func ImportMasterItems(ctx context.Context, db *gorm.DB, storeId string, r io.Reader, replace bool) (*MasterImportResult, error) {
	if _, err := models.GetStoreById(ctx, storeId); err != nil {
		return nil, err
	}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, utils.NewValidationError("cannot read workbook: %s", err.Error())
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, utils.NewValidationError("cannot read sheet %s: %s", sheet, err.Error())
	}
	if len(rows) < 2 {
		return nil, utils.NewValidationError("sheet %s has no data rows", sheet)
	}

	result := &MasterImportResult{}
	seen := make(map[string]bool)
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows[1:] {
			barcode := cellAt(row, 0)
			if barcode == "" || seen[barcode] {
				result.Skipped++
				continue
			}
			seen[barcode] = true
			item := models.MasterItem{
				StoreId:     storeId,
				Barcode:     barcode,
				Sku:         cellAt(row, 1),
				Description: cellAt(row, 2),
				Category:    cellAt(row, 3),
				IsActive:    utils.NewTrue(),
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "store_id"}, {Name: "barcode"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"sku":         item.Sku,
					"description": item.Description,
					"category":    item.Category,
					"is_active":   true,
				}),
			}).Create(&item).Error
			if err != nil {
				return utils.NewPersistenceError(err, "import master item %s", barcode)
			}
			result.Imported++
		}
		if replace {
			barcodes := make([]string, 0, len(seen))
			for b := range seen {
				barcodes = append(barcodes, b)
			}
			if err := tx.Model(&models.MasterItem{}).
				Where("store_id = ? AND barcode NOT IN ?", storeId, barcodes).
				Update("is_active", false).Error; err != nil {
				return utils.NewPersistenceError(err, "deactivate removed master items")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	InvalidateMasterVersion(storeId)
	version, err := MasterVersionProbe(ctx, db, storeId)
	if err != nil {
		return nil, err
	}
	result.Version = version
	return result, nil
}

func cellAt(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
