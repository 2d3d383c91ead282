package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScanInput is the client-side shape of one counted observation. LocalId is
// the dedup identity: replays with the same LocalId merge, never duplicate.
// IsValid/ValidationMessage carry the device's own verdict; the server keeps
// it unless the barcode is missing from the master list.
type ScanInput struct {
	LocalId           string          `json:"local_id" validate:"required,max=64"`
	AreaId            string          `json:"area_id" validate:"required,uuid4"`
	Barcode           string          `json:"barcode" validate:"required,max=64"`
	Quantity          decimal.Decimal `json:"quantity" validate:"required"`
	IsValid           *bool           `json:"is_valid"`
	ValidationMessage *string         `json:"validation_message" validate:"omitempty,max=255"`
	ScannedAt         time.Time       `json:"scanned_at" validate:"required"`
}

// ScanUploadResult reports one item of a direct upload batch.
type ScanUploadResult struct {
	LocalId string `json:"local_id"`
	Created bool   `json:"created"`
	ScanId  int    `json:"scan_id"`
	Error   string `json:"error,omitempty"`
}

// ScanBatchResult is the response envelope for direct (non-outbox) uploads.
type ScanBatchResult struct {
	Created int                `json:"created"`
	Merged  int                `json:"merged"`
	Failed  int                `json:"failed"`
	Results []ScanUploadResult `json:"results"`
}

// UpsertScan applies one scan on the caller's transaction. The unique index on
// local_id plus ON DUPLICATE KEY UPDATE makes replays converge: only quantity
// and the validation verdict are rewritable, the original event fields stay as
// first recorded. Returns created=false when the row already existed.
func UpsertScan(ctx context.Context, tx *gorm.DB, stocktakeId string, deviceId string, input *ScanInput) (*models.Scan, bool, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, false, err
	}
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, false, utils.NewValidationError("quantity must be positive for scan %s", input.LocalId)
	}

	var area models.Area
	if err := tx.Where("id = ? AND stocktake_id = ?", input.AreaId, stocktakeId).
		Take(&area).Error; err != nil {
		return nil, false, utils.NewNotFoundError("area %s not found in stocktake %s", input.AreaId, stocktakeId)
	}
	if area.Status == models.AreaStatusLocked {
		return nil, false, utils.NewStateError("area %s is locked", input.AreaId)
	}

	if config.RequireAreaClaimForScans() {
		holder, err := areaHolder(tx, stocktakeId, input.AreaId)
		if err != nil {
			return nil, false, err
		}
		if holder == nil || holder.DeviceId != deviceId {
			return nil, false, utils.NewConflictError("device %s does not hold the claim on area %s", deviceId, input.AreaId)
		}
	}

	isValid, validationMessage := validateBarcode(tx, ctx, stocktakeId, input.Barcode)
	// The master check only overrides toward invalid; on a known barcode the
	// client's own verdict is stored as sent.
	if isValid && input.IsValid != nil {
		isValid = *input.IsValid
		validationMessage = input.ValidationMessage
	}

	scan := models.Scan{
		LocalId:           input.LocalId,
		StocktakeId:       stocktakeId,
		AreaId:            input.AreaId,
		DeviceId:          deviceId,
		Barcode:           input.Barcode,
		Quantity:          input.Quantity,
		IsValid:           &isValid,
		ValidationMessage: validationMessage,
		ScannedAt:         input.ScannedAt.UTC(),
	}
	result := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "local_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":           input.Quantity,
			"is_valid":           &isValid,
			"validation_message": validationMessage,
		}),
	}).Create(&scan)
	if result.Error != nil {
		return nil, false, utils.NewPersistenceError(result.Error, "upsert scan")
	}
	// MySQL reports 1 affected row for an insert and 2 for a duplicate-key
	// update, so exactly 1 means this call created the row.
	created := result.RowsAffected == 1

	if scan.ID == 0 {
		if err := tx.Where("local_id = ?", input.LocalId).Take(&scan).Error; err != nil {
			return nil, false, utils.NewPersistenceError(err, "reload merged scan")
		}
	}
	return &scan, created, nil
}

// UploadScanBatch is the direct (non-outbox) upload path. Each scan gets its
// own transaction so one bad item never poisons its neighbors.
func UploadScanBatch(ctx context.Context, db *gorm.DB, stocktakeId string, deviceId string, inputs []ScanInput) (*ScanBatchResult, error) {
	stocktake, err := models.GetStocktakeById(ctx, stocktakeId)
	if err != nil {
		return nil, err
	}
	out := &ScanBatchResult{Results: make([]ScanUploadResult, 0, len(inputs))}
	if !stocktake.Status.AcceptsScans() {
		// The batch call itself still succeeds; every item fails.
		gate := utils.NewStateError("stocktake %s is %s and not accepting scans", stocktakeId, stocktake.Status)
		for i := range inputs {
			out.Failed++
			out.Results = append(out.Results, ScanUploadResult{LocalId: inputs[i].LocalId, Error: gate.Error()})
		}
		return out, nil
	}

	for i := range inputs {
		input := &inputs[i]
		var scan *models.Scan
		var created bool
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			scan, created, txErr = UpsertScan(ctx, tx, stocktakeId, deviceId, input)
			if txErr != nil {
				return txErr
			}
			return bumpSessionActivity(tx, stocktakeId, deviceId, created)
		})
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, ScanUploadResult{LocalId: input.LocalId, Error: err.Error()})
			continue
		}
		if created {
			out.Created++
		} else {
			out.Merged++
		}
		out.Results = append(out.Results, ScanUploadResult{LocalId: input.LocalId, Created: created, ScanId: scan.ID})
	}
	return out, nil
}

// DeleteScan removes a scan by its client local_id. Deleting a scan that never
// existed (or was already deleted) is a no-op so replays converge.
func DeleteScan(tx *gorm.DB, stocktakeId string, localId string) error {
	err := tx.Where("stocktake_id = ? AND local_id = ?", stocktakeId, localId).
		Delete(&models.Scan{}).Error
	if err != nil {
		return utils.NewPersistenceError(err, "delete scan")
	}
	return nil
}

// UpdateScan rewrites the mutable fields of an existing scan: quantity and the
// validation verdict. The event fields (barcode, area, device, scanned_at)
// stay immutable.
func UpdateScan(tx *gorm.DB, stocktakeId string, localId string, patch *UpdateScanPayload) error {
	updates, err := patch.changes()
	if err != nil {
		return err
	}
	var scan models.Scan
	if err := tx.Where("stocktake_id = ? AND local_id = ?", stocktakeId, localId).
		Take(&scan).Error; err != nil {
		return utils.NewNotFoundError("scan %s not found in stocktake %s", localId, stocktakeId)
	}
	err = tx.Model(&models.Scan{}).
		Where("stocktake_id = ? AND local_id = ?", stocktakeId, localId).
		Updates(updates).Error
	if err != nil {
		return utils.NewPersistenceError(err, "update scan")
	}
	return nil
}

// validateBarcode checks the barcode against the store's master list. An
// unknown barcode does not reject the scan, it just marks it invalid so the
// review screen can surface it.
func validateBarcode(tx *gorm.DB, ctx context.Context, stocktakeId string, barcode string) (bool, *string) {
	var count int64
	err := tx.Model(&models.MasterItem{}).
		Joins("JOIN stocktakes ON stocktakes.store_id = master_items.store_id").
		Where("stocktakes.id = ? AND master_items.barcode = ? AND master_items.is_active = ?",
			stocktakeId, barcode, true).
		Count(&count).Error
	if err != nil {
		config.LogError(config.GetLogger(), "workflow", "validateBarcode",
			"master lookup failed; accepting scan as valid", barcode, err)
		return true, nil
	}
	if count == 0 {
		return false, utils.NewString("barcode not found in master list")
	}
	return true, nil
}

// bumpSessionActivity advances the session on every applied scan; scan_count
// counts distinct observations, so a merge moves last_activity_at only.
func bumpSessionActivity(tx *gorm.DB, stocktakeId string, deviceId string, created bool) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{"last_activity_at": &now}
	if created {
		updates["scan_count"] = gorm.Expr("scan_count + 1")
	}
	return tx.Model(&models.Session{}).
		Where("stocktake_id = ? AND device_id = ? AND status = ?",
			stocktakeId, deviceId, models.SessionStatusActive).
		Updates(updates).Error
}
