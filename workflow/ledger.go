package workflow

import (
	"errors"

	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrAlreadyApplied signals that a concurrent (or earlier) replay recorded
// SUCCESS for the same (device, action, idempotency key) triple. The caller's
// apply must be rolled back and the item folded into `skipped`.
var ErrAlreadyApplied = errors.New("ledger entry already applied")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// LedgerHasSuccess is the cheap pre-dispatch check. It is advisory only: the
// unique index on the ledger table is what actually closes the
// check-then-insert race (see RecordLedgerSuccess).
func LedgerHasSuccess(tx *gorm.DB, deviceId string, action models.SyncAction, idempotencyKey string) (bool, error) {
	var count int64
	err := tx.Model(&models.SyncLedgerEntry{}).
		Where("device_id = ? AND action = ? AND idempotency_key = ? AND status = ?",
			deviceId, action, idempotencyKey, models.LedgerStatusSuccess).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordLedgerSuccess inserts the SUCCESS row inside the item's transaction so
// the ledger entry and the item's effect commit together. A duplicate-key
// error means another writer already recorded this triple: if that row is
// SUCCESS the apply is a no-op (ErrAlreadyApplied); a FAILURE row from an
// earlier attempt is flipped to SUCCESS.
func RecordLedgerSuccess(tx *gorm.DB, deviceId string, action models.SyncAction, idempotencyKey string) error {
	entry := models.SyncLedgerEntry{
		DeviceId:       deviceId,
		Action:         action,
		IdempotencyKey: idempotencyKey,
		Status:         models.LedgerStatusSuccess,
	}
	if err := tx.Create(&entry).Error; err == nil {
		return nil
	} else if !isDuplicateKeyErr(err) {
		return err
	}

	var existing models.SyncLedgerEntry
	if err := tx.Where("device_id = ? AND action = ? AND idempotency_key = ?",
		deviceId, action, idempotencyKey).First(&existing).Error; err != nil {
		return err
	}
	if existing.Status == models.LedgerStatusSuccess {
		return ErrAlreadyApplied
	}
	return tx.Model(&models.SyncLedgerEntry{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.LedgerStatusSuccess, "message": nil}).Error
}

// RecordLedgerFailure records a FAILURE row outside the (rolled back) item
// transaction so the next replay can retry. It never downgrades SUCCESS.
func RecordLedgerFailure(db *gorm.DB, deviceId string, action models.SyncAction, idempotencyKey string, applyErr error) error {
	msg := ""
	if applyErr != nil {
		msg = applyErr.Error()
	}
	if len(msg) > 255 {
		msg = msg[:255]
	}
	entry := models.SyncLedgerEntry{
		DeviceId:       deviceId,
		Action:         action,
		IdempotencyKey: idempotencyKey,
		Status:         models.LedgerStatusFailure,
		Message:        &msg,
	}
	if err := db.Create(&entry).Error; err == nil {
		return nil
	} else if !isDuplicateKeyErr(err) {
		return err
	}
	return db.Model(&models.SyncLedgerEntry{}).
		Where("device_id = ? AND action = ? AND idempotency_key = ? AND status <> ?",
			deviceId, action, idempotencyKey, models.LedgerStatusSuccess).
		Updates(map[string]interface{}{"status": models.LedgerStatusFailure, "message": &msg}).Error
}
