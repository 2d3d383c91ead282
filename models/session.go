package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Session is one device's participation in one stocktake. At most one ACTIVE
// session exists per (stocktake, device); claimed_area_id is a weak reference,
// not ownership of the area row.
type Session struct {
	ID             int           `gorm:"primary_key" json:"id"`
	StocktakeId    string        `gorm:"size:36;not null;index:uniq_session,unique" json:"stocktake_id"`
	DeviceId       string        `gorm:"size:36;not null;index:uniq_session,unique" json:"device_id"`
	Status         SessionStatus `gorm:"type:enum('ACTIVE','DISCONNECTED','COMPLETED');default:ACTIVE;not null;index" json:"status"`
	ClaimedAreaId  *string       `gorm:"size:36;index" json:"claimed_area_id"`
	ScanCount      int           `gorm:"not null;default:0" json:"scan_count"`
	LastActivityAt *time.Time    `json:"last_activity_at"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// OpenSession creates or reactivates the device's session for a stocktake.
// The unique (stocktake_id, device_id) index makes the call idempotent.
func OpenSession(ctx context.Context, stocktakeId string, deviceId string) (*Session, error) {
	stocktake, err := GetStocktakeById(ctx, stocktakeId)
	if err != nil {
		return nil, err
	}
	if !stocktake.Status.AcceptsScans() {
		return nil, utils.NewStateError("stocktake %s is %s and not joinable", stocktakeId, stocktake.Status)
	}
	if _, err := GetDeviceById(ctx, deviceId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	now := time.Now().UTC()
	session := Session{
		StocktakeId:    stocktakeId,
		DeviceId:       deviceId,
		Status:         SessionStatusActive,
		LastActivityAt: &now,
	}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stocktake_id"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":           SessionStatusActive,
			"last_activity_at": &now,
		}),
	}).Create(&session).Error
	if err != nil {
		return nil, utils.NewPersistenceError(err, "open session")
	}
	return GetActiveSession(db.WithContext(ctx), stocktakeId, deviceId)
}

// GetActiveSession loads the ACTIVE session for (stocktake, device) on the given
// handle so callers inside a transaction observe uncommitted state.
func GetActiveSession(tx *gorm.DB, stocktakeId string, deviceId string) (*Session, error) {
	var session Session
	if err := tx.Where("stocktake_id = ? AND device_id = ? AND status = ?",
		stocktakeId, deviceId, SessionStatusActive).Take(&session).Error; err != nil {
		return nil, utils.NewNotFoundError("no active session for device %s in stocktake %s", deviceId, stocktakeId)
	}
	return &session, nil
}
