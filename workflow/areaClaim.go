package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Area claim coordination. Exclusivity is enforced by MySQL row locks inside
// one transaction per call: the area row is locked FOR UPDATE first, so
// concurrent claims on the same area serialize and the loser observes the
// winner's claim. The redis lock around each call is a best-effort hint to
// shed contention early; correctness never depends on it.

// ClaimArea gives the device's active session exclusive write ownership of the
// area. Claiming an area the same device already holds is idempotent.
func ClaimArea(ctx context.Context, db *gorm.DB, stocktakeId string, areaId string, deviceId string) (*models.AreaView, error) {
	lock := obtainAreaLock(ctx, areaId)
	defer releaseAreaLock(ctx, lock)

	var view *models.AreaView
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		area, err := lockArea(tx, stocktakeId, areaId)
		if err != nil {
			return err
		}
		switch area.Status {
		case models.AreaStatusLocked:
			return utils.NewStateError("area %s is locked", areaId)
		case models.AreaStatusCompleted:
			return utils.NewStateError("area %s is already completed", areaId)
		}

		session, err := models.GetActiveSession(tx, stocktakeId, deviceId)
		if err != nil {
			return utils.NewStateError("device %s has no active session in stocktake %s", deviceId, stocktakeId)
		}

		holder, err := areaHolder(tx, stocktakeId, areaId)
		if err != nil {
			return err
		}
		if holder != nil && holder.DeviceId != deviceId {
			return utils.NewConflictError("area %s is claimed by another device", areaId)
		}

		if session.ClaimedAreaId != nil && *session.ClaimedAreaId != areaId {
			return utils.NewStateError("session already holds a claim on area %s", *session.ClaimedAreaId)
		}

		// Atomic pair: the session claim and the area progress marker commit
		// together or not at all.
		if err := tx.Model(&models.Session{}).Where("id = ?", session.ID).
			Update("claimed_area_id", areaId).Error; err != nil {
			return utils.NewPersistenceError(err, "set session claim")
		}
		if area.Status == models.AreaStatusPending {
			now := time.Now().UTC()
			updates := map[string]interface{}{"status": models.AreaStatusInProgress}
			if area.StartedAt == nil {
				updates["started_at"] = &now
			}
			if err := tx.Model(&models.Area{}).Where("id = ?", area.ID).
				Updates(updates).Error; err != nil {
				return utils.NewPersistenceError(err, "mark area in progress")
			}
			area.Status = models.AreaStatusInProgress
			if area.StartedAt == nil {
				area.StartedAt = &now
			}
			stocktake, err := models.GetStocktakeById(ctx, stocktakeId)
			if err != nil {
				return err
			}
			if err := models.EnqueueStatusEvent(ctx, tx, stocktake.StoreId, stocktakeId,
				areaId, models.StatusReferenceTypeArea, string(models.AreaStatusInProgress), deviceId); err != nil {
				return utils.NewPersistenceError(err, "enqueue status event")
			}
		}

		view = &models.AreaView{Area: *area, ClaimedByDeviceId: &deviceId}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ReleaseArea clears the caller's claim. The area keeps IN_PROGRESS: the
// "someone started this area" signal is sticky by design.
func ReleaseArea(ctx context.Context, db *gorm.DB, stocktakeId string, areaId string, deviceId string) error {
	lock := obtainAreaLock(ctx, areaId)
	defer releaseAreaLock(ctx, lock)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockArea(tx, stocktakeId, areaId); err != nil {
			return err
		}
		session, err := models.GetActiveSession(tx, stocktakeId, deviceId)
		if err != nil {
			return utils.NewStateError("device %s has no active session in stocktake %s", deviceId, stocktakeId)
		}
		if session.ClaimedAreaId == nil || *session.ClaimedAreaId != areaId {
			return utils.NewStateError("device %s does not hold the claim on area %s", deviceId, areaId)
		}
		if err := tx.Model(&models.Session{}).Where("id = ?", session.ID).
			Update("claimed_area_id", nil).Error; err != nil {
			return utils.NewPersistenceError(err, "clear session claim")
		}
		return nil
	})
}

// CompleteArea marks the area COMPLETED and clears the caller's claim as one
// atomic pair. The strict form requires the caller to hold the claim.
func CompleteArea(ctx context.Context, db *gorm.DB, stocktakeId string, areaId string, deviceId string) (*models.AreaView, error) {
	lock := obtainAreaLock(ctx, areaId)
	defer releaseAreaLock(ctx, lock)

	var view *models.AreaView
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		view, err = completeAreaTx(ctx, tx, stocktakeId, areaId, deviceId, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// completeAreaTx runs on the caller's transaction so the push path can commit
// the completion together with its ledger entry. In tolerant mode (replayed
// COMPLETE_AREA actions) a lapsed claim is not an error: the area is still
// marked complete, and whichever session still holds the claim is released.
func completeAreaTx(ctx context.Context, tx *gorm.DB, stocktakeId string, areaId string, deviceId string, tolerateLapsedClaim bool) (*models.AreaView, error) {
	area, err := lockArea(tx, stocktakeId, areaId)
	if err != nil {
		return nil, err
	}
	if area.Status == models.AreaStatusLocked {
		return nil, utils.NewStateError("area %s is locked", areaId)
	}
	if area.Status == models.AreaStatusCompleted {
		if tolerateLapsedClaim {
			return &models.AreaView{Area: *area}, nil
		}
		return nil, utils.NewStateError("area %s is already completed", areaId)
	}

	holder, err := areaHolder(tx, stocktakeId, areaId)
	if err != nil {
		return nil, err
	}
	callerHolds := holder != nil && holder.DeviceId == deviceId
	if !callerHolds && !tolerateLapsedClaim {
		return nil, utils.NewStateError("device %s does not hold the claim on area %s", deviceId, areaId)
	}
	if holder != nil {
		if err := tx.Model(&models.Session{}).Where("id = ?", holder.ID).
			Update("claimed_area_id", nil).Error; err != nil {
			return nil, utils.NewPersistenceError(err, "clear session claim")
		}
	}

	now := time.Now().UTC()
	if err := tx.Model(&models.Area{}).Where("id = ?", area.ID).
		Updates(map[string]interface{}{
			"status":       models.AreaStatusCompleted,
			"completed_at": &now,
		}).Error; err != nil {
		return nil, utils.NewPersistenceError(err, "mark area completed")
	}
	area.Status = models.AreaStatusCompleted
	area.CompletedAt = &now

	stocktake, err := models.GetStocktakeById(ctx, stocktakeId)
	if err != nil {
		return nil, err
	}
	if err := models.EnqueueStatusEvent(ctx, tx, stocktake.StoreId, stocktakeId,
		areaId, models.StatusReferenceTypeArea, string(models.AreaStatusCompleted), deviceId); err != nil {
		return nil, utils.NewPersistenceError(err, "enqueue status event")
	}

	return &models.AreaView{Area: *area}, nil
}

// lockArea loads the area row FOR UPDATE; this is the serialization point for
// all concurrent claim/release/complete calls on one area.
func lockArea(tx *gorm.DB, stocktakeId string, areaId string) (*models.Area, error) {
	var area models.Area
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND stocktake_id = ?", areaId, stocktakeId).
		Take(&area).Error
	if err != nil {
		return nil, utils.NewNotFoundError("area %s not found in stocktake %s", areaId, stocktakeId)
	}
	return &area, nil
}

// areaHolder returns the active session currently claiming the area, if any.
func areaHolder(tx *gorm.DB, stocktakeId string, areaId string) (*models.Session, error) {
	var holders []models.Session
	err := tx.Where("stocktake_id = ? AND claimed_area_id = ? AND status = ?",
		stocktakeId, areaId, models.SessionStatusActive).
		Find(&holders).Error
	if err != nil {
		return nil, utils.NewPersistenceError(err, "load area holder")
	}
	if len(holders) == 0 {
		return nil, nil
	}
	return &holders[0], nil
}

func obtainAreaLock(ctx context.Context, areaId string) *redislock.Lock {
	redisLock := config.GetRedisLock()
	if redisLock == nil {
		return nil
	}
	lock, err := redisLock.Obtain(ctx, fmt.Sprintf("lock:area:%s", areaId), 10*time.Second, nil)
	if err != nil {
		// Best-effort only; MySQL row locks serialize the real work.
		if err != redislock.ErrNotObtained {
			config.GetLogger().WithFields(logrus.Fields{
				"field":   "obtainAreaLock",
				"area_id": areaId,
			}).Warn("error obtaining redis lock; proceeding without it: " + err.Error())
		}
		return nil
	}
	return lock
}

func releaseAreaLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(ctx); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"field": "releaseAreaLock",
		}).Warn("failed to release redis lock: " + err.Error())
	}
}
