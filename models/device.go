package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/google/uuid"
)

// Device is one physical scanning unit. Identity is stable across sessions;
// the secret is provisioned once and verified when a token is issued.
type Device struct {
	ID           uuid.UUID `gorm:"primary_key;size:36" json:"id"`
	StoreId      string    `gorm:"size:36;index;not null" json:"store_id"`
	Name         string    `gorm:"size:100;not null" json:"name"`
	SecretHash   string    `gorm:"size:100;not null" json:"-"`
	CurrentToken *string   `gorm:"size:512" json:"-"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewDevice struct {
	Name   string `json:"name" binding:"required" validate:"required,max=100"`
	Secret string `json:"secret" binding:"required" validate:"required,min=8"`
}

func RegisterDevice(ctx context.Context, storeId string, input *NewDevice) (*Device, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if _, err := GetStoreById(ctx, storeId); err != nil {
		return nil, err
	}

	hash, err := utils.HashSecret(input.Secret)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	device := Device{
		ID:         uuid.New(),
		StoreId:    storeId,
		Name:       input.Name,
		SecretHash: string(hash),
		IsActive:   utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&device).Error; err != nil {
		return nil, utils.NewPersistenceError(err, "register device")
	}
	return &device, nil
}

func GetDeviceById(ctx context.Context, id string) (*Device, error) {
	db := config.GetDB()
	var device Device
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&device).Error; err != nil {
		return nil, utils.NewNotFoundError("device %s not found", id)
	}
	return &device, nil
}

// IssueDeviceToken verifies the device secret and rotates the session token.
// The token is a signed JWT carrying the device and store ids; rotation is what
// revokes the previous one, so its cache entry is dropped alongside.
func IssueDeviceToken(ctx context.Context, deviceId string, secret string) (string, error) {
	device, err := GetDeviceById(ctx, deviceId)
	if err != nil {
		return "", err
	}
	if device.IsActive != nil && !*device.IsActive {
		return "", utils.NewStateError("device %s is deactivated", deviceId)
	}
	if err := utils.CompareSecret(device.SecretHash, secret); err != nil {
		return "", utils.NewValidationError("invalid device secret")
	}

	token, err := utils.GenerateDeviceToken(deviceId, device.StoreId)
	if err != nil {
		return "", utils.NewPersistenceError(err, "sign device token")
	}
	db := config.GetDB()
	now := time.Now().UTC()
	if err := db.WithContext(ctx).Model(&Device{}).Where("id = ?", deviceId).
		Updates(map[string]interface{}{"current_token": &token, "last_seen_at": &now}).Error; err != nil {
		return "", utils.NewPersistenceError(err, "rotate device token")
	}
	if device.CurrentToken != nil {
		_ = config.RemoveRedisKey("DeviceToken:" + *device.CurrentToken)
	}
	// Best-effort cache; DB fallback covers a cold Redis.
	_ = config.SetRedisValue("DeviceToken:"+token, deviceId, 24*time.Hour)
	return token, nil
}

// ResolveDeviceToken returns the device id for a token. The signature and
// expiry are checked first; the Redis/DB lookup then confirms the token is
// still the device's current one.
func ResolveDeviceToken(ctx context.Context, token string) (string, bool) {
	claims, err := utils.ValidateDeviceToken(token)
	if err != nil {
		return "", false
	}
	if deviceId, exists, err := config.GetRedisValue("DeviceToken:" + token); err == nil && exists {
		return deviceId, true
	}
	db := config.GetDB()
	var device Device
	if err := db.WithContext(ctx).Where("id = ? AND current_token = ?", claims.DeviceId, token).
		Take(&device).Error; err != nil {
		return "", false
	}
	_ = config.SetRedisValue("DeviceToken:"+token, device.ID.String(), 24*time.Hour)
	return device.ID.String(), true
}

// TouchDeviceLastSeen stamps activity; called from the sync paths.
func TouchDeviceLastSeen(ctx context.Context, deviceId string) {
	db := config.GetDB()
	now := time.Now().UTC()
	_ = db.WithContext(ctx).Model(&Device{}).Where("id = ?", deviceId).
		Update("last_seen_at", &now).Error
}
