package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for StatusEventRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// StatusEventRecord is the transactional outbox row for stocktake/area status
// changes. It is written inside the mutating transaction; the dispatcher
// publishes it to Pub/Sub after commit.
type StatusEventRecord struct {
	ID            int                 `gorm:"primary_key;index:idx_event_dispatch,priority:3" json:"id"`
	StoreId       string              `gorm:"size:36;not null;index" json:"store_id"`
	StocktakeId   string              `gorm:"size:36;not null;index" json:"stocktake_id"`
	ReferenceId   string              `gorm:"size:36;not null" json:"reference_id"`
	ReferenceType StatusReferenceType `gorm:"type:enum('AREA','STOCKTAKE')" json:"reference_type"`
	Status        string              `gorm:"size:20;not null" json:"status"`
	DeviceId      string              `gorm:"size:36" json:"device_id"`
	OccurredAt    time.Time           `gorm:"not null" json:"occurred_at"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_event_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_event_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueStatusEvent writes the event record on the caller's transaction so the
// event commits (or rolls back) together with the status change it announces.
func EnqueueStatusEvent(ctx context.Context, tx *gorm.DB, storeId string, stocktakeId string,
	refId string, refType StatusReferenceType, status string, deviceId string) error {
	record := StatusEventRecord{
		StoreId:       storeId,
		StocktakeId:   stocktakeId,
		ReferenceId:   refId,
		ReferenceType: refType,
		Status:        status,
		DeviceId:      deviceId,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToStatusEvent(record StatusEventRecord) config.StatusEvent {
	return config.StatusEvent{
		ID:            record.ID,
		StoreId:       record.StoreId,
		StocktakeId:   record.StocktakeId,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Status:        record.Status,
		DeviceId:      record.DeviceId,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}
