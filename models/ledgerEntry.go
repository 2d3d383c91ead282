package models

import "time"

// SyncLedgerEntry is the idempotency backbone: one row per applied
// (device, action, idempotency key) triple. The unique index is what closes
// the lookup-then-insert race under concurrent identical replays; a duplicate
// key error on insert means "someone already recorded this".
//
// SUCCESS rows are append-only and never updated. FAILURE rows may be retried
// (the status flips to SUCCESS when a later replay applies cleanly).
type SyncLedgerEntry struct {
	ID             int          `gorm:"primary_key" json:"id"`
	DeviceId       string       `gorm:"size:36;not null;index:uniq_ledger,unique" json:"device_id"`
	Action         SyncAction   `gorm:"size:20;not null;index:uniq_ledger,unique" json:"action"`
	IdempotencyKey string       `gorm:"size:64;not null;index:uniq_ledger,unique" json:"idempotency_key"`
	Status         LedgerStatus `gorm:"size:10;not null;index" json:"status"`
	Message        *string      `gorm:"size:255" json:"message"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
