package models

// Lifecycle enums. Values are the DB strings (MySQL enum columns).

type StocktakeStatus string

const (
	StocktakeStatusDraft     StocktakeStatus = "DRAFT"
	StocktakeStatusActive    StocktakeStatus = "ACTIVE"
	StocktakeStatusPaused    StocktakeStatus = "PAUSED"
	StocktakeStatusCompleted StocktakeStatus = "COMPLETED"
	StocktakeStatusCancelled StocktakeStatus = "CANCELLED"
)

// AcceptsScans reports whether scan ingestion is open for this lifecycle phase.
func (s StocktakeStatus) AcceptsScans() bool {
	return s == StocktakeStatusActive || s == StocktakeStatusPaused
}

type AreaStatus string

const (
	AreaStatusPending    AreaStatus = "PENDING"
	AreaStatusInProgress AreaStatus = "IN_PROGRESS"
	AreaStatusCompleted  AreaStatus = "COMPLETED"
	// AreaStatusLocked is a reserved member; no transition into or out of it
	// exists in this core.
	AreaStatusLocked AreaStatus = "LOCKED"
)

type SessionStatus string

const (
	SessionStatusActive       SessionStatus = "ACTIVE"
	SessionStatusDisconnected SessionStatus = "DISCONNECTED"
	SessionStatusCompleted    SessionStatus = "COMPLETED"
)

type LedgerStatus string

const (
	LedgerStatusSuccess LedgerStatus = "SUCCESS"
	LedgerStatusFailure LedgerStatus = "FAILURE"
	LedgerStatusPartial LedgerStatus = "PARTIAL"
)

// SyncAction tags one replayed item in a push batch.
type SyncAction string

const (
	SyncActionScan         SyncAction = "SCAN"
	SyncActionDeleteScan   SyncAction = "DELETE_SCAN"
	SyncActionUpdateScan   SyncAction = "UPDATE_SCAN"
	SyncActionCompleteArea SyncAction = "COMPLETE_AREA"
)

func (a SyncAction) Valid() bool {
	switch a {
	case SyncActionScan, SyncActionDeleteScan, SyncActionUpdateScan, SyncActionCompleteArea:
		return true
	default:
		return false
	}
}

// Status event reference types for the outbox.
type StatusReferenceType string

const (
	StatusReferenceTypeArea      StatusReferenceType = "AREA"
	StatusReferenceTypeStocktake StatusReferenceType = "STOCKTAKE"
)
