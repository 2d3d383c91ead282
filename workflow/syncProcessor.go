package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PushItem is one replayed outbox action. Payload is a tagged variant: its
// shape is fixed by Action and validated before dispatch.
type PushItem struct {
	Action         models.SyncAction `json:"action" validate:"required"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required,max=64"`
	Payload        json.RawMessage   `json:"payload" validate:"required"`
}

type PushItemError struct {
	IdempotencyKey string `json:"idempotency_key"`
	Message        string `json:"message"`
}

// PushResult aggregates a batch. skipped means "already applied, do not
// resend"; failed means "inspect the message, maybe resend after fixing".
type PushResult struct {
	Processed int             `json:"processed"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Errors    []PushItemError `json:"errors"`
}

// Payload shapes per action tag.

type DeleteScanPayload struct {
	LocalId string `json:"local_id" validate:"required,max=64"`
}

// UpdateScanPayload patches a scan's mutable fields; absent fields stay as
// they are.
type UpdateScanPayload struct {
	LocalId           string           `json:"local_id" validate:"required,max=64"`
	Quantity          *decimal.Decimal `json:"quantity"`
	IsValid           *bool            `json:"is_valid"`
	ValidationMessage *string          `json:"validation_message" validate:"omitempty,max=255"`
}

// changes builds the column assignments, rejecting an empty patch.
func (p *UpdateScanPayload) changes() (map[string]interface{}, error) {
	updates := map[string]interface{}{}
	if p.Quantity != nil {
		if p.Quantity.LessThanOrEqual(decimal.Zero) {
			return nil, utils.NewValidationError("quantity must be positive for scan %s", p.LocalId)
		}
		updates["quantity"] = *p.Quantity
	}
	if p.IsValid != nil {
		updates["is_valid"] = p.IsValid
	}
	if p.ValidationMessage != nil {
		updates["validation_message"] = p.ValidationMessage
	}
	if len(updates) == 0 {
		return nil, utils.NewValidationError("update for scan %s carries no mutable field", p.LocalId)
	}
	return updates, nil
}

type CompleteAreaPayload struct {
	AreaId string `json:"area_id" validate:"required,uuid4"`
}

// ProcessPushBatch replays a device's outbox against one stocktake. Items run
// in the order given, each in its own transaction together with its ledger
// entry; one item's failure never aborts the batch. Replays of an item already
// recorded SUCCESS fold into skipped, closed against concurrent identical
// replays by the ledger's unique index.
func ProcessPushBatch(ctx context.Context, db *gorm.DB, stocktakeId string, deviceId string, items []PushItem) (*PushResult, error) {
	stocktake, err := models.GetStocktakeById(ctx, stocktakeId)
	if err != nil {
		return nil, err
	}
	if !stocktake.Status.AcceptsScans() {
		return nil, utils.NewStateError("stocktake %s is %s and not accepting pushes", stocktakeId, stocktake.Status)
	}

	result := &PushResult{Errors: []PushItemError{}}
	for i := range items {
		item := &items[i]
		if err := validatePushItem(item); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, PushItemError{IdempotencyKey: item.IdempotencyKey, Message: err.Error()})
			continue
		}

		applied, err := LedgerHasSuccess(db.WithContext(ctx), deviceId, item.Action, item.IdempotencyKey)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, PushItemError{IdempotencyKey: item.IdempotencyKey, Message: err.Error()})
			continue
		}
		if applied {
			result.Skipped++
			continue
		}

		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := dispatchPushItem(ctx, tx, stocktakeId, deviceId, item); err != nil {
				return err
			}
			return RecordLedgerSuccess(tx, deviceId, item.Action, item.IdempotencyKey)
		})
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, ErrAlreadyApplied):
			// A concurrent replay of the same key won the ledger insert; this
			// apply rolled back, the effect already exists.
			result.Skipped++
		default:
			result.Failed++
			result.Errors = append(result.Errors, PushItemError{IdempotencyKey: item.IdempotencyKey, Message: err.Error()})
			if ferr := RecordLedgerFailure(db.WithContext(ctx), deviceId, item.Action, item.IdempotencyKey, err); ferr != nil {
				config.LogError(config.GetLogger(), "workflow", "ProcessPushBatch",
					"failed to record ledger failure", item.IdempotencyKey, ferr)
			}
		}
	}
	return result, nil
}

func validatePushItem(item *PushItem) error {
	if !item.Action.Valid() {
		return utils.NewValidationError("unknown action %q", string(item.Action))
	}
	return utils.ValidateStruct(item)
}

func dispatchPushItem(ctx context.Context, tx *gorm.DB, stocktakeId string, deviceId string, item *PushItem) error {
	switch item.Action {
	case models.SyncActionScan:
		var payload ScanInput
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return utils.NewValidationError("malformed SCAN payload: %s", err.Error())
		}
		_, created, err := UpsertScan(ctx, tx, stocktakeId, deviceId, &payload)
		if err != nil {
			return err
		}
		return bumpSessionActivity(tx, stocktakeId, deviceId, created)

	case models.SyncActionDeleteScan:
		var payload DeleteScanPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return utils.NewValidationError("malformed DELETE_SCAN payload: %s", err.Error())
		}
		if err := utils.ValidateStruct(&payload); err != nil {
			return err
		}
		return DeleteScan(tx, stocktakeId, payload.LocalId)

	case models.SyncActionUpdateScan:
		var payload UpdateScanPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return utils.NewValidationError("malformed UPDATE_SCAN payload: %s", err.Error())
		}
		if err := utils.ValidateStruct(&payload); err != nil {
			return err
		}
		err := UpdateScan(tx, stocktakeId, payload.LocalId, &payload)
		if err != nil {
			// Updating an absent row is a replay of a since-deleted scan, not
			// an error.
			var notFound *utils.NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		return nil

	case models.SyncActionCompleteArea:
		var payload CompleteAreaPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return utils.NewValidationError("malformed COMPLETE_AREA payload: %s", err.Error())
		}
		if err := utils.ValidateStruct(&payload); err != nil {
			return err
		}
		_, err := completeAreaTx(ctx, tx, stocktakeId, payload.AreaId, deviceId, true)
		return err

	default:
		return utils.NewValidationError("unknown action %q", string(item.Action))
	}
}
