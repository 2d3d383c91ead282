package workflow

import (
	"encoding/json"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the intended
// replay semantics: at-least-once delivery is safe because only one concurrent
// writer can record SUCCESS for a (device, action, key) triple, and the losers
// fold into skipped. The real enforcement is the ledger's unique index; the
// fake below models exactly that contract.
//
// Full DB integration coverage lives in models/stocktake_sync_regression_test.go.

type fakeLedger struct {
	mu      sync.Mutex
	success map[string]bool
	applies int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{success: map[string]bool{}}
}

// apply mirrors the per-item flow in ProcessPushBatch: advisory check, apply,
// then a record step that only one writer can win.
func (l *fakeLedger) apply(deviceID string, action models.SyncAction, key string, fn func()) (skipped bool) {
	triple := deviceID + "|" + string(action) + "|" + key

	l.mu.Lock()
	if l.success[triple] {
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.success[triple] {
		// Lost the record race: treat the apply as already done.
		return true
	}
	fn()
	l.applies++
	l.success[triple] = true
	return false
}

func TestReplaySameKeyAppliesOnce(t *testing.T) {
	l := newFakeLedger()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.apply("device-1", models.SyncActionScan, "key-1", func() {})
		}()
	}
	wg.Wait()

	if l.applies != 1 {
		t.Fatalf("expected exactly 1 apply, got %d", l.applies)
	}
}

func TestReplayDeterministicUnderConcurrency(t *testing.T) {
	for run := 0; run < 100; run++ {
		l := newFakeLedger()
		var wg sync.WaitGroup

		// Same device batch replayed concurrently; distinct keys apply once each.
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.apply("device-1", models.SyncActionScan, "k1", func() {})
				l.apply("device-1", models.SyncActionDeleteScan, "k2", func() {})
				l.apply("device-1", models.SyncActionScan, "k1", func() {}) // duplicate
			}()
		}
		wg.Wait()

		if l.applies != 2 {
			t.Fatalf("run=%d expected 2 unique applies, got %d", run, l.applies)
		}
	}
}

func TestReplaySameKeyDifferentActionsAreDistinct(t *testing.T) {
	l := newFakeLedger()
	l.apply("device-1", models.SyncActionScan, "k", func() {})
	l.apply("device-1", models.SyncActionUpdateScan, "k", func() {})
	if l.applies != 2 {
		t.Fatalf("same key under different actions must apply independently, got %d applies", l.applies)
	}
}

func TestValidatePushItemRejectsUnknownAction(t *testing.T) {
	item := PushItem{
		Action:         models.SyncAction("TELEPORT"),
		IdempotencyKey: "k1",
		Payload:        json.RawMessage(`{}`),
	}
	if err := validatePushItem(&item); err == nil {
		t.Fatal("expected validation error for unknown action")
	}
}

func TestValidatePushItemRequiresIdempotencyKey(t *testing.T) {
	item := PushItem{
		Action:  models.SyncActionScan,
		Payload: json.RawMessage(`{}`),
	}
	if err := validatePushItem(&item); err == nil {
		t.Fatal("expected validation error for missing idempotency key")
	}
}

func TestUpdateScanPatchRequiresAMutableField(t *testing.T) {
	patch := UpdateScanPayload{LocalId: "L-1"}
	if _, err := patch.changes(); err == nil {
		t.Fatal("empty patch must be rejected")
	}
}

func TestUpdateScanPatchBuildsOnlySuppliedColumns(t *testing.T) {
	qty := decimal.NewFromInt(4)
	valid := true
	patch := UpdateScanPayload{LocalId: "L-1", Quantity: &qty, IsValid: &valid}
	updates, err := patch.changes()
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 assignments, got %d: %v", len(updates), updates)
	}
	if _, ok := updates["validation_message"]; ok {
		t.Fatal("absent field must not be assigned")
	}
}

func TestUpdateScanPatchRejectsNonPositiveQuantity(t *testing.T) {
	qty := decimal.Zero
	patch := UpdateScanPayload{LocalId: "L-1", Quantity: &qty}
	if _, err := patch.changes(); err == nil {
		t.Fatal("zero quantity must be rejected")
	}
}

func TestValidatePushItemAcceptsEveryKnownAction(t *testing.T) {
	for _, action := range []models.SyncAction{
		models.SyncActionScan,
		models.SyncActionDeleteScan,
		models.SyncActionUpdateScan,
		models.SyncActionCompleteArea,
	} {
		item := PushItem{
			Action:         action,
			IdempotencyKey: "k1",
			Payload:        json.RawMessage(`{}`),
		}
		if err := validatePushItem(&item); err != nil {
			t.Fatalf("action %s rejected: %v", action, err)
		}
	}
}
