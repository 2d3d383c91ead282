package models_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"bitbucket.org/mmdatafocus/stocktake_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// End-to-end coverage of the sync core against real MySQL + Redis:
// idempotent replay, exclusive claims, scan merge, claim-complete coupling,
// partial batch isolation, release stickiness, the creates-only scan counter,
// the lifecycle gate, and the delta-pull watermark.
func TestStocktakeSyncCore(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stocktake_test")
	t.Setenv("REQUIRE_AREA_CLAIM_FOR_SCANS", "false")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	// Seed: one store, two devices, one active stocktake with three areas,
	// one active session per device.
	store, err := models.CreateStore(ctx, &models.NewStore{Name: "Test Store"})
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	storeID := store.ID.String()

	device1, err := models.RegisterDevice(ctx, storeID, &models.NewDevice{Name: "Scanner 1", Secret: "secret-one"})
	if err != nil {
		t.Fatalf("RegisterDevice(1): %v", err)
	}
	device2, err := models.RegisterDevice(ctx, storeID, &models.NewDevice{Name: "Scanner 2", Secret: "secret-two"})
	if err != nil {
		t.Fatalf("RegisterDevice(2): %v", err)
	}
	d1 := device1.ID.String()
	d2 := device2.ID.String()

	// Device tokens are signed and rotate on reissue: the fresh token resolves,
	// the superseded one stops resolving, a forged one never does.
	token1, err := models.IssueDeviceToken(ctx, d1, "secret-one")
	if err != nil {
		t.Fatalf("IssueDeviceToken #1: %v", err)
	}
	if got, ok := models.ResolveDeviceToken(ctx, token1); !ok || got != d1 {
		t.Fatalf("token1 resolved to %q (ok=%v), want %s", got, ok, d1)
	}
	token2, err := models.IssueDeviceToken(ctx, d1, "secret-one")
	if err != nil {
		t.Fatalf("IssueDeviceToken #2: %v", err)
	}
	if got, ok := models.ResolveDeviceToken(ctx, token2); !ok || got != d1 {
		t.Fatalf("token2 resolved to %q (ok=%v), want %s", got, ok, d1)
	}
	if _, ok := models.ResolveDeviceToken(ctx, token1); ok {
		t.Fatalf("rotated-out token must stop resolving")
	}
	if _, ok := models.ResolveDeviceToken(ctx, token2+"x"); ok {
		t.Fatalf("tampered token must not resolve")
	}

	stocktake, err := models.CreateStocktake(ctx, storeID, &models.NewStocktake{
		Name:  "August count",
		Areas: []string{"Aisle 1", "Aisle 2", "Aisle 3"},
	})
	if err != nil {
		t.Fatalf("CreateStocktake: %v", err)
	}
	stID := stocktake.ID.String()

	if _, err := workflow.ActivateStocktake(ctx, db, stID, d1); err != nil {
		t.Fatalf("ActivateStocktake: %v", err)
	}
	if _, err := models.OpenSession(ctx, stID, d1); err != nil {
		t.Fatalf("OpenSession(d1): %v", err)
	}
	if _, err := models.OpenSession(ctx, stID, d2); err != nil {
		t.Fatalf("OpenSession(d2): %v", err)
	}

	var areas []models.Area
	if err := db.Where("stocktake_id = ?", stID).Order("sort_order").Find(&areas).Error; err != nil || len(areas) != 3 {
		t.Fatalf("expected 3 areas, got %d (err=%v)", len(areas), err)
	}
	area1 := areas[0].ID.String()
	area2 := areas[1].ID.String()
	area3 := areas[2].ID.String()

	watermark := time.Now().UTC()

	// Idempotent replay: the same item yields processed=1 then skipped=1 and
	// exactly one persisted scan.
	scanItem := pushScanItem(t, "replay-key", "L-replay", area1, "9300675024235", 1)
	res, err := workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{scanItem})
	if err != nil {
		t.Fatalf("push #1: %v", err)
	}
	if res.Processed != 1 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("push #1: expected processed=1, got %+v", res)
	}
	res, err = workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{scanItem})
	if err != nil {
		t.Fatalf("push #2: %v", err)
	}
	if res.Processed != 0 || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("push #2: expected skipped=1, got %+v", res)
	}
	if n := countScans(t, db, stID, "L-replay"); n != 1 {
		t.Fatalf("expected exactly 1 scan row after replay, got %d", n)
	}

	// Scan merge determinism: a later upload with the same local_id merges
	// quantity but never rewrites the original barcode.
	first := pushScanItem(t, "merge-key-1", "L-merge", area1, "9300675024235", 1)
	if _, err := workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{first}); err != nil {
		t.Fatalf("merge push #1: %v", err)
	}
	second := pushScanItem(t, "merge-key-2", "L-merge", area1, "REWRITTEN-BARCODE", 5)
	if _, err := workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{second}); err != nil {
		t.Fatalf("merge push #2: %v", err)
	}
	var merged models.Scan
	if err := db.Where("local_id = ?", "L-merge").Take(&merged).Error; err != nil {
		t.Fatalf("load merged scan: %v", err)
	}
	if merged.Quantity.Cmp(decimal.NewFromInt(5)) != 0 {
		t.Fatalf("merged quantity = %s, want 5", merged.Quantity)
	}
	if merged.Barcode != "9300675024235" {
		t.Fatalf("barcode was rewritten to %q", merged.Barcode)
	}
	if n := countScans(t, db, stID, "L-merge"); n != 1 {
		t.Fatalf("expected exactly 1 merged row, got %d", n)
	}

	// Exclusive claim: two devices racing for the same area; exactly one wins,
	// the loser sees ConflictError, and exactly one holder remains.
	var wg sync.WaitGroup
	claimErrs := make([]error, 2)
	for i, dev := range []string{d1, d2} {
		wg.Add(1)
		go func(i int, dev string) {
			defer wg.Done()
			_, claimErrs[i] = workflow.ClaimArea(ctx, db, stID, area1, dev)
		}(i, dev)
	}
	wg.Wait()
	winners, conflicts := 0, 0
	for _, cerr := range claimErrs {
		switch {
		case cerr == nil:
			winners++
		default:
			var conflict *utils.ConflictError
			if !errors.As(cerr, &conflict) {
				t.Fatalf("loser got %v, want ConflictError", cerr)
			}
			conflicts++
		}
	}
	if winners != 1 || conflicts != 1 {
		t.Fatalf("expected 1 winner and 1 conflict, got %d/%d", winners, conflicts)
	}
	var holders int64
	if err := db.Model(&models.Session{}).
		Where("stocktake_id = ? AND claimed_area_id = ?", stID, area1).
		Count(&holders).Error; err != nil || holders != 1 {
		t.Fatalf("expected exactly 1 holder of area1, got %d (err=%v)", holders, err)
	}
	// Re-claiming by the winner is idempotent.
	winner := d1
	if claimErrs[0] != nil {
		winner = d2
	}
	if _, err := workflow.ClaimArea(ctx, db, stID, area1, winner); err != nil {
		t.Fatalf("same-device re-claim must succeed: %v", err)
	}
	if err := workflow.ReleaseArea(ctx, db, stID, area1, winner); err != nil {
		t.Fatalf("release area1: %v", err)
	}

	// Claim-complete coupling: after complete, the area is COMPLETED and the
	// session's claim is cleared in the same commit.
	if _, err := workflow.ClaimArea(ctx, db, stID, area2, d1); err != nil {
		t.Fatalf("claim area2: %v", err)
	}
	completed, err := workflow.CompleteArea(ctx, db, stID, area2, d1)
	if err != nil {
		t.Fatalf("complete area2: %v", err)
	}
	if completed.Status != models.AreaStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("area2 not completed: %+v", completed.Area)
	}
	session1, err := models.GetActiveSession(db, stID, d1)
	if err != nil {
		t.Fatalf("load d1 session: %v", err)
	}
	if session1.ClaimedAreaId != nil {
		t.Fatalf("d1 claim not cleared after complete: %v", *session1.ClaimedAreaId)
	}

	// Release stickiness: releasing keeps the area IN_PROGRESS.
	if _, err := workflow.ClaimArea(ctx, db, stID, area3, d2); err != nil {
		t.Fatalf("claim area3: %v", err)
	}
	if err := workflow.ReleaseArea(ctx, db, stID, area3, d2); err != nil {
		t.Fatalf("release area3: %v", err)
	}
	sticky, err := models.GetAreaById(ctx, stID, area3)
	if err != nil {
		t.Fatalf("load area3: %v", err)
	}
	if sticky.Status != models.AreaStatusInProgress {
		t.Fatalf("area3 status = %s after release, want IN_PROGRESS", sticky.Status)
	}

	// Replayed COMPLETE_AREA tolerates a lapsed claim: d2 released area3 above,
	// but the buffered completion still applies.
	completePayload, _ := json.Marshal(workflow.CompleteAreaPayload{AreaId: area3})
	res, err = workflow.ProcessPushBatch(ctx, db, stID, d2, []workflow.PushItem{{
		Action:         models.SyncActionCompleteArea,
		IdempotencyKey: "complete-area3",
		Payload:        completePayload,
	}})
	if err != nil || res.Processed != 1 {
		t.Fatalf("COMPLETE_AREA push: res=%+v err=%v", res, err)
	}
	lapsed, err := models.GetAreaById(ctx, stID, area3)
	if err != nil || lapsed.Status != models.AreaStatusCompleted {
		t.Fatalf("area3 after replayed complete: %+v err=%v", lapsed, err)
	}

	// Partial batch isolation: item 2 references a nonexistent area; the other
	// two still apply and the error names item 2's key.
	batch := []workflow.PushItem{
		pushScanItem(t, "iso-key-1", "L-iso-1", area1, "111", 1),
		pushScanItem(t, "iso-key-2", "L-iso-2", "7f000000-0000-4000-8000-000000000000", "222", 2),
		pushScanItem(t, "iso-key-3", "L-iso-3", area1, "333", 3),
	}
	res, err = workflow.ProcessPushBatch(ctx, db, stID, d1, batch)
	if err != nil {
		t.Fatalf("isolation push: %v", err)
	}
	if res.Processed != 2 || res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("isolation push: got %+v", res)
	}
	if res.Errors[0].IdempotencyKey != "iso-key-2" {
		t.Fatalf("error names key %q, want iso-key-2", res.Errors[0].IdempotencyKey)
	}
	// The failed item stays retryable: a FAILURE ledger row exists and a later
	// replay of the same key still applies.
	var failedEntry models.SyncLedgerEntry
	if err := db.Where("device_id = ? AND idempotency_key = ?", d1, "iso-key-2").Take(&failedEntry).Error; err != nil {
		t.Fatalf("load FAILURE ledger row: %v", err)
	}
	if failedEntry.Status != models.LedgerStatusFailure {
		t.Fatalf("ledger status = %s, want FAILURE", failedEntry.Status)
	}
	retry := pushScanItem(t, "iso-key-2", "L-iso-2", area1, "222", 2)
	res, err = workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{retry})
	if err != nil || res.Processed != 1 {
		t.Fatalf("retry of failed key: res=%+v err=%v", res, err)
	}

	// Scan counter counts successful creates only: a merge of an existing
	// local_id advances activity but not scan_count.
	before, err := models.GetActiveSession(db, stID, d2)
	if err != nil {
		t.Fatalf("load d2 session: %v", err)
	}
	upload := []workflow.ScanInput{
		scanInput("L-counter-1", area1, "444", 1),
		scanInput("L-counter-1", area1, "444", 7), // merge, not a create
		scanInput("L-counter-2", area1, "555", 2),
	}
	uploadRes, err := workflow.UploadScanBatch(ctx, db, stID, d2, upload)
	if err != nil {
		t.Fatalf("UploadScanBatch: %v", err)
	}
	if uploadRes.Created != 2 || uploadRes.Merged != 1 || uploadRes.Failed != 0 {
		t.Fatalf("upload result %+v, want created=2 merged=1", uploadRes)
	}
	after, err := models.GetActiveSession(db, stID, d2)
	if err != nil {
		t.Fatalf("reload d2 session: %v", err)
	}
	if after.ScanCount != before.ScanCount+2 {
		t.Fatalf("scan_count %d -> %d, want +2 (creates only)", before.ScanCount, after.ScanCount)
	}
	if before.LastActivityAt == nil || after.LastActivityAt == nil ||
		!after.LastActivityAt.After(*before.LastActivityAt) {
		t.Fatalf("upload did not advance last_activity_at (%v -> %v)", before.LastActivityAt, after.LastActivityAt)
	}

	// A merge on its own still advances activity, never the counter.
	time.Sleep(50 * time.Millisecond)
	mergeRes, err := workflow.UploadScanBatch(ctx, db, stID, d2, []workflow.ScanInput{scanInput("L-counter-2", area1, "555", 9)})
	if err != nil || mergeRes.Merged != 1 || mergeRes.Created != 0 {
		t.Fatalf("merge-only upload: res=%+v err=%v", mergeRes, err)
	}
	final, err := models.GetActiveSession(db, stID, d2)
	if err != nil {
		t.Fatalf("reload d2 session after merge: %v", err)
	}
	if final.ScanCount != after.ScanCount {
		t.Fatalf("merge changed scan_count %d -> %d", after.ScanCount, final.ScanCount)
	}
	if final.LastActivityAt == nil || !final.LastActivityAt.After(*after.LastActivityAt) {
		t.Fatalf("merge did not advance last_activity_at (%v -> %v)", after.LastActivityAt, final.LastActivityAt)
	}

	// Client validation verdicts: on a barcode present in the master list the
	// verdict is stored as sent; an unknown barcode is forced invalid.
	if err := db.Create(&models.MasterItem{
		StoreId:  storeID,
		Barcode:  "KNOWN-1",
		Sku:      "SKU-1",
		IsActive: utils.NewTrue(),
	}).Error; err != nil {
		t.Fatalf("seed master item: %v", err)
	}
	flagged := scanInput("L-verdict", area1, "KNOWN-1", 3)
	flagged.IsValid = utils.NewFalse()
	flagged.ValidationMessage = utils.NewString("damaged packaging")
	verdictRes, err := workflow.UploadScanBatch(ctx, db, stID, d1, []workflow.ScanInput{flagged})
	if err != nil || verdictRes.Created != 1 {
		t.Fatalf("verdict upload: res=%+v err=%v", verdictRes, err)
	}
	var verdict models.Scan
	if err := db.Where("local_id = ?", "L-verdict").Take(&verdict).Error; err != nil {
		t.Fatalf("load verdict scan: %v", err)
	}
	if verdict.IsValid == nil || *verdict.IsValid ||
		verdict.ValidationMessage == nil || *verdict.ValidationMessage != "damaged packaging" {
		t.Fatalf("client verdict not stored as sent: %+v", verdict)
	}

	optimistic := scanInput("L-verdict-unknown", area1, "NOT-IN-MASTER", 1)
	optimistic.IsValid = utils.NewTrue()
	if _, err := workflow.UploadScanBatch(ctx, db, stID, d1, []workflow.ScanInput{optimistic}); err != nil {
		t.Fatalf("unknown-barcode upload: %v", err)
	}
	var overridden models.Scan
	if err := db.Where("local_id = ?", "L-verdict-unknown").Take(&overridden).Error; err != nil {
		t.Fatalf("load overridden scan: %v", err)
	}
	if overridden.IsValid == nil || *overridden.IsValid {
		t.Fatalf("unknown barcode must be stored invalid: %+v", overridden)
	}

	// UPDATE_SCAN patches the supplied mutable fields and leaves the rest alone.
	patch, _ := json.Marshal(map[string]interface{}{"local_id": "L-verdict", "is_valid": true, "quantity": 4})
	res, err = workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{{
		Action:         models.SyncActionUpdateScan,
		IdempotencyKey: "verdict-patch",
		Payload:        patch,
	}})
	if err != nil || res.Processed != 1 {
		t.Fatalf("UPDATE_SCAN patch: res=%+v err=%v", res, err)
	}
	if err := db.Where("local_id = ?", "L-verdict").Take(&verdict).Error; err != nil {
		t.Fatalf("reload verdict scan: %v", err)
	}
	if verdict.IsValid == nil || !*verdict.IsValid {
		t.Fatalf("is_valid not patched: %+v", verdict)
	}
	if verdict.Quantity.Cmp(decimal.NewFromInt(4)) != 0 {
		t.Fatalf("patched quantity = %s, want 4", verdict.Quantity)
	}
	if verdict.ValidationMessage == nil || *verdict.ValidationMessage != "damaged packaging" {
		t.Fatalf("untouched validation_message was rewritten: %v", verdict.ValidationMessage)
	}

	// Delta pull: strictly-greater watermark picks up everything mutated in
	// this test, and pulling from serverTime yields nothing new.
	delta, err := workflow.PullDelta(ctx, db, storeID, watermark, stID)
	if err != nil {
		t.Fatalf("PullDelta: %v", err)
	}
	if len(delta.Areas) == 0 {
		t.Fatalf("delta since %s missed area updates", watermark)
	}
	foundCompleted := false
	for _, a := range delta.Areas {
		if a.ID.String() == area2 && a.Status == models.AreaStatusCompleted {
			foundCompleted = true
		}
	}
	if !foundCompleted {
		t.Fatalf("delta missing completed area2")
	}
	empty, err := workflow.PullDelta(ctx, db, storeID, delta.ServerTime, stID)
	if err != nil {
		t.Fatalf("PullDelta(empty): %v", err)
	}
	if len(empty.Stocktakes) != 0 || len(empty.Areas) != 0 {
		t.Fatalf("delta from serverTime must be empty, got %d/%d", len(empty.Stocktakes), len(empty.Areas))
	}

	// A stocktake scope must belong to the requesting store: a foreign id must
	// not leak another store's areas.
	otherStore, err := models.CreateStore(ctx, &models.NewStore{Name: "Other Store"})
	if err != nil {
		t.Fatalf("CreateStore(other): %v", err)
	}
	var notFound *utils.NotFoundError
	_, err = workflow.PullDelta(ctx, db, otherStore.ID.String(), watermark, stID)
	if !errors.As(err, &notFound) {
		t.Fatalf("cross-store scoped pull: got %v, want NotFoundError", err)
	}

	// Lifecycle gate: a COMPLETED stocktake rejects the push call with a
	// StateError, while a direct upload keeps its per-item envelope and fails
	// every item.
	if err := db.Model(&models.Stocktake{}).Where("id = ?", stID).
		Update("status", models.StocktakeStatusCompleted).Error; err != nil {
		t.Fatalf("force COMPLETED: %v", err)
	}
	_, err = workflow.ProcessPushBatch(ctx, db, stID, d1, []workflow.PushItem{pushScanItem(t, "late-key", "L-late", area1, "666", 1)})
	var state *utils.StateError
	if !errors.As(err, &state) {
		t.Fatalf("push against COMPLETED stocktake: got %v, want StateError", err)
	}
	gateRes, err := workflow.UploadScanBatch(ctx, db, stID, d1, []workflow.ScanInput{
		scanInput("L-late-1", area1, "666", 1),
		scanInput("L-late-2", area1, "777", 2),
	})
	if err != nil {
		t.Fatalf("upload against COMPLETED stocktake must not fail the call: %v", err)
	}
	if gateRes.Failed != 2 || gateRes.Created != 0 || gateRes.Merged != 0 || len(gateRes.Results) != 2 {
		t.Fatalf("gated upload result %+v, want every item failed", gateRes)
	}
	if !strings.Contains(gateRes.Results[0].Error, "not accepting scans") {
		t.Fatalf("gated item error %q", gateRes.Results[0].Error)
	}
	if n := countScans(t, db, stID, "L-late-1"); n != 0 {
		t.Fatalf("gated upload persisted a scan")
	}
}

func scanInput(localID, areaID, barcode string, qty int64) workflow.ScanInput {
	return workflow.ScanInput{
		LocalId:   localID,
		AreaId:    areaID,
		Barcode:   barcode,
		Quantity:  decimal.NewFromInt(qty),
		ScannedAt: time.Now().UTC(),
	}
}

func pushScanItem(t *testing.T, key, localID, areaID, barcode string, qty int64) workflow.PushItem {
	t.Helper()
	payload, err := json.Marshal(scanInput(localID, areaID, barcode, qty))
	if err != nil {
		t.Fatalf("marshal scan payload: %v", err)
	}
	return workflow.PushItem{
		Action:         models.SyncActionScan,
		IdempotencyKey: key,
		Payload:        payload,
	}
}

func countScans(t *testing.T, db *gorm.DB, stocktakeID, localID string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.Scan{}).
		Where("stocktake_id = ? AND local_id = ?", stocktakeID, localID).
		Count(&n).Error; err != nil {
		t.Fatalf("count scans: %v", err)
	}
	return n
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stocktake-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stocktake-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stocktake_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
