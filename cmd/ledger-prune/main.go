// ledger-prune deletes SUCCESS sync ledger rows older than a retention window.
// The ledger only needs to cover the longest plausible client replay horizon;
// rows older than that are dead weight on the unique index.
//
// Usage (dry-run, count matching rows):
//
//	go run ./cmd/ledger-prune -retention-days=90
//
// Scope to one device:
//
//	go run ./cmd/ledger-prune -retention-days=90 -device-id=<uuid>
//
// To delete:
//
//	go run ./cmd/ledger-prune -retention-days=90 -dry-run=false -confirm=DELETE
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"gorm.io/gorm"
)

func main() {
	retentionDays := flag.Int("retention-days", 90, "Delete SUCCESS rows older than this many days")
	deviceID := flag.String("device-id", "", "Optional: prune only this device's rows")
	batchSize := flag.Int("batch-size", 5000, "Rows per delete statement (keeps lock windows short)")
	dryRun := flag.Bool("dry-run", true, "Count matching rows only (no deletes)")
	confirm := flag.String("confirm", "", "Type DELETE to proceed when dry-run=false")
	flag.Parse()

	if *retentionDays <= 0 {
		fmt.Fprintln(os.Stderr, "-retention-days must be positive")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "DELETE" {
		fmt.Fprintln(os.Stderr, "set --confirm=DELETE to proceed when -dry-run=false")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -*retentionDays)
	scope := func(q *gorm.DB) *gorm.DB {
		q = q.Where("status = ? AND created_at < ?", models.LedgerStatusSuccess, cutoff)
		if strings.TrimSpace(*deviceID) != "" {
			q = q.Where("device_id = ?", *deviceID)
		}
		return q
	}

	var matching int64
	if err := scope(db.Model(&models.SyncLedgerEntry{})).Count(&matching).Error; err != nil {
		fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d SUCCESS ledger rows older than %s\n", matching, cutoff.Format("2006-01-02"))
	if *dryRun {
		fmt.Println("run with -dry-run=false -confirm=DELETE to delete")
		return
	}

	var deleted int64
	for {
		res := scope(db.Session(&gorm.Session{})).
			Limit(*batchSize).
			Delete(&models.SyncLedgerEntry{})
		if res.Error != nil {
			fmt.Fprintf(os.Stderr, "delete failed after %d rows: %v\n", deleted, res.Error)
			os.Exit(1)
		}
		deleted += res.RowsAffected
		if res.RowsAffected == 0 {
			break
		}
	}
	fmt.Printf("deleted %d ledger row(s)\n", deleted)
}
