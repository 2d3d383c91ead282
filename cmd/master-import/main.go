// master-import loads a store's barcode master list from an xlsx workbook.
// Column layout (first sheet, header row skipped): barcode, sku, description,
// category. Rows merge by (store_id, barcode); with -replace, active items
// missing from the workbook are deactivated.
//
// Usage:
//
//	go run ./cmd/master-import -store-id=<uuid> -file=master.xlsx
//
// Full replacement of the active set:
//
//	go run ./cmd/master-import -store-id=<uuid> -file=master.xlsx -replace
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/workflow"
)

func main() {
	storeID := flag.String("store-id", "", "Required: store id (uuid)")
	file := flag.String("file", "", "Required: path to the xlsx workbook")
	replace := flag.Bool("replace", false, "Deactivate active items missing from the workbook")
	flag.Parse()

	if strings.TrimSpace(*storeID) == "" || strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "-store-id and -file are required")
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open %s: %v\n", *file, err)
		os.Exit(1)
	}
	defer f.Close()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	// Redis is optional here; without it the version cache is simply skipped.
	result, err := workflow.ImportMasterItems(context.Background(), db, *storeID, f, *replace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("imported %d item(s), skipped %d row(s), master version %s\n",
		result.Imported, result.Skipped, result.Version)
}
