package models

import (
	"log"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Store{}, &Device{},
		&Stocktake{}, &Area{}, &Session{},
		&Scan{},
		&SyncLedgerEntry{},
		&MasterItem{},
		&StatusEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
