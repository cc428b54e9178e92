package models

import (
	"bitbucket.org/mmdatafocus/shopsync/config"
	"github.com/sirupsen/logrus"
)

// MigrateTable creates or upgrades the local store schema.
func MigrateTable() {
	db := config.GetDB()
	logger := config.GetLogger()

	err := db.AutoMigrate(
		&Product{},
		&ProductBatch{},
		&Supplier{},
		&SupplierTransaction{},
		&PurchaseOrder{},
		&NaturalKeyIndex{},
		&SyncQueueEntry{},
		&IdempotencyKey{},
	)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
	}
}
