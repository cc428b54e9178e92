package models_test

import (
	"context"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/models"
)

// setupTestStore opens a throwaway on-disk store for one test.
func setupTestStore(t *testing.T) context.Context {
	t.Helper()
	t.Setenv("SHOPSYNC_DB_PATH", filepath.Join(t.TempDir(), "store.db"))
	if err := config.ConnectDatabase(); err != nil {
		t.Fatalf("ConnectDatabase: %v", err)
	}
	models.MigrateTable()
	models.ResetHooks()
	ctx := context.Background()
	if err := models.InitSyncState(ctx); err != nil {
		t.Fatalf("InitSyncState: %v", err)
	}
	return ctx
}
