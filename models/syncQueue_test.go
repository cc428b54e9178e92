package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/models"
	"bitbucket.org/mmdatafocus/shopsync/utils"
)

func TestBurstOfEditsCoalescesToOneEntry(t *testing.T) {
	ctx := setupTestStore(t)

	product := &models.Product{Name: "Vitamin C"}
	product, _, err := models.CreateRecord[models.Product](ctx, product)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := models.UpdateRecord[models.Product](ctx, product.LocalId, map[string]any{"name": "Vitamin C 500"}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := models.UpdateRecord[models.Product](ctx, product.LocalId, map[string]any{"name": "Vitamin C 1000"}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	entries, err := models.PeekBatch(ctx, models.EntityTypeProduct, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(entries))
	}
	// The record was never synced, so the edits ride the original create.
	if entries[0].OperationType != models.OperationTypeEntityCreate {
		t.Fatalf("operation = %s, want %s", entries[0].OperationType, models.OperationTypeEntityCreate)
	}
	var payload models.Product
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Name != "Vitamin C 1000" {
		t.Fatalf("payload name = %q, want the final edit", payload.Name)
	}
	if got := models.PendingCount(); got != 1 {
		t.Fatalf("pending count = %d, want 1", got)
	}
}

func TestDeleteAfterSyncedCreateCoalescesToDelete(t *testing.T) {
	ctx := setupTestStore(t)

	product := &models.Product{Name: "Zinc"}
	product, _, err := models.CreateRecord[models.Product](ctx, product)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a confirmed create so the next intents form a new entry.
	db := config.GetDB()
	if err := db.Model(&models.SyncQueueEntry{}).
		Where("entity_type = ? AND local_id = ?", models.EntityTypeProduct, product.LocalId).
		Update("status", models.QueueStatusDone).Error; err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := db.Model(&models.Product{}).Where("local_id = ?", product.LocalId).
		Updates(map[string]any{"server_id": "srv-1", "synced": true}).Error; err != nil {
		t.Fatalf("stamp server id: %v", err)
	}
	models.AddPendingCount(-1)

	if _, err := models.UpdateRecord[models.Product](ctx, product.LocalId, map[string]any{"name": "Zinc 20mg"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := models.SoftDeleteRecord[models.Product](ctx, product.LocalId); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entries, err := models.PeekBatch(ctx, models.EntityTypeProduct, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(entries))
	}
	if entries[0].OperationType != models.OperationTypeEntityDelete {
		t.Fatalf("operation = %s, want %s", entries[0].OperationType, models.OperationTypeEntityDelete)
	}

	// Tombstone survives until the backend confirms the delete.
	rows, err := models.FindRecords[models.Product](ctx, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 1 || !rows[0].Deleted {
		t.Fatalf("expected one tombstoned product, got %d rows", len(rows))
	}
}

func TestPartitionsClaimIndependently(t *testing.T) {
	ctx := setupTestStore(t)

	if _, _, err := models.CreateRecord[models.Product](ctx, &models.Product{Name: "Gauze"}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "MedSupply"}); err != nil {
		t.Fatalf("create supplier: %v", err)
	}

	claimed, _, err := models.ClaimBatch(ctx, models.EntityTypeProduct, 10, 30*time.Second, "w1", 8)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].EntityType != models.EntityTypeProduct {
		t.Fatalf("claimed %d entries, want the one product entry", len(claimed))
	}

	supplierEntries, err := models.PeekBatch(ctx, models.EntityTypeSupplier, 10)
	if err != nil {
		t.Fatalf("peek supplier: %v", err)
	}
	if len(supplierEntries) != 1 || supplierEntries[0].Status != models.QueueStatusPending {
		t.Fatal("supplier partition must be untouched by the product claim")
	}
}

func TestClaimStopsAtFutureRetry(t *testing.T) {
	ctx := setupTestStore(t)

	if _, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "First"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "Second"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	entries, err := models.PeekBatch(ctx, models.EntityTypeSupplier, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour)
	if err := config.GetDB().Model(&models.SyncQueueEntry{}).Where("id = ?", entries[0].ID).
		Updates(map[string]any{"status": models.QueueStatusFailed, "next_attempt_at": future}).Error; err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	claimed, retryAt, err := models.ClaimBatch(ctx, models.EntityTypeSupplier, 10, 30*time.Second, "w1", 8)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The head is backing off; the entry behind it must not jump the queue.
	if len(claimed) != 0 {
		t.Fatalf("claimed %d entries past a backing-off head, want 0", len(claimed))
	}
	if retryAt == nil || retryAt.Sub(future).Abs() > time.Second {
		t.Fatalf("retryAt = %v, want ~%v", retryAt, future)
	}
}

func TestAttemptCapDeadLettersAndRetryRevives(t *testing.T) {
	ctx := setupTestStore(t)

	if _, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "Flaky"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	entries, err := models.PeekBatch(ctx, models.EntityTypeSupplier, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	lastErr := "connect timeout"
	if err := config.GetDB().Model(&models.SyncQueueEntry{}).Where("id = ?", entries[0].ID).
		Updates(map[string]any{"status": models.QueueStatusFailed, "attempts": 3, "last_error": &lastErr}).Error; err != nil {
		t.Fatalf("seed attempts: %v", err)
	}

	claimed, _, err := models.ClaimBatch(ctx, models.EntityTypeSupplier, 10, 30*time.Second, "w1", 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d, want 0 after dead-lettering", len(claimed))
	}

	dead, err := models.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if state := models.CurrentSyncState(); state.LastSyncError == nil {
		t.Fatal("dead-lettered entry must surface in sync state")
	}
	if got := models.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0", got)
	}

	if err := models.RetryDeadLetter(ctx, dead[0].ID); err != nil {
		t.Fatalf("retry dead letter: %v", err)
	}
	entry, err := models.GetQueueEntry(ctx, dead[0].ID)
	if err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if entry.Status != models.QueueStatusPending || entry.Attempts != 0 {
		t.Fatalf("revived entry = %s/%d attempts, want PENDING/0", entry.Status, entry.Attempts)
	}
	if got := models.PendingCount(); got != 1 {
		t.Fatalf("pending count after revival = %d, want 1", got)
	}

	if err := models.RetryDeadLetter(ctx, 9999); err != utils.ErrorRecordNotFound {
		t.Fatalf("retry of unknown entry = %v, want ErrorRecordNotFound", err)
	}
}
