package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/models"
	"bitbucket.org/mmdatafocus/shopsync/workflow"
)

func newTestScheduler(t *testing.T, r *workflow.Reconciler) *workflow.Scheduler {
	t.Helper()
	s := workflow.NewScheduler(r)
	s.Debounce = 50 * time.Millisecond
	s.BackoffMin = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s
}

func TestSchedulerNeverDrainsOffline(t *testing.T) {
	ctx := setupTestStore(t)
	fake, client := newFakeBackend(t)
	r := workflow.NewReconciler(client, "w1")
	s := newTestScheduler(t, r)

	if _, _, err := models.CreateRecord[models.Product](ctx, &models.Product{Name: "Offline Item"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Well past the debounce window: still offline, still nothing sent.
	time.Sleep(250 * time.Millisecond)
	if got := fake.requestCount(); got != 0 {
		t.Fatalf("backend saw %d requests while offline, want 0", got)
	}

	s.SetOnline(true)
	waitFor(t, 3*time.Second, func() bool { return fake.requestCount() == 1 }, "drain after going online")
	waitFor(t, 3*time.Second, func() bool { return models.PendingCount() == 0 }, "queue to empty")
}

func TestSchedulerDebounceCoalescesBurst(t *testing.T) {
	ctx := setupTestStore(t)
	fake, client := newFakeBackend(t)
	r := workflow.NewReconciler(client, "w1")
	s := newTestScheduler(t, r)
	s.SetOnline(true)

	product, _, err := models.CreateRecord[models.Product](ctx, &models.Product{Name: "Draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, name := range []string{"Draft v2", "Final Name"} {
		if _, err := models.UpdateRecord[models.Product](ctx, product.LocalId, map[string]any{"name": name}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return models.PendingCount() == 0 }, "queue to empty")

	// The burst must collapse into a single create carrying the final
	// state.
	if got := fake.requestCount(); got != 1 {
		t.Fatalf("backend saw %d requests, want 1", got)
	}
	req := fake.request(0)
	if models.OperationType(req.OperationType) != models.OperationTypeEntityCreate {
		t.Fatalf("operation = %s, want %s", req.OperationType, models.OperationTypeEntityCreate)
	}
	var payload models.Product
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Name != "Final Name" {
		t.Fatalf("payload name = %q, want the final edit", payload.Name)
	}

	got, err := models.GetRecord[models.Product](ctx, product.LocalId)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Synced || got.ServerId == "" {
		t.Fatalf("product not reconciled: synced=%v serverId=%q", got.Synced, got.ServerId)
	}
}

func TestSchedulerKicksReleasedPartition(t *testing.T) {
	ctx := setupTestStore(t)
	fake, client := newFakeBackend(t)
	r := workflow.NewReconciler(client, "w1")
	s := newTestScheduler(t, r)
	s.SetOnline(true)

	// Supplier transaction enqueued before its supplier ever synced: the
	// scheduler must drain it on its own once the dependency confirms,
	// with no further local writes.
	supplier, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "Late Dep"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	if _, _, err := models.CreateRecord[models.SupplierTransaction](ctx, &models.SupplierTransaction{
		SupplierId: supplier.LocalId,
		Direction:  models.TransactionDirectionPurchase,
	}); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return models.PendingCount() == 0 }, "both partitions to drain")

	txns, err := models.FindRecords[models.SupplierTransaction](ctx, false, "supplier_id = ?", supplier.LocalId)
	if err != nil {
		t.Fatalf("find transactions: %v", err)
	}
	if len(txns) != 1 || !txns[0].Synced || txns[0].ServerId == "" {
		t.Fatal("transaction must reconcile after its supplier's create confirms")
	}
	if got := fake.requestCount(); got != 2 {
		t.Fatalf("backend saw %d requests, want 2", got)
	}
}
