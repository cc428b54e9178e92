package workflow_test

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/models"
	"bitbucket.org/mmdatafocus/shopsync/utils"
	"bitbucket.org/mmdatafocus/shopsync/workflow"
	"github.com/shopspring/decimal"
)

func TestReceivePurchaseOrderCreatesBatchesOnce(t *testing.T) {
	ctx := setupTestStore(t)

	supplier, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "Pharma Dist"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	product, _, err := models.CreateRecord[models.Product](ctx, &models.Product{
		Name:            "Cough Syrup",
		IsBatchTracking: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	po, _, err := models.CreateRecord[models.PurchaseOrder](ctx, &models.PurchaseOrder{
		SupplierId:  supplier.LocalId,
		OrderNumber: "PO-1001",
		Status:      models.PurchaseOrderStatusOrdered,
		OrderDate:   time.Now().UTC(),
		Details: []models.PurchaseOrderDetail{
			{ProductId: product.LocalId, BatchNumber: "L-1", Quantity: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(1200)},
			{ProductId: product.LocalId, BatchNumber: "L-2", Quantity: decimal.NewFromInt(7), UnitCost: decimal.NewFromInt(1150)},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	received, err := workflow.ReceivePurchaseOrder(ctx, po.LocalId)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if received.Status != models.PurchaseOrderStatusReceived {
		t.Fatalf("status = %s, want RECEIVED", received.Status)
	}

	batches, err := models.FindRecords[models.ProductBatch](ctx, false, "product_id = ?", product.LocalId)
	if err != nil {
		t.Fatalf("find batches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	got, err := models.GetRecord[models.Product](ctx, product.LocalId)
	if err != nil {
		t.Fatalf("reload product: %v", err)
	}
	if !got.Quantity.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("product quantity = %s, want 12", got.Quantity)
	}

	if _, err := workflow.ReceivePurchaseOrder(ctx, po.LocalId); err == nil {
		t.Fatal("receiving an already received order must fail")
	}
	batches, _ = models.FindRecords[models.ProductBatch](ctx, false, "product_id = ?", product.LocalId)
	if len(batches) != 2 {
		t.Fatalf("batches after repeat receive = %d, want 2", len(batches))
	}
}

func TestCompositeBatchCreateSyncsEndToEnd(t *testing.T) {
	ctx := setupTestStore(t)
	fake, client := newFakeBackend(t)
	r := workflow.NewReconciler(client, "w1")
	var released []models.EntityType
	r.OnDependencyReleased = func(p models.EntityType) { released = append(released, p) }

	supplier, _, err := models.CreateRecord[models.Supplier](ctx, &models.Supplier{Name: "Batch Source"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	product, _, err := models.CreateRecord[models.Product](ctx, &models.Product{
		Name:            "Antiseptic",
		IsBatchTracking: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	po, _, err := models.CreateRecord[models.PurchaseOrder](ctx, &models.PurchaseOrder{
		SupplierId:  supplier.LocalId,
		OrderNumber: "PO-2002",
		Status:      models.PurchaseOrderStatusOrdered,
		Details: []models.PurchaseOrderDetail{
			{ProductId: product.LocalId, BatchNumber: "N-1", Quantity: decimal.NewFromInt(3), UnitCost: decimal.NewFromInt(900)},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := workflow.ReceivePurchaseOrder(ctx, po.LocalId); err != nil {
		t.Fatalf("receive: %v", err)
	}

	// The composite entry cannot ship before the order itself has a
	// server id.
	result, err := r.DrainPartition(ctx, models.EntityTypeProductBatch)
	if err != nil {
		t.Fatalf("drain batches: %v", err)
	}
	if result.Processed != 0 || fake.requestCount() != 0 {
		t.Fatal("composite entry must defer until the order is synced")
	}

	for _, partition := range []models.EntityType{
		models.EntityTypeSupplier,
		models.EntityTypeProduct,
		models.EntityTypePurchaseOrder,
	} {
		if _, err := r.DrainPartition(ctx, partition); err != nil {
			t.Fatalf("drain %s: %v", partition, err)
		}
	}
	found := false
	for _, p := range released {
		if p == models.EntityTypeProductBatch {
			found = true
		}
	}
	if !found {
		t.Fatal("order confirmation must release the composite entry")
	}

	result, err = r.DrainPartition(ctx, models.EntityTypeProductBatch)
	if err != nil {
		t.Fatalf("drain batches: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("processed = %d, want 1", result.Processed)
	}

	batches, err := models.FindRecords[models.ProductBatch](ctx, false, "product_id = ?", product.LocalId)
	if err != nil {
		t.Fatalf("find batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0].ServerId == "" || !batches[0].Synced {
		t.Fatalf("batch not reconciled: serverId=%q synced=%v", batches[0].ServerId, batches[0].Synced)
	}
	got, _ := models.GetRecord[models.Product](ctx, product.LocalId)
	if !got.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("product quantity = %s, want 3", got.Quantity)
	}
	if got := models.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0", got)
	}
}
