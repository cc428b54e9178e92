package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/backend"
	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/models"
	"bitbucket.org/mmdatafocus/shopsync/utils"
	"gorm.io/gorm"
)

// BatchCreateFromPurchaseOrder is the payload of the composite operation
// enqueued when a purchase order is received: the backend creates every
// batch in one idempotent step and acknowledges one server id per batch.
type BatchCreateFromPurchaseOrder struct {
	PurchaseOrderId string                `json:"purchase_order_id"`
	Batches         []models.ProductBatch `json:"batches"`
}

// ReceivePurchaseOrder marks an order received and materializes one batch
// per order line, all in a single transaction with a single composite sync
// intent. Lines whose (product, batch number) already exists are skipped,
// so receiving the same order twice cannot double stock.
func ReceivePurchaseOrder(ctx context.Context, poLocalId string) (*models.PurchaseOrder, error) {
	db := config.GetDB()
	var po models.PurchaseOrder
	var created []models.ProductBatch
	var delta int64

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("local_id = ? AND deleted = ?", poLocalId, false).Take(&po).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if po.Status == models.PurchaseOrderStatusReceived || po.Status == models.PurchaseOrderStatusClosed {
			return fmt.Errorf("purchase order %s is already %s", po.OrderNumber, po.Status)
		}

		now := time.Now().UTC()
		if err := tx.Model(&po).Updates(map[string]any{
			"status":        models.PurchaseOrderStatusReceived,
			"synced":        false,
			"last_modified": now,
		}).Error; err != nil {
			return err
		}
		po.Status = models.PurchaseOrderStatusReceived
		po.Synced = false
		po.LastModified = now

		touchedProducts := make(map[string]bool)
		for _, line := range po.Details {
			batch := models.ProductBatch{
				ProductId:   line.ProductId,
				BatchNumber: line.BatchNumber,
				Quantity:    line.Quantity,
				UnitCost:    line.UnitCost,
				ExpiryDate:  line.ExpiryDate,
			}
			batch.LocalId = utils.NewLocalId()
			batch.LastModified = now

			var idx models.NaturalKeyIndex
			err := tx.Where("entity_type = ? AND natural_key = ?", models.EntityTypeProductBatch, batch.NaturalKey()).
				Take(&idx).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Create(&models.NaturalKeyIndex{
				EntityType: models.EntityTypeProductBatch,
				NaturalKey: batch.NaturalKey(),
				LocalId:    batch.LocalId,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&batch).Error; err != nil {
				return err
			}
			created = append(created, batch)
			touchedProducts[batch.ProductId] = true
		}
		for productId := range touchedProducts {
			if err := models.RecomputeProductQuantity(tx, productId); err != nil {
				return err
			}
		}

		d, err := models.EnqueueOperation(tx, models.EntityTypePurchaseOrder, models.OperationTypeEntityUpdate, poLocalId, &po)
		if err != nil {
			return err
		}
		delta += d
		if len(created) > 0 {
			d, err = models.EnqueueOperation(tx, models.EntityTypeProductBatch, models.OperationTypeBatchCreateFromPurchaseOrder,
				poLocalId, BatchCreateFromPurchaseOrder{PurchaseOrderId: poLocalId, Batches: created})
			if err != nil {
				return err
			}
			delta += d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	models.AddPendingCount(delta)
	models.EmitEntityEvent(models.EntityTypePurchaseOrder, models.OperationTypeEntityUpdate, &po)
	for i := range created {
		models.EmitEntityEvent(models.EntityTypeProductBatch, models.OperationTypeEntityCreate, &created[i])
	}
	models.NotifyEnqueueHooks(models.EntityTypePurchaseOrder)
	if len(created) > 0 {
		models.NotifyEnqueueHooks(models.EntityTypeProductBatch)
	}
	return &po, nil
}

// DeleteProduct tombstones a product together with its batches. Batches go
// first so their delete intents precede the product's in partition order.
func DeleteProduct(ctx context.Context, productLocalId string) error {
	batches, err := models.FindRecords[models.ProductBatch](ctx, false, "product_id = ?", productLocalId)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := models.SoftDeleteRecord[models.ProductBatch](ctx, batch.LocalId); err != nil {
			return err
		}
	}
	return models.SoftDeleteRecord[models.Product](ctx, productLocalId)
}

// dispatchBatchCreate sends the composite batch-creation operation. Every
// referenced record (the order and each batch's product) must have a server
// id first; the earliest missing one defers the entry.
func (r *Reconciler) dispatchBatchCreate(ctx context.Context, entry *models.SyncQueueEntry) error {
	var payload BatchCreateFromPurchaseOrder
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("corrupt queue payload for entry %d: %w", entry.ID, err)
	}

	if confirmed, ok, err := models.LookupConfirmedKey(ctx, entry.IdempotencyKey); err != nil {
		return err
	} else if ok {
		var acks []backend.BatchAck
		if len(confirmed.Result) > 0 {
			if err := json.Unmarshal(confirmed.Result, &acks); err != nil {
				return err
			}
		}
		return r.applyBatchCreateConfirmation(ctx, entry, payload, backend.SyncResponse{Accepted: true, Batches: acks})
	}

	poServerId, err := models.ServerIdFor(ctx, models.EntityTypePurchaseOrder, payload.PurchaseOrderId)
	if err != nil {
		return err
	}
	if poServerId == "" {
		return deferral{dependency: payload.PurchaseOrderId}
	}

	type wireBatch struct {
		LocalId     string `json:"local_id"`
		ProductId   string `json:"product_id"`
		BatchNumber string `json:"batch_number"`
		Quantity    any    `json:"quantity"`
		UnitCost    any    `json:"unit_cost"`
		ExpiryDate  any    `json:"expiry_date"`
	}
	wireBatches := make([]wireBatch, 0, len(payload.Batches))
	for _, batch := range payload.Batches {
		productServerId, err := models.ServerIdFor(ctx, models.EntityTypeProduct, batch.ProductId)
		if err != nil {
			return err
		}
		if productServerId == "" {
			return deferral{dependency: batch.ProductId}
		}
		wireBatches = append(wireBatches, wireBatch{
			LocalId:     batch.LocalId,
			ProductId:   productServerId,
			BatchNumber: batch.BatchNumber,
			Quantity:    batch.Quantity,
			UnitCost:    batch.UnitCost,
			ExpiryDate:  batch.ExpiryDate,
		})
	}

	body, err := json.Marshal(map[string]any{
		"purchase_order_id": poServerId,
		"batches":           wireBatches,
	})
	if err != nil {
		return err
	}

	resp, err := r.send(ctx, backend.SyncRequest{
		IdempotencyKey: entry.IdempotencyKey,
		OperationType:  string(entry.OperationType),
		EntityType:     string(entry.EntityType),
		Payload:        body,
	})
	if err != nil {
		return err
	}
	return r.applyBatchCreateConfirmation(ctx, entry, payload, resp)
}

// applyBatchCreateConfirmation records the acks, stamps every batch's
// server id, re-derives the touched product quantities, and finalizes the
// entry atomically.
func (r *Reconciler) applyBatchCreateConfirmation(ctx context.Context, entry *models.SyncQueueEntry, payload BatchCreateFromPurchaseOrder, resp backend.SyncResponse) error {
	sentModified := make(map[string]time.Time, len(payload.Batches))
	for _, batch := range payload.Batches {
		sentModified[batch.LocalId] = batch.LastModified
	}

	var applied []*models.ProductBatch
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acks, err := json.Marshal(resp.Batches)
		if err != nil {
			return err
		}
		if err := models.RecordConfirmedKey(tx, entry.IdempotencyKey, resp.ServerId, acks); err != nil {
			return err
		}

		touchedProducts := make(map[string]bool)
		for _, ack := range resp.Batches {
			var batch models.ProductBatch
			err := tx.Where("local_id = ?", ack.LocalId).Take(&batch).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			batch.ServerId = ack.ServerId
			if !batch.LastModified.After(sentModified[ack.LocalId]) {
				batch.Synced = true
			}
			if err := tx.Save(&batch).Error; err != nil {
				return err
			}
			touchedProducts[batch.ProductId] = true
			applied = append(applied, &batch)
		}
		for productId := range touchedProducts {
			if err := models.RecomputeProductQuantity(tx, productId); err != nil {
				return err
			}
		}
		return models.MarkEntryProcessed(tx, entry.ID)
	})
	if err != nil {
		return err
	}

	models.AddPendingCount(-1)
	for _, batch := range applied {
		models.EmitEntityEvent(models.EntityTypeProductBatch, models.OperationTypeEntityCreate, batch)
	}
	return nil
}
