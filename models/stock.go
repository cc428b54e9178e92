package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RecomputeProductQuantity re-derives a product's quantity as the sum of
// its non-deleted batch quantities. Called inside every transaction that
// mutates a batch, and again after a batch entry completes reconciliation
// to guard against drift introduced during the network round trip.
//
// The write is derived state, so it does not bump LastModified, does not
// flip Synced, and does not enqueue a sync intent: the backend derives the
// same total from the batch operations themselves.
func RecomputeProductQuantity(tx *gorm.DB, productLocalId string) error {
	var product Product
	if err := tx.Where("local_id = ?", productLocalId).Take(&product).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Parent already gone (e.g. delete confirmed); nothing to derive.
			return nil
		}
		return err
	}
	if !DereferenceBool(product.IsBatchTracking) {
		return nil
	}

	total, err := sumBatchQuantities(tx, productLocalId)
	if err != nil {
		return err
	}
	if product.Quantity.Equal(total) {
		return nil
	}
	return tx.Model(&Product{}).
		Where("local_id = ?", productLocalId).
		UpdateColumn("quantity", total).Error
}

func sumBatchQuantities(tx *gorm.DB, productLocalId string) (decimal.Decimal, error) {
	var batches []ProductBatch
	if err := tx.Where("product_id = ? AND deleted = ?", productLocalId, false).
		Find(&batches).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range batches {
		total = total.Add(b.Quantity)
	}
	return total, nil
}

// RecomputeSupplierBalance re-derives a supplier's balance as purchases
// minus payments over non-deleted transactions. Same discipline as
// RecomputeProductQuantity.
func RecomputeSupplierBalance(tx *gorm.DB, supplierLocalId string) error {
	var supplier Supplier
	if err := tx.Where("local_id = ?", supplierLocalId).Take(&supplier).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	var txns []SupplierTransaction
	if err := tx.Where("supplier_id = ? AND deleted = ?", supplierLocalId, false).
		Find(&txns).Error; err != nil {
		return err
	}
	balance := decimal.Zero
	for _, t := range txns {
		balance = balance.Add(t.SignedAmount())
	}
	if supplier.Balance.Equal(balance) {
		return nil
	}
	return tx.Model(&Supplier{}).
		Where("local_id = ?", supplierLocalId).
		UpdateColumn("balance", balance).Error
}

func DereferenceBool(b *bool) bool {
	return b != nil && *b
}

// recomputeDerived dispatches the per-type derived-state recompute after a
// record mutation, inside the same transaction.
func recomputeDerived(tx *gorm.DB, record SyncRecord) error {
	switch rec := record.(type) {
	case *ProductBatch:
		return RecomputeProductQuantity(tx, rec.ProductId)
	case *SupplierTransaction:
		return RecomputeSupplierBalance(tx, rec.SupplierId)
	}
	return nil
}
