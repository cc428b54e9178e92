package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

type Product struct {
	SyncMeta
	Name            string          `gorm:"size:100;not null" json:"name" validate:"required"`
	Description     string          `gorm:"type:text" json:"description"`
	Sku             string          `gorm:"size:100" json:"sku"`
	Barcode         string          `gorm:"index;size:100" json:"barcode"`
	UnitName        string          `gorm:"size:50" json:"unit_name"`
	SupplierId      string          `gorm:"index;size:64" json:"supplier_id"`
	SellingPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"selling_price"`
	PurchasePrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	IsBatchTracking *bool           `gorm:"not null;default:false" json:"is_batch_tracking"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`

	// Quantity is derived: always the sum of non-deleted batch quantities
	// for batch-tracked products. Recomputed inside every mutating
	// transaction that touches a batch, never patched directly.
	Quantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
}

func (p *Product) EntityType() EntityType { return EntityTypeProduct }

func (p *Product) NaturalKey() string { return "" }

func (p *Product) DependsOn() (EntityType, string) {
	// SupplierId is an optional catalog reference, not a sync dependency:
	// the backend accepts product creates without a resolved supplier.
	return "", ""
}

func (p *Product) ReferenceField() string { return "" }

func (p *Product) ValidateDomain() error {
	if p.Quantity.IsNegative() {
		return errors.New("product quantity cannot be negative")
	}
	if p.SellingPrice.IsNegative() || p.PurchasePrice.IsNegative() {
		return errors.New("product price cannot be negative")
	}
	return nil
}
