package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ProductBatch is one received lot of a batch-tracked product. Uniqueness
// is by (product, batch number): the store refuses a second batch with the
// same pair and returns the existing one instead.
type ProductBatch struct {
	SyncMeta
	ProductId   string          `gorm:"index;size:64;not null" json:"product_id" validate:"required"`
	BatchNumber string          `gorm:"size:100;not null" json:"batch_number" validate:"required"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitCost    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	ExpiryDate  *time.Time      `json:"expiry_date"`
}

func (b *ProductBatch) EntityType() EntityType { return EntityTypeProductBatch }

func (b *ProductBatch) NaturalKey() string { return b.ProductId + "|" + b.BatchNumber }

func (b *ProductBatch) DependsOn() (EntityType, string) {
	return EntityTypeProduct, b.ProductId
}

func (b *ProductBatch) ReferenceField() string { return "product_id" }

func (b *ProductBatch) ValidateDomain() error {
	if b.Quantity.IsNegative() {
		return errors.New("batch quantity cannot be negative")
	}
	if b.UnitCost.IsNegative() {
		return errors.New("batch unit cost cannot be negative")
	}
	return nil
}
