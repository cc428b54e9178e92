package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseOrder struct {
	SyncMeta
	SupplierId  string                `gorm:"index;size:64;not null" json:"supplier_id" validate:"required"`
	OrderNumber string                `gorm:"size:100;not null" json:"order_number" validate:"required"`
	Status      PurchaseOrderStatus   `gorm:"size:20;not null;default:DRAFT" json:"status"`
	OrderDate   time.Time             `json:"order_date"`
	Details     []PurchaseOrderDetail `gorm:"serializer:json" json:"details"`
}

// PurchaseOrderDetail is one ordered line. BatchNumber is the batch created
// when the order is received.
type PurchaseOrderDetail struct {
	ProductId   string          `json:"product_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  *time.Time      `json:"expiry_date"`
}

func (o *PurchaseOrder) EntityType() EntityType { return EntityTypePurchaseOrder }

func (o *PurchaseOrder) NaturalKey() string { return "" }

func (o *PurchaseOrder) DependsOn() (EntityType, string) {
	return EntityTypeSupplier, o.SupplierId
}

func (o *PurchaseOrder) ReferenceField() string { return "supplier_id" }

func (o *PurchaseOrder) ValidateDomain() error {
	for _, d := range o.Details {
		if d.Quantity.IsNegative() {
			return errors.New("order line quantity cannot be negative")
		}
		if d.UnitCost.IsNegative() {
			return errors.New("order line unit cost cannot be negative")
		}
	}
	return nil
}
