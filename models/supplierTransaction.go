package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type SupplierTransaction struct {
	SyncMeta
	SupplierId      string               `gorm:"index;size:64;not null" json:"supplier_id" validate:"required"`
	Direction       TransactionDirection `gorm:"size:20;not null" json:"direction" validate:"required,oneof=PURCHASE PAYMENT"`
	Amount          decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Notes           string               `gorm:"type:text" json:"notes"`
	TransactionDate time.Time            `json:"transaction_date"`
}

func (t *SupplierTransaction) EntityType() EntityType { return EntityTypeSupplierTransaction }

func (t *SupplierTransaction) NaturalKey() string { return "" }

func (t *SupplierTransaction) DependsOn() (EntityType, string) {
	return EntityTypeSupplier, t.SupplierId
}

func (t *SupplierTransaction) ReferenceField() string { return "supplier_id" }

func (t *SupplierTransaction) ValidateDomain() error {
	if t.Amount.IsNegative() {
		return errors.New("transaction amount cannot be negative")
	}
	return nil
}

// SignedAmount folds the direction into the ledger sign.
func (t *SupplierTransaction) SignedAmount() decimal.Decimal {
	if t.Direction == TransactionDirectionPayment {
		return t.Amount.Neg()
	}
	return t.Amount
}
