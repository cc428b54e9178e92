package models

import "github.com/shopspring/decimal"

type Supplier struct {
	SyncMeta
	Name  string `gorm:"size:100;not null" json:"name" validate:"required"`
	Phone string `gorm:"size:30" json:"phone"`
	Email string `gorm:"size:100" json:"email" validate:"omitempty,email"`
	Notes string `gorm:"type:text" json:"notes"`

	// Balance is derived: purchases minus payments over non-deleted
	// transactions. Maintained with the same recompute discipline as
	// product stock.
	Balance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
}

func (s *Supplier) EntityType() EntityType { return EntityTypeSupplier }

func (s *Supplier) NaturalKey() string { return "" }

func (s *Supplier) DependsOn() (EntityType, string) { return "", "" }

func (s *Supplier) ReferenceField() string { return "" }
