package models

import (
	"errors"
	"time"
)

// SyncMeta is the sync-engine metadata embedded in every entity.
//
// LocalId is client-generated and stable for the record's lifetime; all
// relationship fields between local records reference LocalId values.
// ServerId is assigned once the backend accepts creation and is purely an
// outbound wire-format concern. Only the reconciler may set ServerId or
// flip Synced to true.
type SyncMeta struct {
	LocalId      string    `gorm:"primaryKey;size:64" json:"local_id"`
	ServerId     string    `gorm:"index;size:64" json:"server_id"`
	Synced       bool      `gorm:"not null;default:false;index" json:"synced"`
	Deleted      bool      `gorm:"not null;default:false;index" json:"deleted"`
	LastModified time.Time `gorm:"not null" json:"last_modified"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (m *SyncMeta) Meta() *SyncMeta { return m }

// SyncRecord is implemented by every entity the store manages.
type SyncRecord interface {
	Meta() *SyncMeta
	EntityType() EntityType

	// NaturalKey returns the domain uniqueness key for duplicate-create
	// detection, or "" when the type declares none.
	NaturalKey() string

	// DependsOn names the entity whose create must be confirmed by the
	// backend before this record can be dispatched. Zero values when the
	// record stands alone.
	DependsOn() (EntityType, string)

	// ReferenceField is the JSON field holding the DependsOn local id;
	// it is rewritten to the dependency's server id at the wire boundary.
	ReferenceField() string
}

// NaturalKeyIndex is the per-type natural-key index table: O(1) duplicate
// detection without scanning entity rows.
type NaturalKeyIndex struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	EntityType EntityType `gorm:"size:40;not null;index:uniq_natural_key,unique" json:"entity_type"`
	NaturalKey string     `gorm:"size:255;not null;index:uniq_natural_key,unique" json:"natural_key"`
	LocalId    string     `gorm:"size:64;not null;index" json:"local_id"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// NewRecordOf returns a zero record for the given entity type.
func NewRecordOf(entityType EntityType) (SyncRecord, error) {
	switch entityType {
	case EntityTypeProduct:
		return &Product{}, nil
	case EntityTypeProductBatch:
		return &ProductBatch{}, nil
	case EntityTypeSupplier:
		return &Supplier{}, nil
	case EntityTypeSupplierTransaction:
		return &SupplierTransaction{}, nil
	case EntityTypePurchaseOrder:
		return &PurchaseOrder{}, nil
	}
	return nil, errors.New("invalid entity type")
}
