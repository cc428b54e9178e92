package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/utils"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validator.New()

// RecordPtr ties a concrete entity type to its pointer form for the
// generic store operations.
type RecordPtr[T any] interface {
	*T
	SyncRecord
}

type domainValidator interface {
	ValidateDomain() error
}

// EntityEvent is delivered to subscribers after a mutation commits.
type EntityEvent struct {
	Type   EntityType    `json:"type"`
	Op     OperationType `json:"op"`
	Record SyncRecord    `json:"record"`
}

var subscribers = struct {
	sync.Mutex
	next   int
	byType map[EntityType]map[int]func(EntityEvent)
}{byType: make(map[EntityType]map[int]func(EntityEvent))}

// SubscribeEntity registers a callback invoked after every committed
// mutation to the given type. Returns an unsubscribe func.
func SubscribeEntity(entityType EntityType, cb func(EntityEvent)) func() {
	subscribers.Lock()
	defer subscribers.Unlock()
	if subscribers.byType[entityType] == nil {
		subscribers.byType[entityType] = make(map[int]func(EntityEvent))
	}
	id := subscribers.next
	subscribers.next++
	subscribers.byType[entityType][id] = cb
	return func() {
		subscribers.Lock()
		defer subscribers.Unlock()
		delete(subscribers.byType[entityType], id)
	}
}

// EmitEntityEvent notifies subscribers of a committed mutation. The store
// calls this for its own writes; the reconciler calls it when confirmations
// change a record.
func EmitEntityEvent(entityType EntityType, op OperationType, record SyncRecord) {
	subscribers.Lock()
	cbs := make([]func(EntityEvent), 0, len(subscribers.byType[entityType]))
	for _, cb := range subscribers.byType[entityType] {
		cbs = append(cbs, cb)
	}
	subscribers.Unlock()
	evt := EntityEvent{Type: entityType, Op: op, Record: record}
	for _, cb := range cbs {
		cb(evt)
	}
}

var enqueueHooks = struct {
	sync.Mutex
	fns []func(EntityType)
}{}

// RegisterEnqueueHook wires the scheduler: the hook fires after a commit
// that appended or coalesced a sync queue entry for the given partition.
func RegisterEnqueueHook(fn func(EntityType)) {
	enqueueHooks.Lock()
	defer enqueueHooks.Unlock()
	enqueueHooks.fns = append(enqueueHooks.fns, fn)
}

// ResetHooks drops all enqueue hooks and subscribers. Test use only.
func ResetHooks() {
	enqueueHooks.Lock()
	enqueueHooks.fns = nil
	enqueueHooks.Unlock()
	subscribers.Lock()
	subscribers.byType = make(map[EntityType]map[int]func(EntityEvent))
	subscribers.Unlock()
}

// NotifyEnqueueHooks fires the enqueue hooks for a partition. Composite
// workflows that enqueue through EnqueueOperation call this after commit.
func NotifyEnqueueHooks(entityType EntityType) {
	notifyEnqueueHooks(entityType)
}

func notifyEnqueueHooks(entityType EntityType) {
	enqueueHooks.Lock()
	fns := make([]func(EntityType), len(enqueueHooks.fns))
	copy(fns, enqueueHooks.fns)
	enqueueHooks.Unlock()
	for _, fn := range fns {
		fn(entityType)
	}
}

// CreateRecord persists a new record and enqueues its create intent in the
// same transaction. Assigns a local id if absent; Synced always starts
// false. For types with a natural key, a collision returns the existing
// record with created=false and writes nothing, so dependent stock math is
// not double-applied.
func CreateRecord[T any, PT RecordPtr[T]](ctx context.Context, record PT) (PT, bool, error) {
	db := config.GetDB()
	if err := validate.Struct(record); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("validation failed: %v", utils.ProcessValidationErrors(err))
	}
	if dv, ok := any(record).(domainValidator); ok {
		if err := dv.ValidateDomain(); err != nil {
			return nil, false, err
		}
	}

	meta := record.Meta()
	if meta.LocalId == "" {
		meta.LocalId = utils.NewLocalId()
	}
	meta.ServerId = ""
	meta.Synced = false
	meta.Deleted = false
	meta.LastModified = time.Now().UTC()

	var existing PT
	var delta int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if nk := record.NaturalKey(); nk != "" {
			var idx NaturalKeyIndex
			err := tx.Where("entity_type = ? AND natural_key = ?", record.EntityType(), nk).Take(&idx).Error
			if err == nil {
				existing = PT(new(T))
				return tx.Where("local_id = ?", idx.LocalId).Take(existing).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Create(&NaturalKeyIndex{
				EntityType: record.EntityType(),
				NaturalKey: nk,
				LocalId:    meta.LocalId,
			}).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		if err := recomputeDerived(tx, record); err != nil {
			return err
		}
		d, _, err := enqueueOperation(tx, record.EntityType(), OperationTypeEntityCreate, meta.LocalId, record)
		delta = d
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	addPendingCount(delta)
	EmitEntityEvent(record.EntityType(), OperationTypeEntityCreate, record)
	emitParentEvent(ctx, record)
	notifyEnqueueHooks(record.EntityType())
	return record, true, nil
}

// metaPatchFields are owned by the store/reconciler and may not appear in
// an update patch.
var metaPatchFields = map[string]bool{
	"local_id":      true,
	"server_id":     true,
	"synced":        true,
	"deleted":       true,
	"last_modified": true,
	"created_at":    true,
}

// immutablePatchFields returns per-type fields that cannot be patched
// because they participate in the natural key or in derived state.
func immutablePatchFields(record SyncRecord) map[string]bool {
	switch rec := record.(type) {
	case *ProductBatch:
		return map[string]bool{"product_id": true, "batch_number": true}
	case *Product:
		// quantity is derived from batches only when batch tracking is on;
		// plain catalog items adjust stock directly.
		if DereferenceBool(rec.IsBatchTracking) {
			return map[string]bool{"quantity": true}
		}
		return nil
	case *SupplierTransaction:
		return map[string]bool{"supplier_id": true}
	case *Supplier:
		return map[string]bool{"balance": true}
	}
	return nil
}

// UpdateRecord merges a patch (JSON field name -> value) into an existing
// record, bumps LastModified, marks it unsynced, re-derives composite
// invariants, and coalesces the sync intent — all in one transaction.
func UpdateRecord[T any, PT RecordPtr[T]](ctx context.Context, localId string, patch map[string]any) (PT, error) {
	db := config.GetDB()
	record := PT(new(T))

	for key := range patch {
		if metaPatchFields[key] {
			return nil, fmt.Errorf("field %q is managed by the sync engine", key)
		}
	}

	var delta int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("local_id = ? AND deleted = ?", localId, false).Take(record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		immutable := immutablePatchFields(record)
		for key := range patch {
			if immutable[key] {
				return fmt.Errorf("field %q cannot be changed after creation", key)
			}
		}

		updates := make(map[string]any, len(patch)+2)
		for k, v := range patch {
			updates[k] = v
		}
		updates["last_modified"] = time.Now().UTC()
		updates["synced"] = false
		if err := tx.Model(record).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("local_id = ?", localId).Take(record).Error; err != nil {
			return err
		}

		// A patch that violates a domain rule rolls the whole write back.
		if err := validate.Struct(record); err != nil {
			return fmt.Errorf("validation failed: %v", utils.ProcessValidationErrors(err))
		}
		if dv, ok := any(record).(domainValidator); ok {
			if err := dv.ValidateDomain(); err != nil {
				return err
			}
		}
		if err := recomputeDerived(tx, record); err != nil {
			return err
		}
		d, _, err := enqueueOperation(tx, record.EntityType(), OperationTypeEntityUpdate, localId, record)
		delta = d
		return err
	})
	if err != nil {
		return nil, err
	}

	addPendingCount(delta)
	EmitEntityEvent(record.EntityType(), OperationTypeEntityUpdate, record)
	emitParentEvent(ctx, record)
	notifyEnqueueHooks(record.EntityType())
	return record, nil
}

// SoftDeleteRecord tombstones a record and enqueues the delete intent.
// The row stays until the backend confirms the deletion. Dependents are not
// cascaded here; workflows that own the relationship (e.g. DeleteProduct)
// soft-delete them explicitly.
func SoftDeleteRecord[T any, PT RecordPtr[T]](ctx context.Context, localId string) error {
	db := config.GetDB()
	record := PT(new(T))

	var delta int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("local_id = ? AND deleted = ?", localId, false).Take(record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(record).Updates(map[string]any{
			"deleted":       true,
			"synced":        false,
			"last_modified": now,
		}).Error; err != nil {
			return err
		}
		record.Meta().Deleted = true
		record.Meta().Synced = false
		record.Meta().LastModified = now

		// Free the natural key so the number can be legitimately reused.
		if nk := record.NaturalKey(); nk != "" {
			if err := tx.Where("entity_type = ? AND local_id = ?", record.EntityType(), localId).
				Delete(&NaturalKeyIndex{}).Error; err != nil {
				return err
			}
		}
		if err := recomputeDerived(tx, record); err != nil {
			return err
		}
		d, cancelled, err := enqueueOperation(tx, record.EntityType(), OperationTypeEntityDelete, localId, record)
		if err != nil {
			return err
		}
		delta = d
		if cancelled {
			// The pending create never reached the backend, so there is
			// nothing to reconcile: drop the row outright.
			return tx.Where("local_id = ?", localId).Delete(record).Error
		}
		return nil
	})
	if err != nil {
		return err
	}

	addPendingCount(delta)
	EmitEntityEvent(record.EntityType(), OperationTypeEntityDelete, record)
	emitParentEvent(ctx, record)
	notifyEnqueueHooks(record.EntityType())
	return nil
}

// GetRecord loads a non-deleted record by local id.
func GetRecord[T any, PT RecordPtr[T]](ctx context.Context, localId string) (PT, error) {
	db := config.GetDB()
	record := PT(new(T))
	err := db.WithContext(ctx).Where("local_id = ? AND deleted = ?", localId, false).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FindRecords returns records matching the optional gorm conditions.
// Tombstones are excluded unless includeDeleted is set.
func FindRecords[T any, PT RecordPtr[T]](ctx context.Context, includeDeleted bool, conds ...any) ([]PT, error) {
	db := config.GetDB().WithContext(ctx)
	if !includeDeleted {
		db = db.Where("deleted = ?", false)
	}
	if len(conds) > 0 {
		db = db.Where(conds[0], conds[1:]...)
	}
	var rows []PT
	if err := db.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ForEachRecord streams records in batches, stopping when fn returns
// false. Restartable and bounded; used for large catalog scans.
func ForEachRecord[T any, PT RecordPtr[T]](ctx context.Context, includeDeleted bool, batchSize int, fn func(PT) bool) error {
	if batchSize <= 0 {
		batchSize = 200
	}
	db := config.GetDB().WithContext(ctx)
	if !includeDeleted {
		db = db.Where("deleted = ?", false)
	}
	var batch []PT
	stopped := errors.New("stopped")
	err := db.FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		for _, rec := range batch {
			if !fn(rec) {
				return stopped
			}
		}
		return nil
	}).Error
	if errors.Is(err, stopped) {
		return nil
	}
	return err
}

// LoadRecord is the runtime-typed variant of GetRecord for callers that
// only hold an EntityType (the reconciler).
func LoadRecord(ctx context.Context, entityType EntityType, localId string, includeDeleted bool) (SyncRecord, error) {
	record, err := NewRecordOf(entityType)
	if err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx).Where("local_id = ?", localId)
	if !includeDeleted {
		db = db.Where("deleted = ?", false)
	}
	if err := db.Take(record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// ServerIdFor resolves the server-assigned id of a record, "" when the
// create has not been confirmed yet.
func ServerIdFor(ctx context.Context, entityType EntityType, localId string) (string, error) {
	record, err := LoadRecord(ctx, entityType, localId, true)
	if err != nil {
		return "", err
	}
	return record.Meta().ServerId, nil
}

// HardDeleteRecord physically removes a record and its natural-key rows.
// Reconciler only, after the backend confirms a deletion.
func HardDeleteRecord(tx *gorm.DB, entityType EntityType, localId string) error {
	record, err := NewRecordOf(entityType)
	if err != nil {
		return err
	}
	if err := tx.Where("entity_type = ? AND local_id = ?", entityType, localId).
		Delete(&NaturalKeyIndex{}).Error; err != nil {
		return err
	}
	return tx.Where("local_id = ?", localId).Delete(record).Error
}

// emitParentEvent surfaces derived-state changes (product quantity,
// supplier balance) to subscribers of the parent type.
func emitParentEvent(ctx context.Context, record SyncRecord) {
	var parentType EntityType
	var parentId string
	switch rec := record.(type) {
	case *ProductBatch:
		parentType, parentId = EntityTypeProduct, rec.ProductId
	case *SupplierTransaction:
		parentType, parentId = EntityTypeSupplier, rec.SupplierId
	default:
		return
	}
	parent, err := LoadRecord(ctx, parentType, parentId, false)
	if err != nil {
		return
	}
	EmitEntityEvent(parentType, OperationTypeEntityUpdate, parent)
}
