package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/utils"
	"gorm.io/gorm"
)

// SyncQueueEntry is one durable pending mutation intent. Entries are
// append-only until applied or dead-lettered and are processed strictly in
// id order within their entity-type partition.
type SyncQueueEntry struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	EntityType     EntityType    `gorm:"size:40;not null;index:idx_queue_partition" json:"entity_type"`
	OperationType  OperationType `gorm:"size:60;not null" json:"operation_type"`
	LocalId        string        `gorm:"size:64;not null;index" json:"local_id"`
	Payload        []byte        `json:"payload"`
	IdempotencyKey string        `gorm:"size:255;not null;uniqueIndex" json:"idempotency_key"`
	Status         string        `gorm:"size:20;not null;index:idx_queue_partition;default:PENDING" json:"status"`
	Attempts       int           `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time    `json:"next_attempt_at"`
	LastError      *string       `gorm:"type:text" json:"last_error"`
	DependsOn      *string       `gorm:"size:64;index" json:"depends_on"`
	LockedAt       *time.Time    `json:"locked_at"`
	LockedBy       *string       `gorm:"size:64" json:"locked_by"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

var unprocessedStatuses = []string{QueueStatusPending, QueueStatusProcessing, QueueStatusDeferred, QueueStatusFailed}

// coalescableStatuses: a fresh intent for the same record folds into an
// entry in one of these states instead of appending a duplicate.
var coalescableStatuses = []string{QueueStatusPending, QueueStatusFailed, QueueStatusDeferred}

// enqueueOperation appends or coalesces a sync intent inside the caller's
// transaction. Returns the pending-count delta to apply after commit and
// whether a pending create was cancelled outright by a delete.
//
// Coalescing keeps the original entry's id (queue position) and
// idempotency key; the payload is last-write-wins, so a burst of edits to
// one record drains as a single request carrying the final state.
func enqueueOperation(tx *gorm.DB, entityType EntityType, op OperationType, localId string, payload any) (int64, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, false, err
	}

	var existing SyncQueueEntry
	err = tx.Where("entity_type = ? AND local_id = ? AND status IN ?", entityType, localId, coalescableStatuses).
		Order("id ASC").Take(&existing).Error
	if err == nil {
		if op == OperationTypeEntityDelete && existing.OperationType == OperationTypeEntityCreate {
			// Create never dispatched, so the backend has never heard of
			// this record; the delete cancels the create locally.
			if err := tx.Delete(&SyncQueueEntry{}, existing.ID).Error; err != nil {
				return 0, false, err
			}
			return -1, true, nil
		}
		newOp := existing.OperationType
		if op == OperationTypeEntityDelete {
			newOp = OperationTypeEntityDelete
		}
		// create+update keeps create: the final state rides the create.
		return 0, false, tx.Model(&SyncQueueEntry{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"payload":        body,
			"operation_type": newOp,
		}).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, err
	}

	entry := SyncQueueEntry{
		EntityType:     entityType,
		OperationType:  op,
		LocalId:        localId,
		Payload:        body,
		IdempotencyKey: utils.NewIdempotencyKey(string(entityType), localId, string(op)),
		Status:         QueueStatusPending,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, false, err
	}
	return 1, false, nil
}

// EnqueueOperation appends a standalone intent (composite workflow ops) in
// the caller's transaction and returns the pending-count delta.
func EnqueueOperation(tx *gorm.DB, entityType EntityType, op OperationType, localId string, payload any) (int64, error) {
	delta, _, err := enqueueOperation(tx, entityType, op, localId, payload)
	return delta, err
}

// PeekBatch returns up to maxSize oldest unprocessed entries of a
// partition in creation order, without claiming them.
func PeekBatch(ctx context.Context, partition EntityType, maxSize int) ([]SyncQueueEntry, error) {
	var rows []SyncQueueEntry
	err := config.GetDB().WithContext(ctx).
		Where("entity_type = ? AND status IN ?", partition, unprocessedStatuses).
		Order("id ASC").Limit(maxSize).Find(&rows).Error
	return rows, err
}

// ClaimBatch claims up to maxSize dispatchable entries of a partition in
// strict id order. The scan stops at the first entry that must not be
// dispatched yet (deferred, actively locked, or failed with a future retry
// time) because reordering within a partition is never permitted.
//
// Entries at the attempt cap are moved to the dead-letter state here, the
// same way the scan claims: inside the claim transaction. Returns the
// claimed entries and, when the head is waiting out a backoff, its retry
// time.
func ClaimBatch(ctx context.Context, partition EntityType, maxSize int, lockTimeout time.Duration, workerId string, maxAttempts int) ([]SyncQueueEntry, *time.Time, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTimeout)

	var claimed []SyncQueueEntry
	var retryAt *time.Time
	var deadCount int64
	var deadErr string

	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []SyncQueueEntry
		if err := tx.Where("entity_type = ? AND status NOT IN ?", partition, []string{QueueStatusDone, QueueStatusDead}).
			Order("id ASC").Limit(maxSize).Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			entry := rows[i]
			switch entry.Status {
			case QueueStatusDeferred:
				// Released only when the dependency's create confirms.
				return nil
			case QueueStatusProcessing:
				if entry.LockedAt != nil && entry.LockedAt.After(staleBefore) {
					// Another pass is active on this partition.
					return nil
				}
				// Stale lock (worker crashed mid-batch): reclaim.
			case QueueStatusFailed:
				if entry.NextAttemptAt != nil && entry.NextAttemptAt.After(now) {
					t := *entry.NextAttemptAt
					retryAt = &t
					return nil
				}
			}

			if maxAttempts > 0 && entry.Attempts >= maxAttempts {
				msg := fmt.Sprintf("max sync attempts exceeded (%d): %s", maxAttempts, utils.DereferencePtr(entry.LastError))
				if err := tx.Model(&SyncQueueEntry{}).Where("id = ?", entry.ID).Updates(map[string]any{
					"status":          QueueStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				deadCount++
				deadErr = msg
				continue
			}

			if err := tx.Model(&SyncQueueEntry{}).Where("id = ?", entry.ID).Updates(map[string]any{
				"status":     QueueStatusProcessing,
				"locked_at":  now,
				"locked_by":  workerId,
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": nil,
			}).Error; err != nil {
				return err
			}
			entry.Status = QueueStatusProcessing
			entry.LockedAt = &now
			entry.LockedBy = &workerId
			entry.Attempts++
			claimed = append(claimed, entry)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if deadCount > 0 {
		addPendingCount(-deadCount)
		RecordSyncError(deadErr)
	}
	return claimed, retryAt, nil
}

// MarkEntryProcessed finalizes a successfully applied entry inside the
// caller's transaction (so the local apply and the queue transition commit
// together). The pending-count delta is applied by the caller after commit.
func MarkEntryProcessed(tx *gorm.DB, entryId uint) error {
	return tx.Model(&SyncQueueEntry{}).Where("id = ?", entryId).Updates(map[string]any{
		"status":          QueueStatusDone,
		"next_attempt_at": nil,
		"locked_at":       nil,
		"locked_by":       nil,
	}).Error
}

// MarkEntryFailed schedules a retry, or dead-letters the entry when dead
// is set. Dead-lettered operations surface through SyncState.LastSyncError
// rather than being dropped.
func MarkEntryFailed(ctx context.Context, entryId uint, dispatchErr error, nextAttemptAt *time.Time, dead bool) error {
	msg := dispatchErr.Error()
	updates := map[string]any{
		"last_error": utils.NilIfEmpty(msg),
		"locked_at":  nil,
		"locked_by":  nil,
	}
	if dead {
		updates["status"] = QueueStatusDead
		updates["next_attempt_at"] = nil
	} else {
		updates["status"] = QueueStatusFailed
		updates["next_attempt_at"] = nextAttemptAt
	}
	err := config.GetDB().WithContext(ctx).Model(&SyncQueueEntry{}).Where("id = ?", entryId).Updates(updates).Error
	if err != nil {
		return err
	}
	if dead {
		addPendingCount(-1)
		RecordSyncError(msg)
	}
	return nil
}

// MarkEntryDeferred parks an entry until its dependency's create is
// confirmed. The claim's attempt increment is rolled back: a deferral is
// an ordering decision, not a dispatch attempt.
func MarkEntryDeferred(ctx context.Context, entryId uint, dependsOnLocalId string) error {
	return config.GetDB().WithContext(ctx).Model(&SyncQueueEntry{}).Where("id = ?", entryId).Updates(map[string]any{
		"status":     QueueStatusDeferred,
		"depends_on": utils.NilIfEmpty(dependsOnLocalId),
		"attempts":   gorm.Expr("attempts - 1"),
		"locked_at":  nil,
		"locked_by":  nil,
	}).Error
}

// UnclaimEntries returns claimed-but-undispatched entries to the pending
// state, rolling back the claim's attempt increment. Used when a pass
// stops early (deferral or failure ahead of them in the partition).
func UnclaimEntries(ctx context.Context, entryIds []uint) error {
	if len(entryIds) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).Model(&SyncQueueEntry{}).
		Where("id IN ? AND status = ?", entryIds, QueueStatusProcessing).
		Updates(map[string]any{
			"status":    QueueStatusPending,
			"attempts":  gorm.Expr("attempts - 1"),
			"locked_at": nil,
			"locked_by": nil,
		}).Error
}

// ReleaseDeferred re-activates entries parked on the given dependency and
// returns the partitions that now have dispatchable work.
func ReleaseDeferred(ctx context.Context, dependencyLocalId string) ([]EntityType, error) {
	db := config.GetDB().WithContext(ctx)
	var rows []SyncQueueEntry
	if err := db.Where("status = ? AND depends_on = ?", QueueStatusDeferred, dependencyLocalId).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := db.Model(&SyncQueueEntry{}).
		Where("status = ? AND depends_on = ?", QueueStatusDeferred, dependencyLocalId).
		Updates(map[string]any{"status": QueueStatusPending, "depends_on": nil}).Error; err != nil {
		return nil, err
	}
	seen := make(map[EntityType]bool)
	var partitions []EntityType
	for _, row := range rows {
		if !seen[row.EntityType] {
			seen[row.EntityType] = true
			partitions = append(partitions, row.EntityType)
		}
	}
	return partitions, nil
}

// RetryDeadLetter gives an operator path out of the dead-letter list:
// attempts reset, entry returns to the back-pressure of its partition in
// its original position.
func RetryDeadLetter(ctx context.Context, entryId uint) error {
	db := config.GetDB().WithContext(ctx)
	var entry SyncQueueEntry
	if err := db.Where("id = ? AND status = ?", entryId, QueueStatusDead).Take(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if err := db.Model(&SyncQueueEntry{}).Where("id = ?", entryId).Updates(map[string]any{
		"status":          QueueStatusPending,
		"attempts":        0,
		"next_attempt_at": nil,
		"last_error":      nil,
	}).Error; err != nil {
		return err
	}
	addPendingCount(1)
	return nil
}

// DeadLetters lists permanently failed operations awaiting user action.
func DeadLetters(ctx context.Context) ([]SyncQueueEntry, error) {
	var rows []SyncQueueEntry
	err := config.GetDB().WithContext(ctx).
		Where("status = ?", QueueStatusDead).Order("id ASC").Find(&rows).Error
	return rows, err
}

// CountUnprocessed is the startup seed for the pending counter.
func CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).Model(&SyncQueueEntry{}).
		Where("status IN ?", unprocessedStatuses).Count(&count).Error
	return count, err
}

// HasUnprocessed reports whether a partition has work outstanding.
func HasUnprocessed(ctx context.Context, partition EntityType) (bool, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).Model(&SyncQueueEntry{}).
		Where("entity_type = ? AND status IN ?", partition, unprocessedStatuses).
		Count(&count).Error
	return count > 0, err
}

// GetQueueEntry loads one entry by id.
func GetQueueEntry(ctx context.Context, entryId uint) (*SyncQueueEntry, error) {
	var entry SyncQueueEntry
	err := config.GetDB().WithContext(ctx).Where("id = ?", entryId).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
