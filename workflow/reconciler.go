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
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultBatchSize      = 50
	defaultMaxAttempts    = 8
	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff     = 10 * time.Minute
	defaultLockTimeout    = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Reconciler drains sync queue partitions against the remote backend and
// applies confirmations back to the local store. One drain pass per
// partition runs at a time; the claim lock in the queue enforces that even
// across processes sharing the database file.
type Reconciler struct {
	Logger  *logrus.Logger
	Backend *backend.Client

	WorkerId       string
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	LockTimeout    time.Duration
	RequestTimeout time.Duration

	// OnDependencyReleased is invoked for each partition whose deferred
	// entries became dispatchable after a create confirmation.
	OnDependencyReleased func(models.EntityType)
}

func NewReconciler(client *backend.Client, workerId string) *Reconciler {
	return &Reconciler{
		Logger:         config.GetLogger(),
		Backend:        client,
		WorkerId:       workerId,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		LockTimeout:    defaultLockTimeout,
		RequestTimeout: defaultRequestTimeout,
	}
}

// DrainResult summarizes one drain pass over a partition.
type DrainResult struct {
	Processed int

	// RetryAt is set when the partition head is waiting out a backoff;
	// the scheduler re-runs the drain at that time.
	RetryAt *time.Time
}

// deferral signals that an entry's dependency has no server id yet. It
// stops the pass for the partition without counting as a failed attempt.
type deferral struct {
	dependency string
}

func (d deferral) Error() string {
	return fmt.Sprintf("waiting for dependency %s to sync", d.dependency)
}

// DrainPartition claims and dispatches queue entries of one partition in
// strict order until the partition is empty, an entry must wait (deferred
// dependency or retry backoff), or a dispatch fails. A dispatch failure
// schedules the entry's retry and ends the pass; entries behind it are
// unclaimed untouched so order is preserved.
func (r *Reconciler) DrainPartition(ctx context.Context, partition models.EntityType) (DrainResult, error) {
	models.MarkSyncAttempt()
	var result DrainResult

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		claimed, retryAt, err := models.ClaimBatch(ctx, partition, r.BatchSize, r.LockTimeout, r.WorkerId, r.MaxAttempts)
		if err != nil {
			return result, err
		}
		if len(claimed) == 0 {
			result.RetryAt = retryAt
			break
		}

		for i := range claimed {
			entry := claimed[i]
			err := r.dispatch(ctx, &entry)
			if err == nil {
				result.Processed++
				continue
			}

			rest := entryIds(claimed[i+1:])
			var def deferral
			if errors.As(err, &def) {
				if derr := models.MarkEntryDeferred(ctx, entry.ID, def.dependency); derr != nil {
					return result, derr
				}
				if uerr := models.UnclaimEntries(ctx, rest); uerr != nil {
					return result, uerr
				}
				r.Logger.WithFields(logrus.Fields{
					"module":     "workflow",
					"funcName":   "DrainPartition",
					"partition":  partition,
					"entryId":    entry.ID,
					"localId":    entry.LocalId,
					"dependency": def.dependency,
				}).Info("entry deferred on unsynced dependency")
				return result, nil
			}

			r.failEntry(ctx, &entry, err)
			if uerr := models.UnclaimEntries(ctx, rest); uerr != nil {
				return result, uerr
			}
			return result, err
		}
	}

	if models.PendingCount() == 0 {
		models.ClearSyncError()
	}
	return result, nil
}

func entryIds(entries []models.SyncQueueEntry) []uint {
	ids := make([]uint, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func (r *Reconciler) dispatch(ctx context.Context, entry *models.SyncQueueEntry) error {
	switch entry.OperationType {
	case models.OperationTypeEntityCreate,
		models.OperationTypeEntityUpdate,
		models.OperationTypeEntityDelete:
		return r.dispatchEntity(ctx, entry)
	case models.OperationTypeBatchCreateFromPurchaseOrder:
		return r.dispatchBatchCreate(ctx, entry)
	}
	return fmt.Errorf("unknown operation type %q", entry.OperationType)
}

// dispatchEntity sends one create/update/delete to the backend, unless the
// idempotency key is already confirmed locally, in which case the stored
// confirmation is re-applied without touching the network.
func (r *Reconciler) dispatchEntity(ctx context.Context, entry *models.SyncQueueEntry) error {
	if confirmed, ok, err := models.LookupConfirmedKey(ctx, entry.IdempotencyKey); err != nil {
		return err
	} else if ok {
		resp := backend.SyncResponse{
			Accepted:     true,
			ServerId:     confirmed.ServerId,
			ServerRecord: confirmed.Result,
		}
		return r.applyEntityConfirmation(ctx, entry, resp)
	}

	sent, err := models.NewRecordOf(entry.EntityType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Payload, sent); err != nil {
		return fmt.Errorf("corrupt queue payload for entry %d: %w", entry.ID, err)
	}

	wire := make(map[string]any)
	if err := json.Unmarshal(entry.Payload, &wire); err != nil {
		return err
	}
	delete(wire, "synced")
	delete(wire, "deleted")
	delete(wire, "server_id")

	if depType, depLocal := sent.DependsOn(); depLocal != "" {
		depServerId, err := models.ServerIdFor(ctx, depType, depLocal)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) && entry.OperationType == models.OperationTypeEntityDelete {
				// Dependency already purged after its own delete confirmed;
				// the backend identifies this record by its server id alone.
				delete(wire, sent.ReferenceField())
			} else {
				return err
			}
		} else if depServerId == "" {
			if entry.OperationType != models.OperationTypeEntityDelete {
				return deferral{dependency: depLocal}
			}
			delete(wire, sent.ReferenceField())
		} else {
			wire[sent.ReferenceField()] = depServerId
		}
	}

	if entry.OperationType != models.OperationTypeEntityCreate {
		serverId, err := models.ServerIdFor(ctx, entry.EntityType, entry.LocalId)
		if err != nil {
			return err
		}
		if serverId == "" {
			return fmt.Errorf("%s %s has no server id for %s", entry.EntityType, entry.LocalId, entry.OperationType)
		}
		wire["server_id"] = serverId
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}

	resp, err := r.send(ctx, backend.SyncRequest{
		IdempotencyKey: entry.IdempotencyKey,
		OperationType:  string(entry.OperationType),
		EntityType:     string(entry.EntityType),
		Payload:        payload,
	})
	if err != nil {
		return err
	}
	return r.applyEntityConfirmation(ctx, entry, resp)
}

func (r *Reconciler) send(ctx context.Context, req backend.SyncRequest) (backend.SyncResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.RequestTimeout)
	defer cancel()
	resp, err := r.Backend.Send(callCtx, req)
	if err != nil {
		return backend.SyncResponse{}, err
	}
	if !resp.Accepted {
		return backend.SyncResponse{}, fmt.Errorf("backend rejected operation: %s", resp.Error)
	}
	return resp, nil
}

// applyEntityConfirmation applies a backend confirmation and finalizes the
// queue entry in one transaction, so a crash can never leave a confirmed
// operation half-applied. Local edits made while the request was in flight
// win over the server record; the record then stays unsynced and the newer
// edit's own queue entry carries it up.
func (r *Reconciler) applyEntityConfirmation(ctx context.Context, entry *models.SyncQueueEntry, resp backend.SyncResponse) error {
	var sentModified time.Time
	{
		var envelope struct {
			LastModified time.Time `json:"last_modified"`
		}
		_ = json.Unmarshal(entry.Payload, &envelope)
		sentModified = envelope.LastModified
	}

	var applied models.SyncRecord
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.RecordConfirmedKey(tx, entry.IdempotencyKey, resp.ServerId, resp.ServerRecord); err != nil {
			return err
		}

		switch entry.OperationType {
		case models.OperationTypeEntityDelete:
			if err := models.HardDeleteRecord(tx, entry.EntityType, entry.LocalId); err != nil {
				return err
			}
		default:
			record, err := models.NewRecordOf(entry.EntityType)
			if err != nil {
				return err
			}
			err = tx.Where("local_id = ?", entry.LocalId).Take(record).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Deleted locally while in flight; the delete entry behind
				// this one carries the tombstone up.
				break
			}
			if err != nil {
				return err
			}

			meta := record.Meta()
			if resp.ServerId != "" {
				meta.ServerId = resp.ServerId
			}
			if meta.LastModified.After(sentModified) {
				meta.Synced = false
			} else {
				if len(resp.ServerRecord) > 0 {
					if err := mergeServerRecord(record, resp.ServerRecord); err != nil {
						return err
					}
				}
				meta.Synced = true
			}
			if err := tx.Save(record).Error; err != nil {
				return err
			}
			applied = record
		}

		if err := r.recomputeAfterApply(tx, entry); err != nil {
			return err
		}
		return models.MarkEntryProcessed(tx, entry.ID)
	})
	if err != nil {
		return err
	}

	models.AddPendingCount(-1)
	if entry.OperationType == models.OperationTypeEntityCreate {
		r.releaseDependents(ctx, entry.LocalId)
	}
	if applied != nil {
		models.EmitEntityEvent(entry.EntityType, entry.OperationType, applied)
	}
	return nil
}

// recomputeAfterApply re-derives parent totals after a confirmation that
// touched a child record; the network round trip may have raced with local
// edits, so the stored payload is the source for the parent id.
func (r *Reconciler) recomputeAfterApply(tx *gorm.DB, entry *models.SyncQueueEntry) error {
	switch entry.EntityType {
	case models.EntityTypeProductBatch:
		if entry.OperationType == models.OperationTypeBatchCreateFromPurchaseOrder {
			return nil
		}
		var batch models.ProductBatch
		if err := json.Unmarshal(entry.Payload, &batch); err != nil {
			return err
		}
		return models.RecomputeProductQuantity(tx, batch.ProductId)
	case models.EntityTypeSupplierTransaction:
		var txn models.SupplierTransaction
		if err := json.Unmarshal(entry.Payload, &txn); err != nil {
			return err
		}
		return models.RecomputeSupplierBalance(tx, txn.SupplierId)
	}
	return nil
}

func (r *Reconciler) releaseDependents(ctx context.Context, dependencyLocalId string) {
	partitions, err := models.ReleaseDeferred(ctx, dependencyLocalId)
	if err != nil {
		config.LogError(r.Logger, "workflow", "releaseDependents", "releasing deferred entries", dependencyLocalId, err)
		return
	}
	if r.OnDependencyReleased == nil {
		return
	}
	for _, partition := range partitions {
		r.OnDependencyReleased(partition)
	}
}

// mergeServerRecord overlays the backend's authoritative record onto the
// local one. Engine-owned fields and the local relationship reference are
// never taken from the server.
func mergeServerRecord(record models.SyncRecord, serverRecord json.RawMessage) error {
	var fields map[string]any
	if err := json.Unmarshal(serverRecord, &fields); err != nil {
		return err
	}
	delete(fields, "local_id")
	delete(fields, "server_id")
	delete(fields, "synced")
	delete(fields, "deleted")
	delete(fields, "last_modified")
	delete(fields, "created_at")
	if ref := record.ReferenceField(); ref != "" {
		delete(fields, ref)
	}
	filtered, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(filtered, record)
}

// failEntry schedules the retry with exponential backoff, or dead-letters
// the entry once the attempt cap is reached.
func (r *Reconciler) failEntry(ctx context.Context, entry *models.SyncQueueEntry, dispatchErr error) {
	backoff := r.InitialBackoff
	for i := 1; i < entry.Attempts; i++ {
		backoff *= 2
		if backoff >= r.MaxBackoff {
			backoff = r.MaxBackoff
			break
		}
	}
	nextAttempt := time.Now().UTC().Add(backoff)
	dead := entry.Attempts >= r.MaxAttempts

	if err := models.MarkEntryFailed(ctx, entry.ID, dispatchErr, &nextAttempt, dead); err != nil {
		config.LogError(r.Logger, "workflow", "failEntry", "marking entry failed", entry.ID, err)
		return
	}

	fields := logrus.Fields{
		"module":    "workflow",
		"funcName":  "failEntry",
		"entryId":   entry.ID,
		"partition": entry.EntityType,
		"localId":   entry.LocalId,
		"attempts":  entry.Attempts,
	}
	if dead {
		r.Logger.WithFields(fields).Error(fmt.Sprintf("entry dead-lettered: %s", dispatchErr.Error()))
	} else {
		fields["nextAttemptAt"] = nextAttempt
		r.Logger.WithFields(fields).Warn(fmt.Sprintf("dispatch failed, retry scheduled: %s", dispatchErr.Error()))
	}
}
