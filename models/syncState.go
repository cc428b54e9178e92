package models

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SyncState is the UI-facing snapshot of sync progress. Reading it is a
// cheap synchronous operation: the pending count is a running counter
// maintained alongside queue mutations, never a queue scan.
type SyncState struct {
	PendingCount    int64      `json:"pending_count"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt"`
	LastSyncError   *string    `json:"last_sync_error"`
	Online          bool       `json:"online"`
}

var syncStatus = struct {
	pending atomic.Int64

	mu          sync.Mutex
	lastAttempt *time.Time
	lastError   *string
	online      bool
	subs        map[int]func(SyncState)
	nextSub     int
}{subs: make(map[int]func(SyncState))}

// InitSyncState seeds the pending counter from the durable queue at
// startup. Call after MigrateTable.
func InitSyncState(ctx context.Context) error {
	count, err := CountUnprocessed(ctx)
	if err != nil {
		return err
	}
	syncStatus.pending.Store(count)
	syncStatus.mu.Lock()
	syncStatus.lastAttempt = nil
	syncStatus.lastError = nil
	syncStatus.online = false
	syncStatus.mu.Unlock()
	return nil
}

func CurrentSyncState() SyncState {
	syncStatus.mu.Lock()
	defer syncStatus.mu.Unlock()
	return snapshotLocked()
}

func snapshotLocked() SyncState {
	state := SyncState{
		PendingCount: syncStatus.pending.Load(),
		Online:       syncStatus.online,
	}
	if syncStatus.lastAttempt != nil {
		t := *syncStatus.lastAttempt
		state.LastSyncAttempt = &t
	}
	if syncStatus.lastError != nil {
		e := *syncStatus.lastError
		state.LastSyncError = &e
	}
	return state
}

// SubscribeSyncStatus registers a push-based observer; it fires after
// every enqueue/dequeue and connectivity transition.
func SubscribeSyncStatus(cb func(SyncState)) func() {
	syncStatus.mu.Lock()
	id := syncStatus.nextSub
	syncStatus.nextSub++
	syncStatus.subs[id] = cb
	syncStatus.mu.Unlock()
	return func() {
		syncStatus.mu.Lock()
		delete(syncStatus.subs, id)
		syncStatus.mu.Unlock()
	}
}

func publishSyncState() {
	syncStatus.mu.Lock()
	state := snapshotLocked()
	cbs := make([]func(SyncState), 0, len(syncStatus.subs))
	for _, cb := range syncStatus.subs {
		cbs = append(cbs, cb)
	}
	syncStatus.mu.Unlock()
	for _, cb := range cbs {
		cb(state)
	}
}

func addPendingCount(delta int64) {
	if delta == 0 {
		return
	}
	syncStatus.pending.Add(delta)
	publishSyncState()
}

// PendingCount is the running unprocessed-entry total across partitions.
func PendingCount() int64 {
	return syncStatus.pending.Load()
}

// AddPendingCount adjusts the running counter and notifies status
// observers. Engine internal: the queue and the reconciler are the only
// legitimate writers.
func AddPendingCount(delta int64) {
	addPendingCount(delta)
}

// SetSyncOnline records a connectivity transition.
func SetSyncOnline(online bool) {
	syncStatus.mu.Lock()
	changed := syncStatus.online != online
	syncStatus.online = online
	syncStatus.mu.Unlock()
	if changed {
		publishSyncState()
	}
}

// MarkSyncAttempt stamps the start of a drain pass.
func MarkSyncAttempt() {
	now := time.Now().UTC()
	syncStatus.mu.Lock()
	syncStatus.lastAttempt = &now
	syncStatus.mu.Unlock()
	publishSyncState()
}

// RecordSyncError surfaces a dead-lettered operation; transient failures
// never reach here.
func RecordSyncError(msg string) {
	syncStatus.mu.Lock()
	syncStatus.lastError = &msg
	syncStatus.mu.Unlock()
	publishSyncState()
}

// ClearSyncError resets the surfaced error after a fully clean drain.
func ClearSyncError() {
	syncStatus.mu.Lock()
	cleared := syncStatus.lastError != nil
	syncStatus.lastError = nil
	syncStatus.mu.Unlock()
	if cleared {
		publishSyncState()
	}
}
