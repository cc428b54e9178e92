package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/backend"
	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/models"
)

func setupTestStore(t *testing.T) context.Context {
	t.Helper()
	t.Setenv("SHOPSYNC_DB_PATH", filepath.Join(t.TempDir(), "store.db"))
	if err := config.ConnectDatabase(); err != nil {
		t.Fatalf("ConnectDatabase: %v", err)
	}
	models.MigrateTable()
	models.ResetHooks()
	ctx := context.Background()
	if err := models.InitSyncState(ctx); err != nil {
		t.Fatalf("InitSyncState: %v", err)
	}
	return ctx
}

// fakeBackend is an in-process stand-in for the books backend. The default
// behavior accepts everything and hands out sequential server ids; tests
// override respond to inject failures or race local edits.
type fakeBackend struct {
	mu        sync.Mutex
	requests  []backend.SyncRequest
	deviceIds []string
	serial    int

	// respond, when set, fully controls the reply. Return a negative
	// status to fall through to the default accept path.
	respond func(req backend.SyncRequest) (backend.SyncResponse, int)
}

func newFakeBackend(t *testing.T) (*fakeBackend, *backend.Client) {
	t.Helper()
	fake := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/client-sync/operations", func(w http.ResponseWriter, r *http.Request) {
		var req backend.SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fake.mu.Lock()
		fake.requests = append(fake.requests, req)
		fake.deviceIds = append(fake.deviceIds, r.Header.Get("X-Device-Id"))
		respond := fake.respond
		fake.mu.Unlock()

		if respond != nil {
			resp, status := respond(req)
			if status >= 0 {
				w.WriteHeader(status)
				if status >= 200 && status < 300 {
					_ = json.NewEncoder(w).Encode(resp)
				}
				return
			}
		}
		_ = json.NewEncoder(w).Encode(fake.accept(req))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fake, backend.NewClientWith(server.URL, "test-key", 5*time.Second)
}

func (f *fakeBackend) accept(req backend.SyncRequest) backend.SyncResponse {
	resp := backend.SyncResponse{Accepted: true}
	switch models.OperationType(req.OperationType) {
	case models.OperationTypeEntityCreate:
		resp.ServerId = f.nextServerId()
	case models.OperationTypeBatchCreateFromPurchaseOrder:
		var payload struct {
			Batches []struct {
				LocalId string `json:"local_id"`
			} `json:"batches"`
		}
		_ = json.Unmarshal(req.Payload, &payload)
		for _, b := range payload.Batches {
			resp.Batches = append(resp.Batches, backend.BatchAck{
				LocalId:  b.LocalId,
				ServerId: f.nextServerId(),
			})
		}
	}
	return resp
}

func (f *fakeBackend) nextServerId() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serial++
	return fmt.Sprintf("srv-%d", f.serial)
}

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeBackend) request(i int) backend.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeBackend) deviceId(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceIds[i]
}

func (f *fakeBackend) setRespond(fn func(req backend.SyncRequest) (backend.SyncResponse, int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// clearBackoff makes a FAILED entry immediately claimable again.
func clearBackoff(t *testing.T, entryId uint) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if err := config.GetDB().Model(&models.SyncQueueEntry{}).Where("id = ?", entryId).
		Update("next_attempt_at", past).Error; err != nil {
		t.Fatalf("clear backoff: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
