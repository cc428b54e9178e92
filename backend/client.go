package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/utils"
)

// Client talks to the remote books backend's client-sync endpoint. A call
// that exceeds the bounded timeout is reported exactly like any other
// network failure; the idempotency key makes a late-arriving duplicate
// success harmless.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("SHOPSYNC_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://books.pitibooks.com"
	}
	apiKey := strings.TrimSpace(os.Getenv("SHOPSYNC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("shopsync api key is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("SHOPSYNC_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	timeoutSec := 30
	if v := strings.TrimSpace(os.Getenv("SHOPSYNC_API_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutSec = n
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

// NewClientWith builds a client against an explicit endpoint. Used by
// tests and by callers that manage credentials themselves.
func NewClientWith(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: "X-API-Key",
		http:      &http.Client{Timeout: timeout},
	}
}

// Send dispatches one operation. A non-2xx status or transport error is a
// transient failure for the caller to retry; Accepted=false inside a 2xx
// body is the backend rejecting the payload itself.
func (c *Client) Send(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SyncResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/client-sync/operations", bytes.NewReader(body))
	if err != nil {
		return SyncResponse{}, err
	}
	httpReq.Header.Set(c.apiKeyHdr, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	if deviceId, ok := utils.GetDeviceIdFromContext(ctx); ok {
		httpReq.Header.Set("X-Device-Id", deviceId)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return SyncResponse{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SyncResponse{}, fmt.Errorf("sync api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed SyncResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return SyncResponse{}, err
	}
	return parsed, nil
}

// Ping probes connectivity. Used by the scheduler's online/offline signal.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}
