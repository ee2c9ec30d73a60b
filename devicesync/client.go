package devicesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/models"
)

// Transport pushes a sync batch to the backend and returns the
// reconciled response. Abstracted so the coordinator can be exercised
// without a live server.
type Transport interface {
	PushBatch(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error)
}

type httpTransport struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPTransport(token string) (Transport, error) {
	baseURL := strings.TrimSpace(os.Getenv("SYNC_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("SYNC_API_BASE_URL is empty")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("sync auth token is empty")
	}
	return &httpTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *httpTransport) PushBatch(ctx context.Context, syncReq models.SyncRequest) (*models.SyncResponse, error) {
	body, err := json.Marshal(syncReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sync push failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out models.SyncResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sync push failed: decode response: %w", err)
	}
	return &out, nil
}
