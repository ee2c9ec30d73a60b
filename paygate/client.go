// Package paygate talks to the external payment provider. The provider
// is the source of truth for payment status; nothing here ever records a
// payment as confirmed from client input.
package paygate

import (
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
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/shopspring/decimal"
)

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("PAYGATE_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("PAYGATE_API_BASE_URL is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("PAYGATE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("PAYGATE_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("PAYGATE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type paymentStatusResponse struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// VerifyPayment asks the provider for the authoritative status of one
// payment reference.
func (c *Client) VerifyPayment(ctx context.Context, reference string) (workflow.PaymentVerification, error) {
	endpoint := c.baseURL + "/v1/payments/" + reference
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return workflow.PaymentVerification{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return workflow.PaymentVerification{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return workflow.PaymentVerification{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return workflow.PaymentVerification{}, fmt.Errorf("payment provider: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var body paymentStatusResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return workflow.PaymentVerification{}, fmt.Errorf("payment provider: decode response: %w", err)
	}

	status := models.PaymentStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	switch status {
	case models.PaymentStatusPending, models.PaymentStatusConfirmed, models.PaymentStatusFailed:
	default:
		return workflow.PaymentVerification{}, fmt.Errorf("payment provider: unknown status %q for reference %s", body.Status, reference)
	}

	return workflow.PaymentVerification{
		Reference: body.Reference,
		Status:    status,
		Amount:    body.Amount,
	}, nil
}
