package sequester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/sequester/domain"
)

// WebhookClient forwards a vlob ciphertext to a webhook service and
// reports its verdict.
type WebhookClient interface {
	Submit(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, endpoint string, blob []byte) error
}

// HTTPWebhookClient posts ciphertexts over HTTP. The call is
// synchronous: a write is admitted only once every webhook accepted it.
type HTTPWebhookClient struct {
	client *http.Client
}

func NewHTTPWebhookClient(timeout time.Duration) *HTTPWebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWebhookClient{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPWebhookClient) Submit(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, endpoint string, blob []byte) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: bad endpoint %q", domain.ErrWebhookFailed, endpoint)
	}
	q := u.Query()
	q.Set("organization_id", string(org))
	q.Set("service_id", serviceID.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWebhookFailed, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWebhookFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var verdict struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(body, &verdict); err != nil || verdict.Reason == "" {
			verdict.Reason = "rejected"
		}
		return &domain.RejectedError{ServiceID: serviceID, Reason: verdict.Reason}
	default:
		return fmt.Errorf("%w: status %d", domain.ErrWebhookFailed, resp.StatusCode)
	}
}
