// Package collab provides concrete collaborators for the action executor.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencode-ai/followup/internal/actions"
)

const defaultWebhookTimeout = 10 * time.Second

// StatusError is a non-2xx reply from the webhook endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.Code, e.Body)
}

// WebhookClient delivers collaborator calls as JSON POSTs to a single base URL.
// It implements every collaborator interface of the executor except the
// text generator.
type WebhookClient struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token  string
	Client *http.Client
}

// NewWebhookClient constructs a client with defaults applied.
func NewWebhookClient(baseURL, token string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookClient{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Send implements actions.Messenger.
func (c *WebhookClient) Send(ctx context.Context, msg actions.OutboundMessage) (actions.DeliveryResult, error) {
	var out actions.DeliveryResult
	if err := c.post(ctx, "/messages", msg, &out, msg.IdempotencyKey); err != nil {
		return actions.DeliveryResult{}, fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return out, nil
}

// Apply implements actions.TagStore.
func (c *WebhookClient) Apply(ctx context.Context, change actions.TagChange) error {
	if err := c.post(ctx, "/tags", change, nil, ""); err != nil {
		return fmt.Errorf("apply tags: %w", err)
	}
	return nil
}

type handoffPayload struct {
	LeadID string `json:"lead_id"`
	Reason string `json:"reason,omitempty"`
}

// Transfer implements actions.Handoff.
func (c *WebhookClient) Transfer(ctx context.Context, leadID, reason string) error {
	if err := c.post(ctx, "/handoff", handoffPayload{LeadID: leadID, Reason: reason}, nil, ""); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// CloseLost implements actions.Deals.
func (c *WebhookClient) CloseLost(ctx context.Context, leadID, reason string) error {
	if err := c.post(ctx, "/deals/close-lost", handoffPayload{LeadID: leadID, Reason: reason}, nil, ""); err != nil {
		return fmt.Errorf("close deal: %w", err)
	}
	return nil
}

func (c *WebhookClient) baseURL() (string, error) {
	if c == nil {
		return "", errors.New("webhook client is nil")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if baseURL == "" {
		return "", errors.New("webhook base URL is empty")
	}
	return baseURL, nil
}

func (c *WebhookClient) httpClient() *http.Client {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return c.Client
}

// post sends payload and decodes the reply into out when out is non-nil.
// Client errors other than 408 and 429 are permanent.
func (c *WebhookClient) post(ctx context.Context, path string, payload, out any, idempotencyKey string) error {
	baseURL, err := c.baseURL()
	if err != nil {
		return actions.Permanent(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return actions.Permanent(fmt.Errorf("encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return actions.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet := strings.TrimSpace(string(data))
		if snippet == "" {
			snippet = resp.Status
		}
		statusErr := &StatusError{Code: resp.StatusCode, Body: snippet}
		if permanentStatus(resp.StatusCode) {
			return actions.Permanent(statusErr)
		}
		return statusErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode webhook response: %w", err)
	}
	return nil
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
