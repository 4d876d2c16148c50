// Package chat is the outbound side of the user's messaging channel.
// Delivery here is strictly best-effort: by the time an alert is sent the
// financial operation has already committed, so a failed send is logged
// and dropped, never retried in a way that could re-run ledger work.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the narrow surface we need from the messaging collaborator.
type Client interface {
	SendText(ctx context.Context, chatID, text string) error
	SendDocument(ctx context.Context, chatID, documentURL, caption string) error
}

const defaultTimeout = 10 * time.Second

// HTTPClient talks to the hosted messaging API.
type HTTPClient struct {
	apiURL     string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(apiURL, token string) *HTTPClient {
	return &HTTPClient{
		apiURL: apiURL,
		token:  token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *HTTPClient) SendText(ctx context.Context, chatID, text string) error {
	return c.post(ctx, "/messages", map[string]any{
		"to":   chatID,
		"type": "text",
		"text": map[string]string{"body": text},
	})
}

func (c *HTTPClient) SendDocument(ctx context.Context, chatID, documentURL, caption string) error {
	return c.post(ctx, "/messages", map[string]any{
		"to":   chatID,
		"type": "document",
		"document": map[string]string{
			"link":    documentURL,
			"caption": caption,
		},
	})
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("chat api returned %d", resp.StatusCode)
	}

	return nil
}

// Alert describes one outcome message for a user. Kind selects the
// wording; everything else fills the template.
type Alert struct {
	Kind        string          `json:"kind"`
	ChatID      string          `json:"chat_id"`
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Recipient   string          `json:"recipient,omitempty"`
	DocumentURL string          `json:"document_url,omitempty"`
}

const (
	AlertKindCredit   = "credit"
	AlertKindDebit    = "debit"
	AlertKindRefund   = "refund"
	AlertKindDeclined = "declined"
)

// Notifier is how the pipeline hands off an outcome message. The direct
// implementation is Dispatcher; the Kafka producer in the worker package
// implements the same interface for deferred delivery.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}
