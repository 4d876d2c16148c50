// Package intent extracts what the user wants from free-form chat text.
// The classifier is advisory: it fills in fields the transfer flow then
// re-validates, and every failure degrades to asking the user directly.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	IntentTransfer = "transfer"
	IntentBalance  = "balance"
	IntentHistory  = "history"
	IntentCancel   = "cancel"
	IntentConfirm  = "confirm"
	IntentDecline  = "decline"
	IntentUnknown  = "unknown"
)

// Result is the classifier's reading of one message. Extracted fields are
// untrusted hints; blank means the classifier saw nothing usable.
type Result struct {
	Intent        string `json:"intent"`
	Amount        string `json:"amount"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code"`
}

type Classifier interface {
	Classify(ctx context.Context, text string) (*Result, error)
}

const defaultTimeout = 8 * time.Second

// HTTPClassifier calls the hosted NLU service.
type HTTPClassifier struct {
	apiURL     string
	httpClient *http.Client
}

func NewHTTPClassifier(apiURL string) *HTTPClassifier {
	return &HTTPClassifier{
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intent service returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	if result.Intent == "" {
		result.Intent = IntentUnknown
	}

	return &result, nil
}
