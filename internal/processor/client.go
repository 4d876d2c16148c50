// Package processor is the HTTP client for the payment processor. It is
// the authoritative source for event amounts and statuses: notified
// payloads are never trusted until verified here.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cradoe/kudi/internal/event"
	"github.com/shopspring/decimal"
)

var (
	// ErrVerificationUnavailable means we could not reach the processor or
	// it answered with a server error. Retryable via manual replay.
	ErrVerificationUnavailable = errors.New("processor verification unavailable")

	// ErrVerificationRejected means the processor answered but reports the
	// event as not successful. Not retryable.
	ErrVerificationRejected = errors.New("processor rejected the transaction")
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func New(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// VerifiedTransaction is the processor's authoritative view of one event.
type VerifiedTransaction struct {
	Reference    string
	Status       string
	Amount       decimal.Decimal
	Channel      string
	CustomerCode string
	PaidAt       time.Time
}

// ResolvedAccount is the processor's answer to a bank account enquiry.
type ResolvedAccount struct {
	AccountNumber string
	AccountName   string
	BankCode      string
}

// TransferRequest asks the processor to pay out to an external account.
type TransferRequest struct {
	Reference     string
	Amount        decimal.Decimal
	AccountNumber string
	BankCode      string
	Narration     string
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type wireTransaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Channel   string `json:"channel"`
	PaidAt    string `json:"paid_at"`
	Customer  struct {
		CustomerCode string `json:"customer_code"`
	} `json:"customer"`
}

// VerifyTransaction confirms a reference directly with the processor.
// The amount it returns wins over whatever the notification claimed.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifiedTransaction, error) {
	endpoint := fmt.Sprintf("%s/transaction/verify/%s", c.baseURL, url.PathEscape(reference))

	var data wireTransaction
	if err := c.get(ctx, endpoint, &data); err != nil {
		return nil, err
	}

	verified := &VerifiedTransaction{
		Reference:    data.Reference,
		Status:       data.Status,
		Amount:       event.FromMinorUnits(data.Amount),
		Channel:      data.Channel,
		CustomerCode: data.Customer.CustomerCode,
	}
	verified.PaidAt, _ = time.Parse(time.RFC3339, data.PaidAt)

	if data.Status != "success" {
		return verified, fmt.Errorf("%w: status %q", ErrVerificationRejected, data.Status)
	}

	return verified, nil
}

// ListTransactions pulls the processor-side successful transactions for a
// customer since the given time. This is the poller's pull path; each
// result is shaped like the webhook notification so both paths feed the
// same crediting algorithm.
func (c *Client) ListTransactions(ctx context.Context, customerCode string, since time.Time) ([]event.FundsReceived, error) {
	query := url.Values{}
	query.Set("customer", customerCode)
	query.Set("status", "success")
	query.Set("from", since.UTC().Format(time.RFC3339))

	endpoint := fmt.Sprintf("%s/transaction?%s", c.baseURL, query.Encode())

	var data []wireTransaction
	if err := c.get(ctx, endpoint, &data); err != nil {
		return nil, err
	}

	transactions := make([]event.FundsReceived, 0, len(data))
	for _, item := range data {
		paidAt, _ := time.Parse(time.RFC3339, item.PaidAt)
		transactions = append(transactions, event.FundsReceived{
			Reference:    item.Reference,
			Amount:       event.FromMinorUnits(item.Amount),
			CustomerCode: customerCode,
			Channel:      item.Channel,
			PaidAt:       paidAt,
		})
	}

	return transactions, nil
}

// Bank is one entry in the processor's supported bank list.
type Bank struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ListBanks returns the processor's supported banks. The list changes
// rarely; callers cache it.
func (c *Client) ListBanks(ctx context.Context) ([]Bank, error) {
	var banks []Bank
	if err := c.get(ctx, c.baseURL+"/bank", &banks); err != nil {
		return nil, err
	}
	return banks, nil
}

// ResolveAccount looks up the account name behind a NUBAN account number.
func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error) {
	query := url.Values{}
	query.Set("account_number", accountNumber)
	query.Set("bank_code", bankCode)

	endpoint := fmt.Sprintf("%s/bank/resolve?%s", c.baseURL, query.Encode())

	var data struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
		BankCode      string `json:"bank_code"`
	}
	if err := c.get(ctx, endpoint, &data); err != nil {
		return nil, err
	}

	return &ResolvedAccount{
		AccountNumber: data.AccountNumber,
		AccountName:   data.AccountName,
		BankCode:      data.BankCode,
	}, nil
}

// InitiateTransfer starts an outbound payout. Completion or failure
// arrives later as a transfer.success / transfer.failed event.
func (c *Client) InitiateTransfer(ctx context.Context, req *TransferRequest) error {
	payload := map[string]any{
		"reference":      req.Reference,
		"amount":         req.Amount.Mul(decimal.NewFromInt(100)).IntPart(),
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"reason":         req.Narration,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/transfer"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: processor returned %d", ErrVerificationUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}

	if !env.Status {
		return fmt.Errorf("%w: %s", ErrVerificationRejected, env.Message)
	}

	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: processor returned %d", ErrVerificationUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}

	if !env.Status {
		return fmt.Errorf("%w: %s", ErrVerificationRejected, env.Message)
	}

	if dst != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return fmt.Errorf("decoding processor response: %w", err)
		}
	}

	return nil
}
