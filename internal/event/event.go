// Package event models the notifications we receive from the payment
// processor, whether they arrive by webhook push or by the polling pull.
// The payload is loosely typed on the wire; we decode it into a closed set
// of known shapes with an explicit unhandled variant so new event types
// degrade to audit-only instead of breaking ingestion.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cradoe/kudi/internal/validator"
	"github.com/shopspring/decimal"
)

// ErrMalformedReference rejects an event whose reference fails the
// format rules before it can reach the dedup gate.
var ErrMalformedReference = errors.New("malformed event reference")

const (
	TypeChargeSuccess        = "charge.success"
	TypeTransferSuccess      = "transfer.success"
	TypeTransferFailed       = "transfer.failed"
	TypeAccountAssignSuccess = "dedicatedaccount.assign.success"
	TypeAccountAssignFailed  = "dedicatedaccount.assign.failed"
)

// FundsReceived is a processor report of confirmed inbound money movement.
// Amount is in naira (converted from the wire's minor units) and is still
// subject to verification against the processor before crediting.
type FundsReceived struct {
	Reference    string
	Amount       decimal.Decimal
	CustomerCode string
	Channel      string
	PaidAt       time.Time
}

// TransferSucceeded confirms an outbound transfer we already debited has
// settled. Audit-only; the debit happened at execution time.
type TransferSucceeded struct {
	Reference string
}

// TransferFailed is a processor report that an outbound transfer we already
// debited could not be completed and must be refunded.
type TransferFailed struct {
	Reference string
	Reason    string
}

// AccountAssigned is a provisioning confirmation for a customer's dedicated
// funding account. Audit-only; it never touches the ledger.
type AccountAssigned struct {
	CustomerCode  string
	AccountNumber string
	Assigned      bool
}

// Notification is a tagged union: Type is always set, exactly one of the
// payload fields is non-nil for known event types, and Unhandled carries
// the raw payload for everything else.
type Notification struct {
	Type              string
	FundsReceived     *FundsReceived
	TransferSucceeded *TransferSucceeded
	TransferFailed    *TransferFailed
	AccountAssigned   *AccountAssigned
	Unhandled         json.RawMessage
}

// Reference returns the event's processor reference, or "" for event types
// that don't carry one.
func (n *Notification) Reference() string {
	switch {
	case n.FundsReceived != nil:
		return n.FundsReceived.Reference
	case n.TransferSucceeded != nil:
		return n.TransferSucceeded.Reference
	case n.TransferFailed != nil:
		return n.TransferFailed.Reference
	default:
		return ""
	}
}

type wirePayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Channel   string `json:"channel"`
		PaidAt    string `json:"paid_at"`
		Customer  struct {
			CustomerCode string `json:"customer_code"`
		} `json:"customer"`
		DedicatedAccount struct {
			AccountNumber string `json:"account_number"`
		} `json:"dedicated_account"`
		Gateway struct {
			Message string `json:"message"`
		} `json:"gateway_response"`
	} `json:"data"`
}

// Parse decodes a raw processor payload into a Notification. Amounts on
// the wire are integer minor units (kobo); they are converted to 2dp
// decimals here and nowhere else.
func Parse(raw []byte) (*Notification, error) {
	var payload wirePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}

	if payload.Event == "" {
		return nil, fmt.Errorf("event payload has no event field")
	}

	n := &Notification{Type: payload.Event}

	switch payload.Event {
	case TypeChargeSuccess:
		paidAt, _ := time.Parse(time.RFC3339, payload.Data.PaidAt)
		n.FundsReceived = &FundsReceived{
			Reference:    payload.Data.Reference,
			Amount:       FromMinorUnits(payload.Data.Amount),
			CustomerCode: payload.Data.Customer.CustomerCode,
			Channel:      payload.Data.Channel,
			PaidAt:       paidAt,
		}
	case TypeTransferSuccess:
		n.TransferSucceeded = &TransferSucceeded{
			Reference: payload.Data.Reference,
		}
	case TypeTransferFailed:
		n.TransferFailed = &TransferFailed{
			Reference: payload.Data.Reference,
			Reason:    payload.Data.Gateway.Message,
		}
	case TypeAccountAssignSuccess, TypeAccountAssignFailed:
		n.AccountAssigned = &AccountAssigned{
			CustomerCode:  payload.Data.Customer.CustomerCode,
			AccountNumber: payload.Data.DedicatedAccount.AccountNumber,
			Assigned:      payload.Event == TypeAccountAssignSuccess,
		}
	default:
		n.Unhandled = append(json.RawMessage{}, raw...)
	}

	return n, nil
}

// FromMinorUnits converts an amount in kobo to a 2dp naira decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// ValidReference reports whether a processor reference is well-formed.
// References are the pipeline's idempotency keys; anything malformed is
// rejected before it reaches the dedup gate.
func ValidReference(reference string) bool {
	return validator.Matches(reference, validator.RgxReference)
}
