// Package reconciler turns processor notifications into ledger credits.
// The same algorithm runs whether an event arrived by webhook push or by
// the polling pull; the dedup gate's atomic admission is what lets the
// two paths race safely on the same reference.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cradoe/kudi/internal/chat"
	"github.com/cradoe/kudi/internal/event"
	"github.com/cradoe/kudi/internal/ledger"
	"github.com/cradoe/kudi/internal/processor"
	"github.com/cradoe/kudi/internal/repository"
	"github.com/shopspring/decimal"
)

// ErrMalformedReference re-exports the event package's sentinel for
// callers that only import the reconciler.
var ErrMalformedReference = event.ErrMalformedReference

// amountTolerance is the rounding slack between a notified amount and the
// processor-verified amount. Beyond it we log the discrepancy; either way
// the verified amount wins.
var amountTolerance = decimal.RequireFromString("0.01")

// LedgerMutator is the slice of the ledger the reconciler drives.
type LedgerMutator interface {
	Credit(ctx context.Context, walletID string, amount decimal.Decimal, reference, narration string) (*repository.Transaction, error)
	Refund(ctx context.Context, reference string) (*repository.Transaction, error)
}

// Verifier confirms events against the processor before any money moves.
type Verifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*processor.VerifiedTransaction, error)
}

// FundingReporter escalates a queued failed funding to an operator.
type FundingReporter interface {
	ReportFailedFunding(reference, customerCode, amount, reason string)
}

type Reconciler struct {
	gate       repository.WebhookEventRepository
	userRepo   repository.UserRepository
	walletRepo repository.WalletRepository
	failedRepo repository.FailedFundingRepository
	ledger     LedgerMutator
	verifier   Verifier
	notifier   chat.Notifier
	reporter   FundingReporter
	logger     *slog.Logger
}

func New(
	gate repository.WebhookEventRepository,
	userRepo repository.UserRepository,
	walletRepo repository.WalletRepository,
	failedRepo repository.FailedFundingRepository,
	ledgerMutator LedgerMutator,
	verifier Verifier,
	notifier chat.Notifier,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		gate:       gate,
		userRepo:   userRepo,
		walletRepo: walletRepo,
		failedRepo: failedRepo,
		ledger:     ledgerMutator,
		verifier:   verifier,
		notifier:   notifier,
		logger:     logger,
	}
}

// SetReporter wires operator escalation for queued failed fundings.
func (r *Reconciler) SetReporter(reporter FundingReporter) {
	r.reporter = reporter
}

// ProcessFunding admits and credits one funds-received notification. A
// duplicate admission is a clean no-op; every other failure leaves a
// durable trace in the webhook event row and, where money is known to
// have moved, in the failed-funding queue.
func (r *Reconciler) ProcessFunding(ctx context.Context, eventType string, funds *event.FundsReceived) error {
	if !event.ValidReference(funds.Reference) {
		return fmt.Errorf("%w: %q", ErrMalformedReference, funds.Reference)
	}

	evt, firstSeen, err := r.gate.Admit(ctx, funds.Reference, eventType)
	if err != nil {
		return fmt.Errorf("admitting %s: %w", funds.Reference, err)
	}
	if !firstSeen {
		r.logger.Debug("duplicate funding event skipped", "reference", funds.Reference, "event_type", eventType)
		return nil
	}

	return r.CompleteFunding(ctx, evt, funds)
}

// CompleteFunding runs the crediting algorithm for an already-admitted
// event. The webhook worker calls this directly, because the ingress
// handler performed the admission before acking the processor.
func (r *Reconciler) CompleteFunding(ctx context.Context, evt *repository.WebhookEvent, funds *event.FundsReceived) error {
	verified, err := r.verifier.VerifyTransaction(ctx, funds.Reference)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrVerificationRejected):
			r.queueFailedFunding(ctx, evt, funds, "processor reported non-success status")
		case errors.Is(err, processor.ErrVerificationUnavailable):
			r.queueFailedFunding(ctx, evt, funds, "processor verification unavailable")
		default:
			r.markFailed(ctx, evt, err)
		}
		return err
	}

	amount := verified.Amount
	if funds.Amount.Sub(amount).Abs().GreaterThan(amountTolerance) {
		r.logger.Warn("notified amount differs from verified amount, trusting processor",
			"reference", funds.Reference,
			"notified", funds.Amount.String(),
			"verified", amount.String())
	}

	customerCode := funds.CustomerCode
	if customerCode == "" {
		customerCode = verified.CustomerCode
	}

	user, found, err := r.userRepo.GetByCustomerCode(customerCode)
	if err != nil {
		r.markFailed(ctx, evt, err)
		return fmt.Errorf("resolving customer %s: %w", customerCode, err)
	}
	if !found {
		r.queueFailedFunding(ctx, evt, funds, "user not found")
		return fmt.Errorf("no user for customer code %s", customerCode)
	}

	wallet, found, err := r.walletRepo.GetByUserID(user.ID)
	if err != nil {
		r.markFailed(ctx, evt, err)
		return fmt.Errorf("resolving wallet for user %s: %w", user.ID, err)
	}
	if !found {
		r.queueFailedFunding(ctx, evt, funds, "wallet not found")
		return fmt.Errorf("no wallet for user %s", user.ID)
	}

	narration := "wallet funding"
	if verified.Channel != "" {
		narration = "wallet funding via " + verified.Channel
	}

	_, err = r.ledger.Credit(ctx, wallet.ID, amount, funds.Reference, narration)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateReference) {
			// A transaction row for this reference already exists, so the
			// money has been applied through another path. Nothing to redo.
			if markErr := r.gate.MarkProcessed(ctx, evt.ID); markErr != nil {
				r.logger.Error("marking duplicate-credit event processed", "reference", funds.Reference, "error", markErr)
			}
			return nil
		}

		r.queueFailedFunding(ctx, evt, funds, "ledger write failed: "+err.Error())
		return err
	}

	if err := r.gate.MarkProcessed(ctx, evt.ID); err != nil {
		// The credit is committed and the reference is held by the
		// transaction row; the stale event row only affects reporting.
		r.logger.Error("marking funding event processed", "reference", funds.Reference, "error", err)
	}

	r.notify(ctx, &chat.Alert{
		Kind:      chat.AlertKindCredit,
		ChatID:    user.ChatID,
		Reference: funds.Reference,
		Amount:    amount,
	})

	return nil
}

// ProcessTransferSuccess records a settlement confirmation for an
// outbound transfer. The debit happened at execution time, so this is
// audit-only.
func (r *Reconciler) ProcessTransferSuccess(ctx context.Context, success *event.TransferSucceeded) error {
	if !event.ValidReference(success.Reference) {
		return fmt.Errorf("%w: %q", ErrMalformedReference, success.Reference)
	}

	evt, firstSeen, err := r.gate.Admit(ctx, success.Reference, event.TypeTransferSuccess)
	if err != nil {
		return fmt.Errorf("admitting %s: %w", success.Reference, err)
	}
	if !firstSeen {
		return nil
	}

	return r.gate.MarkProcessed(ctx, evt.ID)
}

// ProcessTransferFailure refunds a previously-debited transfer that the
// processor reports as failed. Exactly-once across duplicate deliveries:
// the admission dedups the notification, and the ledger's conditional
// refund dedups against replays that bypass the gate.
func (r *Reconciler) ProcessTransferFailure(ctx context.Context, failure *event.TransferFailed) error {
	if !event.ValidReference(failure.Reference) {
		return fmt.Errorf("%w: %q", ErrMalformedReference, failure.Reference)
	}

	evt, firstSeen, err := r.gate.Admit(ctx, failure.Reference, event.TypeTransferFailed)
	if err != nil {
		return fmt.Errorf("admitting %s: %w", failure.Reference, err)
	}
	if !firstSeen {
		return nil
	}

	return r.CompleteTransferFailure(ctx, evt, failure)
}

// CompleteTransferFailure is the post-admission half of the refund path.
func (r *Reconciler) CompleteTransferFailure(ctx context.Context, evt *repository.WebhookEvent, failure *event.TransferFailed) error {
	transaction, err := r.ledger.Refund(ctx, failure.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyRefunded) {
			if markErr := r.gate.MarkProcessed(ctx, evt.ID); markErr != nil {
				r.logger.Error("marking already-refunded event processed", "reference", failure.Reference, "error", markErr)
			}
			return nil
		}

		r.markFailed(ctx, evt, err)
		return fmt.Errorf("refunding %s: %w", failure.Reference, err)
	}

	if err := r.gate.MarkProcessed(ctx, evt.ID); err != nil {
		r.logger.Error("marking refund event processed", "reference", failure.Reference, "error", err)
	}

	wallet, found, err := r.walletRepo.GetOne(transaction.WalletID)
	if err != nil || !found {
		r.logger.Error("resolving wallet for refund alert", "wallet_id", transaction.WalletID, "error", err)
		return nil
	}

	user, found, err := r.userRepo.GetOne(wallet.UserID)
	if err != nil || !found {
		r.logger.Error("resolving user for refund alert", "user_id", wallet.UserID, "error", err)
		return nil
	}

	r.notify(ctx, &chat.Alert{
		Kind:      chat.AlertKindRefund,
		ChatID:    user.ChatID,
		Reference: failure.Reference,
		Amount:    transaction.Amount.Add(transaction.Fee),
	})

	return nil
}

func (r *Reconciler) queueFailedFunding(ctx context.Context, evt *repository.WebhookEvent, funds *event.FundsReceived, reason string) {
	_, err := r.failedRepo.Insert(ctx, &repository.FailedFunding{
		Reference:    funds.Reference,
		CustomerCode: sql.NullString{String: funds.CustomerCode, Valid: funds.CustomerCode != ""},
		Amount:       decimal.NewNullDecimal(funds.Amount),
		Reason:       reason,
	})
	if err != nil {
		r.logger.Error("queuing failed funding", "reference", funds.Reference, "reason", reason, "error", err)
	}

	if r.reporter != nil {
		r.reporter.ReportFailedFunding(funds.Reference, funds.CustomerCode, funds.Amount.String(), reason)
	}

	r.markFailed(ctx, evt, errors.New(reason))
}

func (r *Reconciler) markFailed(ctx context.Context, evt *repository.WebhookEvent, cause error) {
	if err := r.gate.MarkFailed(ctx, evt.ID, cause.Error()); err != nil {
		r.logger.Error("marking event failed", "event_id", evt.ID, "error", err)
	}
}

func (r *Reconciler) notify(ctx context.Context, alert *chat.Alert) {
	if r.notifier == nil {
		return
	}

	if err := r.notifier.Notify(ctx, alert); err != nil {
		r.logger.Error("alert dispatch failed", "reference", alert.Reference, "kind", alert.Kind, "error", err)
	}
}
