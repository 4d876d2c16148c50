// Package ledger is the only place wallet balances change. Every mutation
// pairs an atomic single-statement balance update with a transaction
// record, and compensates the balance when the record cannot be written.
// Callers route compensation failures to the failed-funding queue; they
// must never retry silently, since a retry can double-apply.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cradoe/kudi/internal/repository"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRecordingFailed means the balance moved but the paired transaction
	// record could not be written; the balance has been rolled back. The
	// event needs manual reconciliation, not a retry.
	ErrRecordingFailed = errors.New("transaction could not be recorded")

	// ErrAlreadyRefunded is a no-op signal: someone else already won the
	// refund for this transaction.
	ErrAlreadyRefunded = errors.New("transaction already refunded")

	ErrTransactionNotFound = errors.New("transaction not found")
)

// Counterparty identifies the external account on the other side of a
// debit transfer.
type Counterparty struct {
	AccountNumber string
	Name          string
}

type Ledger struct {
	walletRepo      repository.WalletRepository
	transactionRepo repository.TransactionRepository
	logger          *slog.Logger
}

func New(walletRepo repository.WalletRepository, transactionRepo repository.TransactionRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		walletRepo:      walletRepo,
		transactionRepo: transactionRepo,
		logger:          logger,
	}
}

// Credit increases the wallet balance and records a completed credit
// transaction. If the record insert fails after the balance moved, the
// balance is rolled back and ErrRecordingFailed (or ErrDuplicateReference,
// when the reference already has a row) is returned.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount decimal.Decimal, reference, narration string) (*repository.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	err := l.walletRepo.Credit(ctx, walletID, amount)
	if err != nil {
		return nil, fmt.Errorf("crediting wallet %s: %w", walletID, err)
	}

	transaction, err := l.transactionRepo.Insert(ctx, &repository.Transaction{
		WalletID:  walletID,
		Reference: reference,
		Kind:      repository.TransactionKindCredit,
		Amount:    amount,
		Fee:       decimal.Zero,
		Status:    repository.TransactionStatusCompleted,
		Narration: sql.NullString{String: narration, Valid: narration != ""},
	})

	if err != nil {
		l.compensateCredit(walletID, amount, reference)

		if errors.Is(err, repository.ErrDuplicateReference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	return transaction, nil
}

// Debit decreases the wallet balance by amount+fee and records a completed
// debit-transfer transaction. The balance check happens inside the same
// statement as the write, so a concurrent debit cannot slip through.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount, fee decimal.Decimal, reference string, counterparty Counterparty) (*repository.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %s", amount)
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("fee must not be negative, got %s", fee)
	}

	total := amount.Add(fee)

	ok, err := l.walletRepo.Debit(ctx, walletID, total)
	if err != nil {
		return nil, fmt.Errorf("debiting wallet %s: %w", walletID, err)
	}
	if !ok {
		return nil, ErrInsufficientBalance
	}

	transaction, err := l.transactionRepo.Insert(ctx, &repository.Transaction{
		WalletID:            walletID,
		Reference:           reference,
		Kind:                repository.TransactionKindDebitTransfer,
		Amount:              amount,
		Fee:                 fee,
		Status:              repository.TransactionStatusCompleted,
		CounterpartyAccount: sql.NullString{String: counterparty.AccountNumber, Valid: counterparty.AccountNumber != ""},
		CounterpartyName:    sql.NullString{String: counterparty.Name, Valid: counterparty.Name != ""},
	})

	if err != nil {
		l.compensateDebit(walletID, total, reference)

		if errors.Is(err, repository.ErrDuplicateReference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	return transaction, nil
}

// Refund re-credits amount+fee for a completed debit transfer the
// processor later reported as failed, and marks the original transaction
// failed+refunded. The conditional status update makes the whole
// operation exactly-once: only the caller that wins the update credits
// the wallet, duplicates get ErrAlreadyRefunded.
func (l *Ledger) Refund(ctx context.Context, reference string) (*repository.Transaction, error) {
	transaction, found, err := l.transactionRepo.FindByReference(reference)
	if err != nil {
		return nil, fmt.Errorf("looking up transaction %s: %w", reference, err)
	}
	if !found {
		return nil, ErrTransactionNotFound
	}

	won, err := l.transactionRepo.MarkRefunded(ctx, transaction.ID)
	if err != nil {
		return nil, fmt.Errorf("marking transaction %s refunded: %w", transaction.ID, err)
	}
	if !won {
		return nil, ErrAlreadyRefunded
	}

	total := transaction.Amount.Add(transaction.Fee)

	err = l.walletRepo.Credit(ctx, transaction.WalletID, total)
	if err != nil {
		// The transaction is marked refunded but the money has not come
		// back. This must surface for manual reconciliation.
		return nil, fmt.Errorf("%w: refund credit for %s: %v", ErrRecordingFailed, reference, err)
	}

	return transaction, nil
}

// compensateCredit rolls back a credit whose record insert failed. Runs
// on a fresh context: the original may already be cancelled, and leaving
// the balance inflated is worse than overrunning a deadline.
func (l *Ledger) compensateCredit(walletID string, amount decimal.Decimal, reference string) {
	ok, err := l.walletRepo.Debit(context.Background(), walletID, amount)
	if err != nil || !ok {
		l.logger.Error("compensating debit failed, wallet balance is inflated",
			"wallet_id", walletID, "amount", amount.String(), "reference", reference, "error", err)
	}
}

func (l *Ledger) compensateDebit(walletID string, amount decimal.Decimal, reference string) {
	err := l.walletRepo.Credit(context.Background(), walletID, amount)
	if err != nil {
		l.logger.Error("compensating credit failed, wallet balance is deflated",
			"wallet_id", walletID, "amount", amount.String(), "reference", reference, "error", err)
	}
}
