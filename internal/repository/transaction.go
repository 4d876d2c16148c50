package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Transaction struct {
	ID                  string          `db:"id"`
	WalletID            string          `db:"wallet_id"`
	Reference           string          `db:"reference"`
	Kind                string          `db:"kind"`
	Amount              decimal.Decimal `db:"amount"`
	Fee                 decimal.Decimal `db:"fee"`
	Status              string          `db:"status"`
	CounterpartyAccount sql.NullString  `db:"counterparty_account"`
	CounterpartyName    sql.NullString  `db:"counterparty_name"`
	Narration           sql.NullString  `db:"narration"`
	Refunded            bool            `db:"refunded"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           sql.NullTime    `db:"updated_at"`
}

const (
	TransactionKindCredit        = "credit"
	TransactionKindDebitTransfer = "debit-transfer"

	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

type TransactionRepository interface {
	Insert(ctx context.Context, transaction *Transaction) (*Transaction, error)
	UpdateStatus(ctx context.Context, id, status string) error
	MarkRefunded(ctx context.Context, id string) (bool, error)
	FindByReference(reference string) (*Transaction, bool, error)
	SumCompletedTransfersForDay(walletID string, day time.Time) (decimal.Decimal, error)
	ListByWallet(walletID string, limit int) ([]Transaction, error)
}

type TransactionRepositoryImpl struct {
	db *sqlx.DB
}

func NewTransactionRepository(db *sqlx.DB) TransactionRepository {
	return &TransactionRepositoryImpl{db: db}
}

// Insert writes the transaction record paired with a wallet mutation.
// A unique violation on reference comes back as ErrDuplicateReference so
// the ledger can compensate instead of double-applying.
func (repo *TransactionRepositoryImpl) Insert(ctx context.Context, transaction *Transaction) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var trans Transaction

	query := `
		INSERT INTO transactions (wallet_id, reference, kind, amount, fee, status, counterparty_account, counterparty_name, narration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, wallet_id, reference, kind, amount, fee, status, counterparty_account, counterparty_name, narration, refunded, created_at`

	err := repo.db.GetContext(ctx, &trans, query,
		transaction.WalletID,
		transaction.Reference,
		transaction.Kind,
		transaction.Amount,
		transaction.Fee,
		transaction.Status,
		transaction.CounterpartyAccount,
		transaction.CounterpartyName,
		transaction.Narration,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	return &trans, nil
}

func (repo *TransactionRepositoryImpl) UpdateStatus(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `UPDATE transactions SET status=$1, updated_at=NOW() WHERE id=$2`

	_, err := repo.db.ExecContext(ctx, query, status, id)
	return err
}

// MarkRefunded flips a completed transaction to failed+refunded. The
// status condition makes it first-winner-only: a second failure
// notification for the same transfer affects zero rows and must not
// re-credit the wallet.
func (repo *TransactionRepositoryImpl) MarkRefunded(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE transactions SET status=$1, refunded=TRUE, updated_at=NOW()
		WHERE id=$2 AND status=$3 AND refunded=FALSE`

	result, err := repo.db.ExecContext(ctx, query, TransactionStatusFailed, id, TransactionStatusCompleted)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

func (repo *TransactionRepositoryImpl) FindByReference(reference string) (*Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var trans Transaction

	query := `
        SELECT id, wallet_id, reference, kind, amount, fee, status, counterparty_account, counterparty_name, narration, refunded, created_at
        FROM transactions WHERE reference=$1`

	err := repo.db.GetContext(ctx, &trans, query, reference)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &trans, true, nil
}

// SumCompletedTransfersForDay totals the amount+fee of the wallet's
// completed debit transfers for the calendar day containing day. Used by
// the daily spend-limit check.
func (repo *TransactionRepositoryImpl) SumCompletedTransfersForDay(walletID string, day time.Time) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var total decimal.Decimal

	query := `
        SELECT COALESCE(SUM(amount + fee), 0)
        FROM transactions
        WHERE wallet_id=$1 AND kind=$2 AND status=$3
          AND created_at >= date_trunc('day', $4::timestamptz)
          AND created_at < date_trunc('day', $4::timestamptz) + interval '1 day'`

	err := repo.db.GetContext(ctx, &total, query, walletID, TransactionKindDebitTransfer, TransactionStatusCompleted, day)
	if err != nil {
		return decimal.Zero, err
	}

	return total, nil
}

func (repo *TransactionRepositoryImpl) ListByWallet(walletID string, limit int) ([]Transaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var transactions []Transaction

	query := `
        SELECT id, wallet_id, reference, kind, amount, fee, status, counterparty_account, counterparty_name, narration, refunded, created_at
        FROM transactions WHERE wallet_id=$1
        ORDER BY created_at DESC
        LIMIT $2`

	err := repo.db.SelectContext(ctx, &transactions, query, walletID, limit)
	if err != nil {
		return nil, err
	}

	return transactions, nil
}
