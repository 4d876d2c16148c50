package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	Balance       decimal.Decimal `db:"balance"`
	AccountNumber string          `db:"account_number"`
	Currency      string          `db:"currency"`
	Status        string          `db:"status"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     sql.NullTime    `db:"updated_at"`
	DeletedAt     sql.NullTime    `db:"deleted_at"`
}

const (
	WalletActiveStatus = "active"
	WalletOnHoldStatus = "on-hold"
)

type WalletRepository interface {
	Insert(wallet *Wallet, tx *sqlx.Tx) (string, error)
	GetOne(id string) (*Wallet, bool, error)
	GetByUserID(userID string) (*Wallet, bool, error)
	Credit(ctx context.Context, walletID string, amount decimal.Decimal) error
	Debit(ctx context.Context, walletID string, amount decimal.Decimal) (bool, error)
}

type WalletRepositoryImpl struct {
	db *sqlx.DB
}

func NewWalletRepository(db *sqlx.DB) WalletRepository {
	return &WalletRepositoryImpl{db: db}
}

func (repo *WalletRepositoryImpl) Insert(wallet *Wallet, tx *sqlx.Tx) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var id string

	query := `
		INSERT INTO wallets (user_id, account_number)
		VALUES ($1, $2)
		RETURNING id`
	if tx != nil {
		err := tx.QueryRowContext(ctx, query,
			wallet.UserID,
			wallet.AccountNumber,
		).Scan(&id)
		if err != nil {
			return "", err
		}
	} else {
		err := repo.db.GetContext(ctx, &id, query,
			wallet.UserID,
			wallet.AccountNumber,
		)
		if err != nil {
			return "", err
		}
	}

	return id, nil
}

func (repo *WalletRepositoryImpl) GetOne(id string) (*Wallet, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var wallet Wallet

	query := `
        SELECT id, user_id, balance, currency, account_number, status, created_at FROM wallets WHERE id=$1 AND deleted_at IS NULL`

	err := repo.db.GetContext(ctx, &wallet, query, id)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &wallet, true, nil
}

func (repo *WalletRepositoryImpl) GetByUserID(userID string) (*Wallet, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var wallet Wallet

	query := `
        SELECT id, user_id, balance, currency, account_number, status, created_at FROM wallets WHERE user_id=$1 AND deleted_at IS NULL`

	err := repo.db.GetContext(ctx, &wallet, query, userID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &wallet, true, nil
}

// Credit adds amount to the wallet balance in a single atomic statement.
// Concurrent callers (webhook worker, poller, refund path) serialize on the
// row; there is no read-then-write window.
func (repo *WalletRepositoryImpl) Credit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE wallets SET balance=balance+$1, updated_at=NOW() WHERE id=$2 AND deleted_at IS NULL`

	result, err := repo.db.ExecContext(ctx, query, amount, walletID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// Debit subtracts amount from the wallet balance, conditional on the
// balance covering it. The condition lives in the same statement as the
// write; a false return means insufficient funds, with no state change.
func (repo *WalletRepositoryImpl) Debit(ctx context.Context, walletID string, amount decimal.Decimal) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE wallets SET balance=balance-$1, updated_at=NOW()
		WHERE id=$2 AND balance >= $1 AND deleted_at IS NULL`

	result, err := repo.db.ExecContext(ctx, query, amount, walletID)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}
