package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// FailedFunding is an orphaned credit attempt: the processor confirmed
// money moved but we could not land it in a wallet. Rows here are the
// operator replay queue, never silently retried.
type FailedFunding struct {
	ID           string              `db:"id"`
	Reference    string              `db:"reference"`
	CustomerCode sql.NullString      `db:"customer_code"`
	Amount       decimal.NullDecimal `db:"amount"`
	Reason       string              `db:"reason"`
	Resolved     bool                `db:"resolved"`
	CreatedAt    time.Time           `db:"created_at"`
	ResolvedAt   sql.NullTime        `db:"resolved_at"`
}

type FailedFundingRepository interface {
	Insert(ctx context.Context, funding *FailedFunding) (string, error)
	ListUnresolved(limit int) ([]FailedFunding, error)
	MarkResolved(ctx context.Context, id string) error
}

type FailedFundingRepositoryImpl struct {
	db *sqlx.DB
}

func NewFailedFundingRepository(db *sqlx.DB) FailedFundingRepository {
	return &FailedFundingRepositoryImpl{db: db}
}

func (repo *FailedFundingRepositoryImpl) Insert(ctx context.Context, funding *FailedFunding) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var id string

	query := `
		INSERT INTO failed_fundings (reference, customer_code, amount, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := repo.db.GetContext(ctx, &id, query,
		funding.Reference,
		funding.CustomerCode,
		funding.Amount,
		funding.Reason,
	)
	if err != nil {
		return "", err
	}

	return id, nil
}

func (repo *FailedFundingRepositoryImpl) ListUnresolved(limit int) ([]FailedFunding, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var fundings []FailedFunding

	query := `
        SELECT id, reference, customer_code, amount, reason, resolved, created_at, resolved_at
        FROM failed_fundings
        WHERE resolved=FALSE
        ORDER BY created_at ASC
        LIMIT $1`

	err := repo.db.SelectContext(ctx, &fundings, query, limit)
	if err != nil {
		return nil, err
	}

	return fundings, nil
}

func (repo *FailedFundingRepositoryImpl) MarkResolved(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `UPDATE failed_fundings SET resolved=TRUE, resolved_at=NOW() WHERE id=$1`

	_, err := repo.db.ExecContext(ctx, query, id)
	return err
}
