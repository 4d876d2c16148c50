package repository

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/cradoe/kudi/assets"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
)

const defaultTimeout = 3 * time.Second

// ErrDuplicateReference is returned when an insert trips the unique
// constraint on a processor reference. It is the dedup signal for the
// whole pipeline, not an incidental failure.
var ErrDuplicateReference = errors.New("duplicate reference")

// Database interface defines available repositories
type Database interface {
	User() UserRepository
	Wallet() WalletRepository
	Transaction() TransactionRepository
	WebhookEvent() WebhookEventRepository
	FailedFunding() FailedFundingRepository

	Close() error
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// DatabaseImpl implements the Database interface
type DatabaseImpl struct {
	db                *sqlx.DB
	userRepo          UserRepository
	walletRepo        WalletRepository
	transactionRepo   TransactionRepository
	webhookEventRepo  WebhookEventRepository
	failedFundingRepo FailedFundingRepository

	mu sync.Mutex
}

// New initializes a database connection and runs migrations if enabled
func New(dsn string, automigrate bool) (Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", "postgres://"+dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(2 * time.Hour)

	if automigrate {
		iofsDriver, err := iofs.New(assets.EmbeddedFiles, "migrations")
		if err != nil {
			return nil, err
		}

		migrator, err := migrate.NewWithSourceInstance("iofs", iofsDriver, "postgres://"+dsn)
		if err != nil {
			return nil, err
		}

		if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, err
		}
	}

	return &DatabaseImpl{db: db}, nil
}

func (d *DatabaseImpl) Close() error {
	return d.db.Close()
}

func (d *DatabaseImpl) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	tx, err := d.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (d *DatabaseImpl) User() UserRepository {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.userRepo == nil {
		d.userRepo = NewUserRepository(d.db)
	}
	return d.userRepo
}

func (d *DatabaseImpl) Wallet() WalletRepository {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.walletRepo == nil {
		d.walletRepo = NewWalletRepository(d.db)
	}
	return d.walletRepo
}

func (d *DatabaseImpl) Transaction() TransactionRepository {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.transactionRepo == nil {
		d.transactionRepo = NewTransactionRepository(d.db)
	}
	return d.transactionRepo
}

func (d *DatabaseImpl) WebhookEvent() WebhookEventRepository {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.webhookEventRepo == nil {
		d.webhookEventRepo = NewWebhookEventRepository(d.db)
	}
	return d.webhookEventRepo
}

func (d *DatabaseImpl) FailedFunding() FailedFundingRepository {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failedFundingRepo == nil {
		d.failedFundingRepo = NewFailedFundingRepository(d.db)
	}
	return d.failedFundingRepo
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
