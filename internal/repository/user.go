package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type User struct {
	ID                  string         `db:"id"`
	FirstName           string         `db:"first_name"`
	LastName            string         `db:"last_name"`
	PhoneNumber         string         `db:"phone_number"`
	ChatID              string         `db:"chat_id"`
	FundingCustomerCode sql.NullString `db:"funding_customer_code"`
	PinHash             sql.NullString `db:"pin_hash"`
	Status              string         `db:"status"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           sql.NullTime   `db:"updated_at"`
	DeletedAt           sql.NullTime   `db:"deleted_at"`
}

const (
	// UserAccountActiveStatus indicates that the user's account is active and
	// fully functional.
	UserAccountActiveStatus = "active"

	// UserAccountLockedStatus indicates that an operator has locked the
	// account. A locked account cannot initiate transfers until an
	// operator unlocks it; PIN-failure lockouts are time-bound and never
	// touch this status.
	UserAccountLockedStatus = "locked"
)

type UserRepository interface {
	Insert(user *User, tx *sqlx.Tx) (string, error)
	GetOne(id string) (*User, bool, error)
	GetByChatID(chatID string) (*User, bool, error)
	GetByCustomerCode(customerCode string) (*User, bool, error)
	AllWithFundingAccounts() ([]User, error)
	ChangePin(id string, pinHash string) error
	Lock(id string) error
	Unlock(id string) error
}

type UserRepositoryImpl struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &UserRepositoryImpl{db: db}
}

func (repo *UserRepositoryImpl) Insert(user *User, tx *sqlx.Tx) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var id string
	query := `
		INSERT INTO users (first_name, last_name, phone_number, chat_id, funding_customer_code, pin_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if tx != nil {
		err := tx.QueryRowContext(ctx, query,
			user.FirstName,
			user.LastName,
			user.PhoneNumber,
			user.ChatID,
			user.FundingCustomerCode,
			user.PinHash,
		).Scan(&id)
		if err != nil {
			return "", err
		}
	} else {
		err := repo.db.GetContext(ctx, &id, query,
			user.FirstName,
			user.LastName,
			user.PhoneNumber,
			user.ChatID,
			user.FundingCustomerCode,
			user.PinHash,
		)
		if err != nil {
			return "", err
		}
	}

	return id, nil
}

func (repo *UserRepositoryImpl) GetOne(id string) (*User, bool, error) {
	return repo.getBy("id", id)
}

func (repo *UserRepositoryImpl) GetByChatID(chatID string) (*User, bool, error) {
	return repo.getBy("chat_id", chatID)
}

func (repo *UserRepositoryImpl) GetByCustomerCode(customerCode string) (*User, bool, error) {
	return repo.getBy("funding_customer_code", customerCode)
}

func (repo *UserRepositoryImpl) getBy(column, value string) (*User, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var user User

	query := `
        SELECT id, first_name, last_name, phone_number, chat_id, funding_customer_code, pin_hash, status, created_at
        FROM users WHERE ` + column + `=$1 AND deleted_at IS NULL`

	err := repo.db.GetContext(ctx, &user, query, value)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &user, true, nil
}

// AllWithFundingAccounts returns the users the polling reconciler walks:
// everyone assigned a processor customer code. Locked users are included;
// a lock suspends outbound transfers, not inbound crediting.
func (repo *UserRepositoryImpl) AllWithFundingAccounts() ([]User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var users []User

	query := `
        SELECT id, first_name, last_name, phone_number, chat_id, funding_customer_code, pin_hash, status, created_at
        FROM users
        WHERE funding_customer_code IS NOT NULL AND deleted_at IS NULL`

	err := repo.db.SelectContext(ctx, &users, query)
	if err != nil {
		return nil, err
	}

	return users, nil
}

func (repo *UserRepositoryImpl) ChangePin(id string, pinHash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	query := `UPDATE users SET pin_hash=$1, updated_at=NOW() WHERE id=$2`

	_, err := repo.db.ExecContext(ctx, query, pinHash, id)
	return err
}

// Lock durably suspends the account at operator request.
func (repo *UserRepositoryImpl) Lock(id string) error {
	return repo.setStatus(id, UserAccountLockedStatus)
}

// Unlock restores an operator-locked account to active.
func (repo *UserRepositoryImpl) Unlock(id string) error {
	return repo.setStatus(id, UserAccountActiveStatus)
}

func (repo *UserRepositoryImpl) setStatus(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	query := `UPDATE users SET status=$1, updated_at=NOW() WHERE id=$2`

	_, err := repo.db.ExecContext(ctx, query, status, id)
	return err
}
