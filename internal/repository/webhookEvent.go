package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// WebhookEvent is the durable dedup record for one processor notification.
// A row is created before processing starts; processed/error_message record
// the outcome. The composite unique key on (reference, event_type) is the
// admission control for both the webhook path and the poller.
type WebhookEvent struct {
	ID           string         `db:"id"`
	Reference    string         `db:"reference"`
	EventType    string         `db:"event_type"`
	Processed    bool           `db:"processed"`
	ErrorMessage sql.NullString `db:"error_message"`
	ReceivedAt   time.Time      `db:"received_at"`
	ProcessedAt  sql.NullTime   `db:"processed_at"`
}

type WebhookEventRepository interface {
	Admit(ctx context.Context, reference, eventType string) (*WebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMessage string) error
	ListFailed(limit int) ([]WebhookEvent, error)
}

type WebhookEventRepositoryImpl struct {
	db *sqlx.DB
}

func NewWebhookEventRepository(db *sqlx.DB) WebhookEventRepository {
	return &WebhookEventRepositoryImpl{db: db}
}

// Admit attempts to claim (reference, eventType) for processing. The
// second return value is true on first sight. A duplicate is detected by
// the unique-constraint violation on insert, never by a prior read, so
// two callers racing on the same reference cannot both win.
func (repo *WebhookEventRepositoryImpl) Admit(ctx context.Context, reference, eventType string) (*WebhookEvent, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var evt WebhookEvent

	query := `
		INSERT INTO webhook_events (reference, event_type)
		VALUES ($1, $2)
		RETURNING id, reference, event_type, processed, error_message, received_at`

	err := repo.db.GetContext(ctx, &evt, query, reference, eventType)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &evt, true, nil
}

func (repo *WebhookEventRepositoryImpl) MarkProcessed(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE webhook_events SET processed=TRUE, error_message=NULL, processed_at=NOW() WHERE id=$1`

	_, err := repo.db.ExecContext(ctx, query, id)
	return err
}

func (repo *WebhookEventRepositoryImpl) MarkFailed(ctx context.Context, id string, errMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
		UPDATE webhook_events SET error_message=$1, processed_at=NOW() WHERE id=$2`

	_, err := repo.db.ExecContext(ctx, query, errMessage, id)
	return err
}

func (repo *WebhookEventRepositoryImpl) ListFailed(limit int) ([]WebhookEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var events []WebhookEvent

	query := `
        SELECT id, reference, event_type, processed, error_message, received_at, processed_at
        FROM webhook_events
        WHERE processed=FALSE AND error_message IS NOT NULL
        ORDER BY received_at DESC
        LIMIT $1`

	err := repo.db.SelectContext(ctx, &events, query, limit)
	if err != nil {
		return nil, err
	}

	return events, nil
}
