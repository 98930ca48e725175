package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"loyaltycore/internal/model"
)

type notificationEventRepository struct {
	db *sqlx.DB
}

func NewNotificationEventRepository(db *sqlx.DB) NotificationEventRepository {
	return &notificationEventRepository{db: db}
}

func (r *notificationEventRepository) Create(ctx context.Context, e *model.NotificationEvent) (bool, error) {
	query := `
		INSERT INTO notification_events (idempotency_key, user_id, kind, title, body, data, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, status, created_at
	`
	err := conn(ctx, r.db).QueryRowxContext(ctx, query,
		e.IdempotencyKey, e.UserID, e.Kind, e.Title, e.Body, nullJSON(e.Data),
	).Scan(&e.ID, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert notification event: %w", err)
	}
	return true, nil
}

func (r *notificationEventRepository) GetByKey(ctx context.Context, key string) (*model.NotificationEvent, error) {
	query := `
		SELECT id, idempotency_key, user_id, kind, title, body, data, status, error, created_at, sent_at
		FROM notification_events
		WHERE idempotency_key = $1
	`
	var e model.NotificationEvent
	if err := conn(ctx, r.db).GetContext(ctx, &e, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrEventNotFound
		}
		return nil, fmt.Errorf("get notification event: %w", err)
	}
	return &e, nil
}

func (r *notificationEventRepository) Claim(ctx context.Context, key string) (bool, error) {
	query := `UPDATE notification_events SET status = 'sending' WHERE idempotency_key = $1 AND status = 'pending'`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("claim notification event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *notificationEventRepository) MarkSent(ctx context.Context, key string, at time.Time) error {
	query := `UPDATE notification_events SET status = 'sent', sent_at = $2, error = NULL WHERE idempotency_key = $1`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, key, at); err != nil {
		return fmt.Errorf("mark notification event sent: %w", err)
	}
	return nil
}

func (r *notificationEventRepository) MarkFailed(ctx context.Context, key string, errMsg string) error {
	query := `UPDATE notification_events SET status = 'failed', error = $2 WHERE idempotency_key = $1`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, key, errMsg); err != nil {
		return fmt.Errorf("mark notification event failed: %w", err)
	}
	return nil
}

// ListPendingKeys finds events whose delivery job was lost, e.g. the process
// stopped between insert and enqueue.
func (r *notificationEventRepository) ListPendingKeys(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT idempotency_key FROM notification_events
		WHERE status = 'pending' AND created_at < $1
		ORDER BY id
		LIMIT $2
	`
	var keys []string
	if err := conn(ctx, r.db).SelectContext(ctx, &keys, query, createdBefore, limit); err != nil {
		return nil, fmt.Errorf("list pending notification events: %w", err)
	}
	return keys, nil
}
