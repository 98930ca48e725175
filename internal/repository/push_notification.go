package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"loyaltycore/internal/model"
)

type pushNotificationRepository struct {
	db *sqlx.DB
}

func NewPushNotificationRepository(db *sqlx.DB) PushNotificationRepository {
	return &pushNotificationRepository{db: db}
}

const pushNotificationColumns = `id, title, body, data, status, scheduled_at, promotion_id,
	cities, clothing_sizes, shoe_sizes, custom_cities, category_ids,
	recipients_count, sent_count, failed_count, attempts, error_message,
	started_at, finished_at, created_at, updated_at`

func (r *pushNotificationRepository) Create(ctx context.Context, n *model.PushNotification) error {
	query := `
		INSERT INTO push_notifications
			(title, body, data, status, scheduled_at, promotion_id,
			 cities, clothing_sizes, shoe_sizes, custom_cities, category_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	err := conn(ctx, r.db).QueryRowxContext(ctx, query,
		n.Title, n.Body, nullJSON(n.Data), n.Status, n.ScheduledAt, n.PromotionID,
		n.Cities, n.ClothingSizes, n.ShoeSizes, n.CustomCities, n.CategoryIDs,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert push notification: %w", err)
	}
	return nil
}

func (r *pushNotificationRepository) GetByID(ctx context.Context, id int64) (*model.PushNotification, error) {
	query := `SELECT ` + pushNotificationColumns + ` FROM push_notifications WHERE id = $1`

	var n model.PushNotification
	if err := conn(ctx, r.db).GetContext(ctx, &n, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("get push notification: %w", err)
	}
	return &n, nil
}

func (r *pushNotificationRepository) Update(ctx context.Context, id int64, in model.PushNotificationInput) (bool, error) {
	query := `
		UPDATE push_notifications SET
			title = $2, body = $3, data = $4, scheduled_at = $5,
			cities = $6, clothing_sizes = $7, shoe_sizes = $8, custom_cities = $9, category_ids = $10,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
	`
	f := in.Filters
	return r.execAffected(ctx, "update push notification", query,
		id, in.Title, in.Body, nullJSON(in.Data), in.ScheduledAt,
		f.Cities, f.ClothingSizes, f.ShoeSizes, f.CustomCities, f.CategoryIDs)
}

func (r *pushNotificationRepository) Delete(ctx context.Context, id int64) (bool, error) {
	query := `DELETE FROM push_notifications WHERE id = $1 AND status IN ('draft', 'scheduled', 'failed', 'cancelled')`
	return r.execAffected(ctx, "delete push notification", query, id)
}

func (r *pushNotificationRepository) TransitionStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	query := `UPDATE push_notifications SET status = $3, updated_at = NOW() WHERE id = $1 AND status = ANY($2)`
	return r.execAffected(ctx, "transition push notification", query, id, pq.Array(from), to)
}

// ClaimForSending is the dispatch guard: of any number of concurrent callers
// exactly one sees true for a given scheduled run.
func (r *pushNotificationRepository) ClaimForSending(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE push_notifications SET
			status = 'sending', attempts = attempts + 1, started_at = $2,
			finished_at = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled' AND (scheduled_at IS NULL OR scheduled_at <= $2)
	`
	return r.execAffected(ctx, "claim push notification", query, id, now)
}

func (r *pushNotificationRepository) MarkSent(ctx context.Context, id int64, recipients, sent, failed int, at time.Time) error {
	query := `
		UPDATE push_notifications SET
			status = 'sent', recipients_count = $2, sent_count = $3, failed_count = $4,
			finished_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, id, recipients, sent, failed, at); err != nil {
		return fmt.Errorf("mark push notification sent: %w", err)
	}
	return nil
}

func (r *pushNotificationRepository) MarkFailed(ctx context.Context, id int64, errMsg string, recipients, sent, failed int, at time.Time) error {
	query := `
		UPDATE push_notifications SET
			status = 'failed', error_message = $2, recipients_count = $3, sent_count = $4,
			failed_count = $5, finished_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, id, errMsg, recipients, sent, failed, at); err != nil {
		return fmt.Errorf("mark push notification failed: %w", err)
	}
	return nil
}

func (r *pushNotificationRepository) FailStaleSending(ctx context.Context, cutoff time.Time, errMsg string, at time.Time) ([]int64, error) {
	query := `
		UPDATE push_notifications SET
			status = 'failed', error_message = $2, finished_at = $3, updated_at = NOW()
		WHERE status = 'sending' AND started_at < $1
		RETURNING id
	`
	var ids []int64
	if err := conn(ctx, r.db).SelectContext(ctx, &ids, query, cutoff, errMsg, at); err != nil {
		return nil, fmt.Errorf("fail stale push notifications: %w", err)
	}
	return ids, nil
}

func (r *pushNotificationRepository) ScheduleRetry(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error) {
	query := `
		UPDATE push_notifications SET status = 'scheduled', scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND attempts < $3
	`
	return r.execAffected(ctx, "schedule push notification retry", query, id, at, maxAttempts)
}

func (r *pushNotificationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM push_notifications
		WHERE status = 'scheduled' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY scheduled_at NULLS FIRST, id
		LIMIT $2
	`
	var ids []int64
	if err := conn(ctx, r.db).SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, fmt.Errorf("list due push notifications: %w", err)
	}
	return ids, nil
}

// RecordDelivery upserts the outcome for (notification, user). A later success
// overwrites an earlier failure.
func (r *pushNotificationRepository) RecordDelivery(ctx context.Context, d *model.PushDelivery) error {
	query := `
		INSERT INTO push_deliveries (notification_id, user_id, token, status, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id, user_id) DO UPDATE SET
			token = EXCLUDED.token, status = EXCLUDED.status, error = EXCLUDED.error, created_at = NOW()
		RETURNING id, created_at
	`
	err := conn(ctx, r.db).QueryRowxContext(ctx, query, d.NotificationID, d.UserID, d.Token, d.Status, d.Error).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record push delivery: %w", err)
	}
	return nil
}

func (r *pushNotificationRepository) ListSentUserIDs(ctx context.Context, notificationID int64) ([]int64, error) {
	var ids []int64
	err := conn(ctx, r.db).SelectContext(ctx, &ids,
		`SELECT user_id FROM push_deliveries WHERE notification_id = $1 AND status = 'sent'`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list delivered users: %w", err)
	}
	return ids, nil
}

func (r *pushNotificationRepository) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// nullJSON keeps an absent payload as SQL NULL instead of an empty string.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
