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

type deviceTokenRepository struct {
	db *sqlx.DB
}

func NewDeviceTokenRepository(db *sqlx.DB) DeviceTokenRepository {
	return &deviceTokenRepository{db: db}
}

// LockToken takes a transaction-scoped advisory lock keyed by the token value.
// Must be called inside a transaction.
func (r *deviceTokenRepository) LockToken(ctx context.Context, token string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token)
	if err != nil {
		return fmt.Errorf("lock device token: %w", err)
	}
	return nil
}

func (r *deviceTokenRepository) DeactivateTokenForOthers(ctx context.Context, token string, userID int64) (int64, error) {
	query := `
		UPDATE device_tokens SET is_active = false, updated_at = NOW()
		WHERE token = $1 AND user_id <> $2 AND is_active
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, token, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate token for other users: %w", err)
	}
	return result.RowsAffected()
}

// UpsertActive creates or reactivates the (user, token) row.
func (r *deviceTokenRepository) UpsertActive(ctx context.Context, userID int64, token string, deviceType, deviceInfo *string, at time.Time) error {
	query := `
		INSERT INTO device_tokens (user_id, token, device_type, device_info, is_active, last_used_at, updated_at)
		VALUES ($1, $2, $3, $4, true, $5, NOW())
		ON CONFLICT (user_id, token) DO UPDATE SET
			device_type = COALESCE(EXCLUDED.device_type, device_tokens.device_type),
			device_info = COALESCE(EXCLUDED.device_info, device_tokens.device_info),
			is_active = true,
			last_used_at = EXCLUDED.last_used_at,
			updated_at = NOW()
	`
	_, err := conn(ctx, r.db).ExecContext(ctx, query, userID, token, deviceType, deviceInfo, at)
	if err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}
	return nil
}

func (r *deviceTokenRepository) Deactivate(ctx context.Context, userID int64, token string) (int64, error) {
	query := `
		UPDATE device_tokens SET is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND is_active
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, userID, token)
	if err != nil {
		return 0, fmt.Errorf("deactivate device token: %w", err)
	}
	return result.RowsAffected()
}

func (r *deviceTokenRepository) DeactivateAll(ctx context.Context, userID int64) (int64, error) {
	query := `UPDATE device_tokens SET is_active = false, updated_at = NOW() WHERE user_id = $1 AND is_active`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate all device tokens: %w", err)
	}
	return result.RowsAffected()
}

func (r *deviceTokenRepository) GetActiveByUserID(ctx context.Context, userID int64) (*model.DeviceToken, error) {
	query := `
		SELECT id, user_id, token, device_type, device_info, is_active, last_used_at, created_at, updated_at
		FROM device_tokens
		WHERE user_id = $1 AND is_active
		ORDER BY last_used_at DESC, id DESC
		LIMIT 1
	`
	var token model.DeviceToken
	if err := conn(ctx, r.db).GetContext(ctx, &token, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active device token: %w", err)
	}
	return &token, nil
}
