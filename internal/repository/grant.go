package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type grantRepository struct {
	db *sqlx.DB
}

func NewGrantRepository(db *sqlx.DB) GrantRepository {
	return &grantRepository{db: db}
}

func (r *grantRepository) Claim(ctx context.Context, key string, userID int64) (bool, error) {
	query := `
		INSERT INTO reward_grants (idempotency_key, user_id)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, key, userID)
	if err != nil {
		return false, fmt.Errorf("claim grant %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
