package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"loyaltycore/internal/model"
)

type loyaltyRepository struct {
	db *sqlx.DB
}

func NewLoyaltyRepository(db *sqlx.DB) LoyaltyRepository {
	return &loyaltyRepository{db: db}
}

func (r *loyaltyRepository) ListActiveLevelsUpTo(ctx context.Context, sum decimal.Decimal) ([]model.LoyaltyLevel, error) {
	q := conn(ctx, r.db)

	var levels []model.LoyaltyLevel
	err := q.SelectContext(ctx, &levels, `
		SELECT id, name, min_purchase_amount, is_active
		FROM loyalty_levels
		WHERE is_active AND min_purchase_amount <= $1
		ORDER BY min_purchase_amount, id
	`, sum)
	if err != nil {
		return nil, fmt.Errorf("list loyalty levels: %w", err)
	}
	if len(levels) == 0 {
		return levels, nil
	}

	ids := make([]int64, len(levels))
	index := make(map[int64]int, len(levels))
	for i, l := range levels {
		ids[i] = l.ID
		index[l.ID] = i
	}

	var rewards []model.LoyaltyLevelReward
	err = q.SelectContext(ctx, &rewards, `
		SELECT id, level_id, type, value, gift_catalog_ids
		FROM loyalty_level_rewards
		WHERE level_id = ANY($1)
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list loyalty level rewards: %w", err)
	}
	for _, rw := range rewards {
		i := index[rw.LevelID]
		levels[i].Rewards = append(levels[i].Rewards, rw)
	}
	return levels, nil
}

func (r *loyaltyRepository) ListGrantedLevelIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := conn(ctx, r.db).SelectContext(ctx, &ids,
		`SELECT level_id FROM user_loyalty_rewards WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list granted levels: %w", err)
	}
	return ids, nil
}

func (r *loyaltyRepository) GrantLevel(ctx context.Context, userID, levelID int64) (bool, error) {
	query := `
		INSERT INTO user_loyalty_rewards (user_id, level_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, level_id) DO NOTHING
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, userID, levelID)
	if err != nil {
		return false, fmt.Errorf("grant loyalty level: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
