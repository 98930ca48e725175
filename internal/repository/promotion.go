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

type promotionRepository struct {
	db *sqlx.DB
}

func NewPromotionRepository(db *sqlx.DB) PromotionRepository {
	return &promotionRepository{db: db}
}

const promotionColumns = `id, name, type, is_active, is_archived, start_date, end_date, settings, push_sent, created_at, updated_at`

func (r *promotionRepository) GetByID(ctx context.Context, id int64) (*model.Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`

	var p model.Promotion
	if err := conn(ctx, r.db).GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrPromotionNotFound
		}
		return nil, fmt.Errorf("get promotion: %w", err)
	}
	return &p, nil
}

// ListLiveByType mirrors Promotion.IsLive in SQL.
func (r *promotionRepository) ListLiveByType(ctx context.Context, promoType string, now time.Time) ([]model.Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions
		WHERE type = $1
		  AND is_active AND NOT is_archived
		  AND (start_date IS NULL OR start_date <= $2)
		  AND (end_date IS NULL OR end_date >= $2)
		ORDER BY id`

	var promos []model.Promotion
	if err := conn(ctx, r.db).SelectContext(ctx, &promos, query, promoType, now); err != nil {
		return nil, fmt.Errorf("list live promotions: %w", err)
	}
	return promos, nil
}

func (r *promotionRepository) ClaimPushSent(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE promotions SET push_sent = true, updated_at = NOW() WHERE id = $1 AND NOT push_sent`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim push_sent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *promotionRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE promotions SET is_active = false, updated_at = NOW()
		WHERE is_active AND end_date IS NOT NULL AND end_date < $1
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired promotions: %w", err)
	}
	return result.RowsAffected()
}

func (r *promotionRepository) GetCatalogItems(ctx context.Context, ids []int64) ([]model.GiftCatalog, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, name, description, min_purchase_amount, is_active
		FROM gift_catalog
		WHERE id = ANY($1) AND is_active
		ORDER BY id
	`
	var items []model.GiftCatalog
	if err := conn(ctx, r.db).SelectContext(ctx, &items, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("get catalog items: %w", err)
	}
	return items, nil
}
