package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"loyaltycore/internal/model"
)

type giftRepository struct {
	db *sqlx.DB
}

func NewGiftRepository(db *sqlx.DB) GiftRepository {
	return &giftRepository{db: db}
}

const giftColumns = `id, user_id, promotion_id, gift_catalog_id, gift_group_id, source, status,
	voided_at, selected_at, activated_at, issued_at, created_at`

// giftTimestampColumn is the column stamped when a gift enters a status.
var giftTimestampColumn = map[string]string{
	model.GiftSelected:  "selected_at",
	model.GiftActivated: "activated_at",
	model.GiftIssued:    "issued_at",
}

func (r *giftRepository) Create(ctx context.Context, gift *model.Gift) error {
	query := `
		INSERT INTO gifts (user_id, promotion_id, gift_catalog_id, gift_group_id, source, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	row := conn(ctx, r.db).QueryRowxContext(ctx, query,
		gift.UserID, gift.PromotionID, gift.GiftCatalogID, gift.GiftGroupID, gift.Source, gift.Status)
	if err := row.Scan(&gift.ID, &gift.CreatedAt); err != nil {
		return fmt.Errorf("insert gift: %w", err)
	}
	return nil
}

func (r *giftRepository) GetByID(ctx context.Context, id int64) (*model.Gift, error) {
	return r.get(ctx, `SELECT `+giftColumns+` FROM gifts WHERE id = $1`, id)
}

func (r *giftRepository) GetForUpdate(ctx context.Context, id int64) (*model.Gift, error) {
	return r.get(ctx, `SELECT `+giftColumns+` FROM gifts WHERE id = $1 FOR UPDATE`, id)
}

func (r *giftRepository) get(ctx context.Context, query string, id int64) (*model.Gift, error) {
	var gift model.Gift
	if err := conn(ctx, r.db).GetContext(ctx, &gift, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrGiftNotFound
		}
		return nil, fmt.Errorf("get gift: %w", err)
	}
	return &gift, nil
}

func (r *giftRepository) ListGroupForUpdate(ctx context.Context, groupID uuid.UUID) ([]model.Gift, error) {
	query := `SELECT ` + giftColumns + ` FROM gifts WHERE gift_group_id = $1 ORDER BY id FOR UPDATE`

	var gifts []model.Gift
	if err := conn(ctx, r.db).SelectContext(ctx, &gifts, query, groupID); err != nil {
		return nil, fmt.Errorf("lock gift group: %w", err)
	}
	return gifts, nil
}

func (r *giftRepository) Transition(ctx context.Context, id int64, from, to string, at time.Time) (bool, error) {
	column, ok := giftTimestampColumn[to]
	if !ok {
		return false, fmt.Errorf("%w: unknown target status %q", model.ErrInvalidState, to)
	}
	query := `UPDATE gifts SET status = $3, ` + column + ` = $4
		WHERE id = $1 AND status = $2 AND voided_at IS NULL`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id, from, to, at)
	if err != nil {
		return false, fmt.Errorf("transition gift: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *giftRepository) VoidSiblings(ctx context.Context, groupID uuid.UUID, exceptID int64, at time.Time) (int64, error) {
	query := `
		UPDATE gifts SET voided_at = $3
		WHERE gift_group_id = $1 AND id <> $2 AND status = 'pending' AND voided_at IS NULL
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, groupID, exceptID, at)
	if err != nil {
		return 0, fmt.Errorf("void sibling gifts: %w", err)
	}
	return result.RowsAffected()
}

func (r *giftRepository) ListByUser(ctx context.Context, userID int64) ([]model.Gift, error) {
	query := `SELECT ` + giftColumns + ` FROM gifts WHERE user_id = $1 ORDER BY created_at DESC, id DESC`

	var gifts []model.Gift
	if err := conn(ctx, r.db).SelectContext(ctx, &gifts, query, userID); err != nil {
		return nil, fmt.Errorf("list gifts: %w", err)
	}
	return gifts, nil
}
