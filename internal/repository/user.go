package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"loyaltycore/internal/model"
)

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

type userRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, phone, first_name, birth_date, city, clothing_size, shoe_size, promo_code,
	external_id, purchase_sum, discount_percent, bonus_balance, referrer_id, created_at, updated_at`

func (r *userRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var user model.User
	err := conn(ctx, r.db).GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}

func (r *userRepository) GetByPromoCode(ctx context.Context, code string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE upper(promo_code) = upper($1)`

	var user model.User
	err := conn(ctx, r.db).GetContext(ctx, &user, query, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrPromoCodeNotFound
		}
		return nil, fmt.Errorf("get user by promo code: %w", err)
	}
	return &user, nil
}

func (r *userRepository) ListPage(ctx context.Context, afterID int64, limit int) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id > $1 ORDER BY id LIMIT $2`

	var users []model.User
	if err := conn(ctx, r.db).SelectContext(ctx, &users, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *userRepository) ListByMinPurchaseSum(ctx context.Context, min decimal.Decimal, afterID int64, limit int) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE purchase_sum >= $1 AND id > $2
		ORDER BY id
		LIMIT $3`

	var users []model.User
	if err := conn(ctx, r.db).SelectContext(ctx, &users, query, min, afterID, limit); err != nil {
		return nil, fmt.Errorf("list users by purchase sum: %w", err)
	}
	return users, nil
}

// ListBirthdaysWithActiveDevice matches on month and day only, so the year of
// birth is irrelevant. Feb 29 birthdays are matched on Feb 28 in non-leap years
// by the caller.
func (r *userRepository) ListBirthdaysWithActiveDevice(ctx context.Context, month time.Month, day int) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u
		WHERE u.birth_date IS NOT NULL
		  AND EXTRACT(MONTH FROM u.birth_date) = $1
		  AND EXTRACT(DAY FROM u.birth_date) = $2
		  AND EXISTS (SELECT 1 FROM device_tokens d WHERE d.user_id = u.id AND d.is_active)
		ORDER BY u.id`

	var users []model.User
	if err := conn(ctx, r.db).SelectContext(ctx, &users, query, int(month), day); err != nil {
		return nil, fmt.Errorf("list birthdays: %w", err)
	}
	return users, nil
}

func (r *userRepository) AddPurchaseSum(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE users SET purchase_sum = purchase_sum + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING purchase_sum
	`
	var sum decimal.Decimal
	err := conn(ctx, r.db).GetContext(ctx, &sum, query, userID, amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, model.ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("add purchase sum: %w", err)
	}
	return sum, nil
}

func (r *userRepository) SetPurchaseSum(ctx context.Context, userID int64, sum decimal.Decimal) error {
	query := `UPDATE users SET purchase_sum = $2, updated_at = NOW() WHERE id = $1`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, userID, sum)
	if err != nil {
		return fmt.Errorf("set purchase sum: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func (r *userRepository) RaiseDiscount(ctx context.Context, userID int64, percent decimal.Decimal) (bool, error) {
	query := `
		UPDATE users SET discount_percent = $2, updated_at = NOW()
		WHERE id = $1 AND discount_percent < $2
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, userID, percent)
	if err != nil {
		return false, fmt.Errorf("raise discount: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *userRepository) AddBonus(ctx context.Context, userID int64, amount decimal.Decimal, reason, reference string) error {
	q := conn(ctx, r.db)

	result, err := q.ExecContext(ctx,
		`UPDATE users SET bonus_balance = bonus_balance + $2, updated_at = NOW() WHERE id = $1`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("add bonus: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrUserNotFound
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO bonus_transactions (user_id, amount, reason, reference) VALUES ($1, $2, $3, $4)`,
		userID, amount, reason, reference)
	if err != nil {
		return fmt.Errorf("insert bonus transaction: %w", err)
	}
	return nil
}

func (r *userRepository) SetReferrer(ctx context.Context, userID, referrerID int64) error {
	query := `UPDATE users SET referrer_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, userID, referrerID); err != nil {
		return fmt.Errorf("set referrer: %w", err)
	}
	return nil
}

func (r *userRepository) RecordPurchase(ctx context.Context, p model.Purchase) (bool, error) {
	query := `
		INSERT INTO purchases (external_id, user_id, amount, purchased_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO NOTHING
	`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, p.ExternalID, p.UserID, p.Amount, p.PurchasedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return false, model.ErrUserNotFound
		}
		return false, fmt.Errorf("record purchase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
