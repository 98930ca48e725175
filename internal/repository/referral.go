package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"loyaltycore/internal/model"
)

type referralRepository struct {
	db *sqlx.DB
}

func NewReferralRepository(db *sqlx.DB) ReferralRepository {
	return &referralRepository{db: db}
}

const referralColumns = `id, new_user_id, referrer_id, promotion_id, purchases_rewarded, max_purchases,
	referrer_bonus_percent, settings_snapshot, created_at`

func (r *referralRepository) GetByNewUser(ctx context.Context, newUserID int64) (*model.UserReferralReward, error) {
	query := `SELECT ` + referralColumns + ` FROM user_referral_rewards WHERE new_user_id = $1`

	var rr model.UserReferralReward
	if err := conn(ctx, r.db).GetContext(ctx, &rr, query, newUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get referral reward: %w", err)
	}
	return &rr, nil
}

func (r *referralRepository) Create(ctx context.Context, rr *model.UserReferralReward) (bool, error) {
	query := `
		INSERT INTO user_referral_rewards
			(new_user_id, referrer_id, promotion_id, purchases_rewarded, max_purchases, referrer_bonus_percent, settings_snapshot)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
		ON CONFLICT (new_user_id) DO NOTHING
		RETURNING id, created_at
	`
	err := conn(ctx, r.db).QueryRowxContext(ctx, query,
		rr.NewUserID, rr.ReferrerID, rr.PromotionID, rr.MaxPurchases, rr.ReferrerBonusPercent, rr.SettingsSnapshot,
	).Scan(&rr.ID, &rr.CreatedAt)
	if err != nil {
		// ON CONFLICT DO NOTHING returns no row
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert referral reward: %w", err)
	}
	rr.PurchasesRewarded = 0
	return true, nil
}

// IncrementIfBelowCap is a single conditional UPDATE, so concurrent purchase
// events can never push the counter past max_purchases.
func (r *referralRepository) IncrementIfBelowCap(ctx context.Context, newUserID int64) (*model.UserReferralReward, bool, error) {
	query := `
		UPDATE user_referral_rewards
		SET purchases_rewarded = purchases_rewarded + 1
		WHERE new_user_id = $1 AND purchases_rewarded < max_purchases
		RETURNING ` + referralColumns

	var rr model.UserReferralReward
	if err := conn(ctx, r.db).GetContext(ctx, &rr, query, newUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("increment referral purchases: %w", err)
	}
	return &rr, true, nil
}
