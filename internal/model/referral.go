package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// UserReferralReward is the ledger row of one referral relationship.
// MaxPurchases and ReferrerBonusPercent are copied from the settings snapshot
// so later promotion edits do not change historical terms.
type UserReferralReward struct {
	ID                   int64           `db:"id" json:"id"`
	NewUserID            int64           `db:"new_user_id" json:"new_user_id"`
	ReferrerID           int64           `db:"referrer_id" json:"referrer_id"`
	PromotionID          int64           `db:"promotion_id" json:"promotion_id"`
	PurchasesRewarded    int             `db:"purchases_rewarded" json:"purchases_rewarded"`
	MaxPurchases         int             `db:"max_purchases" json:"max_purchases"`
	ReferrerBonusPercent decimal.Decimal `db:"referrer_bonus_percent" json:"referrer_bonus_percent"`
	SettingsSnapshot     json.RawMessage `db:"settings_snapshot" json:"settings_snapshot"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
}

// ReferralBonus is the result of rewarding one referred purchase.
type ReferralBonus struct {
	ReferrerID        int64           `json:"referrer_id"`
	Amount            decimal.Decimal `json:"amount"`
	PurchasesRewarded int             `json:"purchases_rewarded"`
}

// RedeemRequest is the request body for applying a promo code.
type RedeemRequest struct {
	Code string `json:"code"`
}

var (
	// ErrPromoCodeNotFound is returned when no user owns the promo code
	ErrPromoCodeNotFound = errors.New("promo code not found")

	// ErrSelfReferral is returned when a user redeems their own code
	ErrSelfReferral = errors.New("cannot redeem own promo code")

	// ErrNoReferralPromotion is returned when no friend discount promotion is live
	ErrNoReferralPromotion = errors.New("no live referral promotion")
)
