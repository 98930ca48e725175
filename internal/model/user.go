package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// User is the reward-relevant projection of a customer. Profile and auth data
// live in the broader system; this core only mutates the reward aggregates.
type User struct {
	ID              int64           `db:"id" json:"id"`
	Phone           string          `db:"phone" json:"phone"`
	FirstName       string          `db:"first_name" json:"first_name"`
	BirthDate       *time.Time      `db:"birth_date" json:"birth_date,omitempty"`
	City            *string         `db:"city" json:"city,omitempty"`
	ClothingSize    *string         `db:"clothing_size" json:"clothing_size,omitempty"`
	ShoeSize        *string         `db:"shoe_size" json:"shoe_size,omitempty"`
	PromoCode       *string         `db:"promo_code" json:"promo_code,omitempty"`
	ExternalID      *string         `db:"external_id" json:"-"` // ERP customer id
	PurchaseSum     decimal.Decimal `db:"purchase_sum" json:"purchase_sum"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	BonusBalance    decimal.Decimal `db:"bonus_balance" json:"bonus_balance"`
	ReferrerID      *int64          `db:"referrer_id" json:"referrer_id,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// BonusTransaction records one bonus credit applied by a reward grant.
type BonusTransaction struct {
	ID        int64           `db:"id" json:"id"`
	UserID    int64           `db:"user_id" json:"user_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Reason    string          `db:"reason" json:"reason"`
	Reference string          `db:"reference" json:"reference"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Bonus reasons
const (
	BonusReasonLoyaltyLevel = "loyalty_level"
	BonusReasonReferral     = "referral_purchase"
)

// Purchase is a qualifying purchase reported by the ERP or the order pipeline.
type Purchase struct {
	ExternalID  string          `db:"external_id" json:"external_id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	PurchasedAt time.Time       `db:"purchased_at" json:"purchased_at"`
}

var (
	// ErrUserNotFound is returned when a user cannot be found
	ErrUserNotFound = errors.New("user not found")
)
