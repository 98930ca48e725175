package model

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Loyalty reward types
const (
	LevelRewardDiscount   = "discount"
	LevelRewardBonus      = "bonus"
	LevelRewardGiftChoice = "gift_choice"
)

// LoyaltyLevel is a purchase-sum threshold on the loyalty ladder.
type LoyaltyLevel struct {
	ID                int64                `db:"id" json:"id"`
	Name              string               `db:"name" json:"name"`
	MinPurchaseAmount decimal.Decimal      `db:"min_purchase_amount" json:"min_purchase_amount"`
	IsActive          bool                 `db:"is_active" json:"is_active"`
	Rewards           []LoyaltyLevelReward `db:"-" json:"rewards"`
}

// LoyaltyLevelReward is one benefit attached to a level.
type LoyaltyLevelReward struct {
	ID             int64           `db:"id" json:"id"`
	LevelID        int64           `db:"level_id" json:"level_id"`
	Type           string          `db:"type" json:"type"`
	Value          decimal.Decimal `db:"value" json:"value"`
	GiftCatalogIDs pq.Int64Array   `db:"gift_catalog_ids" json:"gift_catalog_ids,omitempty"`
}

// UserLoyaltyReward marks a (user, level) pair as granted. Its existence is
// the idempotency guard of the tracker.
type UserLoyaltyReward struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	LevelID   int64     `db:"level_id" json:"level_id"`
	GrantedAt time.Time `db:"granted_at" json:"granted_at"`
}

// LevelGrant is the outcome of granting one level during an evaluation.
type LevelGrant struct {
	Level         LoyaltyLevel     `json:"level"`
	DiscountSetTo *decimal.Decimal `json:"discount_set_to,omitempty"`
	BonusCredited decimal.Decimal  `json:"bonus_credited"`
	GiftIDs       []int64          `json:"gift_ids,omitempty"`
}
