package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Promotion types
const (
	PromotionAccumulation   = "accumulation"
	PromotionDateBased      = "date_based"
	PromotionBirthday       = "birthday"
	PromotionFriendDiscount = "friend_discount"
)

// Promotion is a configured reward rule. Settings shape depends on Type.
type Promotion struct {
	ID         int64           `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	Type       string          `db:"type" json:"type"`
	IsActive   bool            `db:"is_active" json:"is_active"`
	IsArchived bool            `db:"is_archived" json:"is_archived"`
	StartDate  *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate    *time.Time      `db:"end_date" json:"end_date,omitempty"`
	Settings   json.RawMessage `db:"settings" json:"settings"`
	PushSent   bool            `db:"push_sent" json:"push_sent"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// IsLive reports whether the promotion takes part in evaluation at now.
func (p *Promotion) IsLive(now time.Time) bool {
	if !p.IsActive || p.IsArchived {
		return false
	}
	if p.StartDate != nil && now.Before(*p.StartDate) {
		return false
	}
	if p.EndDate != nil && now.After(*p.EndDate) {
		return false
	}
	return true
}

// AccumulationSettings binds a purchase threshold to one or more catalog gifts.
// When several catalog entries are listed the user gets a choice group.
type AccumulationSettings struct {
	Threshold      decimal.Decimal `json:"threshold"`
	GiftCatalogIDs []int64         `json:"gift_catalog_ids"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
}

// DateBasedSettings configures a one-off lottery style broadcast.
type DateBasedSettings struct {
	SendAt time.Time `json:"send_at"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
}

// BirthdayRule is one notification rule inside a birthday promotion.
type BirthdayRule struct {
	SendTime   string `json:"send_time"` // "HH:MM"
	DaysBefore int    `json:"days_before"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// BirthdaySettings holds the rules of a birthday promotion.
type BirthdaySettings struct {
	Notifications []BirthdayRule `json:"notifications"`
}

// FriendDiscountSettings configures the referral program.
type FriendDiscountSettings struct {
	ReferrerBonusPercent   decimal.Decimal `json:"referrer_bonus_percent"`
	ReferrerMaxPurchases   int             `json:"referrer_max_purchases"`
	NewUserDiscountPercent decimal.Decimal `json:"new_user_discount_percent"`
}

func decodeSettings(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: empty settings", ErrInvalidSettings)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// AccumulationSettings decodes and validates accumulation settings.
func (p *Promotion) AccumulationSettings() (*AccumulationSettings, error) {
	var s AccumulationSettings
	if err := decodeSettings(p.Settings, &s); err != nil {
		return nil, err
	}
	if len(s.GiftCatalogIDs) == 0 {
		return nil, fmt.Errorf("%w: gift_catalog_ids is required", ErrInvalidSettings)
	}
	if s.Threshold.IsNegative() {
		return nil, fmt.Errorf("%w: threshold must not be negative", ErrInvalidSettings)
	}
	return &s, nil
}

// DateBasedSettings decodes and validates date-based settings.
func (p *Promotion) DateBasedSettings() (*DateBasedSettings, error) {
	var s DateBasedSettings
	if err := decodeSettings(p.Settings, &s); err != nil {
		return nil, err
	}
	if s.SendAt.IsZero() {
		return nil, fmt.Errorf("%w: send_at is required", ErrInvalidSettings)
	}
	if strings.TrimSpace(s.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidSettings)
	}
	return &s, nil
}

// BirthdaySettings decodes and validates birthday settings.
func (p *Promotion) BirthdaySettings() (*BirthdaySettings, error) {
	var s BirthdaySettings
	if err := decodeSettings(p.Settings, &s); err != nil {
		return nil, err
	}
	if len(s.Notifications) == 0 {
		return nil, fmt.Errorf("%w: notifications is empty", ErrInvalidSettings)
	}
	for i, rule := range s.Notifications {
		if _, _, err := rule.SendClock(); err != nil {
			return nil, fmt.Errorf("%w: notifications[%d]: %v", ErrInvalidSettings, i, err)
		}
		if rule.DaysBefore < 0 {
			return nil, fmt.Errorf("%w: notifications[%d]: days_before must not be negative", ErrInvalidSettings, i)
		}
	}
	return &s, nil
}

// FriendDiscountSettings decodes and validates referral settings.
func (p *Promotion) FriendDiscountSettings() (*FriendDiscountSettings, error) {
	var s FriendDiscountSettings
	if err := decodeSettings(p.Settings, &s); err != nil {
		return nil, err
	}
	if s.ReferrerMaxPurchases < 0 {
		return nil, fmt.Errorf("%w: referrer_max_purchases must not be negative", ErrInvalidSettings)
	}
	if s.ReferrerBonusPercent.IsNegative() || s.NewUserDiscountPercent.IsNegative() {
		return nil, fmt.Errorf("%w: percents must not be negative", ErrInvalidSettings)
	}
	return &s, nil
}

// SendClock parses SendTime as hour and minute.
func (r BirthdayRule) SendClock() (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(r.SendTime), ":")
	if len(parts) < 1 || len(parts) > 3 || parts[0] == "" {
		return 0, 0, fmt.Errorf("send_time %q is not HH:MM", r.SendTime)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("send_time %q has invalid hour", r.SendTime)
	}
	if len(parts) > 1 {
		minute, err = strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, fmt.Errorf("send_time %q has invalid minute", r.SendTime)
		}
	}
	return hour, minute, nil
}

// GiftCatalog is an item users can receive as a gift.
type GiftCatalog struct {
	ID                int64           `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	Description       *string         `db:"description" json:"description,omitempty"`
	MinPurchaseAmount decimal.Decimal `db:"min_purchase_amount" json:"min_purchase_amount"`
	IsActive          bool            `db:"is_active" json:"is_active"`
}

var (
	// ErrPromotionNotFound is returned when a promotion cannot be found
	ErrPromotionNotFound = errors.New("promotion not found")
)
