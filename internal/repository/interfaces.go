package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltycore/internal/model"
)

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByPromoCode(ctx context.Context, code string) (*model.User, error)
	// ListPage returns users with id > afterID ordered by id (keyset pagination).
	ListPage(ctx context.Context, afterID int64, limit int) ([]model.User, error)
	// ListByMinPurchaseSum pages through users whose purchase sum reaches min.
	ListByMinPurchaseSum(ctx context.Context, min decimal.Decimal, afterID int64, limit int) ([]model.User, error)
	// ListBirthdaysWithActiveDevice returns users born on month/day who hold an active device.
	ListBirthdaysWithActiveDevice(ctx context.Context, month time.Month, day int) ([]model.User, error)
	AddPurchaseSum(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
	SetPurchaseSum(ctx context.Context, userID int64, sum decimal.Decimal) error
	// RaiseDiscount sets discount to max(current, percent) and reports whether it changed.
	RaiseDiscount(ctx context.Context, userID int64, percent decimal.Decimal) (bool, error)
	// AddBonus credits the balance and writes a bonus transaction row.
	AddBonus(ctx context.Context, userID int64, amount decimal.Decimal, reason, reference string) error
	SetReferrer(ctx context.Context, userID, referrerID int64) error
	// RecordPurchase stores a purchase once; false means it was already recorded.
	RecordPurchase(ctx context.Context, p model.Purchase) (bool, error)
}

type PromotionRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Promotion, error)
	ListLiveByType(ctx context.Context, promoType string, now time.Time) ([]model.Promotion, error)
	// ClaimPushSent flips push_sent false -> true; only one caller ever gets true.
	ClaimPushSent(ctx context.Context, id int64) (bool, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	GetCatalogItems(ctx context.Context, ids []int64) ([]model.GiftCatalog, error)
}

type GrantRepository interface {
	// Claim inserts the idempotency key; false means it already existed.
	Claim(ctx context.Context, key string, userID int64) (bool, error)
}

type GiftRepository interface {
	Create(ctx context.Context, gift *model.Gift) error
	GetByID(ctx context.Context, id int64) (*model.Gift, error)
	// GetForUpdate locks the gift row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*model.Gift, error)
	// ListGroupForUpdate locks every gift of the group in id order.
	ListGroupForUpdate(ctx context.Context, groupID uuid.UUID) ([]model.Gift, error)
	// Transition moves a non-voided gift from -> to; false means the row did not match.
	Transition(ctx context.Context, id int64, from, to string, at time.Time) (bool, error)
	VoidSiblings(ctx context.Context, groupID uuid.UUID, exceptID int64, at time.Time) (int64, error)
	ListByUser(ctx context.Context, userID int64) ([]model.Gift, error)
}

type LoyaltyRepository interface {
	// ListActiveLevelsUpTo returns active levels with threshold <= sum, ascending, rewards attached.
	ListActiveLevelsUpTo(ctx context.Context, sum decimal.Decimal) ([]model.LoyaltyLevel, error)
	ListGrantedLevelIDs(ctx context.Context, userID int64) ([]int64, error)
	// GrantLevel inserts the (user, level) row; false means it already existed.
	GrantLevel(ctx context.Context, userID, levelID int64) (bool, error)
}

type ReferralRepository interface {
	GetByNewUser(ctx context.Context, newUserID int64) (*model.UserReferralReward, error)
	// Create inserts the ledger row; false means the new user already has one.
	Create(ctx context.Context, r *model.UserReferralReward) (bool, error)
	// IncrementIfBelowCap bumps purchases_rewarded when below max_purchases and
	// returns the updated row; false means the cap was reached or no row exists.
	IncrementIfBelowCap(ctx context.Context, newUserID int64) (*model.UserReferralReward, bool, error)
}

type DeviceTokenRepository interface {
	// LockToken serializes writers of one token value for the current transaction.
	LockToken(ctx context.Context, token string) error
	DeactivateTokenForOthers(ctx context.Context, token string, userID int64) (int64, error)
	UpsertActive(ctx context.Context, userID int64, token string, deviceType, deviceInfo *string, at time.Time) error
	Deactivate(ctx context.Context, userID int64, token string) (int64, error)
	DeactivateAll(ctx context.Context, userID int64) (int64, error)
	// GetActiveByUserID returns the most recently used active token, or nil.
	GetActiveByUserID(ctx context.Context, userID int64) (*model.DeviceToken, error)
}

type AudienceRepository interface {
	// ResolveUserIDs returns users with an active device matching filters.
	ResolveUserIDs(ctx context.Context, filters model.TargetFilters) ([]int64, error)
	CountUsers(ctx context.Context, filters model.TargetFilters) (int, error)
}

type PushNotificationRepository interface {
	Create(ctx context.Context, n *model.PushNotification) error
	GetByID(ctx context.Context, id int64) (*model.PushNotification, error)
	// Update applies input only while the notification is draft or scheduled.
	Update(ctx context.Context, id int64, input model.PushNotificationInput) (bool, error)
	// Delete removes the notification only in a deletable status.
	Delete(ctx context.Context, id int64) (bool, error)
	// TransitionStatus moves the notification to `to` when its status is one of from.
	TransitionStatus(ctx context.Context, id int64, from []string, to string) (bool, error)
	// ClaimForSending moves a due scheduled notification to sending.
	ClaimForSending(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, recipients, sent, failed int, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string, recipients, sent, failed int, at time.Time) error
	// FailStaleSending fails every notification left in sending since before
	// cutoff and returns their ids.
	FailStaleSending(ctx context.Context, cutoff time.Time, errMsg string, at time.Time) ([]int64, error)
	// ScheduleRetry moves failed -> scheduled at `at` while attempts < maxAttempts.
	ScheduleRetry(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]int64, error)
	RecordDelivery(ctx context.Context, d *model.PushDelivery) error
	ListSentUserIDs(ctx context.Context, notificationID int64) ([]int64, error)
}

type NotificationEventRepository interface {
	// Create stores the event; false means the idempotency key was seen before.
	Create(ctx context.Context, e *model.NotificationEvent) (bool, error)
	GetByKey(ctx context.Context, key string) (*model.NotificationEvent, error)
	// Claim moves pending -> sending; false means another run owns it.
	Claim(ctx context.Context, key string) (bool, error)
	MarkSent(ctx context.Context, key string, at time.Time) error
	MarkFailed(ctx context.Context, key string, errMsg string) error
	ListPendingKeys(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
}
