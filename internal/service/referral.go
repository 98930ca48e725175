package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// ReferralLedger applies friend discounts and rewards referrers for a capped
// number of purchases made by the referred user.
type ReferralLedger struct {
	tx         repository.Transactor
	users      repository.UserRepository
	promotions repository.PromotionRepository
	referrals  repository.ReferralRepository
	intents    intentSink
	ledger     Ledger // optional
	now        func() time.Time
	logger     *zap.Logger
}

func NewReferralLedger(
	tx repository.Transactor,
	users repository.UserRepository,
	promotions repository.PromotionRepository,
	referrals repository.ReferralRepository,
	intents intentSink,
	ledger Ledger,
	logger *zap.Logger,
) *ReferralLedger {
	return &ReferralLedger{
		tx:         tx,
		users:      users,
		promotions: promotions,
		referrals:  referrals,
		intents:    intents,
		ledger:     ledger,
		now:        time.Now,
		logger:     nopLogger(logger),
	}
}

// Redeem applies the referrer's promo code for a new user under the live
// friend-discount promotion.
func (l *ReferralLedger) Redeem(ctx context.Context, newUserID int64, code string) (*model.UserReferralReward, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, model.ErrPromoCodeNotFound
	}
	referrer, err := l.users.GetByPromoCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrer.ID == newUserID {
		return nil, model.ErrSelfReferral
	}

	promos, err := l.promotions.ListLiveByType(ctx, model.PromotionFriendDiscount, l.now())
	if err != nil {
		return nil, err
	}
	if len(promos) == 0 {
		return nil, model.ErrNoReferralPromotion
	}
	return l.Apply(ctx, newUserID, referrer.ID, &promos[0])
}

// Apply links newUserID to referrerID once. The promotion settings are
// snapshotted so later edits do not change the terms.
func (l *ReferralLedger) Apply(ctx context.Context, newUserID, referrerID int64, promo *model.Promotion) (*model.UserReferralReward, error) {
	settings, err := promo.FriendDiscountSettings()
	if err != nil {
		return nil, err
	}
	user, err := l.users.GetByID(ctx, newUserID)
	if err != nil {
		return nil, err
	}

	reward := &model.UserReferralReward{
		NewUserID:            newUserID,
		ReferrerID:           referrerID,
		PromotionID:          promo.ID,
		MaxPurchases:         settings.ReferrerMaxPurchases,
		ReferrerBonusPercent: settings.ReferrerBonusPercent,
		SettingsSnapshot:     promo.Settings,
	}

	var discountChanged bool
	err = l.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := l.referrals.GetByNewUser(ctx, newUserID)
		if err != nil {
			return err
		}
		if existing != nil {
			return model.ErrAlreadyApplied
		}
		created, err := l.referrals.Create(ctx, reward)
		if err != nil {
			return err
		}
		if !created {
			return model.ErrAlreadyApplied
		}
		if err := l.users.SetReferrer(ctx, newUserID, referrerID); err != nil {
			return err
		}
		if settings.NewUserDiscountPercent.IsPositive() {
			discountChanged, err = l.users.RaiseDiscount(ctx, newUserID, settings.NewUserDiscountPercent)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = l.intents.Raise(ctx, model.Intent{
		Key:    fmt.Sprintf("referral-applied:%d", newUserID),
		UserID: newUserID,
		Kind:   model.EventReferralJoined,
		Title:  "Friend discount applied",
		Body:   fmt.Sprintf("Your %s%% friend discount is active.", settings.NewUserDiscountPercent.String()),
		Data:   map[string]string{"promotion_id": strconv.FormatInt(promo.ID, 10)},
	})
	if err != nil {
		l.logger.Warn("referral intent failed", zap.Int64("user_id", newUserID), zap.Error(err))
	}
	if discountChanged {
		syncLedger(ctx, l.ledger, l.logger, "set_discount", user, func(ctx context.Context, externalID string) error {
			return l.ledger.SetDiscount(ctx, externalID, settings.NewUserDiscountPercent)
		})
	}
	return reward, nil
}

// RewardPurchase credits the referrer for one purchase of newUserID while the
// cap allows it. A nil result means nothing was rewarded.
func (l *ReferralLedger) RewardPurchase(ctx context.Context, newUserID int64, amount decimal.Decimal, reference string) (*model.ReferralBonus, error) {
	var bonus *model.ReferralBonus
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		bonus, err = l.rewardPurchaseTx(ctx, newUserID, amount, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.notifyBonus(ctx, newUserID, bonus)
	return bonus, nil
}

// rewardPurchaseTx is RewardPurchase for callers that own the transaction.
func (l *ReferralLedger) rewardPurchaseTx(ctx context.Context, newUserID int64, amount decimal.Decimal, reference string) (*model.ReferralBonus, error) {
	if !amount.IsPositive() {
		return nil, nil
	}
	// the conditional increment is the cap guard
	reward, ok, err := l.referrals.IncrementIfBelowCap(ctx, newUserID)
	if err != nil || !ok {
		return nil, err
	}

	credit := amount.Mul(reward.ReferrerBonusPercent).Div(hundred).Round(2)
	if credit.IsPositive() {
		if err := l.users.AddBonus(ctx, reward.ReferrerID, credit, model.BonusReasonReferral, reference); err != nil {
			return nil, err
		}
	}
	return &model.ReferralBonus{
		ReferrerID:        reward.ReferrerID,
		Amount:            credit,
		PurchasesRewarded: reward.PurchasesRewarded,
	}, nil
}

func (l *ReferralLedger) notifyBonus(ctx context.Context, newUserID int64, bonus *model.ReferralBonus) {
	if bonus == nil || !bonus.Amount.IsPositive() {
		return
	}
	metrics.IncReferralBonus()

	err := l.intents.Raise(ctx, model.Intent{
		Key:    fmt.Sprintf("referral-bonus:%d:%d", newUserID, bonus.PurchasesRewarded),
		UserID: bonus.ReferrerID,
		Kind:   model.EventReferralBonus,
		Title:  "Bonus for your friend's purchase",
		Body:   fmt.Sprintf("You received %s bonus points.", bonus.Amount.StringFixed(2)),
		Data:   map[string]string{"amount": bonus.Amount.String()},
	})
	if err != nil {
		l.logger.Warn("referral bonus intent failed", zap.Int64("referrer_id", bonus.ReferrerID), zap.Error(err))
	}

	referrer, err := l.users.GetByID(ctx, bonus.ReferrerID)
	if err != nil {
		l.logger.Warn("load referrer for ledger sync", zap.Int64("referrer_id", bonus.ReferrerID), zap.Error(err))
		return
	}
	syncLedger(ctx, l.ledger, l.logger, "add_bonus", referrer, func(ctx context.Context, externalID string) error {
		return l.ledger.AddBonus(ctx, externalID, bonus.Amount, model.BonusReasonReferral)
	})
}
