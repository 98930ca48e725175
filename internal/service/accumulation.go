package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// AccumulationStrategy grants a gift once to every user whose purchase sum
// reaches the promotion threshold.
type AccumulationStrategy struct {
	tx         repository.Transactor
	users      repository.UserRepository
	promotions repository.PromotionRepository
	grants     repository.GrantRepository
	gifts      *GiftService
	intents    intentSink
	pageSize   int
	now        func() time.Time
	logger     *zap.Logger
}

func NewAccumulationStrategy(
	tx repository.Transactor,
	users repository.UserRepository,
	promotions repository.PromotionRepository,
	grants repository.GrantRepository,
	gifts *GiftService,
	intents intentSink,
	logger *zap.Logger,
) *AccumulationStrategy {
	return &AccumulationStrategy{
		tx:         tx,
		users:      users,
		promotions: promotions,
		grants:     grants,
		gifts:      gifts,
		intents:    intents,
		pageSize:   defaultPageSize,
		now:        time.Now,
		logger:     nopLogger(logger),
	}
}

// accumulationRule is a promotion with its settings resolved.
type accumulationRule struct {
	promo     *model.Promotion
	settings  *model.AccumulationSettings
	catalog   []model.GiftCatalog
	threshold decimal.Decimal
}

func (s *AccumulationStrategy) load(ctx context.Context, promo *model.Promotion) (*accumulationRule, error) {
	settings, err := promo.AccumulationSettings()
	if err != nil {
		return nil, err
	}
	catalog, err := s.promotions.GetCatalogItems(ctx, settings.GiftCatalogIDs)
	if err != nil {
		return nil, err
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("%w: no active catalog entries", model.ErrInvalidSettings)
	}

	threshold := settings.Threshold
	if !threshold.IsPositive() {
		// without an explicit threshold the user must reach every entry's minimum
		for _, item := range catalog {
			if item.MinPurchaseAmount.GreaterThan(threshold) {
				threshold = item.MinPurchaseAmount
			}
		}
	}
	if !threshold.IsPositive() {
		return nil, fmt.Errorf("%w: threshold must be positive", model.ErrInvalidSettings)
	}
	return &accumulationRule{promo: promo, settings: settings, catalog: catalog, threshold: threshold}, nil
}

// Evaluate pages through every qualifying user of the promotion.
func (s *AccumulationStrategy) Evaluate(ctx context.Context, promo *model.Promotion) error {
	rule, err := s.load(ctx, promo)
	if err != nil {
		return err
	}

	var afterID int64
	granted := 0
	for {
		users, err := s.users.ListByMinPurchaseSum(ctx, rule.threshold, afterID, s.pageSize)
		if err != nil {
			return err
		}
		for _, u := range users {
			ok, err := s.grant(ctx, rule, u.ID)
			if err != nil {
				metrics.IncSweepError(model.PromotionAccumulation)
				s.logger.Warn("accumulation grant failed",
					zap.Int64("promotion_id", promo.ID),
					zap.Int64("user_id", u.ID),
					zap.Error(err),
				)
				continue
			}
			if ok {
				granted++
			}
		}
		if len(users) < s.pageSize {
			break
		}
		afterID = users[len(users)-1].ID
	}

	if granted > 0 {
		s.logger.Info("accumulation gifts granted", zap.Int64("promotion_id", promo.ID), zap.Int("count", granted))
	}
	return nil
}

// EvaluateForUser applies every live accumulation promotion to one user with
// the given purchase sum. It returns the number of new grants.
func (s *AccumulationStrategy) EvaluateForUser(ctx context.Context, userID int64, sum decimal.Decimal) (int, error) {
	promos, err := s.promotions.ListLiveByType(ctx, model.PromotionAccumulation, s.now())
	if err != nil {
		return 0, err
	}

	granted := 0
	for i := range promos {
		rule, err := s.load(ctx, &promos[i])
		if err != nil {
			s.logger.Warn("skipping accumulation promotion", zap.Int64("promotion_id", promos[i].ID), zap.Error(err))
			continue
		}
		if sum.LessThan(rule.threshold) {
			continue
		}
		ok, err := s.grant(ctx, rule, userID)
		if err != nil {
			return granted, err
		}
		if ok {
			granted++
		}
	}
	return granted, nil
}

// grant claims the idempotency key and creates the gift in one transaction.
func (s *AccumulationStrategy) grant(ctx context.Context, rule *accumulationRule, userID int64) (bool, error) {
	grantKey := fmt.Sprintf("accumulation:%d:%d", rule.promo.ID, userID)
	promoID := rule.promo.ID
	spec := model.GiftSpec{UserID: userID, PromotionID: &promoID, Source: model.GiftSourcePromotion}
	notice := Notice{Title: rule.settings.Title, Body: rule.settings.Body}

	var intentKey string
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		claimed, err := s.grants.Claim(ctx, grantKey, userID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		if len(rule.catalog) == 1 {
			catalogID := rule.catalog[0].ID
			spec.GiftCatalogID = &catalogID
			_, intentKey, err = s.gifts.CreateTx(ctx, spec, notice)
			return err
		}
		ids := make([]int64, len(rule.catalog))
		for i, item := range rule.catalog {
			ids[i] = item.ID
		}
		_, intentKey, err = s.gifts.CreateGroupTx(ctx, spec, ids, notice)
		return err
	})
	if err != nil {
		return false, err
	}
	if intentKey == "" {
		return false, nil
	}
	s.intents.Dispatch(ctx, intentKey)
	return true, nil
}
