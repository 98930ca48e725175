package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// LoyaltyTracker grants every loyalty level a user's purchase sum has reached,
// each level exactly once.
type LoyaltyTracker struct {
	tx       repository.Transactor
	users    repository.UserRepository
	levels   repository.LoyaltyRepository
	gifts    *GiftService
	intents  intentSink
	ledger   Ledger // optional
	pageSize int
	logger   *zap.Logger
}

func NewLoyaltyTracker(
	tx repository.Transactor,
	users repository.UserRepository,
	levels repository.LoyaltyRepository,
	gifts *GiftService,
	intents intentSink,
	ledger Ledger,
	logger *zap.Logger,
) *LoyaltyTracker {
	return &LoyaltyTracker{
		tx:       tx,
		users:    users,
		levels:   levels,
		gifts:    gifts,
		intents:  intents,
		ledger:   ledger,
		pageSize: defaultPageSize,
		logger:   nopLogger(logger),
	}
}

// Evaluate grants the levels newly reached by userID in ascending order and
// raises a single level-up notification for the highest one.
func (t *LoyaltyTracker) Evaluate(ctx context.Context, userID int64) ([]model.LevelGrant, error) {
	user, err := t.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	levels, err := t.levels.ListActiveLevelsUpTo(ctx, user.PurchaseSum)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, nil
	}

	grantedIDs, err := t.levels.ListGrantedLevelIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	granted := make(map[int64]bool, len(grantedIDs))
	for _, id := range grantedIDs {
		granted[id] = true
	}

	var (
		grants     []model.LevelGrant
		giftIntent []string
	)
	for _, level := range levels {
		if granted[level.ID] {
			continue
		}
		grant, keys, err := t.grantLevel(ctx, userID, level)
		if err != nil {
			return grants, fmt.Errorf("grant level %d: %w", level.ID, err)
		}
		if grant != nil {
			grants = append(grants, *grant)
			giftIntent = append(giftIntent, keys...)
		}
	}

	for _, key := range giftIntent {
		t.intents.Dispatch(ctx, key)
	}
	if len(grants) == 0 {
		return nil, nil
	}

	metrics.IncLevelsGranted(len(grants))
	t.notifyLevelUp(ctx, userID, grants)
	t.syncLedger(ctx, user, grants)
	return grants, nil
}

// grantLevel inserts the (user, level) row and applies the rewards in one
// transaction. A nil grant means another run got there first.
func (t *LoyaltyTracker) grantLevel(ctx context.Context, userID int64, level model.LoyaltyLevel) (*model.LevelGrant, []string, error) {
	var (
		grant *model.LevelGrant
		keys  []string
	)
	err := t.tx.WithinTx(ctx, func(ctx context.Context) error {
		inserted, err := t.levels.GrantLevel(ctx, userID, level.ID)
		if err != nil || !inserted {
			return err
		}

		g := model.LevelGrant{Level: level, BonusCredited: decimal.Zero}
		for _, reward := range level.Rewards {
			switch reward.Type {
			case model.LevelRewardDiscount:
				changed, err := t.users.RaiseDiscount(ctx, userID, reward.Value)
				if err != nil {
					return err
				}
				if changed {
					v := reward.Value
					g.DiscountSetTo = &v
				}
			case model.LevelRewardBonus:
				if !reward.Value.IsPositive() {
					continue
				}
				ref := "level:" + strconv.FormatInt(level.ID, 10)
				if err := t.users.AddBonus(ctx, userID, reward.Value, model.BonusReasonLoyaltyLevel, ref); err != nil {
					return err
				}
				g.BonusCredited = g.BonusCredited.Add(reward.Value)
			case model.LevelRewardGiftChoice:
				ids := []int64(reward.GiftCatalogIDs)
				if len(ids) == 0 {
					t.logger.Warn("gift_choice reward without catalog entries", zap.Int64("level_id", level.ID))
					continue
				}
				spec := model.GiftSpec{UserID: userID, Source: model.GiftSourceLoyalty}
				notice := Notice{Body: "Your new level " + level.Name + " comes with a gift."}
				if len(ids) == 1 {
					spec.GiftCatalogID = &ids[0]
					gift, key, err := t.gifts.CreateTx(ctx, spec, notice)
					if err != nil {
						return err
					}
					g.GiftIDs = append(g.GiftIDs, gift.ID)
					keys = append(keys, key)
					continue
				}
				gifts, key, err := t.gifts.CreateGroupTx(ctx, spec, ids, notice)
				if err != nil {
					return err
				}
				for _, gift := range gifts {
					g.GiftIDs = append(g.GiftIDs, gift.ID)
				}
				keys = append(keys, key)
			default:
				t.logger.Warn("unknown level reward type", zap.String("type", reward.Type), zap.Int64("level_id", level.ID))
			}
		}
		grant = &g
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return grant, keys, nil
}

func (t *LoyaltyTracker) notifyLevelUp(ctx context.Context, userID int64, grants []model.LevelGrant) {
	top := grants[len(grants)-1].Level
	body := fmt.Sprintf("You reached the %s level.", top.Name)
	if len(grants) > 1 {
		body = fmt.Sprintf("You jumped %d levels and reached %s.", len(grants), top.Name)
	}
	err := t.intents.Raise(ctx, model.Intent{
		Key:    fmt.Sprintf("level-up:%d:%d", userID, top.ID),
		UserID: userID,
		Kind:   model.EventLevelUp,
		Title:  "New loyalty level",
		Body:   body,
		Data: map[string]string{
			"level_id":      strconv.FormatInt(top.ID, 10),
			"level_name":    top.Name,
			"levels_gained": strconv.Itoa(len(grants)),
		},
	})
	if err != nil {
		t.logger.Warn("level-up intent failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (t *LoyaltyTracker) syncLedger(ctx context.Context, user *model.User, grants []model.LevelGrant) {
	var (
		discount *decimal.Decimal
		bonus    = decimal.Zero
	)
	for _, g := range grants {
		if g.DiscountSetTo != nil && (discount == nil || g.DiscountSetTo.GreaterThan(*discount)) {
			discount = g.DiscountSetTo
		}
		bonus = bonus.Add(g.BonusCredited)
	}

	if discount != nil {
		syncLedger(ctx, t.ledger, t.logger, "set_discount", user, func(ctx context.Context, externalID string) error {
			return t.ledger.SetDiscount(ctx, externalID, *discount)
		})
	}
	if bonus.IsPositive() {
		syncLedger(ctx, t.ledger, t.logger, "add_bonus", user, func(ctx context.Context, externalID string) error {
			return t.ledger.AddBonus(ctx, externalID, bonus, model.BonusReasonLoyaltyLevel)
		})
	}
}

// EvaluateAll runs Evaluate for every user. Per-user failures are logged and
// skipped. It returns the number of levels granted.
func (t *LoyaltyTracker) EvaluateAll(ctx context.Context) (int, error) {
	var (
		afterID int64
		total   int
		start   = time.Now()
	)
	for {
		users, err := t.users.ListPage(ctx, afterID, t.pageSize)
		if err != nil {
			return total, err
		}
		for _, u := range users {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			grants, err := t.Evaluate(ctx, u.ID)
			total += len(grants)
			if err != nil {
				metrics.IncSweepError("loyalty")
				t.logger.Warn("loyalty evaluation failed", zap.Int64("user_id", u.ID), zap.Error(err))
			}
		}
		if len(users) < t.pageSize {
			break
		}
		afterID = users[len(users)-1].ID
	}

	t.logger.Info("loyalty sweep finished", zap.Int("levels_granted", total), zap.Duration("took", time.Since(start)))
	return total, nil
}
