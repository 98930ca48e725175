package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// PurchaseService is the entry point for qualifying purchases. It keeps the
// purchase sum current and runs the purchase-driven reward rules.
type PurchaseService struct {
	tx           repository.Transactor
	users        repository.UserRepository
	referrals    *ReferralLedger
	loyalty      *LoyaltyTracker
	accumulation *AccumulationStrategy
	ledger       Ledger // optional
	pageSize     int
	now          func() time.Time
	logger       *zap.Logger
}

func NewPurchaseService(
	tx repository.Transactor,
	users repository.UserRepository,
	referrals *ReferralLedger,
	loyalty *LoyaltyTracker,
	accumulation *AccumulationStrategy,
	ledger Ledger,
	logger *zap.Logger,
) *PurchaseService {
	return &PurchaseService{
		tx:           tx,
		users:        users,
		referrals:    referrals,
		loyalty:      loyalty,
		accumulation: accumulation,
		ledger:       ledger,
		pageSize:     defaultPageSize,
		now:          time.Now,
		logger:       nopLogger(logger),
	}
}

// Record stores p once by its external id. false means the purchase was seen
// before and nothing changed.
func (s *PurchaseService) Record(ctx context.Context, p model.Purchase) (bool, error) {
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	if p.ExternalID == "" || p.UserID <= 0 {
		return false, fmt.Errorf("%w: purchase needs an external id and a user", model.ErrValidation)
	}
	if !p.Amount.IsPositive() {
		return false, fmt.Errorf("%w: purchase amount must be positive", model.ErrValidation)
	}
	if p.PurchasedAt.IsZero() {
		p.PurchasedAt = s.now()
	}

	var (
		recorded bool
		sum      decimal.Decimal
		bonus    *model.ReferralBonus
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		recorded, err = s.users.RecordPurchase(ctx, p)
		if err != nil || !recorded {
			return err
		}
		sum, err = s.users.AddPurchaseSum(ctx, p.UserID, p.Amount)
		if err != nil {
			return err
		}
		if s.referrals != nil {
			bonus, err = s.referrals.rewardPurchaseTx(ctx, p.UserID, p.Amount, "purchase:"+p.ExternalID)
		}
		return err
	})
	if err != nil {
		metrics.IncPurchaseIngested("error")
		return false, err
	}
	if !recorded {
		metrics.IncPurchaseIngested("duplicate")
		return false, nil
	}
	metrics.IncPurchaseIngested("recorded")

	if s.referrals != nil {
		s.referrals.notifyBonus(ctx, p.UserID, bonus)
	}
	s.afterSumChanged(ctx, p.UserID, sum)
	return true, nil
}

// afterSumChanged runs the rules that depend on the purchase sum. The sum is
// already stored, so failures here are logged and left for the sweeps.
func (s *PurchaseService) afterSumChanged(ctx context.Context, userID int64, sum decimal.Decimal) {
	if s.loyalty != nil {
		if _, err := s.loyalty.Evaluate(ctx, userID); err != nil {
			s.logger.Warn("loyalty evaluation after purchase failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	if s.accumulation != nil {
		if _, err := s.accumulation.EvaluateForUser(ctx, userID, sum); err != nil {
			s.logger.Warn("accumulation check after purchase failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// SyncFromLedger pulls purchase sums from the ERP for every linked user and
// re-runs the reward rules where the sum moved. It returns the number of
// users updated.
func (s *PurchaseService) SyncFromLedger(ctx context.Context) (int, error) {
	if s.ledger == nil {
		return 0, nil
	}

	var (
		afterID int64
		updated int
	)
	for {
		users, err := s.users.ListPage(ctx, afterID, s.pageSize)
		if err != nil {
			return updated, err
		}
		for i := range users {
			if err := ctx.Err(); err != nil {
				return updated, err
			}
			u := &users[i]
			if u.ExternalID == nil || *u.ExternalID == "" {
				continue
			}
			sum, err := s.ledger.PurchaseSum(ctx, *u.ExternalID)
			if err != nil {
				metrics.IncLedgerSyncError("purchase_sum")
				s.logger.Warn("ledger sync failed", zap.Error(&model.SyncError{Op: "purchase_sum", UserID: u.ID, Err: err}))
				continue
			}
			if sum.Equal(u.PurchaseSum) {
				continue
			}
			if err := s.users.SetPurchaseSum(ctx, u.ID, sum); err != nil {
				return updated, err
			}
			updated++
			s.afterSumChanged(ctx, u.ID, sum)
		}
		if len(users) < s.pageSize {
			break
		}
		afterID = users[len(users)-1].ID
	}

	s.logger.Info("purchase sums synced from ledger", zap.Int("updated", updated))
	return updated, nil
}
