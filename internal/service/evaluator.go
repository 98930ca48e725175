package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// Strategy evaluates one live promotion of the type it is registered for.
type Strategy interface {
	Evaluate(ctx context.Context, promo *model.Promotion) error
}

// SweepReport summarizes one sweep over the live promotions of a type.
type SweepReport struct {
	Type       string
	Promotions int
	Failed     int
}

// Evaluator runs a registered strategy over every live promotion of a type.
// A failing or panicking promotion never stops the others.
type Evaluator struct {
	promotions repository.PromotionRepository
	strategies map[string]Strategy
	now        func() time.Time
	logger     *zap.Logger
}

func NewEvaluator(promotions repository.PromotionRepository, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		promotions: promotions,
		strategies: make(map[string]Strategy),
		now:        time.Now,
		logger:     nopLogger(logger),
	}
}

// Register binds a strategy to a promotion type.
func (e *Evaluator) Register(promoType string, s Strategy) {
	e.strategies[promoType] = s
}

// Sweep evaluates every live promotion of promoType.
func (e *Evaluator) Sweep(ctx context.Context, promoType string) (SweepReport, error) {
	report := SweepReport{Type: promoType}

	strategy, ok := e.strategies[promoType]
	if !ok {
		return report, fmt.Errorf("no strategy registered for promotion type %q", promoType)
	}

	promos, err := e.promotions.ListLiveByType(ctx, promoType, e.now())
	if err != nil {
		return report, err
	}

	for i := range promos {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		promo := &promos[i]
		report.Promotions++
		if err := e.runIsolated(ctx, strategy, promo); err != nil {
			report.Failed++
			metrics.IncSweepError(promoType)
			e.logger.Warn("promotion evaluation failed",
				zap.Int64("promotion_id", promo.ID),
				zap.String("type", promoType),
				zap.Error(err),
			)
		}
	}
	return report, nil
}

func (e *Evaluator) runIsolated(ctx context.Context, s Strategy, promo *model.Promotion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.logger.Error("promotion evaluation panicked",
				zap.Int64("promotion_id", promo.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return s.Evaluate(ctx, promo)
}

// ExpirePromotions deactivates promotions whose end date has passed.
func (e *Evaluator) ExpirePromotions(ctx context.Context) (int64, error) {
	n, err := e.promotions.DeactivateExpired(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("expired promotions deactivated", zap.Int64("count", n))
	}
	return n, nil
}
