package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// DateBasedStrategy broadcasts a promotion once, at or after its send time,
// to every user with an active device.
type DateBasedStrategy struct {
	tx         repository.Transactor
	promotions repository.PromotionRepository
	pushes     repository.PushNotificationRepository
	queue      JobQueue // nil leaves the job to ProcessDue
	now        func() time.Time
	logger     *zap.Logger
}

func NewDateBasedStrategy(
	tx repository.Transactor,
	promotions repository.PromotionRepository,
	pushes repository.PushNotificationRepository,
	queue JobQueue,
	logger *zap.Logger,
) *DateBasedStrategy {
	return &DateBasedStrategy{
		tx:         tx,
		promotions: promotions,
		pushes:     pushes,
		queue:      queue,
		now:        time.Now,
		logger:     nopLogger(logger),
	}
}

func (s *DateBasedStrategy) Evaluate(ctx context.Context, promo *model.Promotion) error {
	if promo.PushSent {
		return nil
	}
	settings, err := promo.DateBasedSettings()
	if err != nil {
		return err
	}
	now := s.now()
	if now.Before(settings.SendAt) {
		return nil
	}

	var job *model.PushNotification
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// only the run that flips push_sent creates the broadcast
		claimed, err := s.promotions.ClaimPushSent(ctx, promo.ID)
		if err != nil || !claimed {
			return err
		}
		promoID := promo.ID
		job = &model.PushNotification{
			Title:       settings.Title,
			Body:        settings.Body,
			Status:      model.PushScheduled,
			ScheduledAt: &now,
			PromotionID: &promoID,
		}
		return s.pushes.Create(ctx, job)
	})
	if err != nil || job == nil {
		return err
	}

	s.logger.Info("date-based broadcast scheduled",
		zap.Int64("promotion_id", promo.ID),
		zap.Int64("notification_id", job.ID),
	)
	if s.queue != nil {
		if err := s.queue.EnqueueDispatch(ctx, job.ID); err != nil {
			s.logger.Warn("enqueue broadcast failed, left for the due sweep", zap.Int64("notification_id", job.ID), zap.Error(err))
		}
	}
	return nil
}
