package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loyaltycore/internal/model"
	"loyaltycore/internal/queue"
)

// BroadcastDispatcher runs broadcast notifications.
// This abstracts the service layer so workers don't depend on it directly.
type BroadcastDispatcher interface {
	// Dispatch sends a due notification to its audience. Losing the claim is not an error.
	Dispatch(ctx context.Context, id int64) (*model.DispatchResult, error)

	// ScheduleRetry moves a failed notification back to scheduled after the backoff.
	ScheduleRetry(ctx context.Context, id int64) (bool, error)
}

// IntentDeliverer sends one recorded per-user notification.
type IntentDeliverer interface {
	Deliver(ctx context.Context, key string) error
}

// Handler processes jobs from the queue.
type Handler struct {
	dispatcher BroadcastDispatcher
	intents    IntentDeliverer
	logger     *zap.Logger
}

// NewHandler creates a new job handler.
func NewHandler(dispatcher BroadcastDispatcher, intents IntentDeliverer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: dispatcher,
		intents:    intents,
		logger:     logger.Named("worker"),
	}
}

// HandleEvent routes a job to the appropriate handler based on type.
func (h *Handler) HandleEvent(ctx context.Context, event queue.JobEvent) error {
	startTime := time.Now()
	var err error

	switch event.Type {
	case queue.EventDispatchPush:
		err = h.handleDispatchPush(ctx, event)
	case queue.EventDeliverIntent:
		err = h.handleDeliverIntent(ctx, event)
	default:
		h.logger.Warn("unknown job type", zap.String("type", event.Type))
		return fmt.Errorf("unknown job type: %s", event.Type)
	}

	if err != nil {
		h.logger.Error("job failed",
			zap.String("type", event.Type),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err),
		)
		return err
	}

	h.logger.Debug("job done", zap.String("type", event.Type), zap.Duration("duration", time.Since(startTime)))
	return nil
}

// handleDispatchPush runs one broadcast and queues a retry when it failed.
func (h *Handler) handleDispatchPush(ctx context.Context, event queue.JobEvent) error {
	if h.dispatcher == nil {
		return errors.New("dispatcher not configured")
	}

	result, err := h.dispatcher.Dispatch(ctx, event.NotificationID)
	if err != nil {
		return fmt.Errorf("dispatch notification %d: %w", event.NotificationID, err)
	}
	if result.Skipped {
		h.logger.Debug("dispatch skipped", zap.Int64("notification_id", event.NotificationID))
		return nil
	}

	h.logger.Info("dispatch finished",
		zap.Int64("notification_id", result.NotificationID),
		zap.String("status", result.Status),
		zap.Int("recipients", result.RecipientsCount),
		zap.Int("sent", result.SentCount),
		zap.Int("failed", result.FailedCount),
	)

	if result.Status != model.PushFailed {
		return nil
	}

	retried, err := h.dispatcher.ScheduleRetry(ctx, event.NotificationID)
	if err != nil {
		return fmt.Errorf("schedule retry for notification %d: %w", event.NotificationID, err)
	}
	if !retried {
		h.logger.Warn("dispatch retries exhausted", zap.Int64("notification_id", event.NotificationID))
	}
	return nil
}

// handleDeliverIntent sends one notification event. A rejected push is already
// recorded on the event, so it is logged and not treated as a job failure.
func (h *Handler) handleDeliverIntent(ctx context.Context, event queue.JobEvent) error {
	if h.intents == nil {
		return errors.New("intent deliverer not configured")
	}

	err := h.intents.Deliver(ctx, event.IntentKey)
	var de *model.DeliveryError
	if errors.As(err, &de) {
		h.logger.Warn("intent not delivered",
			zap.String("key", event.IntentKey),
			zap.Int64("user_id", de.UserID),
			zap.Error(de.Err),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deliver intent %s: %w", event.IntentKey, err)
	}
	return nil
}
