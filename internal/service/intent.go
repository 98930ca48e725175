package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/push"
	"loyaltycore/internal/repository"
)

// IntentService turns per-user notification intents into at most one push
// each. The idempotency key of an intent is the identity of the logical event.
type IntentService struct {
	events   repository.NotificationEventRepository
	tokens   tokenLookup
	notifier push.Notifier
	queue    JobQueue // nil delivers inline

	sendTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func NewIntentService(
	events repository.NotificationEventRepository,
	tokens tokenLookup,
	notifier push.Notifier,
	queue JobQueue,
	sendTimeout time.Duration,
	logger *zap.Logger,
) *IntentService {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &IntentService{
		events:      events,
		tokens:      tokens,
		notifier:    notifier,
		queue:       queue,
		sendTimeout: sendTimeout,
		now:         time.Now,
		logger:      nopLogger(logger),
	}
}

// Record stores the intent. false means an intent with the same key already
// exists and nothing was written. Safe to call inside a transaction.
func (s *IntentService) Record(ctx context.Context, in model.Intent) (bool, error) {
	if strings.TrimSpace(in.Key) == "" || in.UserID <= 0 {
		return false, fmt.Errorf("%w: intent needs a key and a user", model.ErrValidation)
	}
	data, err := encodeData(in.Data)
	if err != nil {
		return false, err
	}
	return s.events.Create(ctx, &model.NotificationEvent{
		IdempotencyKey: in.Key,
		UserID:         in.UserID,
		Kind:           in.Kind,
		Title:          in.Title,
		Body:           in.Body,
		Data:           data,
	})
}

// Dispatch hands a recorded intent to delivery. Call it after the recording
// transaction committed. Enqueue failures leave the event pending for
// RedeliverPending.
func (s *IntentService) Dispatch(ctx context.Context, key string) {
	if s.queue != nil {
		if err := s.queue.EnqueueIntent(ctx, key); err != nil {
			s.logger.Warn("enqueue intent failed, left for redelivery", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := s.Deliver(ctx, key); err != nil {
		s.logger.Warn("inline intent delivery failed", zap.String("key", key), zap.Error(err))
	}
}

// Raise records the intent and dispatches it when it is new.
func (s *IntentService) Raise(ctx context.Context, in model.Intent) error {
	created, err := s.Record(ctx, in)
	if err != nil {
		return err
	}
	if created {
		s.Dispatch(ctx, in.Key)
	}
	return nil
}

// Deliver sends the event identified by key. Only the caller that moves the
// event from pending to sending performs the send.
func (s *IntentService) Deliver(ctx context.Context, key string) error {
	ev, err := s.events.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if ev.Status != model.EventPending {
		return nil
	}

	claimed, err := s.events.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	token, ok, err := s.tokens.ActiveTokenFor(ctx, ev.UserID)
	if err != nil {
		_ = s.events.MarkFailed(context.WithoutCancel(ctx), key, err.Error())
		return fmt.Errorf("lookup device for event %s: %w", key, err)
	}
	if !ok {
		metrics.IncPushDelivery("intent", "no_device")
		return s.events.MarkFailed(ctx, key, "no active device")
	}

	data := decodeData(ev.Data)
	data["kind"] = ev.Kind

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	sendErr := s.notifier.Send(sendCtx, push.Message{Token: token, Title: ev.Title, Body: ev.Body, Data: data})
	cancel()

	if sendErr != nil {
		metrics.IncPushDelivery("intent", model.DeliveryFailed)
		if err := s.events.MarkFailed(ctx, key, sendErr.Error()); err != nil {
			return err
		}
		return &model.DeliveryError{UserID: ev.UserID, Err: sendErr}
	}

	metrics.IncPushDelivery("intent", model.DeliverySent)
	return s.events.MarkSent(ctx, key, s.now())
}

// RedeliverPending re-dispatches events left pending for more than a minute.
func (s *IntentService) RedeliverPending(ctx context.Context) (int, error) {
	keys, err := s.events.ListPendingKeys(ctx, s.now().Add(-time.Minute), defaultPageSize)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		s.Dispatch(ctx, key)
	}
	if len(keys) > 0 {
		s.logger.Info("redelivered pending intents", zap.Int("count", len(keys)))
	}
	return len(keys), nil
}

// IsDeliveryError reports whether err is a non-fatal per-recipient failure.
func IsDeliveryError(err error) bool {
	var de *model.DeliveryError
	return errors.As(err, &de)
}
