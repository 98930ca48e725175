package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/push"
	"loyaltycore/internal/repository"
)

const (
	// staleClaimMargin is added to the batch timeout before a sending claim
	// counts as abandoned.
	staleClaimMargin     = time.Minute
	errDispatchAbandoned = "dispatch abandoned"
)

type DispatcherConfig struct {
	Timeout      time.Duration // whole batch
	SendTimeout  time.Duration // one recipient
	RetryBackoff time.Duration
	MaxAttempts  int
	Parallelism  int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 10
	}
	return c
}

// Dispatcher owns broadcast push notifications: the admin lifecycle and the
// batch send of one job to its audience.
type Dispatcher struct {
	pushes   repository.PushNotificationRepository
	resolver *TargetResolver
	tokens   tokenLookup
	notifier push.Notifier
	queue    JobQueue // nil dispatches inline
	cfg      DispatcherConfig
	now      func() time.Time
	logger   *zap.Logger
}

func NewDispatcher(
	pushes repository.PushNotificationRepository,
	resolver *TargetResolver,
	tokens tokenLookup,
	notifier push.Notifier,
	queue JobQueue,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		pushes:   pushes,
		resolver: resolver,
		tokens:   tokens,
		notifier: notifier,
		queue:    queue,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   nopLogger(logger),
	}
}

func validateInput(in model.PushNotificationInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", model.ErrValidation)
	}
	if strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("%w: body is required", model.ErrValidation)
	}
	return ValidateFilters(in.Filters)
}

// Create stores a new notification as draft, or as scheduled when schedule is set.
func (d *Dispatcher) Create(ctx context.Context, in model.PushNotificationInput, schedule bool) (*model.PushNotification, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	n := &model.PushNotification{
		Title:         in.Title,
		Body:          in.Body,
		Data:          in.Data,
		Status:        model.PushDraft,
		ScheduledAt:   in.ScheduledAt,
		TargetFilters: in.Filters,
	}
	if schedule {
		n.Status = model.PushScheduled
	}
	if err := d.pushes.Create(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (d *Dispatcher) Get(ctx context.Context, id int64) (*model.PushNotification, error) {
	return d.pushes.GetByID(ctx, id)
}

// Update edits a draft or scheduled notification.
func (d *Dispatcher) Update(ctx context.Context, id int64, in model.PushNotificationInput) (*model.PushNotification, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if _, err := d.pushes.GetByID(ctx, id); err != nil {
		return nil, err
	}
	ok, err := d.pushes.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrNotEditable
	}
	return d.pushes.GetByID(ctx, id)
}

// Schedule moves a draft to scheduled.
func (d *Dispatcher) Schedule(ctx context.Context, id int64) error {
	return d.transition(ctx, id, []string{model.PushDraft}, model.PushScheduled)
}

// Cancel stops a draft or scheduled notification from being sent.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) error {
	return d.transition(ctx, id, []string{model.PushDraft, model.PushScheduled}, model.PushCancelled)
}

func (d *Dispatcher) Delete(ctx context.Context, id int64) error {
	if _, err := d.pushes.GetByID(ctx, id); err != nil {
		return err
	}
	ok, err := d.pushes.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrNotEditable
	}
	return nil
}

// Retry puts a failed notification back in the queue right away. Unlike the
// automatic retry it ignores the attempt cap.
func (d *Dispatcher) Retry(ctx context.Context, id int64) error {
	if err := d.transition(ctx, id, []string{model.PushFailed}, model.PushScheduled); err != nil {
		return err
	}
	d.enqueue(ctx, id)
	return nil
}

// ScheduleRetry reschedules a failed notification after the backoff while
// attempts remain. false means the job stays failed.
func (d *Dispatcher) ScheduleRetry(ctx context.Context, id int64) (bool, error) {
	return d.pushes.ScheduleRetry(ctx, id, d.now().Add(d.cfg.RetryBackoff), d.cfg.MaxAttempts)
}

// Preview counts the audience of filters without sending anything.
func (d *Dispatcher) Preview(ctx context.Context, filters model.TargetFilters) (int, error) {
	return d.resolver.Count(ctx, filters)
}

// ProcessDue fails abandoned sends, then hands every due scheduled
// notification to dispatch.
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	if _, err := d.ReapStale(ctx); err != nil {
		return 0, err
	}
	ids, err := d.pushes.ListDue(ctx, d.now(), defaultPageSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		d.enqueue(ctx, id)
	}
	return len(ids), nil
}

// ReapStale fails notifications whose sender stopped before finishing: the
// claim is older than the batch timeout plus a margin. Each one gets the
// automatic retry while attempts remain.
func (d *Dispatcher) ReapStale(ctx context.Context) (int, error) {
	now := d.now()
	cutoff := now.Add(-(d.cfg.Timeout + staleClaimMargin))
	ids, err := d.pushes.FailStaleSending(ctx, cutoff, errDispatchAbandoned, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		retried, err := d.ScheduleRetry(ctx, id)
		if err != nil {
			return 0, err
		}
		d.logger.Warn("abandoned push notification failed",
			zap.Int64("notification_id", id),
			zap.Bool("retry_scheduled", retried),
		)
	}
	return len(ids), nil
}

func (d *Dispatcher) enqueue(ctx context.Context, id int64) {
	if d.queue != nil {
		if err := d.queue.EnqueueDispatch(ctx, id); err != nil {
			d.logger.Warn("enqueue dispatch failed, left for the due sweep", zap.Int64("notification_id", id), zap.Error(err))
		}
		return
	}
	if _, err := d.Dispatch(ctx, id); err != nil {
		d.logger.Error("inline dispatch failed", zap.Int64("notification_id", id), zap.Error(err))
	}
}

func (d *Dispatcher) transition(ctx context.Context, id int64, from []string, to string) error {
	if _, err := d.pushes.GetByID(ctx, id); err != nil {
		return err
	}
	ok, err := d.pushes.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrInvalidState
	}
	return nil
}

// Dispatch sends notification id to its audience. Only the caller that claims
// the scheduled job sends; every other caller gets a Skipped result. A fault
// marks the job failed and is reported through the result, not the error.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) (*model.DispatchResult, error) {
	start := d.now()
	claimed, err := d.pushes.ClaimForSending(ctx, id, start)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &model.DispatchResult{NotificationID: id, Skipped: true}, nil
	}

	// from here on the claim is ours and every exit must leave a final
	// status; the caller's context may already be gone
	writeCtx := context.WithoutCancel(ctx)

	n, err := d.pushes.GetByID(ctx, id)
	if err != nil {
		return d.fail(writeCtx, &model.DispatchResult{NotificationID: id}, fmt.Errorf("load notification: %w", err))
	}

	batchCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	res, runErr := d.run(batchCtx, n)
	metrics.ObserveDispatchDuration(time.Since(start))

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("dispatch timed out after %s: %w", d.cfg.Timeout, runErr)
		}
		return d.fail(writeCtx, res, runErr)
	}

	res.Status = model.PushSent
	if err := d.pushes.MarkSent(writeCtx, id, res.RecipientsCount, res.SentCount, res.FailedCount, d.now()); err != nil {
		// left in sending, ReapStale fails it later
		return res, err
	}
	d.logger.Info("push notification sent",
		zap.Int64("notification_id", id),
		zap.Int("recipients", res.RecipientsCount),
		zap.Int("sent", res.SentCount),
		zap.Int("failed", res.FailedCount),
	)
	return res, nil
}

// fail records a claimed notification as failed. When even that write is
// lost the row stays in sending until ReapStale picks it up.
func (d *Dispatcher) fail(ctx context.Context, res *model.DispatchResult, cause error) (*model.DispatchResult, error) {
	res.Status = model.PushFailed
	if err := d.pushes.MarkFailed(ctx, res.NotificationID, cause.Error(), res.RecipientsCount, res.SentCount, res.FailedCount, d.now()); err != nil {
		return res, err
	}
	d.logger.Warn("push notification failed",
		zap.Int64("notification_id", res.NotificationID),
		zap.Int("sent", res.SentCount),
		zap.Int("failed", res.FailedCount),
		zap.Error(cause),
	)
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, n *model.PushNotification) (*model.DispatchResult, error) {
	res := &model.DispatchResult{NotificationID: n.ID}

	audience, err := d.resolver.Resolve(ctx, n.TargetFilters)
	if err != nil {
		return res, fmt.Errorf("resolve audience: %w", err)
	}
	res.RecipientsCount = len(audience)

	// users reached by an earlier attempt are not sent to again
	alreadySent, err := d.pushes.ListSentUserIDs(ctx, n.ID)
	if err != nil {
		return res, err
	}
	done := make(map[int64]bool, len(alreadySent))
	for _, id := range alreadySent {
		done[id] = true
	}

	data := decodeData(n.Data)
	data["notification_id"] = strconv.FormatInt(n.ID, 10)
	if n.PromotionID != nil {
		data["promotion_id"] = strconv.FormatInt(*n.PromotionID, 10)
	}

	var sent, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)
	for _, userID := range audience {
		// earlier successes count only while the user is still in the audience
		if done[userID] {
			sent.Add(1)
			continue
		}
		g.Go(func() error {
			ok, err := d.sendOne(gctx, n, userID, data)
			if err != nil {
				return err
			}
			if ok {
				sent.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	res.SentCount = int(sent.Load())
	res.FailedCount = int(failed.Load())
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// sendOne delivers to one recipient and records the outcome. Only storage
// faults are returned as errors.
func (d *Dispatcher) sendOne(ctx context.Context, n *model.PushNotification, userID int64, data map[string]string) (bool, error) {
	delivery := &model.PushDelivery{NotificationID: n.ID, UserID: userID}

	token, ok, err := d.tokens.ActiveTokenFor(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("lookup device for user %d: %w", userID, err)
	}

	var sendErr error
	if !ok {
		sendErr = errors.New("no active device")
	} else {
		delivery.Token = &token
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		sendErr = d.notifier.Send(sendCtx, push.Message{Token: token, Title: n.Title, Body: n.Body, Data: data})
		cancel()
	}

	if sendErr != nil {
		msg := (&model.DeliveryError{UserID: userID, Err: sendErr}).Error()
		delivery.Status = model.DeliveryFailed
		delivery.Error = &msg
		d.logger.Debug("push delivery failed", zap.Int64("notification_id", n.ID), zap.Int64("user_id", userID), zap.Error(sendErr))
	} else {
		delivery.Status = model.DeliverySent
	}
	metrics.IncPushDelivery("broadcast", delivery.Status)

	if err := d.pushes.RecordDelivery(ctx, delivery); err != nil {
		return false, err
	}
	return sendErr == nil, nil
}
