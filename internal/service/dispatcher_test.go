package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltycore/internal/model"
)

func seedAudience(e *env, n int) {
	for i := 1; i <= n; i++ {
		id := int64(i)
		city := "Moscow"
		if i%2 == 0 {
			city = "Kazan"
		}
		e.store.addUser(model.User{ID: id, City: &city})
		e.store.addToken(id, fmt.Sprintf("tok-%d", i))
	}
}

func newBroadcast(t *testing.T, e *env, filters model.TargetFilters) *model.PushNotification {
	t.Helper()
	n, err := e.dispatcher.Create(context.Background(), model.PushNotificationInput{
		Title:   "Sale",
		Body:    "Everything is 20% off",
		Data:    mustJSON(map[string]any{"screen": "catalog", "sale": 20}),
		Filters: filters,
	}, true)
	require.NoError(t, err)
	return n
}

func TestDispatcher_SendsToAudience(t *testing.T) {
	e := newEnv()
	seedAudience(e, 4)
	n := newBroadcast(t, e, model.TargetFilters{Cities: pq.StringArray{"moscow"}})

	res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, model.PushSent, res.Status)
	assert.Equal(t, 2, res.RecipientsCount)
	assert.Equal(t, 2, res.SentCount)

	msgs := e.notifier.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "catalog", msgs[0].Data["screen"])
	assert.Equal(t, "20", msgs[0].Data["sale"])
	assert.Equal(t, fmt.Sprint(n.ID), msgs[0].Data["notification_id"])

	stored := e.store.push(n.ID)
	assert.Equal(t, model.PushSent, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotNil(t, stored.FinishedAt)
}

func TestDispatcher_ConcurrentDispatchSendsOnce(t *testing.T) {
	e := newEnv()
	seedAudience(e, 5)
	n := newBroadcast(t, e, model.TargetFilters{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		skipped int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
			if !assert.NoError(t, err) {
				return
			}
			if res.Skipped {
				mu.Lock()
				skipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, skipped)
	assert.Len(t, e.notifier.messages(), 5)
	assert.Equal(t, 5, e.store.push(n.ID).SentCount)
}

func TestDispatcher_RejectedTokensAreCounted(t *testing.T) {
	e := newEnv()
	seedAudience(e, 3)
	e.notifier.reject = map[string]bool{"tok-2": true}
	n := newBroadcast(t, e, model.TargetFilters{})

	res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PushSent, res.Status)
	assert.Equal(t, 3, res.RecipientsCount)
	assert.Equal(t, 2, res.SentCount)
	assert.Equal(t, 1, res.FailedCount)

	d := e.store.deliveries[[2]int64{n.ID, 2}]
	require.NotNil(t, d)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	require.NotNil(t, d.Error)
	assert.Contains(t, *d.Error, "deliver to user 2")
}

func TestDispatcher_RetryDoesNotResendSuccesses(t *testing.T) {
	e := newEnv()
	seedAudience(e, 3)
	n := newBroadcast(t, e, model.TargetFilters{})

	// user 1 was reached by an earlier attempt
	e.store.deliveries[[2]int64{n.ID, 1}] = &model.PushDelivery{NotificationID: n.ID, UserID: 1, Status: model.DeliverySent}

	res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SentCount)

	for _, m := range e.notifier.messages() {
		assert.NotEqual(t, "tok-1", m.Token)
	}
	assert.Len(t, e.notifier.messages(), 2)
}

func TestDispatcher_TimeoutFailsAndRetries(t *testing.T) {
	e := newEnv()
	seedAudience(e, 2)
	e.dispatcher.cfg.Timeout = 30 * time.Millisecond
	e.notifier.delay = 200 * time.Millisecond
	n := newBroadcast(t, e, model.TargetFilters{})

	res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PushFailed, res.Status)

	stored := e.store.push(n.ID)
	assert.Equal(t, model.PushFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "timed out")

	// automatic retry waits for the backoff
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e.dispatcher.now = func() time.Time { return now }
	ok, err := e.dispatcher.ScheduleRetry(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	stored = e.store.push(n.ID)
	assert.Equal(t, model.PushScheduled, stored.Status)
	assert.Equal(t, now.Add(time.Minute), *stored.ScheduledAt)

	res, err = e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "not due before the backoff elapsed")
}

func TestDispatcher_RetryCap(t *testing.T) {
	e := newEnv()
	seedAudience(e, 1)
	n := newBroadcast(t, e, model.TargetFilters{})

	e.store.pushes[n.ID].Status = model.PushFailed
	e.store.pushes[n.ID].Attempts = 3

	ok, err := e.dispatcher.ScheduleRetry(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.PushFailed, e.store.push(n.ID).Status)

	// a manual retry ignores the cap and dispatches right away
	require.NoError(t, e.dispatcher.Retry(context.Background(), n.ID))
	stored := e.store.push(n.ID)
	assert.Equal(t, model.PushSent, stored.Status)
	assert.Equal(t, 4, stored.Attempts)
	assert.Len(t, e.notifier.messages(), 1)
}

func TestDispatcher_LifecycleGuards(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	seedAudience(e, 1)

	in := model.PushNotificationInput{Title: "Hello", Body: "World"}
	n, err := e.dispatcher.Create(ctx, in, false)
	require.NoError(t, err)
	assert.Equal(t, model.PushDraft, n.Status)

	in.Title = "Hello again"
	updated, err := e.dispatcher.Update(ctx, n.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Hello again", updated.Title)

	require.NoError(t, e.dispatcher.Schedule(ctx, n.ID))
	assert.ErrorIs(t, e.dispatcher.Schedule(ctx, n.ID), model.ErrInvalidState)

	_, err = e.dispatcher.Update(ctx, n.ID, in)
	require.NoError(t, err, "scheduled notifications stay editable")

	_, err = e.dispatcher.Dispatch(ctx, n.ID)
	require.NoError(t, err)

	_, err = e.dispatcher.Update(ctx, n.ID, in)
	assert.ErrorIs(t, err, model.ErrNotEditable)
	assert.ErrorIs(t, e.dispatcher.Cancel(ctx, n.ID), model.ErrInvalidState)
	assert.ErrorIs(t, e.dispatcher.Delete(ctx, n.ID), model.ErrNotEditable)
	assert.ErrorIs(t, e.dispatcher.Retry(ctx, n.ID), model.ErrInvalidState)

	draft, err := e.dispatcher.Create(ctx, in, false)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Cancel(ctx, draft.ID))
	require.NoError(t, e.dispatcher.Delete(ctx, draft.ID))

	_, err = e.dispatcher.Get(ctx, draft.ID)
	assert.ErrorIs(t, err, model.ErrNotificationNotFound)
	assert.ErrorIs(t, e.dispatcher.Cancel(ctx, 999), model.ErrNotificationNotFound)
}

func TestDispatcher_Validation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	_, err := e.dispatcher.Create(ctx, model.PushNotificationInput{Body: "no title"}, false)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = e.dispatcher.Create(ctx, model.PushNotificationInput{
		Title:   "t",
		Body:    "b",
		Filters: model.TargetFilters{Cities: pq.StringArray{" "}},
	}, false)
	assert.ErrorIs(t, err, model.ErrTargetResolution)

	_, err = e.dispatcher.Preview(ctx, model.TargetFilters{CategoryIDs: pq.Int64Array{0}})
	assert.ErrorIs(t, err, model.ErrTargetResolution)
}

func TestDispatcher_Preview(t *testing.T) {
	e := newEnv()
	seedAudience(e, 5)
	e.store.addUser(model.User{ID: 99})

	count, err := e.dispatcher.Preview(context.Background(), model.TargetFilters{})
	require.NoError(t, err)
	assert.Equal(t, 5, count, "users without a device are never counted")

	count, err = e.dispatcher.Preview(context.Background(), model.TargetFilters{CustomCities: pq.StringArray{"KAZAN"}})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Empty(t, e.notifier.messages())
}

func TestDispatcher_ProcessDueEnqueuesDueJobsOnly(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	q := &fakeQueue{}
	e.dispatcher.queue = q

	due := newBroadcast(t, e, model.TargetFilters{})
	later := time.Now().Add(time.Hour)
	_, err := e.dispatcher.Create(ctx, model.PushNotificationInput{Title: "t", Body: "b", ScheduledAt: &later}, true)
	require.NoError(t, err)
	_, err = e.dispatcher.Create(ctx, model.PushNotificationInput{Title: "t", Body: "b"}, false)
	require.NoError(t, err)

	n, err := e.dispatcher.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{due.ID}, q.dispatch)
}

// brokenAfterClaimPushes loses storage once the notification is claimed.
type brokenAfterClaimPushes struct {
	memPushes
}

func (r brokenAfterClaimPushes) GetByID(ctx context.Context, id int64) (*model.PushNotification, error) {
	n, err := r.memPushes.GetByID(ctx, id)
	if err == nil && n.Status == model.PushSending {
		return nil, errors.New("storage unavailable")
	}
	return n, err
}

func TestDispatcher_LoadFaultAfterClaimFails(t *testing.T) {
	e := newEnv()
	seedAudience(e, 2)
	n := newBroadcast(t, e, model.TargetFilters{})
	e.dispatcher.pushes = brokenAfterClaimPushes{memPushes{e.store}}

	res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PushFailed, res.Status)
	assert.Empty(t, e.notifier.messages())

	stored := e.store.push(n.ID)
	assert.Equal(t, model.PushFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "storage unavailable")

	ok, err := e.dispatcher.ScheduleRetry(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.PushScheduled, e.store.push(n.ID).Status)
}

func TestDispatcher_ProcessDueReapsAbandonedSends(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	q := &fakeQueue{}
	e.dispatcher.queue = q
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e.dispatcher.now = func() time.Time { return now }

	abandonedAt := now.Add(-time.Hour)
	recentAt := now.Add(-time.Second)

	abandoned := newBroadcast(t, e, model.TargetFilters{})
	exhausted := newBroadcast(t, e, model.TargetFilters{})
	running := newBroadcast(t, e, model.TargetFilters{})
	e.store.pushes[abandoned.ID].Status = model.PushSending
	e.store.pushes[abandoned.ID].StartedAt = &abandonedAt
	e.store.pushes[abandoned.ID].Attempts = 1
	e.store.pushes[exhausted.ID].Status = model.PushSending
	e.store.pushes[exhausted.ID].StartedAt = &abandonedAt
	e.store.pushes[exhausted.ID].Attempts = 3
	e.store.pushes[running.ID].Status = model.PushSending
	e.store.pushes[running.ID].StartedAt = &recentAt

	due, err := e.dispatcher.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, due, "retries wait for the backoff")
	assert.Empty(t, q.dispatch)

	stored := e.store.push(abandoned.ID)
	assert.Equal(t, model.PushScheduled, stored.Status)
	assert.Equal(t, now.Add(time.Minute), *stored.ScheduledAt)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "dispatch abandoned", *stored.ErrorMessage)

	assert.Equal(t, model.PushFailed, e.store.push(exhausted.ID).Status)
	assert.Equal(t, model.PushSending, e.store.push(running.ID).Status)

	// the reaped job is picked up once its backoff has elapsed
	now = now.Add(2 * time.Minute)
	due, err = e.dispatcher.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, due)
	assert.Equal(t, []int64{abandoned.ID}, q.dispatch)
}

func TestDispatcher_CountsOnlyCurrentAudience(t *testing.T) {
	e := newEnv()
	seedAudience(e, 4)
	n := newBroadcast(t, e, model.TargetFilters{Cities: pq.StringArray{"moscow"}})

	// user 2 was reached by an earlier attempt but no longer matches the filters
	e.store.deliveries[[2]int64{n.ID, 2}] = &model.PushDelivery{NotificationID: n.ID, UserID: 2, Status: model.DeliverySent}

	res, err := e.dispatcher.Dispatch(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecipientsCount)
	assert.Equal(t, 2, res.SentCount)
	assert.LessOrEqual(t, res.SentCount+res.FailedCount, res.RecipientsCount)
}
