package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltycore/internal/model"
)

func TestGift_ForwardOnlyLifecycle(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.store.addUser(model.User{ID: 1})

	catalogID := int64(10)
	gift, err := e.gifts.Create(ctx, model.GiftSpec{UserID: 1, GiftCatalogID: &catalogID, Source: model.GiftSourcePromotion}, Notice{})
	require.NoError(t, err)
	assert.Equal(t, model.GiftPending, gift.Status)

	_, err = e.gifts.Activate(ctx, 1, gift.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = e.gifts.Issue(ctx, gift.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	got, err := e.gifts.Select(ctx, 1, gift.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GiftSelected, got.Status)
	assert.NotNil(t, got.SelectedAt)

	_, err = e.gifts.Select(ctx, 1, gift.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	got, err = e.gifts.Activate(ctx, 1, gift.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GiftActivated, got.Status)

	got, err = e.gifts.Issue(ctx, gift.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GiftIssued, got.Status)

	for _, op := range []func() (*model.Gift, error){
		func() (*model.Gift, error) { return e.gifts.Select(ctx, 1, gift.ID) },
		func() (*model.Gift, error) { return e.gifts.Activate(ctx, 1, gift.ID) },
		func() (*model.Gift, error) { return e.gifts.Issue(ctx, gift.ID) },
	} {
		_, err := op()
		assert.ErrorIs(t, err, model.ErrInvalidState)
	}
	assert.Equal(t, model.GiftIssued, e.store.giftsOf(1)[0].Status)
}

func TestGift_ForeignUserCannotTouchGift(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	gift, err := e.gifts.Create(ctx, model.GiftSpec{UserID: 1, Source: model.GiftSourcePromotion}, Notice{})
	require.NoError(t, err)

	_, err = e.gifts.Select(ctx, 2, gift.ID)
	assert.ErrorIs(t, err, model.ErrGiftNotFound)
	_, err = e.gifts.Select(ctx, 1, 999)
	assert.ErrorIs(t, err, model.ErrGiftNotFound)
	assert.Equal(t, model.GiftPending, e.store.giftsOf(1)[0].Status)
}

func TestGift_SelectingOneForeclosesTheGroup(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	gifts, err := e.gifts.CreateGroup(ctx, model.GiftSpec{UserID: 1, Source: model.GiftSourceLoyalty}, []int64{10, 11, 12}, Notice{})
	require.NoError(t, err)
	require.Len(t, gifts, 3)

	_, err = e.gifts.Select(ctx, 1, gifts[1].ID)
	require.NoError(t, err)

	_, err = e.gifts.Select(ctx, 1, gifts[0].ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	stored := e.store.giftsOf(1)
	assert.NotNil(t, stored[0].VoidedAt)
	assert.Nil(t, stored[1].VoidedAt)
	assert.NotNil(t, stored[2].VoidedAt)
	assert.Equal(t, model.GiftPending, stored[0].Status)
	assert.Equal(t, model.GiftSelected, stored[1].Status)
}

func TestGift_ConcurrentSiblingSelection(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	gifts, err := e.gifts.CreateGroup(ctx, model.GiftSpec{UserID: 1, Source: model.GiftSourcePromotion}, []int64{10, 11, 12, 13}, Notice{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for _, g := range gifts {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := e.gifts.Select(ctx, 1, id); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(g.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	selected := 0
	for _, g := range e.store.giftsOf(1) {
		if g.Status == model.GiftSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
}

func TestGift_GroupRaisesOneIntent(t *testing.T) {
	e := newEnv()
	e.store.addToken(1, "tok-1")

	_, err := e.gifts.CreateGroup(context.Background(), model.GiftSpec{UserID: 1, Source: model.GiftSourcePromotion}, []int64{10, 11}, Notice{Title: "Pick one"})
	require.NoError(t, err)

	msgs := e.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Pick one", msgs[0].Title)
	assert.Equal(t, model.EventGiftGranted, msgs[0].Data["kind"])
	assert.NotEmpty(t, msgs[0].Data["gift_group_id"])
}
