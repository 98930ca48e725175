package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltycore/internal/model"
)

type strategyFunc func(ctx context.Context, promo *model.Promotion) error

func (f strategyFunc) Evaluate(ctx context.Context, promo *model.Promotion) error { return f(ctx, promo) }

func TestEvaluator_IsolatesFailingPromotions(t *testing.T) {
	s := newMemStore()
	for id := int64(1); id <= 3; id++ {
		s.addPromotion(model.Promotion{ID: id, Type: model.PromotionDateBased, IsActive: true})
	}

	var evaluated []int64
	ev := NewEvaluator(memPromotions{s}, nil)
	ev.Register(model.PromotionDateBased, strategyFunc(func(ctx context.Context, p *model.Promotion) error {
		switch p.ID {
		case 1:
			panic("boom")
		case 2:
			return errors.New("bad settings")
		}
		evaluated = append(evaluated, p.ID)
		return nil
	}))

	report, err := ev.Sweep(context.Background(), model.PromotionDateBased)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Promotions)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []int64{3}, evaluated)
}

func TestEvaluator_SkipsPromotionsThatAreNotLive(t *testing.T) {
	s := newMemStore()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	s.addPromotion(model.Promotion{ID: 1, Type: model.PromotionBirthday, IsActive: true})
	s.addPromotion(model.Promotion{ID: 2, Type: model.PromotionBirthday, IsActive: true, EndDate: &past})
	s.addPromotion(model.Promotion{ID: 3, Type: model.PromotionBirthday, IsActive: true, StartDate: &future})
	s.addPromotion(model.Promotion{ID: 4, Type: model.PromotionBirthday, IsActive: true, IsArchived: true})
	s.addPromotion(model.Promotion{ID: 5, Type: model.PromotionBirthday})

	var seen []int64
	ev := NewEvaluator(memPromotions{s}, nil)
	ev.Register(model.PromotionBirthday, strategyFunc(func(ctx context.Context, p *model.Promotion) error {
		seen = append(seen, p.ID)
		return nil
	}))

	_, err := ev.Sweep(context.Background(), model.PromotionBirthday)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seen)

	n, err := ev.ExpirePromotions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEvaluator_UnknownType(t *testing.T) {
	ev := NewEvaluator(memPromotions{newMemStore()}, nil)
	_, err := ev.Sweep(context.Background(), "lottery")
	assert.Error(t, err)
}
