package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// Notice is the user-facing text of a grant notification. Empty fields fall
// back to defaults.
type Notice struct {
	Title string
	Body  string
}

func (n Notice) or(title, body string) Notice {
	if n.Title == "" {
		n.Title = title
	}
	if n.Body == "" {
		n.Body = body
	}
	return n
}

// GiftService owns the gift state machine:
// pending -> selected -> activated -> issued, forward only.
type GiftService struct {
	tx      repository.Transactor
	gifts   repository.GiftRepository
	intents intentSink
	now     func() time.Time
	logger  *zap.Logger
}

func NewGiftService(tx repository.Transactor, gifts repository.GiftRepository, intents intentSink, logger *zap.Logger) *GiftService {
	return &GiftService{tx: tx, gifts: gifts, intents: intents, now: time.Now, logger: nopLogger(logger)}
}

// Create grants a single gift and notifies the user.
func (s *GiftService) Create(ctx context.Context, spec model.GiftSpec, notice Notice) (*model.Gift, error) {
	var (
		gift *model.Gift
		key  string
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		gift, key, err = s.CreateTx(ctx, spec, notice)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.intents.Dispatch(ctx, key)
	return gift, nil
}

// CreateTx inserts a pending gift and records its intent. ctx must carry a
// transaction; the caller dispatches the returned intent key after commit.
func (s *GiftService) CreateTx(ctx context.Context, spec model.GiftSpec, notice Notice) (*model.Gift, string, error) {
	gift := &model.Gift{
		UserID:        spec.UserID,
		PromotionID:   spec.PromotionID,
		GiftCatalogID: spec.GiftCatalogID,
		Source:        spec.Source,
		Status:        model.GiftPending,
	}
	if err := s.gifts.Create(ctx, gift); err != nil {
		return nil, "", err
	}

	key := "gift:" + strconv.FormatInt(gift.ID, 10)
	notice = notice.or("You've got a gift", "A new gift is waiting for you in the app.")
	_, err := s.intents.Record(ctx, model.Intent{
		Key:    key,
		UserID: spec.UserID,
		Kind:   model.EventGiftGranted,
		Title:  notice.Title,
		Body:   notice.Body,
		Data:   map[string]string{"gift_id": strconv.FormatInt(gift.ID, 10)},
	})
	if err != nil {
		return nil, "", err
	}

	metrics.IncGiftsGranted(spec.Source, 1)
	return gift, key, nil
}

// CreateGroup grants a choice between catalogIDs. The user may select one.
func (s *GiftService) CreateGroup(ctx context.Context, spec model.GiftSpec, catalogIDs []int64, notice Notice) ([]model.Gift, error) {
	var (
		gifts []model.Gift
		key   string
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		gifts, key, err = s.CreateGroupTx(ctx, spec, catalogIDs, notice)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.intents.Dispatch(ctx, key)
	return gifts, nil
}

// CreateGroupTx is CreateGroup for callers that own the transaction. One
// intent is recorded for the whole group.
func (s *GiftService) CreateGroupTx(ctx context.Context, spec model.GiftSpec, catalogIDs []int64, notice Notice) ([]model.Gift, string, error) {
	if len(catalogIDs) == 0 {
		return nil, "", fmt.Errorf("%w: gift group needs catalog entries", model.ErrValidation)
	}

	groupID := uuid.New()
	gifts := make([]model.Gift, 0, len(catalogIDs))
	for _, catalogID := range catalogIDs {
		catalogID := catalogID
		gift := model.Gift{
			UserID:        spec.UserID,
			PromotionID:   spec.PromotionID,
			GiftCatalogID: &catalogID,
			GiftGroupID:   &groupID,
			Source:        spec.Source,
			Status:        model.GiftPending,
		}
		if err := s.gifts.Create(ctx, &gift); err != nil {
			return nil, "", err
		}
		gifts = append(gifts, gift)
	}

	key := "gift-group:" + groupID.String()
	notice = notice.or("Choose your gift", "Pick one of the gifts waiting for you in the app.")
	_, err := s.intents.Record(ctx, model.Intent{
		Key:    key,
		UserID: spec.UserID,
		Kind:   model.EventGiftGranted,
		Title:  notice.Title,
		Body:   notice.Body,
		Data:   map[string]string{"gift_group_id": groupID.String()},
	})
	if err != nil {
		return nil, "", err
	}

	metrics.IncGiftsGranted(spec.Source, len(gifts))
	return gifts, key, nil
}

// Select moves a pending gift to selected on behalf of userID. Selecting one
// gift of a group voids its pending siblings.
func (s *GiftService) Select(ctx context.Context, userID, giftID int64) (*model.Gift, error) {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		peek, err := s.gifts.GetByID(ctx, giftID)
		if err != nil {
			return err
		}
		if peek.UserID != userID {
			return model.ErrGiftNotFound
		}

		if peek.GiftGroupID == nil {
			gift, err := s.gifts.GetForUpdate(ctx, giftID)
			if err != nil {
				return err
			}
			return s.transition(ctx, gift, model.GiftSelected)
		}

		// lock the whole group in id order so concurrent selections of
		// siblings serialize instead of deadlocking
		group, err := s.gifts.ListGroupForUpdate(ctx, *peek.GiftGroupID)
		if err != nil {
			return err
		}
		var gift *model.Gift
		for i := range group {
			g := group[i]
			if g.ID == giftID {
				gift = &g
				continue
			}
			if g.Status != model.GiftPending {
				return fmt.Errorf("%w: gift %d of the group was already chosen", model.ErrInvalidState, g.ID)
			}
		}
		if gift == nil {
			return model.ErrGiftNotFound
		}
		if err := s.transition(ctx, gift, model.GiftSelected); err != nil {
			return err
		}
		voided, err := s.gifts.VoidSiblings(ctx, *gift.GiftGroupID, gift.ID, s.now())
		if err != nil {
			return err
		}
		s.logger.Debug("gift group foreclosed", zap.Int64("gift_id", gift.ID), zap.Int64("voided", voided))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.gifts.GetByID(ctx, giftID)
}

// Activate moves a selected gift to activated on behalf of userID.
func (s *GiftService) Activate(ctx context.Context, userID, giftID int64) (*model.Gift, error) {
	return s.advance(ctx, &userID, giftID, model.GiftActivated)
}

// Issue hands an activated gift over. Staff only, terminal.
func (s *GiftService) Issue(ctx context.Context, giftID int64) (*model.Gift, error) {
	return s.advance(ctx, nil, giftID, model.GiftIssued)
}

func (s *GiftService) ListForUser(ctx context.Context, userID int64) ([]model.Gift, error) {
	return s.gifts.ListByUser(ctx, userID)
}

func (s *GiftService) advance(ctx context.Context, owner *int64, giftID int64, to string) (*model.Gift, error) {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		gift, err := s.gifts.GetForUpdate(ctx, giftID)
		if err != nil {
			return err
		}
		if owner != nil && gift.UserID != *owner {
			return model.ErrGiftNotFound
		}
		return s.transition(ctx, gift, to)
	})
	if err != nil {
		return nil, err
	}
	return s.gifts.GetByID(ctx, giftID)
}

// transition checks the predecessor rule and applies it as a conditional
// update. No row is touched when the rule does not hold.
func (s *GiftService) transition(ctx context.Context, gift *model.Gift, to string) error {
	from, ok := model.GiftPredecessor(to)
	if !ok {
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidState, to)
	}
	if gift.VoidedAt != nil {
		return fmt.Errorf("%w: gift %d was voided", model.ErrInvalidState, gift.ID)
	}
	if gift.Status != from {
		return fmt.Errorf("%w: gift %d is %s, want %s", model.ErrInvalidState, gift.ID, gift.Status, from)
	}

	moved, err := s.gifts.Transition(ctx, gift.ID, from, to, s.now())
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: gift %d changed concurrently", model.ErrInvalidState, gift.ID)
	}
	return nil
}
