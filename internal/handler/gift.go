package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"loyaltycore/internal/httputil"
	"loyaltycore/internal/model"
)

type GiftService interface {
	ListForUser(ctx context.Context, userID int64) ([]model.Gift, error)
	Select(ctx context.Context, userID, giftID int64) (*model.Gift, error)
	Activate(ctx context.Context, userID, giftID int64) (*model.Gift, error)
	Issue(ctx context.Context, giftID int64) (*model.Gift, error)
}

type GiftHandler struct {
	gifts  GiftService
	logger *zap.Logger
}

func NewGiftHandler(gifts GiftService, logger *zap.Logger) *GiftHandler {
	return &GiftHandler{gifts: gifts, logger: orNop(logger)}
}

// List handles GET /gifts
func (h *GiftHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	gifts, err := h.gifts.ListForUser(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to list gifts")
		return
	}
	if gifts == nil {
		gifts = []model.Gift{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"gifts": gifts})
}

// Select handles POST /gifts/{id}/select
// Selecting one gift of a group forecloses its siblings.
func (h *GiftHandler) Select(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.gifts.Select, "Failed to select gift")
}

// Activate handles POST /gifts/{id}/activate
func (h *GiftHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.gifts.Activate, "Failed to activate gift")
}

// Issue handles POST /admin/gifts/{id}/issue
// Staff hand the gift over at the store.
func (h *GiftHandler) Issue(w http.ResponseWriter, r *http.Request) {
	giftID, ok := pathID(w, r)
	if !ok {
		return
	}

	gift, err := h.gifts.Issue(r.Context(), giftID)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to issue gift")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, gift)
}

func (h *GiftHandler) advance(w http.ResponseWriter, r *http.Request, step func(ctx context.Context, userID, giftID int64) (*model.Gift, error), failure string) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	giftID, ok := pathID(w, r)
	if !ok {
		return
	}

	gift, err := step(r.Context(), userID, giftID)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, failure)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, gift)
}
