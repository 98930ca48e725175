package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"loyaltycore/internal/httputil"
	"loyaltycore/internal/model"
)

type ReferralRedeemer interface {
	Redeem(ctx context.Context, newUserID int64, code string) (*model.UserReferralReward, error)
}

type ReferralHandler struct {
	referrals ReferralRedeemer
	logger    *zap.Logger
}

func NewReferralHandler(referrals ReferralRedeemer, logger *zap.Logger) *ReferralHandler {
	return &ReferralHandler{referrals: referrals, logger: orNop(logger)}
}

// Redeem handles POST /referrals/redeem
// A user can be referred once; redeeming a second code returns 409.
func (h *ReferralHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.RedeemRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	reward, err := h.referrals.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to redeem promo code")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, reward)
}
