package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"loyaltycore/internal/httputil"
	"loyaltycore/internal/model"
)

type PurchaseRecorder interface {
	Record(ctx context.Context, p model.Purchase) (bool, error)
}

// PurchaseHandler accepts purchases pushed by the ERP over HTTP, next to the Kafka feed.
type PurchaseHandler struct {
	purchases PurchaseRecorder
	logger    *zap.Logger
}

func NewPurchaseHandler(purchases PurchaseRecorder, logger *zap.Logger) *PurchaseHandler {
	return &PurchaseHandler{purchases: purchases, logger: orNop(logger)}
}

// Record handles POST /admin/purchases
// Replaying a purchase id is answered with 200 and recorded=false.
func (h *PurchaseHandler) Record(w http.ResponseWriter, r *http.Request) {
	var p model.Purchase
	if err := httputil.DecodeJSON(r, &p); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	recorded, err := h.purchases.Record(r.Context(), p)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to record purchase")
		return
	}

	status := http.StatusOK
	if recorded {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, map[string]bool{"recorded": recorded})
}
