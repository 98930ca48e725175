package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"loyaltycore/internal/httputil"
	"loyaltycore/internal/model"
)

type PushDispatcher interface {
	Create(ctx context.Context, in model.PushNotificationInput, schedule bool) (*model.PushNotification, error)
	Get(ctx context.Context, id int64) (*model.PushNotification, error)
	Update(ctx context.Context, id int64, in model.PushNotificationInput) (*model.PushNotification, error)
	Delete(ctx context.Context, id int64) error
	Schedule(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64) error
	Dispatch(ctx context.Context, id int64) (*model.DispatchResult, error)
	Preview(ctx context.Context, filters model.TargetFilters) (int, error)
}

// PushHandler serves the admin broadcast endpoints.
type PushHandler struct {
	dispatcher PushDispatcher
	logger     *zap.Logger
}

func NewPushHandler(dispatcher PushDispatcher, logger *zap.Logger) *PushHandler {
	return &PushHandler{dispatcher: dispatcher, logger: orNop(logger)}
}

type createPushRequest struct {
	model.PushNotificationInput
	Schedule bool `json:"schedule"` // false creates a draft
}

// Create handles POST /admin/push
func (h *PushHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPushRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	n, err := h.dispatcher.Create(r.Context(), req.PushNotificationInput, req.Schedule)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to create notification")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, n)
}

// Get handles GET /admin/push/{id}
func (h *PushHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	n, err := h.dispatcher.Get(r.Context(), id)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to get notification")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

// Update handles PUT /admin/push/{id}
// Only draft and scheduled notifications can be edited.
func (h *PushHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var in model.PushNotificationInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	n, err := h.dispatcher.Update(r.Context(), id, in)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to update notification")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

// Delete handles DELETE /admin/push/{id}
func (h *PushHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.dispatcher.Delete, "Failed to delete notification")
}

// Schedule handles POST /admin/push/{id}/schedule
func (h *PushHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.dispatcher.Schedule, "Failed to schedule notification")
}

// Cancel handles POST /admin/push/{id}/cancel
func (h *PushHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.dispatcher.Cancel, "Failed to cancel notification")
}

// Retry handles POST /admin/push/{id}/retry
// A manual retry is not bound by the automatic attempt cap.
func (h *PushHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.dispatcher.Retry, "Failed to retry notification")
}

// Dispatch handles POST /admin/push/{id}/dispatch
// Runs a due notification synchronously and returns the counts.
func (h *PushHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), id)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to dispatch notification")
		return
	}
	if result.Skipped {
		httputil.WriteError(w, http.StatusConflict, httputil.ErrCodeInvalidState, "notification is not due or already being sent")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// Preview handles POST /admin/push/preview
// Returns how many users the filters would reach.
func (h *PushHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var filters model.TargetFilters
	if err := httputil.DecodeJSON(r, &filters); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	count, err := h.dispatcher.Preview(r.Context(), filters)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to preview audience")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"recipients": count})
}

func (h *PushHandler) command(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) error, failure string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := fn(r.Context(), id); err != nil {
		httputil.WriteServiceError(w, h.logger, err, failure)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
