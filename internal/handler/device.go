package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"loyaltycore/internal/httputil"
	"loyaltycore/internal/model"
)

type DeviceRegistry interface {
	Activate(ctx context.Context, userID int64, req model.RegisterTokenRequest) error
	Deactivate(ctx context.Context, userID int64, token string) (int64, error)
}

type DeviceHandler struct {
	devices DeviceRegistry
	logger  *zap.Logger
}

func NewDeviceHandler(devices DeviceRegistry, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: orNop(logger)}
}

// Register handles POST /devices
// Makes the token the user's active push destination, taking it over from any other user.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.RegisterTokenRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := h.devices.Activate(r.Context(), userID, req); err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to register device")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Device registered",
	})
}

// Logout handles POST /devices/logout
// An empty token logs out every device of the user.
func (h *DeviceHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.DeactivateTokenRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteBadRequest(w, "Invalid request body")
			return
		}
	}

	n, err := h.devices.Deactivate(r.Context(), userID, req.Token)
	if err != nil {
		httputil.WriteServiceError(w, h.logger, err, "Failed to log out device")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"deactivated": n})
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
