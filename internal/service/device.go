package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

const maxTokenLength = 4096

// DeviceRegistry keeps the invariant that a token value is active for at most
// one user at a time.
type DeviceRegistry struct {
	tx     repository.Transactor
	tokens repository.DeviceTokenRepository
	now    func() time.Time
	logger *zap.Logger
}

func NewDeviceRegistry(tx repository.Transactor, tokens repository.DeviceTokenRepository, logger *zap.Logger) *DeviceRegistry {
	return &DeviceRegistry{tx: tx, tokens: tokens, now: time.Now, logger: nopLogger(logger)}
}

// Activate binds token to userID and takes it away from anyone else. Calls
// for the same token are serialized.
func (r *DeviceRegistry) Activate(ctx context.Context, userID int64, req model.RegisterTokenRequest) error {
	token := strings.TrimSpace(req.Token)
	if token == "" || len(token) > maxTokenLength {
		return fmt.Errorf("%w: token is required", model.ErrValidation)
	}
	deviceType := strings.ToLower(strings.TrimSpace(req.DeviceType))
	switch deviceType {
	case "", model.DeviceIOS, model.DeviceAndroid, model.DeviceWeb:
	default:
		return fmt.Errorf("%w: unknown device_type %q", model.ErrValidation, req.DeviceType)
	}

	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.tokens.LockToken(ctx, token); err != nil {
			return err
		}
		moved, err := r.tokens.DeactivateTokenForOthers(ctx, token, userID)
		if err != nil {
			return err
		}
		if moved > 0 {
			r.logger.Info("device token moved to another user", zap.Int64("user_id", userID))
		}
		return r.tokens.UpsertActive(ctx, userID, token, optional(deviceType), optional(strings.TrimSpace(req.DeviceInfo)), r.now())
	})
}

// Deactivate logs out one token, or every device of the user when token is empty.
func (r *DeviceRegistry) Deactivate(ctx context.Context, userID int64, token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return r.tokens.DeactivateAll(ctx, userID)
	}
	return r.tokens.Deactivate(ctx, userID, token)
}

// ActiveTokenFor returns the most recently used active token of the user.
func (r *DeviceRegistry) ActiveTokenFor(ctx context.Context, userID int64) (string, bool, error) {
	t, err := r.tokens.GetActiveByUserID(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if t == nil {
		return "", false, nil
	}
	return t.Token, true, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
