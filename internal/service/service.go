package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
)

const defaultPageSize = 500

// JobQueue hands work to the background workers.
type JobQueue interface {
	EnqueueDispatch(ctx context.Context, notificationID int64) error
	EnqueueIntent(ctx context.Context, key string) error
}

// Ledger is the external ERP. Implemented by ledgersync.Client.
type Ledger interface {
	PurchaseSum(ctx context.Context, externalID string) (decimal.Decimal, error)
	SetDiscount(ctx context.Context, externalID string, percent decimal.Decimal) error
	AddBonus(ctx context.Context, externalID string, amount decimal.Decimal, reason string) error
}

// intentSink records notification intents inside the caller's transaction
// and hands them to delivery after commit.
type intentSink interface {
	Record(ctx context.Context, in model.Intent) (bool, error)
	Dispatch(ctx context.Context, key string)
	Raise(ctx context.Context, in model.Intent) error
}

// tokenLookup resolves the device a user should be notified on.
type tokenLookup interface {
	ActiveTokenFor(ctx context.Context, userID int64) (string, bool, error)
}

func nopLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// syncLedger pushes a change to the ERP best-effort. Failures are logged and
// counted as a SyncError; the local grant stands.
func syncLedger(ctx context.Context, ledger Ledger, logger *zap.Logger, op string, user *model.User, fn func(ctx context.Context, externalID string) error) {
	if ledger == nil || user == nil || user.ExternalID == nil || *user.ExternalID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := fn(ctx, *user.ExternalID); err != nil {
		syncErr := &model.SyncError{Op: op, UserID: user.ID, Err: err}
		metrics.IncLedgerSyncError(op)
		logger.Warn("ledger sync failed", zap.Error(syncErr))
	}
}

// encodeData turns an intent payload into the stored JSON document.
func encodeData(data map[string]string) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal notification data: %w", err)
	}
	return raw, nil
}

// decodeData flattens a stored JSON object into push data. Non-string values
// are rendered with their JSON text.
func decodeData(raw json.RawMessage) map[string]string {
	out := make(map[string]string)
	if len(raw) == 0 {
		return out
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return out
	}
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out
}
