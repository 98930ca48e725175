// Package ingest consumes purchase events from Kafka and records them.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = time.Second
)

// PurchaseEvent is the wire format of a purchase message.
type PurchaseEvent struct {
	PurchaseID  string          `json:"purchase_id"`
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	PurchasedAt *time.Time      `json:"purchased_at,omitempty"`
}

// Recorder stores one purchase idempotently.
type Recorder interface {
	Record(ctx context.Context, p model.Purchase) (bool, error)
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader builds a consumer-group reader for the purchase topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commit synchronously after each record
	})
}

// Consumer reads purchase messages, records them and commits the offset.
// Malformed messages are skipped. Storage failures are retried with backoff;
// after the last attempt the message is skipped and the periodic ledger sync
// reconciles the purchase sum.
type Consumer struct {
	reader      MessageReader
	recorder    Recorder
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func NewConsumer(reader MessageReader, recorder Recorder, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader:      reader,
		recorder:    recorder,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		logger:      logger.Named("ingest"),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch purchase message", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil && ctx.Err() != nil {
			// shutting down mid-retry: leave the offset uncommitted
			return nil
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error("commit purchase offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	p, err := DecodePurchase(msg.Value)
	if err != nil {
		metrics.IncPurchaseIngested("invalid")
		c.logger.Warn("skipping malformed purchase",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("key", msg.Key),
			zap.Error(err),
		)
		return nil
	}

	for attempt := 1; ; attempt++ {
		recorded, err := c.recorder.Record(ctx, p)
		if err == nil {
			c.logger.Debug("purchase ingested",
				zap.String("purchase_id", p.ExternalID),
				zap.Bool("recorded", recorded),
			)
			return nil
		}
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrUserNotFound) {
			c.logger.Warn("purchase rejected", zap.String("purchase_id", p.ExternalID), zap.Error(err))
			return nil
		}
		if attempt >= c.maxAttempts {
			c.logger.Error("purchase dropped after retries",
				zap.String("purchase_id", p.ExternalID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return nil
		}
		if !sleep(ctx, c.backoff*time.Duration(attempt)) {
			return ctx.Err()
		}
	}
}

// DecodePurchase parses and validates one purchase message.
func DecodePurchase(value []byte) (model.Purchase, error) {
	var ev PurchaseEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return model.Purchase{}, fmt.Errorf("decode purchase: %w", err)
	}

	ev.PurchaseID = strings.TrimSpace(ev.PurchaseID)
	switch {
	case ev.PurchaseID == "":
		return model.Purchase{}, fmt.Errorf("%w: purchase_id is required", model.ErrValidation)
	case ev.UserID <= 0:
		return model.Purchase{}, fmt.Errorf("%w: user_id is required", model.ErrValidation)
	case !ev.Amount.IsPositive():
		return model.Purchase{}, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}

	p := model.Purchase{
		ExternalID: ev.PurchaseID,
		UserID:     ev.UserID,
		Amount:     ev.Amount,
	}
	if ev.PurchasedAt != nil {
		p.PurchasedAt = ev.PurchasedAt.UTC()
	}
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
