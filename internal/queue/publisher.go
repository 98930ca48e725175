package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher defines the interface for publishing events to a stream.
type Publisher interface {
	// Publish adds an event to the specified stream.
	// Returns the message ID assigned by Redis.
	Publish(ctx context.Context, stream string, event JobEvent) (messageID string, err error)
}

// RedisPublisher implements Publisher using Redis Streams.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewPublisher creates a new Publisher backed by Redis Streams.
func NewPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Publish adds an event to the stream using XADD.
// Uses "*" for auto-generated message ID (timestamp-sequence).
func (p *RedisPublisher) Publish(ctx context.Context, stream string, event JobEvent) (string, error) {
	startTime := time.Now()

	values, err := event.ToMap()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}

	messageID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		p.logger.Error("publish job failed",
			zap.String("stream", stream),
			zap.String("type", event.Type),
			zap.Error(err),
		)
		return "", fmt.Errorf("xadd to stream: %w", err)
	}

	p.logger.Debug("job published",
		zap.String("stream", stream),
		zap.String("type", event.Type),
		zap.String("msg_id", messageID),
		zap.Int64("notification_id", event.NotificationID),
		zap.String("intent_key", event.IntentKey),
		zap.Duration("duration", time.Since(startTime)),
	)
	return messageID, nil
}

// EnqueueDispatch schedules a broadcast dispatch on the job stream.
func (p *RedisPublisher) EnqueueDispatch(ctx context.Context, notificationID int64) error {
	_, err := p.Publish(ctx, StreamJobs, NewDispatchPushEvent(notificationID))
	return err
}

// EnqueueIntent schedules delivery of a notification event on the job stream.
func (p *RedisPublisher) EnqueueIntent(ctx context.Context, key string) error {
	_, err := p.Publish(ctx, StreamJobs, NewDeliverIntentEvent(key))
	return err
}
