package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types for the job stream
const (
	EventDispatchPush  = "dispatch_push"
	EventDeliverIntent = "deliver_intent"
)

// Stream names
const (
	StreamJobs = "stream:jobs"
)

// Consumer group name for job workers
const (
	ConsumerGroupJobs = "job_workers"
)

// JobEvent represents a unit of asynchronous work on the job stream.
type JobEvent struct {
	Type      string `json:"type"`      // EventDispatchPush, EventDeliverIntent
	Timestamp int64  `json:"timestamp"` // Unix timestamp when the job was enqueued

	// Broadcast dispatch (DispatchPush)
	NotificationID int64 `json:"notification_id,omitempty"`

	// Per-user notification intent (DeliverIntent)
	IntentKey string `json:"intent_key,omitempty"`
}

// NewDispatchPushEvent creates a job that runs one broadcast notification.
func NewDispatchPushEvent(notificationID int64) JobEvent {
	return JobEvent{
		Type:           EventDispatchPush,
		Timestamp:      time.Now().Unix(),
		NotificationID: notificationID,
	}
}

// NewDeliverIntentEvent creates a job that delivers one notification event.
func NewDeliverIntentEvent(key string) JobEvent {
	return JobEvent{
		Type:      EventDeliverIntent,
		Timestamp: time.Now().Unix(),
		IntentKey: key,
	}
}

// ToMap converts the event to a map for Redis XADD.
// Redis Streams store field-value pairs, so we serialize to JSON in a "data" field.
func (e JobEvent) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"type": e.Type,
		"data": string(data),
	}, nil
}

// ParseJobEvent parses a JobEvent from Redis stream message values.
func ParseJobEvent(values map[string]interface{}) (JobEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return JobEvent{}, fmt.Errorf("missing or invalid 'data' field")
	}

	var event JobEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return JobEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	switch event.Type {
	case EventDispatchPush:
		if event.NotificationID <= 0 {
			return JobEvent{}, fmt.Errorf("dispatch job without notification id")
		}
	case EventDeliverIntent:
		if event.IntentKey == "" {
			return JobEvent{}, fmt.Errorf("intent job without key")
		}
	}
	return event, nil
}
