package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Push notification statuses
const (
	PushDraft     = "draft"
	PushScheduled = "scheduled"
	PushSending   = "sending"
	PushSent      = "sent"
	PushFailed    = "failed"
	PushCancelled = "cancelled"
)

// PushEditable reports whether a notification in status may be edited.
func PushEditable(status string) bool {
	return status == PushDraft || status == PushScheduled
}

// PushDeletable reports whether a notification in status may be deleted.
func PushDeletable(status string) bool {
	switch status {
	case PushDraft, PushScheduled, PushFailed, PushCancelled:
		return true
	}
	return false
}

// TargetFilters narrows the audience of a broadcast. Empty filters mean
// every user with an active device.
type TargetFilters struct {
	Cities        pq.StringArray `db:"cities" json:"cities,omitempty"`
	ClothingSizes pq.StringArray `db:"clothing_sizes" json:"clothing_sizes,omitempty"`
	ShoeSizes     pq.StringArray `db:"shoe_sizes" json:"shoe_sizes,omitempty"`
	CustomCities  pq.StringArray `db:"custom_cities" json:"custom_cities,omitempty"`
	CategoryIDs   pq.Int64Array  `db:"category_ids" json:"category_ids,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (f TargetFilters) IsEmpty() bool {
	return len(f.Cities) == 0 && len(f.ClothingSizes) == 0 && len(f.ShoeSizes) == 0 &&
		len(f.CustomCities) == 0 && len(f.CategoryIDs) == 0
}

// PushNotification is a broadcast dispatch job.
type PushNotification struct {
	ID          int64           `db:"id" json:"id"`
	Title       string          `db:"title" json:"title"`
	Body        string          `db:"body" json:"body"`
	Data        json.RawMessage `db:"data" json:"data,omitempty"`
	Status      string          `db:"status" json:"status"`
	ScheduledAt *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	PromotionID *int64          `db:"promotion_id" json:"promotion_id,omitempty"`
	TargetFilters
	RecipientsCount int        `db:"recipients_count" json:"recipients_count"`
	SentCount       int        `db:"sent_count" json:"sent_count"`
	FailedCount     int        `db:"failed_count" json:"failed_count"`
	Attempts        int        `db:"attempts" json:"attempts"`
	ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// PushNotificationInput is the editable part of a notification.
type PushNotificationInput struct {
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Data        json.RawMessage `json:"data,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Filters     TargetFilters   `json:"filters"`
}

// Delivery statuses
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// PushDelivery is the per-recipient outcome of a broadcast.
type PushDelivery struct {
	ID             int64     `db:"id" json:"id"`
	NotificationID int64     `db:"notification_id" json:"notification_id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	Token          *string   `db:"token" json:"-"`
	Status         string    `db:"status" json:"status"`
	Error          *string   `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// DispatchResult summarizes one Dispatch call.
type DispatchResult struct {
	NotificationID  int64  `json:"notification_id"`
	Skipped         bool   `json:"skipped"` // another run owns the job or it is not due
	Status          string `json:"status"`
	RecipientsCount int    `json:"recipients_count"`
	SentCount       int    `json:"sent_count"`
	FailedCount     int    `json:"failed_count"`
}

// Notification event kinds
const (
	EventGiftGranted    = "gift_granted"
	EventLevelUp        = "level_up"
	EventBirthday       = "birthday"
	EventReferralBonus  = "referral_bonus"
	EventReferralJoined = "referral_applied"
)

// Notification event statuses
const (
	EventPending = "pending"
	EventSending = "sending"
	EventSent    = "sent"
	EventFailed  = "failed"
)

// NotificationEvent is a per-user notification intent. IdempotencyKey
// identifies the logical event, so the same event is recorded once.
type NotificationEvent struct {
	ID             int64           `db:"id" json:"id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Kind           string          `db:"kind" json:"kind"`
	Title          string          `db:"title" json:"title"`
	Body           string          `db:"body" json:"body"`
	Data           json.RawMessage `db:"data" json:"data,omitempty"`
	Status         string          `db:"status" json:"status"`
	Error          *string         `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	SentAt         *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
}

// Intent is a request to notify one user about one logical event.
type Intent struct {
	Key    string
	UserID int64
	Kind   string
	Title  string
	Body   string
	Data   map[string]string
}

var (
	// ErrNotificationNotFound is returned when a push notification cannot be found
	ErrNotificationNotFound = errors.New("push notification not found")

	// ErrEventNotFound is returned when a notification event cannot be found
	ErrEventNotFound = errors.New("notification event not found")
)
