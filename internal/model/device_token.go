package model

import (
	"time"
)

// DeviceToken is a user's registered push destination. A token value is
// active for at most one user at any time.
type DeviceToken struct {
	ID         int64     `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"-"`
	Token      string    `db:"token" json:"-"` // push token, hidden from JSON
	DeviceType *string   `db:"device_type" json:"device_type,omitempty"`
	DeviceInfo *string   `db:"device_info" json:"device_info,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	LastUsedAt time.Time `db:"last_used_at" json:"last_used_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// RegisterTokenRequest is the request body for registering a device token.
type RegisterTokenRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"` // "ios", "android", "web"
	DeviceInfo string `json:"device_info"`
}

// DeactivateTokenRequest is the request body for logging a device out.
// An empty token logs out every device of the user.
type DeactivateTokenRequest struct {
	Token string `json:"token"`
}

// Device types
const (
	DeviceIOS     = "ios"
	DeviceAndroid = "android"
	DeviceWeb     = "web"
)
