package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Gift statuses, strictly forward: pending -> selected -> activated -> issued.
const (
	GiftPending   = "pending"
	GiftSelected  = "selected"
	GiftActivated = "activated"
	GiftIssued    = "issued"
)

// Gift sources
const (
	GiftSourcePromotion = "promotion"
	GiftSourceLoyalty   = "loyalty_level"
)

// giftPredecessor maps a target status to the only status it may be reached from.
var giftPredecessor = map[string]string{
	GiftSelected:  GiftPending,
	GiftActivated: GiftSelected,
	GiftIssued:    GiftActivated,
}

// GiftPredecessor returns the status a gift must be in to move to status.
func GiftPredecessor(status string) (string, bool) {
	from, ok := giftPredecessor[status]
	return from, ok
}

// Gift is one concrete reward instance owned by a user.
type Gift struct {
	ID            int64      `db:"id" json:"id"`
	UserID        int64      `db:"user_id" json:"user_id"`
	PromotionID   *int64     `db:"promotion_id" json:"promotion_id,omitempty"`
	GiftCatalogID *int64     `db:"gift_catalog_id" json:"gift_catalog_id,omitempty"`
	GiftGroupID   *uuid.UUID `db:"gift_group_id" json:"gift_group_id,omitempty"`
	Source        string     `db:"source" json:"source"`
	Status        string     `db:"status" json:"status"`
	VoidedAt      *time.Time `db:"voided_at" json:"voided_at,omitempty"` // foreclosed by a sibling's selection
	SelectedAt    *time.Time `db:"selected_at" json:"selected_at,omitempty"`
	ActivatedAt   *time.Time `db:"activated_at" json:"activated_at,omitempty"`
	IssuedAt      *time.Time `db:"issued_at" json:"issued_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// GiftSpec describes a gift to create.
type GiftSpec struct {
	UserID        int64
	PromotionID   *int64
	GiftCatalogID *int64
	Source        string
}

var (
	// ErrGiftNotFound is returned when a gift cannot be found or belongs to another user
	ErrGiftNotFound = errors.New("gift not found")
)
