package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a state transition is attempted from a
	// state that is not its predecessor. No mutation happens.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrAlreadyApplied is returned when an idempotent operation was already performed.
	ErrAlreadyApplied = errors.New("already applied")

	// ErrNotEditable is returned when a locked or terminal entity is mutated.
	ErrNotEditable = errors.New("not editable")

	// ErrTargetResolution is returned for malformed targeting filters.
	ErrTargetResolution = errors.New("invalid targeting filter")

	// ErrInvalidSettings marks promotion settings that do not match the promotion type.
	ErrInvalidSettings = errors.New("invalid promotion settings")

	// ErrValidation is returned for malformed request input.
	ErrValidation = errors.New("validation failed")
)

// DeliveryError is a failed push to one recipient. It never aborts a batch.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to user %d: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SyncError is a failed call to the external ledger. The local grant stays.
type SyncError struct {
	Op     string
	UserID int64
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("ledger sync %s for user %d: %v", e.Op, e.UserID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
