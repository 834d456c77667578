package models

import (
	"time"

	"github.com/google/uuid"
)

// Registration statuses. accepted and failed are terminal; a registration
// reaches at most one of them.
const (
	RegStatusPending         = "pending"
	RegStatusNeedsUserAction = "needs_user_action"
	RegStatusAccepted        = "accepted"
	RegStatusFailed          = "failed"
)

// Registration is one user-child attempt to claim a slot in a session.
type Registration struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	ChildID       uuid.UUID `json:"child_id"`
	SessionID     uuid.UUID `json:"session_id"`
	PriorityOptIn bool      `json:"priority_opt_in"`
	RequestedAt   time.Time `json:"requested_at"`
	Status        string    `json:"status"`
	StatusReason  *string   `json:"status_reason,omitempty"` // violated rule code, if any
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the registration can no longer change status.
func (r *Registration) Terminal() bool {
	return r.Status == RegStatusAccepted || r.Status == RegStatusFailed
}

// Child is a registrant's child; registrations are per child.
type Child struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentMethod is a stored payment method reference; the admission gate
// only cares whether a default one exists.
type PaymentMethod struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	IsDefault bool      `json:"is_default"`
	Brand     string    `json:"brand"`
	Last4     string    `json:"last4"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptRecord is one hold-creation attempt, counted for the daily
// per-IP quota.
type AttemptRecord struct {
	ID        uuid.UUID `json:"id"`
	IP        string    `json:"ip"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
