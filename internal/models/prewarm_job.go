package models

import (
	"time"

	"github.com/google/uuid"
)

// PrewarmJob statuses. scheduled -> running is the per-session run lock;
// running -> completed|failed is the release.
const (
	JobStatusScheduled = "scheduled"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// PrewarmJob is one scheduled attempt-run bound to a session. At most one
// job per session may be running at a time.
type PrewarmJob struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	PrewarmAt    time.Time `json:"prewarm_at"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
