package models

import "github.com/google/uuid"

// ExecutorResult summarizes one attempt-executor run over a session.
type ExecutorResult struct {
	SessionID             uuid.UUID   `json:"session_id"`
	SuccessfulIDs         []uuid.UUID `json:"successful_registration_ids"`
	FailedIDs             []uuid.UUID `json:"failed_registration_ids"`
	TotalAttempts         int         `json:"total_attempts"`
	FirstSuccessLatencyMS int64       `json:"first_success_latency_ms"`
	BlockedUserCount      int         `json:"blocked_user_count"`
	ActivityLog           []string    `json:"activity_log"`
}
