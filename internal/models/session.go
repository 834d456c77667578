package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a contested, capacity-bounded registration window for a
// provider program. It is owned by the catalog subsystem; the prewarm
// core reads it but never mutates it.
type Session struct {
	ID                 uuid.UUID `json:"id"`
	Title              string    `json:"title"`
	ProviderName       string    `json:"provider_name"`
	ProviderURL        string    `json:"provider_url"`
	RegistrationOpenAt time.Time `json:"registration_open_at"`
	OpenTimeExact      bool      `json:"open_time_exact"`
	Capacity           *int      `json:"capacity,omitempty"` // nil = unlimited
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
