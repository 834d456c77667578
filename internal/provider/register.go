package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/slotline/backend/internal/execution"
	"github.com/slotline/backend/internal/models"
)

// RegistrationClient submits one registration through the form-automation
// collaborator. The automation service owns browser mechanics; this side
// only maps its responses onto the closed error kinds the retry policy
// understands.
type RegistrationClient struct {
	url       string
	userAgent string
	client    *http.Client
	logger    *zap.Logger
}

// NewRegistrationClient creates the automation client. Submissions can
// take far longer than a page fetch, so the timeout is generous.
func NewRegistrationClient(url, userAgent string, logger *zap.Logger) *RegistrationClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistrationClient{
		url:       url,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
}

type attemptRequest struct {
	RegistrationID string `json:"registration_id"`
	ChildID        string `json:"child_id"`
	SessionID      string `json:"session_id"`
}

// AttemptRegistration asks the automation service to fill and submit the
// provider form for this registration.
func (c *RegistrationClient) AttemptRegistration(ctx context.Context, reg models.Registration) error {
	if c.url == "" {
		return execution.NewAttemptError(execution.KindFatal,
			fmt.Errorf("automation service not configured"))
	}

	body, err := json.Marshal(attemptRequest{
		RegistrationID: reg.ID.String(),
		ChildID:        reg.ChildID.String(),
		SessionID:      reg.SessionID.String(),
	})
	if err != nil {
		return execution.NewAttemptError(execution.KindFatal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return execution.NewAttemptError(execution.KindFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport errors carry their own classification (net.Error,
		// context deadline); let the classifier see them directly.
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		// The automation service could not match the form fields.
		return execution.NewAttemptError(execution.KindFormMismatch,
			fmt.Errorf("automation status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return execution.NewAttemptError(execution.KindProviderError,
			fmt.Errorf("automation status %d", resp.StatusCode))
	default:
		return execution.NewAttemptError(execution.KindFatal,
			fmt.Errorf("automation status %d", resp.StatusCode))
	}
}
