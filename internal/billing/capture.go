// Package billing wraps the external success-fee collaborator. Payment
// capture and customer management live in the billing service; this is
// just the fire-and-log invocation.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Capturer captures a success fee for a won registration.
type Capturer interface {
	CaptureSuccessFee(ctx context.Context, registrationID uuid.UUID, amountCents int) error
}

// HTTPCapturer posts capture requests to the billing service endpoint.
type HTTPCapturer struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPCapturer creates the billing client. An empty URL yields a
// capturer that logs and succeeds, for environments without billing.
func NewHTTPCapturer(url string, logger *zap.Logger) *HTTPCapturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCapturer{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type captureRequest struct {
	ReservationID string `json:"reservation_id"`
	AmountCents   int    `json:"amount_cents"`
}

// CaptureSuccessFee invokes the billing collaborator.
func (c *HTTPCapturer) CaptureSuccessFee(ctx context.Context, registrationID uuid.UUID, amountCents int) error {
	if c.url == "" {
		c.logger.Info("billing disabled, skipping fee capture",
			zap.String("registration_id", registrationID.String()), zap.Int("amount_cents", amountCents))
		return nil
	}

	body, err := json.Marshal(captureRequest{
		ReservationID: registrationID.String(),
		AmountCents:   amountCents,
	})
	if err != nil {
		return fmt.Errorf("marshal capture request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("capture request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("capture status %d", resp.StatusCode)
	}
	return nil
}
