// Package timesync measures local clock skew against an external UTC
// time reference. Hosts without disciplined clocks are the normal case,
// so every deadline computed for a timing-critical run is corrected by
// the measured skew.
package timesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Result is one skew measurement.
type Result struct {
	Skew    time.Duration // reference time minus local time; positive means local clock is behind
	Latency time.Duration // round-trip time of the reference request
}

// Synchronizer fetches the reference time over HTTP.
type Synchronizer struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New creates a synchronizer against the given time endpoint.
func New(url string, timeout time.Duration, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// referenceBody matches the worldtimeapi response shape; unixtime is the
// fallback when utc_datetime is absent or malformed.
type referenceBody struct {
	UTCDatetime string `json:"utc_datetime"`
	Unixtime    int64  `json:"unixtime"`
}

// Sync measures the offset between the local clock and the reference.
// The local sample instant is the midpoint of the request round trip.
// On any failure it degrades to zero skew rather than failing the run.
func (s *Synchronizer) Sync(ctx context.Context) Result {
	start := time.Now()
	ref, err := s.fetch(ctx)
	end := time.Now()
	if err != nil {
		s.logger.Warn("time reference unavailable, trusting local clock", zap.Error(err))
		return Result{}
	}

	latency := end.Sub(start)
	midpoint := start.Add(latency / 2)
	return Result{
		Skew:    ref.Sub(midpoint),
		Latency: latency,
	}
}

func (s *Synchronizer) fetch(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, &statusError{code: resp.StatusCode}
	}

	var body referenceBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, err
	}
	if body.UTCDatetime != "" {
		if t, err := time.Parse(time.RFC3339Nano, body.UTCDatetime); err == nil {
			return t, nil
		}
	}
	if body.Unixtime > 0 {
		return time.Unix(body.Unixtime, 0), nil
	}
	return time.Time{}, errors.New("time reference returned no usable timestamp")
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("time reference status %d", e.code)
}
