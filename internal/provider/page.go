// Package provider talks to registration providers' public pages. The
// open/closed classification is content-based keyword matching, not an
// API contract: closed indicators are authoritative, open indicators
// come second, and a bare HTTP 200 is only a weak open signal.
package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PageState classifies a provider page.
type PageState int

const (
	StateUnknown PageState = iota
	StateClosed
	StateOpen
)

// String returns the lowercase state name for logs.
func (s PageState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Checked before open indicators: providers often keep the signup form in
// the markup while a "registration closed" banner is what actually
// gates it.
var closedIndicators = []string{
	"registration closed",
	"registration is closed",
	"sold out",
	"waitlist only",
	"join the waitlist",
	"not yet open",
	"opens soon",
	"coming soon",
	"no longer available",
}

var openIndicators = []string{
	"register now",
	"registration open",
	"registration is open",
	"sign up now",
	"add to cart",
	"spots available",
	"enroll now",
}

// maxPageBytes bounds how much of the provider page is read for
// classification.
const maxPageBytes = 1 << 20

// PageChecker fetches and classifies provider pages.
type PageChecker struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewPageChecker creates a page checker with a short fetch timeout.
func NewPageChecker(timeout time.Duration, userAgent string, logger *zap.Logger) *PageChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageChecker{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Check fetches the page and classifies its registration state. Fetch
// failures degrade to StateUnknown; the caller keeps polling.
func (p *PageChecker) Check(ctx context.Context, url string) PageState {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Warn("page request build failed", zap.String("url", url), zap.Error(err))
		return StateUnknown
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("page fetch failed", zap.String("url", url), zap.Error(err))
		return StateUnknown
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		p.logger.Warn("page read failed", zap.String("url", url), zap.Error(err))
		return StateUnknown
	}

	return Classify(resp.StatusCode, string(body))
}

// Classify applies the keyword heuristics to a fetched page.
func Classify(statusCode int, body string) PageState {
	lower := strings.ToLower(body)
	for _, kw := range closedIndicators {
		if strings.Contains(lower, kw) {
			return StateClosed
		}
	}
	for _, kw := range openIndicators {
		if strings.Contains(lower, kw) {
			return StateOpen
		}
	}
	if statusCode == http.StatusOK {
		// Weak signal: the page loaded and nothing says closed.
		return StateOpen
	}
	return StateUnknown
}
