// Package admission implements the pre-claim quota and payment checks.
// Every registrant goes through the gate before any claim attempt is
// made on its behalf.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotline/backend/config"
	"github.com/slotline/backend/internal/models"
)

// Candidate identifies one registrant to check. ChildID, SessionID and IP
// are optional; rules that depend on an absent identifier are skipped.
type Candidate struct {
	UserID    uuid.UUID
	ChildID   *uuid.UUID
	SessionID *uuid.UUID
	IP        string
}

// CountSource supplies the current counts the rules are evaluated
// against. Implementations must be read-only.
type CountSource interface {
	ActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
	ActiveByChild(ctx context.Context, childID uuid.UUID) (int, error)
	ActiveByUserAndSession(ctx context.Context, userID, sessionID uuid.UUID) (int, error)
	AttemptsByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	HasDefaultPaymentMethod(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Gate evaluates admission rules in fixed order and reports the first
// violation. It performs no writes; callers decide what to do with the
// result and cache it for the duration of one execution window.
type Gate struct {
	src    CountSource
	limits config.QuotaConfig
	now    func() time.Time
}

// NewGate creates an admission gate with the configured limits.
func NewGate(src CountSource, limits config.QuotaConfig) *Gate {
	return &Gate{src: src, limits: limits, now: time.Now}
}

// Check runs the rules against current counts and returns the first
// violated rule, or OK. Rule order is fixed: account cap, per-child cap,
// per-session cap, daily IP cap, payment method.
func (g *Gate) Check(ctx context.Context, cand Candidate) (models.QuotaCheckResult, error) {
	active, err := g.src.ActiveByUser(ctx, cand.UserID)
	if err != nil {
		return models.QuotaCheckResult{}, fmt.Errorf("count active by user: %w", err)
	}
	if active >= g.limits.MaxActivePerAccount {
		return blocked(models.QuotaCodeAccount,
			fmt.Sprintf("account already has %d active registrations (max %d)", active, g.limits.MaxActivePerAccount)), nil
	}

	if cand.ChildID != nil {
		n, err := g.src.ActiveByChild(ctx, *cand.ChildID)
		if err != nil {
			return models.QuotaCheckResult{}, fmt.Errorf("count active by child: %w", err)
		}
		if n >= g.limits.MaxActivePerChild {
			return blocked(models.QuotaCodeChild,
				fmt.Sprintf("child already has %d active registration(s) (max %d)", n, g.limits.MaxActivePerChild)), nil
		}
	}

	if cand.SessionID != nil {
		n, err := g.src.ActiveByUserAndSession(ctx, cand.UserID, *cand.SessionID)
		if err != nil {
			return models.QuotaCheckResult{}, fmt.Errorf("count by user and session: %w", err)
		}
		if n >= g.limits.MaxPerSessionUser {
			return blocked(models.QuotaCodeSession,
				fmt.Sprintf("user already has %d registration(s) in this session (max %d)", n, g.limits.MaxPerSessionUser)), nil
		}
	}

	if cand.IP != "" {
		n, err := g.src.AttemptsByIPSince(ctx, cand.IP, g.localMidnight())
		if err != nil {
			return models.QuotaCheckResult{}, fmt.Errorf("count attempts by ip: %w", err)
		}
		if n >= g.limits.MaxDailyPerIP {
			return blocked(models.QuotaCodeIP,
				fmt.Sprintf("ip reached %d attempts today (max %d)", n, g.limits.MaxDailyPerIP)), nil
		}
	}

	hasPM, err := g.src.HasDefaultPaymentMethod(ctx, cand.UserID)
	if err != nil {
		return models.QuotaCheckResult{}, fmt.Errorf("check payment method: %w", err)
	}
	if !hasPM {
		return blocked(models.QuotaCodeNoPM, "no default payment method on file"), nil
	}

	return models.QuotaCheckResult{OK: true}, nil
}

func (g *Gate) localMidnight() time.Time {
	now := g.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func blocked(code, message string) models.QuotaCheckResult {
	return models.QuotaCheckResult{OK: false, Code: code, Message: message}
}
