package execution

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/internal/registrations"
	"github.com/slotline/backend/pkg/response"
)

// RegistrationSource loads the registration to execute.
type RegistrationSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Registration, error)
}

// ExecuteRequest is the body for POST /registrations/:id/execute.
// Attempt is 1-based and defaults to 1; the external scheduler passes
// the incremented value on re-invocation.
type ExecuteRequest struct {
	Attempt int `json:"attempt"`
}

// ExecuteResponse reports the outcome of one manual attempt.
type ExecuteResponse struct {
	Status    Status `json:"status"`
	RetryInMS int64  `json:"retry_in_ms,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler exposes the manual-mode execution path.
type Handler struct {
	regs   RegistrationSource
	runner *Runner
	logger *zap.Logger
}

// NewHandler creates an execution handler.
func NewHandler(regs RegistrationSource, runner *Runner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{regs: regs, runner: runner, logger: logger}
}

// Execute handles POST /registrations/:id/execute: one attempt under the
// configured retry policy, outside any prewarm window.
func (h *Handler) Execute(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid registration id")
		return
	}

	// Body is optional; an empty POST runs attempt 1.
	req := ExecuteRequest{Attempt: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if req.Attempt < 1 {
		response.BadRequest(c, "attempt must be >= 1")
		return
	}

	reg, err := h.regs.GetByID(c.Request.Context(), id)
	if errors.Is(err, registrations.ErrNotFound) {
		response.NotFound(c, "registration not found")
		return
	}
	if err != nil {
		h.logger.Error("load registration failed", zap.Error(err), zap.String("registration_id", id.String()))
		response.Internal(c, "failed to load registration")
		return
	}
	if reg.Status != models.RegStatusPending {
		response.Conflict(c, "registration is not pending")
		return
	}

	out := h.runner.Execute(c.Request.Context(), *reg, req.Attempt)

	resp := ExecuteResponse{Status: out.Status, Kind: out.Kind.String()}
	if out.RetryIn > 0 {
		resp.RetryInMS = out.RetryIn.Milliseconds()
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	if out.Status == StatusCompleted {
		resp.Kind = ""
	}
	response.OK(c, resp)
}
