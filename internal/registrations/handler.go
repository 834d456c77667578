package registrations

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/internal/admission"
	"github.com/slotline/backend/internal/middleware"
	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/internal/sessions"
	"github.com/slotline/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions/:id/registrations.
type CreateRequest struct {
	ChildID       uuid.UUID `json:"child_id" binding:"required"`
	PriorityOptIn bool      `json:"priority_opt_in"`
}

// Handler handles registration HTTP endpoints.
type Handler struct {
	repo        *Repository
	sessionRepo *sessions.Repository
	gate        *admission.Gate
	holdLock    *HoldLock
	logger      *zap.Logger
}

// NewHandler creates a registrations handler.
func NewHandler(repo *Repository, sessionRepo *sessions.Repository, gate *admission.Gate, holdLock *HoldLock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, sessionRepo: sessionRepo, gate: gate, holdLock: holdLock, logger: logger}
}

// Create handles POST /sessions/:id/registrations. The advisory lock
// serializes duplicate submissions from the same user+session pair; the
// admission gate decides whether the hold starts pending or
// needs_user_action.
func (h *Handler) Create(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	session, err := h.sessionRepo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("load session failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to load session")
		return
	}

	child, err := h.repo.GetChild(c.Request.Context(), req.ChildID)
	if err != nil || child.UserID != userID {
		response.NotFound(c, "child not found")
		return
	}

	ip := c.ClientIP()
	reg := &models.Registration{
		UserID:        userID,
		ChildID:       child.ID,
		SessionID:     session.ID,
		PriorityOptIn: req.PriorityOptIn,
		Status:        models.RegStatusPending,
	}

	err = h.holdLock.WithLock(c.Request.Context(), userID, session.ID, func(ctx context.Context) error {
		if err := h.repo.RecordAttempt(ctx, ip, userID); err != nil {
			return err
		}
		res, err := h.gate.Check(ctx, admission.Candidate{
			UserID:    userID,
			ChildID:   &child.ID,
			SessionID: &session.ID,
			IP:        ip,
		})
		if err != nil {
			return err
		}
		if !res.OK {
			reg.Status = models.RegStatusNeedsUserAction
			reg.StatusReason = &res.Code
		}
		return h.repo.Create(ctx, reg)
	})
	if errors.Is(err, ErrHoldContended) {
		response.Conflict(c, "another registration for this session is in progress")
		return
	}
	if err != nil {
		h.logger.Error("create registration failed", zap.Error(err),
			zap.String("session_id", session.ID.String()), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to register")
		return
	}

	response.Created(c, reg)
}

// GetByID handles GET /registrations/:id. Users can only read their own
// registrations.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid registration id")
		return
	}
	userID, _ := middleware.UserID(c)

	reg, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "registration not found")
		return
	}
	if err != nil {
		h.logger.Error("load registration failed", zap.Error(err), zap.String("registration_id", id.String()))
		response.Internal(c, "failed to load registration")
		return
	}
	if reg.UserID != userID {
		response.NotFound(c, "registration not found")
		return
	}
	response.OK(c, reg)
}

// ListMine handles GET /users/me/registrations.
func (h *Handler) ListMine(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	list, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list registrations failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to list registrations")
		return
	}
	response.OK(c, list)
}
