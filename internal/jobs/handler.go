package jobs

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/internal/prewarm"
	"github.com/slotline/backend/internal/sessions"
	"github.com/slotline/backend/pkg/response"
)

// defaultLead is how far before the open instant a job is scheduled when
// the request does not say. The dispatcher sweeps every minute, so the
// lead must cover at least one sweep plus the executor's warm window.
const defaultLead = 2 * time.Minute

// CreateRequest is the body for POST /sessions/:id/prewarm. PrewarmAt is
// optional; it defaults to the session's open instant minus the lead.
type CreateRequest struct {
	PrewarmAt *time.Time `json:"prewarm_at"`
}

// Handler handles prewarm job admin endpoints.
type Handler struct {
	repo        *Repository
	sessionRepo *sessions.Repository
	executor    prewarm.Runner
	logger      *zap.Logger
}

// NewHandler creates a prewarm jobs handler.
func NewHandler(repo *Repository, sessionRepo *sessions.Repository, executor prewarm.Runner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, sessionRepo: sessionRepo, executor: executor, logger: logger}
}

// Create handles POST /sessions/:id/prewarm.
func (h *Handler) Create(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}

	// Body is optional: an empty POST schedules at the default lead.
	var req CreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}

	session, err := h.sessionRepo.GetByID(c.Request.Context(), sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("load session failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to load session")
		return
	}

	prewarmAt := session.RegistrationOpenAt.Add(-defaultLead)
	if req.PrewarmAt != nil {
		prewarmAt = *req.PrewarmAt
	}
	if prewarmAt.After(session.RegistrationOpenAt) {
		response.BadRequest(c, "prewarm_at must not be after the registration open time")
		return
	}

	job, err := h.repo.Create(c.Request.Context(), session.ID, prewarmAt)
	if err != nil {
		h.logger.Error("create prewarm job failed", zap.Error(err), zap.String("session_id", session.ID.String()))
		response.Internal(c, "failed to schedule prewarm job")
		return
	}

	h.logger.Info("prewarm job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("session_id", session.ID.String()),
		zap.Time("prewarm_at", job.PrewarmAt))
	response.Created(c, job)
}

// List handles GET /prewarm/jobs.
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}

	list, err := h.repo.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list prewarm jobs failed", zap.Error(err))
		response.Internal(c, "failed to list prewarm jobs")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /prewarm/jobs/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}

	job, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "prewarm job not found")
		return
	}
	if err != nil {
		h.logger.Error("load prewarm job failed", zap.Error(err), zap.String("job_id", id.String()))
		response.Internal(c, "failed to load prewarm job")
		return
	}
	response.OK(c, job)
}

// Run handles POST /prewarm/jobs/:id/run: a manual, synchronous run for
// operators. It goes through the same run lock as the dispatcher, so a
// manual run can never race a scheduled one.
func (h *Handler) Run(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}

	job, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "prewarm job not found")
		return
	}
	if err != nil {
		h.logger.Error("load prewarm job failed", zap.Error(err), zap.String("job_id", id.String()))
		response.Internal(c, "failed to load prewarm job")
		return
	}

	acquired, err := h.repo.AcquireRun(c.Request.Context(), job.ID)
	if err != nil {
		h.logger.Error("run lock acquisition errored", zap.Error(err), zap.String("job_id", job.ID.String()))
		response.Internal(c, "failed to start run")
		return
	}
	if !acquired {
		response.Conflict(c, "job is not in scheduled state")
		return
	}

	// Release the run lock on every exit path; a panicking executor is
	// recovered by gin above this handler, but the job must not stay
	// running.
	status := models.JobStatusFailed
	errMsg := "run aborted"
	defer func() {
		if ferr := h.repo.Finish(context.WithoutCancel(c.Request.Context()), job.ID, status, errMsg); ferr != nil {
			h.logger.Error("job finish failed", zap.Error(ferr), zap.String("job_id", job.ID.String()))
		}
	}()

	res, err := h.executor.Run(c.Request.Context(), job.SessionID)
	if err != nil {
		errMsg = err.Error()
		h.logger.Error("manual run failed", zap.Error(err), zap.String("job_id", job.ID.String()))
		response.Internal(c, "run failed: "+err.Error())
		return
	}

	status, errMsg = models.JobStatusCompleted, ""
	response.OK(c, res)
}
