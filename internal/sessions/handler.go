package sessions

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/pkg/response"
)

// Handler handles session catalog endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /sessions.
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
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}

	session, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("load session failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to load session")
		return
	}
	response.OK(c, session)
}
