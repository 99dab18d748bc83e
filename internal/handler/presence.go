package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat_backend/internal/middleware"
	"chat_backend/internal/service"
	"chat_backend/pkg/logger"
)

type PresenceHandler struct {
	presence service.PresenceService
	log      logger.Logger
}

func NewPresenceHandler(presence service.PresenceService, log logger.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, log: log}
}

func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	if err := h.presence.Heartbeat(c.Request.Context(), identity.UserID); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *PresenceHandler) Disconnect(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	// Best-effort: ошибка не мешает клиенту закрыться.
	if err := h.presence.Disconnect(c.Request.Context(), identity.UserID); err != nil {
		h.log.Warn("Disconnect failed", "error", err, "user_id", identity.UserID)
	}

	c.Status(http.StatusNoContent)
}

func (h *PresenceHandler) Get(c *gin.Context) {
	view, err := h.presence.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}
