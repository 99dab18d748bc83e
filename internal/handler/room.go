package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat_backend/internal/domain"
	"chat_backend/internal/middleware"
	"chat_backend/internal/service"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

type RoomHandler struct {
	rooms  service.RoomService
	typing service.TypingService
	log    logger.Logger
}

func NewRoomHandler(rooms service.RoomService, typing service.TypingService, log logger.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, typing: typing, log: log}
}

type ensureRoomRequest struct {
	CounterpartID string `json:"counterpart_id" binding:"required"`
}

// Ensure — ленивое создание комнаты. Создавать может только инициатор.
func (h *RoomHandler) Ensure(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)
	if identity.Role != domain.RoleInitiator {
		c.Error(apperrors.ErrForbidden)
		return
	}

	var req ensureRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.ErrBadRequest)
		return
	}

	room, err := h.rooms.EnsureRoom(c.Request.Context(), identity.UserID, req.CounterpartID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) List(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	rooms, err := h.rooms.ListRoomsForUser(c.Request.Context(), identity.UserID, identity.Role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) GetByID(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("id"), identity.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) Requests(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	requests, err := h.rooms.ListPendingRequests(c.Request.Context(), identity.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (h *RoomHandler) RequestCount(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	count, err := h.rooms.PendingRequestCount(c.Request.Context(), identity.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *RoomHandler) Rejected(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	rooms, err := h.rooms.ListRejectedRooms(c.Request.Context(), identity.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) TotalUnread(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	total, err := h.rooms.TotalUnread(c.Request.Context(), identity.UserID, identity.Role)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total})
}

func (h *RoomHandler) Accept(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	if err := h.rooms.AcceptRequest(c.Request.Context(), c.Param("id"), identity.UserID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request_state": domain.RequestStateAccepted})
}

func (h *RoomHandler) Reject(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	if err := h.rooms.RejectRequest(c.Request.Context(), c.Param("id"), identity.UserID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request_state": domain.RequestStateRejected})
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *RoomHandler) SetTyping(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.ErrBadRequest)
		return
	}

	if err := h.typing.SetTyping(c.Request.Context(), c.Param("id"), identity.UserID, req.IsTyping); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) Typists(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	typists, err := h.typing.ActiveTypists(c.Request.Context(), c.Param("id"), identity.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"typing": typists})
}
