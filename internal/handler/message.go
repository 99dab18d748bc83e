package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	"chat_backend/internal/middleware"
	"chat_backend/internal/service"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

type MessageHandler struct {
	messages service.MessageService
	receipts service.ReceiptService
	cfg      *config.Config
	log      logger.Logger
}

func NewMessageHandler(messages service.MessageService, receipts service.ReceiptService, cfg *config.Config, log logger.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, receipts: receipts, cfg: cfg, log: log}
}

type sendMessageRequest struct {
	Text   string `json:"text" binding:"required"`
	TempID string `json:"temp_id"`
}

func (h *MessageHandler) Send(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.ErrEmptyMessage)
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), service.SendInput{
		RoomID:   c.Param("id"),
		SenderID: identity.UserID,
		Text:     req.Text,
		TempID:   req.TempID,
	})
	if err != nil {
		// Оптимистичное эхо уже откатано; исходный текст возвращается
		// отправителю для повторной попытки.
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{
			"error":   err.Error(),
			"text":    req.Text,
			"temp_id": req.TempID,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": msg,
		"temp_id": req.TempID,
	})
}

func (h *MessageHandler) List(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.cfg.Chat.PageSize)))

	cursor, err := cursorFromQuery(c)
	if err != nil {
		c.Error(apperrors.ErrBadRequest)
		return
	}

	views, err := h.messages.List(c.Request.Context(), c.Param("id"), identity.UserID, limit, cursor)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (h *MessageHandler) Search(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	results, err := h.messages.Search(c.Request.Context(), identity.UserID, c.Query("q"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"matches": results})
}

// MarkDelivered — клиент получателя увидел поток сообщений комнаты.
func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	if err := h.receipts.MarkDelivered(c.Request.Context(), c.Param("id"), identity.UserID); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// MarkSeen — пользователь открыл комнату.
func (h *MessageHandler) MarkSeen(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	if err := h.receipts.MarkSeen(c.Request.Context(), c.Param("id"), identity.UserID, identity.ReadReceipts); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// cursorFromQuery читает keyset-курсор (after_ts, after_id).
func cursorFromQuery(c *gin.Context) (*domain.Cursor, error) {
	rawTS := c.Query("after_ts")
	rawID := c.Query("after_id")
	if rawTS == "" && rawID == "" {
		return nil, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, err
	}

	return &domain.Cursor{CreatedAt: ts, ID: id}, nil
}
