package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chat_backend/internal/middleware"
	"chat_backend/internal/service"
	"chat_backend/internal/stream"
	"chat_backend/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 8 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // В продакшене нужно проверять origin
	},
}

type WebSocketHandler struct {
	services *service.Services
	broker   *stream.Broker
	log      logger.Logger
}

func NewWebSocketHandler(services *service.Services, broker *stream.Broker, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		services: services,
		broker:   broker,
		log:      log,
	}
}

// clientFrame — входящий кадр клиента в комнате.
type clientFrame struct {
	Type     string `json:"type"` // typing | seen
	IsTyping bool   `json:"is_typing,omitempty"`
}

// HandleRoom — поток событий комнаты: сообщения, набор текста, отметки.
// Само подключение — событие наблюдения потока, поэтому здесь же ставится
// отметка доставки.
func (h *WebSocketHandler) HandleRoom(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)
	roomID := c.Param("id")

	// Доступ только участникам.
	if _, err := h.services.Room.GetRoom(c.Request.Context(), roomID, identity.UserID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	// Получатель наблюдает поток: sent -> delivered. Ошибка некритична,
	// следующее подключение повторит попытку.
	go func() {
		stampCtx, stampCancel := context.WithTimeout(ctx, 5*time.Second)
		defer stampCancel()
		if err := h.services.Receipt.MarkDelivered(stampCtx, roomID, identity.UserID); err != nil {
			h.log.Warn("Deferred delivery stamp", "error", err, "room_id", roomID)
		}
	}()

	sub := h.broker.Subscribe(stream.RoomTopic(roomID))
	defer sub.Close()

	go h.writePump(ctx, cancel, conn, sub)
	h.readRoomFrames(ctx, conn, roomID, identity)
}

// HandleInbox — персональный поток: обновления списка комнат, счетчиков
// и запросов.
func (h *WebSocketHandler) HandleInbox(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	sub := h.broker.Subscribe(stream.UserTopic(identity.UserID))
	defer sub.Close()

	go h.writePump(ctx, cancel, conn, sub)

	// Входящие кадры инбокса — только heartbeat присутствия.
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.services.Presence.Heartbeat(ctx, identity.UserID); err != nil {
			h.log.Warn("Heartbeat failed", "error", err, "user_id", identity.UserID)
		}
	}

	h.disconnectPresence(identity.UserID)
}

// HandlePresence — поток присутствия собеседника: подключившийся наблюдает
// переходы online/offline и смену метки последней активности.
func (h *WebSocketHandler) HandlePresence(c *gin.Context) {
	userID := c.Param("userId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	views, stop := h.services.Presence.Observe(ctx, userID)
	defer stop()

	// Читающий цикл нужен только чтобы заметить закрытие сокета клиентом.
	go func() {
		conn.SetReadLimit(readLimit)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-views:
			if !ok {
				return
			}
			data, err := json.Marshal(stream.Event{Type: stream.EventPresence, Payload: view})
			if err != nil {
				h.log.Error("Failed to encode presence view", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writePump пишет события подписки в сокет и поддерживает ping.
func (h *WebSocketHandler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *stream.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("Failed to encode event", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) readRoomFrames(ctx context.Context, conn *websocket.Conn, roomID string, identity *middleware.Identity) {
	defer conn.Close()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		// Любая активность в комнате — heartbeat присутствия.
		if err := h.services.Presence.Heartbeat(ctx, identity.UserID); err != nil {
			h.log.Warn("Heartbeat failed", "error", err, "user_id", identity.UserID)
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "typing":
			if err := h.services.Typing.SetTyping(ctx, roomID, identity.UserID, frame.IsTyping); err != nil {
				h.log.Warn("Typing update failed", "error", err, "room_id", roomID)
			}
		case "seen":
			if err := h.services.Receipt.MarkSeen(ctx, roomID, identity.UserID, identity.ReadReceipts); err != nil {
				h.log.Warn("Seen stamp failed", "error", err, "room_id", roomID)
			}
		}
	}

	h.disconnectPresence(identity.UserID)
}

func (h *WebSocketHandler) disconnectPresence(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.services.Presence.Disconnect(ctx, userID); err != nil {
		h.log.Debug("Presence disconnect failed", "error", err, "user_id", userID)
	}
}
