package handler

import (
	"chat_backend/internal/config"
	"chat_backend/internal/service"
	"chat_backend/internal/stream"
	"chat_backend/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	Room      *RoomHandler
	Message   *MessageHandler
	Presence  *PresenceHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, broker *stream.Broker, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(cfg),
		Room:      NewRoomHandler(services.Room, services.Typing, log),
		Message:   NewMessageHandler(services.Message, services.Receipt, cfg, log),
		Presence:  NewPresenceHandler(services.Presence, log),
		WebSocket: NewWebSocketHandler(services, broker, log),
	}
}
