package service

import (
	"context"

	"chat_backend/internal/cache"
	"chat_backend/internal/config"
	"chat_backend/internal/repository"
	"chat_backend/internal/stream"
	"chat_backend/pkg/logger"
)

// InteractionChecker — внешний коллаборатор (блок-листы профильного сервиса).
// Отправка сообщения запрещена, если пара заблокирована.
type InteractionChecker interface {
	CanInteract(ctx context.Context, userA, userB string) (bool, error)
}

// AllowAll — заглушка до подключения реального блок-сервиса.
type AllowAll struct{}

func (AllowAll) CanInteract(ctx context.Context, userA, userB string) (bool, error) {
	return true, nil
}

type Services struct {
	Room     RoomService
	Message  MessageService
	Receipt  ReceiptService
	Presence PresenceService
	Typing   TypingService
}

func NewServices(
	repos *repository.Repositories,
	cacheLayer *cache.TwoTier,
	broker *stream.Broker,
	checker InteractionChecker,
	cfg *config.Config,
	log logger.Logger,
) *Services {
	roomSvc := NewRoomService(repos.Room, cacheLayer, broker, cfg, log)
	typingSvc := NewTypingService(repos.Typing, repos.Room, broker, cfg, log)

	return &Services{
		Room:     roomSvc,
		Message:  NewMessageService(repos.Message, repos.Room, typingSvc, cacheLayer, broker, checker, cfg, log),
		Receipt:  NewReceiptService(repos.Message, repos.Room, cacheLayer, broker, cfg, log),
		Presence: NewPresenceService(repos.Presence, broker, cfg, log),
		Typing:   typingSvc,
	}
}
