package service

import (
	"context"

	"chat_backend/internal/cache"
	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	"chat_backend/internal/repository"
	"chat_backend/internal/stream"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

// ReceiptService — машина состояний sent -> delivered -> seen.
// Переходы односторонние и идемпотентные: повторный вызов после первой
// успешной отметки — no-op. Ошибки отметок некритичны — следующее событие
// наблюдения повторит попытку, доставку сообщений они не блокируют.
type ReceiptService interface {
	// MarkDelivered вызывается, когда клиент получателя наблюдает поток
	// сообщений комнаты (не обязательно открывает её).
	MarkDelivered(ctx context.Context, roomID, receiverID string) error
	// MarkSeen вызывается при открытии комнаты: отметки прочтения плюс
	// обнуление счетчика непрочитанных. При readReceipts=false отметка
	// read_at не ставится, но счетчик все равно сбрасывается.
	MarkSeen(ctx context.Context, roomID, userID string, readReceipts bool) error
}

type receiptService struct {
	messages repository.MessageRepository
	rooms    repository.RoomRepository
	cache    *cache.TwoTier
	broker   *stream.Broker
	cfg      *config.Config
	log      logger.Logger
}

func NewReceiptService(
	messages repository.MessageRepository,
	rooms repository.RoomRepository,
	cacheLayer *cache.TwoTier,
	broker *stream.Broker,
	cfg *config.Config,
	log logger.Logger,
) ReceiptService {
	return &receiptService{
		messages: messages,
		rooms:    rooms,
		cache:    cacheLayer,
		broker:   broker,
		cfg:      cfg,
		log:      log,
	}
}

func (s *receiptService) MarkDelivered(ctx context.Context, roomID, receiverID string) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(receiverID) {
		return apperrors.ErrNotParticipant
	}

	stamped, err := s.messages.MarkDelivered(ctx, roomID, receiverID)
	if err != nil {
		s.log.Warn("Failed to mark delivered", "error", err, "room_id", roomID)
		return err
	}
	if stamped == 0 {
		return nil
	}

	s.cache.Invalidate(ctx, cache.MessagesKey(roomID))
	s.broker.Publish(stream.RoomTopic(roomID), stream.Event{
		Type: stream.EventReceipt,
		Payload: map[string]any{
			"room_id": roomID,
			"user_id": receiverID,
			"status":  domain.StatusDelivered,
		},
	})

	return nil
}

func (s *receiptService) MarkSeen(ctx context.Context, roomID, userID string, readReceipts bool) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(userID) {
		return apperrors.ErrNotParticipant
	}

	stamped, err := s.messages.MarkSeen(ctx, roomID, userID, readReceipts)
	if err != nil {
		s.log.Warn("Failed to mark seen", "error", err, "room_id", roomID)
		return err
	}

	// Счетчик сбрасывается независимо от отметок прочтения.
	if err := s.rooms.ResetUnread(ctx, roomID, userID); err != nil {
		return err
	}

	s.cache.Invalidate(ctx,
		cache.MessagesKey(roomID),
		cache.RoomsKey(room.InitiatorID, domain.RoleInitiator),
		cache.RoomsKey(room.CounterpartID, domain.RoleCounterpart),
	)

	if stamped > 0 && readReceipts {
		s.broker.Publish(stream.RoomTopic(roomID), stream.Event{
			Type: stream.EventReceipt,
			Payload: map[string]any{
				"room_id": roomID,
				"user_id": userID,
				"status":  domain.StatusSeen,
			},
		})
	}

	s.broker.Publish(stream.UserTopic(userID), stream.Event{
		Type: stream.EventRoomUpdated,
		Payload: map[string]any{
			"room_id": roomID,
			"unread":  0,
		},
	})

	return nil
}
