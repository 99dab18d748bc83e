package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat_backend/internal/cache"
	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	"chat_backend/internal/repository"
	"chat_backend/internal/stream"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

// SendInput — входные данные отправки. TempID задает клиент для
// оптимистичного эха; при неудачной записи текст возвращается отправителю
// для повторной попытки.
type SendInput struct {
	RoomID   string
	SenderID string
	Text     string
	TempID   string
}

// MessageView — сообщение в том виде, в каком его потребляет клиент:
// вычисленный статус плюс признак неподтвержденной (оптимистичной) записи.
type MessageView struct {
	ID          string     `json:"id"`
	TempID      string     `json:"temp_id,omitempty"`
	RoomID      string     `json:"room_id"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Text        string     `json:"text"`
	Status      string     `json:"status"`
	Pending     bool       `json:"pending,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

type MessageService interface {
	Send(ctx context.Context, in SendInput) (*domain.Message, error)
	// List возвращает сообщения по возрастанию времени вместе с
	// неподтвержденными оптимистичными записями в хвосте.
	List(ctx context.Context, roomID, userID string, limit int, after *domain.Cursor) ([]MessageView, error)
	// Search — количество совпадений по каждой комнате запрашивающего.
	Search(ctx context.Context, userID, term string) (map[string]int, error)
}

type messageService struct {
	messages repository.MessageRepository
	rooms    repository.RoomRepository
	typing   TypingService
	cache    *cache.TwoTier
	broker   *stream.Broker
	checker  InteractionChecker
	cfg      *config.Config
	log      logger.Logger
}

func NewMessageService(
	messages repository.MessageRepository,
	rooms repository.RoomRepository,
	typing TypingService,
	cacheLayer *cache.TwoTier,
	broker *stream.Broker,
	checker InteractionChecker,
	cfg *config.Config,
	log logger.Logger,
) MessageService {
	return &messageService{
		messages: messages,
		rooms:    rooms,
		typing:   typing,
		cache:    cacheLayer,
		broker:   broker,
		checker:  checker,
		cfg:      cfg,
		log:      log,
	}
}

func (s *messageService) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	// Валидация до любых побочных эффектов.
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, apperrors.ErrEmptyMessage
	}
	if max := s.cfg.Chat.MaxMessageLength; max > 0 && len(text) > max {
		return nil, fmt.Errorf("%w: message exceeds %d characters", apperrors.ErrBadRequest, max)
	}

	room, err := s.rooms.GetByID(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(in.SenderID) {
		return nil, apperrors.ErrNotParticipant
	}
	receiverID := room.OtherParticipant(in.SenderID)

	allowed, err := s.checker.CanInteract(ctx, in.SenderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("block check: %w", err)
	}
	if !allowed {
		return nil, apperrors.ErrBlocked
	}

	fromInitiator := in.SenderID == room.InitiatorID
	if !fromInitiator {
		// Пока запрос не принят, контрагент может только принять или
		// отклонить — писать нельзя.
		switch room.RequestState {
		case domain.RequestStatePending:
			return nil, apperrors.ErrRequestPending
		case domain.RequestStateRejected:
			return nil, apperrors.ErrRequestRejected
		}
	} else if room.RequestState == domain.RequestStateRejected {
		// Инициатор начинает обмен заново: отклоненный запрос возвращается
		// в pending, контрагент увидит свежий запрос.
		if _, err := s.rooms.ReopenIfRejected(ctx, in.RoomID); err != nil {
			return nil, err
		}
	}

	msg := &domain.Message{
		ID:         uuid.New(),
		RoomID:     in.RoomID,
		SenderID:   in.SenderID,
		ReceiverID: receiverID,
		Text:       text,
	}

	messagesKey := cache.MessagesKey(in.RoomID)
	if in.TempID != "" {
		// Локальное эхо: сообщение сразу видно под временным ID со
		// статусом sent, до подтверждения авторитетной записью.
		s.cache.PutOptimistic(messagesKey, in.TempID, s.pendingPayload(in.TempID, msg))
	}

	if err := s.messages.Append(ctx, msg, fromInitiator); err != nil {
		if in.TempID != "" {
			// Неудачная запись не должна застрять в sent: откатываем эхо,
			// текст возвращается отправителю вместе с ошибкой.
			s.cache.Rollback(messagesKey, in.TempID)
		}
		return nil, err
	}

	if in.TempID != "" {
		// Авторитетная запись наблюдена — временная замещается, не дублируется.
		s.cache.Reconcile(messagesKey, in.TempID)
	}

	s.afterAppend(ctx, room, msg, in.TempID)
	return msg, nil
}

// afterAppend — побочные эффекты успешной записи: сброс индикатора набора,
// инвалидация кэшей и публикация событий.
func (s *messageService) afterAppend(ctx context.Context, room *domain.Room, msg *domain.Message, tempID string) {
	// Набор текста отправителя сбрасывается сразу при отправке;
	// ошибки некритичны и не блокируют доставку.
	go func() {
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.typing.SetTyping(clearCtx, msg.RoomID, msg.SenderID, false); err != nil {
			s.log.Warn("Failed to clear typing on send", "error", err, "room_id", msg.RoomID)
		}
	}()

	s.cache.Invalidate(ctx,
		cache.MessagesKey(msg.RoomID),
		cache.RoomsKey(room.InitiatorID, domain.RoleInitiator),
		cache.RoomsKey(room.CounterpartID, domain.RoleCounterpart),
	)

	view := viewFromMessage(msg)
	view.TempID = tempID
	s.broker.Publish(stream.RoomTopic(msg.RoomID), stream.Event{Type: stream.EventMessage, Payload: view})

	roomEv := stream.Event{
		Type: stream.EventRoomUpdated,
		Payload: map[string]any{
			"room_id":      msg.RoomID,
			"last_message": view,
		},
	}
	s.broker.Publish(stream.UserTopic(room.InitiatorID), roomEv)
	s.broker.Publish(stream.UserTopic(room.CounterpartID), roomEv)
}

func (s *messageService) List(ctx context.Context, roomID, userID string, limit int, after *domain.Cursor) ([]MessageView, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}

	if limit <= 0 || limit > maxPageLimit {
		limit = s.cfg.Chat.PageSize
	}

	var messages []*domain.Message
	if after == nil {
		// Первая страница идет через кэш; страницы с курсором — напрямую,
		// дозапись в хвост их не переупорядочивает.
		messages, err = s.listFirstPageCached(ctx, roomID)
		if err == nil && len(messages) > limit {
			messages = messages[:limit]
		}
	} else {
		messages, err = s.messages.List(ctx, roomID, limit, after)
	}
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, viewFromMessage(msg))
	}

	// Неподтвержденные оптимистичные записи — в хвосте последней страницы,
	// со статусом sent. Страницам из середины истории они не принадлежат.
	if after == nil {
		for _, pending := range s.cache.Overlay(cache.MessagesKey(roomID)) {
			var view MessageView
			if err := json.Unmarshal([]byte(pending.Payload), &view); err != nil {
				s.log.Warn("Failed to decode optimistic entry", "error", err, "room_id", roomID)
				continue
			}
			views = append(views, view)
		}
	}

	return views, nil
}

// maxPageLimit ограничивает размер страницы и задает объем кэшируемой первой
// страницы: ключ кэша не зависит от лимита читателя, поэтому кэшируется
// максимальный срез, а под конкретный лимит он нарезается на выдаче.
const maxPageLimit = 200

func (s *messageService) listFirstPageCached(ctx context.Context, roomID string) ([]*domain.Message, error) {
	key := cache.MessagesKey(roomID)

	raw, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (string, error) {
		messages, err := s.messages.List(ctx, roomID, maxPageLimit, nil)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(messages)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}

	var messages []*domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode cached messages: %w", err)
	}
	return messages, nil
}

func (s *messageService) Search(ctx context.Context, userID, term string) (map[string]int, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return map[string]int{}, nil
	}

	// Поиск строго в комнатах, где запрашивающий — участник.
	rooms, err := s.rooms.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}
	roomIDs := make([]string, 0, len(rooms))
	for _, room := range rooms {
		roomIDs = append(roomIDs, room.ID)
	}

	return s.messages.CountMatches(ctx, roomIDs, term)
}

func (s *messageService) pendingPayload(tempID string, msg *domain.Message) string {
	view := MessageView{
		TempID:     tempID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		Status:     domain.StatusSent,
		Pending:    true,
		CreatedAt:  time.Now(),
	}
	data, err := json.Marshal(view)
	if err != nil {
		s.log.Error("Failed to encode optimistic entry", "error", err)
		return "{}"
	}
	return string(data)
}

func viewFromMessage(msg *domain.Message) MessageView {
	return MessageView{
		ID:          msg.ID.String(),
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Text:        msg.Text,
		Status:      msg.Status(),
		CreatedAt:   msg.CreatedAt,
		DeliveredAt: msg.DeliveredAt,
		ReadAt:      msg.ReadAt,
	}
}
