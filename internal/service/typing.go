package service

import (
	"context"
	"sync"
	"time"

	"chat_backend/internal/config"
	"chat_backend/internal/repository"
	"chat_backend/internal/stream"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

// TypingService — короткоживущий сигнал набора текста. Единственный источник
// истины — фильтрация по времени записи при чтении: корректность не зависит
// от того, что клиенты честно снимают свой флаг.
type TypingService interface {
	SetTyping(ctx context.Context, roomID, userID string, isTyping bool) error
	// ActiveTypists — кто набирает текст прямо сейчас, без запрашивающего.
	ActiveTypists(ctx context.Context, roomID, excludeUserID string) ([]string, error)
	// Observe эмитит актуальный набор при каждом событии набора и по
	// таймеру — чтобы истечение окна наблюдалось и без новых записей.
	Observe(ctx context.Context, roomID, excludeUserID string) (<-chan []string, func())
}

type typingService struct {
	typing repository.TypingRepository
	rooms  repository.RoomRepository
	broker *stream.Broker
	cfg    *config.Config
	log    logger.Logger
}

func NewTypingService(
	typing repository.TypingRepository,
	rooms repository.RoomRepository,
	broker *stream.Broker,
	cfg *config.Config,
	log logger.Logger,
) TypingService {
	return &typingService{
		typing: typing,
		rooms:  rooms,
		broker: broker,
		cfg:    cfg,
		log:    log,
	}
}

func (s *typingService) SetTyping(ctx context.Context, roomID, userID string, isTyping bool) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(userID) {
		return apperrors.ErrNotParticipant
	}

	if isTyping {
		err = s.typing.Set(ctx, roomID, userID, time.Now())
	} else {
		err = s.typing.Clear(ctx, roomID, userID)
	}
	if err != nil {
		return err
	}

	s.broker.Publish(stream.RoomTopic(roomID), stream.Event{
		Type: stream.EventTyping,
		Payload: map[string]any{
			"room_id":   roomID,
			"user_id":   userID,
			"is_typing": isTyping,
		},
	})

	return nil
}

func (s *typingService) ActiveTypists(ctx context.Context, roomID, excludeUserID string) ([]string, error) {
	active, err := s.typing.Active(ctx, roomID, time.Now(), s.cfg.Chat.TypingWindow)
	if err != nil {
		return nil, err
	}

	filtered := active[:0]
	for _, userID := range active {
		if userID != excludeUserID {
			filtered = append(filtered, userID)
		}
	}

	return filtered, nil
}

func (s *typingService) Observe(ctx context.Context, roomID, excludeUserID string) (<-chan []string, func()) {
	out := make(chan []string, 1)
	sub := s.broker.Subscribe(stream.RoomTopic(roomID))

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var last []string
		emit := func() {
			active, err := s.ActiveTypists(ctx, roomID, excludeUserID)
			if err != nil {
				return
			}
			if equalStrings(last, active) {
				return
			}
			last = append([]string(nil), active...)
			select {
			case out <- active:
			case <-done:
			case <-ctx.Done():
			}
		}

		emit()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.Type == stream.EventTyping {
					emit()
				}
			case <-ticker.C:
				emit()
			}
		}
	}()

	return out, cancel
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
