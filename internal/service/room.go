package service

import (
	"context"
	"encoding/json"
	"fmt"

	"chat_backend/internal/cache"
	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	"chat_backend/internal/repository"
	"chat_backend/internal/stream"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

type RoomService interface {
	// EnsureRoom — идемпотентное создание комнаты. Идентификатор не зависит
	// от порядка участников; повторный вызов возвращает существующую комнату.
	EnsureRoom(ctx context.Context, initiatorID, counterpartID string) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID, userID string) (*domain.Room, error)
	AcceptRequest(ctx context.Context, roomID, counterpartID string) error
	RejectRequest(ctx context.Context, roomID, counterpartID string) error
	ListRoomsForUser(ctx context.Context, userID, role string) ([]*domain.Room, error)
	ListPendingRequests(ctx context.Context, counterpartID string) ([]*domain.Room, error)
	ListRejectedRooms(ctx context.Context, initiatorID string) ([]*domain.Room, error)
	PendingRequestCount(ctx context.Context, counterpartID string) (int, error)
	TotalUnread(ctx context.Context, userID, role string) (int, error)
}

type roomService struct {
	rooms  repository.RoomRepository
	cache  *cache.TwoTier
	broker *stream.Broker
	cfg    *config.Config
	log    logger.Logger
}

func NewRoomService(
	rooms repository.RoomRepository,
	cacheLayer *cache.TwoTier,
	broker *stream.Broker,
	cfg *config.Config,
	log logger.Logger,
) RoomService {
	return &roomService{
		rooms:  rooms,
		cache:  cacheLayer,
		broker: broker,
		cfg:    cfg,
		log:    log,
	}
}

func (s *roomService) EnsureRoom(ctx context.Context, initiatorID, counterpartID string) (*domain.Room, error) {
	if !domain.ValidUserID(initiatorID) || !domain.ValidUserID(counterpartID) {
		return nil, fmt.Errorf("%w: malformed participant id", apperrors.ErrBadRequest)
	}
	if initiatorID == counterpartID {
		return nil, fmt.Errorf("%w: participants must be distinct", apperrors.ErrBadRequest)
	}

	room := &domain.Room{
		ID:            domain.RoomKey(initiatorID, counterpartID),
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		RequestState:  domain.RequestStatePending,
	}

	created, err := s.rooms.Ensure(ctx, room)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("Room created", "room_id", room.ID, "initiator", initiatorID)
		s.cache.Invalidate(ctx, cache.RoomsKey(initiatorID, domain.RoleInitiator))
	}

	return s.rooms.GetByID(ctx, room.ID)
}

func (s *roomService) GetRoom(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	return room, nil
}

func (s *roomService) AcceptRequest(ctx context.Context, roomID, counterpartID string) error {
	return s.decideRequest(ctx, roomID, counterpartID, domain.RequestStateAccepted)
}

func (s *roomService) RejectRequest(ctx context.Context, roomID, counterpartID string) error {
	return s.decideRequest(ctx, roomID, counterpartID, domain.RequestStateRejected)
}

// decideRequest — переходы pending -> accepted|rejected. Решение принимает
// только контрагент; комната не в pending — ErrInvalidState.
func (s *roomService) decideRequest(ctx context.Context, roomID, counterpartID, to string) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CounterpartID != counterpartID {
		return apperrors.ErrForbidden
	}

	ok, err := s.rooms.SetRequestState(ctx, roomID, domain.RequestStatePending, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: room is not pending", apperrors.ErrInvalidState)
	}

	s.invalidateRoomLists(ctx, room)
	s.publishRoomUpdated(room, to)
	s.log.Info("Chat request decided", "room_id", roomID, "state", to)

	return nil
}

func (s *roomService) ListRoomsForUser(ctx context.Context, userID, role string) ([]*domain.Room, error) {
	key := cache.RoomsKey(userID, role)

	raw, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (string, error) {
		rooms, err := s.listFiltered(ctx, userID, role)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(rooms)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}

	var rooms []*domain.Room
	if err := json.Unmarshal([]byte(raw), &rooms); err != nil {
		return nil, fmt.Errorf("decode cached rooms: %w", err)
	}
	return rooms, nil
}

// listFiltered применяет ролевое правило видимости: контрагент видит только
// открытые и принятые комнаты, инициатор — все созданные им, включая
// отклоненные и ожидающие.
func (s *roomService) listFiltered(ctx context.Context, userID, role string) ([]*domain.Room, error) {
	all, err := s.rooms.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}

	filtered := make([]*domain.Room, 0, len(all))
	for _, room := range all {
		switch role {
		case domain.RoleCounterpart:
			if room.CounterpartID == userID && room.VisibleToCounterpart &&
				room.RequestState == domain.RequestStateAccepted {
				filtered = append(filtered, room)
			}
		default:
			if room.InitiatorID == userID {
				filtered = append(filtered, room)
			}
		}
	}

	domain.SortRooms(filtered)
	return filtered, nil
}

func (s *roomService) ListPendingRequests(ctx context.Context, counterpartID string) ([]*domain.Room, error) {
	all, err := s.rooms.ListByParticipant(ctx, counterpartID)
	if err != nil {
		return nil, err
	}

	requests := make([]*domain.Room, 0)
	for _, room := range all {
		if room.CounterpartID != counterpartID {
			continue
		}
		if !room.VisibleToCounterpart || room.RequestState != domain.RequestStatePending {
			continue
		}
		// Тред, где последнее слово за контрагентом, запросом не считается.
		if room.LastMessage != nil && room.LastMessage.SenderID == counterpartID {
			continue
		}
		requests = append(requests, room)
	}

	domain.SortRooms(requests)
	return requests, nil
}

func (s *roomService) ListRejectedRooms(ctx context.Context, initiatorID string) ([]*domain.Room, error) {
	all, err := s.rooms.ListByParticipant(ctx, initiatorID)
	if err != nil {
		return nil, err
	}

	rejected := make([]*domain.Room, 0)
	for _, room := range all {
		if room.InitiatorID == initiatorID && room.RequestState == domain.RequestStateRejected {
			rejected = append(rejected, room)
		}
	}

	domain.SortRooms(rejected)
	return rejected, nil
}

func (s *roomService) PendingRequestCount(ctx context.Context, counterpartID string) (int, error) {
	requests, err := s.ListPendingRequests(ctx, counterpartID)
	if err != nil {
		return 0, err
	}
	return len(requests), nil
}

// TotalUnread — суммарный счетчик для бейджа. Контрагент считает только
// принятые комнаты: запросы в бейдж не попадают.
func (s *roomService) TotalUnread(ctx context.Context, userID, role string) (int, error) {
	all, err := s.rooms.ListByParticipant(ctx, userID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, room := range all {
		if role == domain.RoleCounterpart && room.RequestState != domain.RequestStateAccepted {
			continue
		}
		total += room.UnreadFor(userID)
	}

	return total, nil
}

func (s *roomService) invalidateRoomLists(ctx context.Context, room *domain.Room) {
	s.cache.Invalidate(ctx,
		cache.RoomsKey(room.InitiatorID, domain.RoleInitiator),
		cache.RoomsKey(room.CounterpartID, domain.RoleCounterpart),
	)
}

func (s *roomService) publishRoomUpdated(room *domain.Room, state string) {
	ev := stream.Event{
		Type: stream.EventRoomUpdated,
		Payload: map[string]any{
			"room_id":       room.ID,
			"request_state": state,
		},
	}
	s.broker.Publish(stream.UserTopic(room.InitiatorID), ev)
	s.broker.Publish(stream.UserTopic(room.CounterpartID), ev)
}
