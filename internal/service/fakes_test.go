package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"chat_backend/internal/cache"
	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	"chat_backend/internal/stream"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

// Фейки репозиториев держат семантику настоящих: идемпотентный Ensure,
// атомарный инкремент непрочитанных, однонаправленные отметки доставки.

type fakeRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]*domain.Room
}

func newFakeRoomRepo() *fakeRoomRepo {
	return &fakeRoomRepo{rooms: make(map[string]*domain.Room)}
}

func (r *fakeRoomRepo) Ensure(ctx context.Context, room *domain.Room) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.ID]; ok {
		return false, nil
	}

	now := time.Now()
	r.rooms[room.ID] = &domain.Room{
		ID:            room.ID,
		InitiatorID:   room.InitiatorID,
		CounterpartID: room.CounterpartID,
		RequestState:  domain.RequestStatePending,
		Unread:        map[string]int{room.InitiatorID: 0, room.CounterpartID: 0},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return true, nil
}

func (r *fakeRoomRepo) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (r *fakeRoomRepo) ListByParticipant(ctx context.Context, userID string) ([]*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.Room
	for _, room := range r.rooms {
		if room.InitiatorID == userID || room.CounterpartID == userID {
			result = append(result, copyRoom(room))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (r *fakeRoomRepo) SetRequestState(ctx context.Context, roomID, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || room.RequestState != from {
		return false, nil
	}
	room.RequestState = to
	room.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeRoomRepo) ReopenIfRejected(ctx context.Context, roomID string) (bool, error) {
	return r.SetRequestState(ctx, roomID, domain.RequestStateRejected, domain.RequestStatePending)
}

func (r *fakeRoomRepo) ResetUnread(ctx context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		room.Unread[userID] = 0
	}
	return nil
}

// apply мутирует комнату под общим замком — для фейка репозитория сообщений.
func (r *fakeRoomRepo) apply(roomID string, fn func(room *domain.Room)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		fn(room)
	}
}

func copyRoom(room *domain.Room) *domain.Room {
	cp := *room
	cp.Unread = make(map[string]int, len(room.Unread))
	for k, v := range room.Unread {
		cp.Unread[k] = v
	}
	if room.LastMessage != nil {
		msg := *room.LastMessage
		cp.LastMessage = &msg
	}
	return &cp
}

type fakeMessageRepo struct {
	mu       sync.Mutex
	rooms    *fakeRoomRepo
	messages map[string][]*domain.Message
	seq      int
	base     time.Time

	appendErr error // следующая запись завершится этой ошибкой
}

func newFakeMessageRepo(rooms *fakeRoomRepo) *fakeMessageRepo {
	return &fakeMessageRepo{
		rooms:    rooms,
		messages: make(map[string][]*domain.Message),
		base:     time.Now(),
	}
}

func (r *fakeMessageRepo) Append(ctx context.Context, msg *domain.Message, flipVisible bool) error {
	r.mu.Lock()
	if r.appendErr != nil {
		err := r.appendErr
		r.mu.Unlock()
		return err
	}

	// Монотонное время как у clock_timestamp(): тотальный порядок в комнате.
	r.seq++
	msg.CreatedAt = r.base.Add(time.Duration(r.seq) * time.Millisecond)
	stored := *msg
	r.messages[msg.RoomID] = append(r.messages[msg.RoomID], &stored)
	r.mu.Unlock()

	r.rooms.apply(msg.RoomID, func(room *domain.Room) {
		last := stored
		room.LastMessage = &last
		if stored.CreatedAt.After(room.UpdatedAt) {
			room.UpdatedAt = stored.CreatedAt
		}
		room.VisibleToCounterpart = room.VisibleToCounterpart || flipVisible
		room.Unread[msg.ReceiverID]++
	})

	return nil
}

func (r *fakeMessageRepo) List(ctx context.Context, roomID string, limit int, after *domain.Cursor) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.Message
	for _, msg := range r.messages[roomID] {
		if after != nil {
			if msg.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if msg.CreatedAt.Equal(after.CreatedAt) && msg.ID.String() <= after.ID.String() {
				continue
			}
		}
		cp := *msg
		result = append(result, &cp)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (r *fakeMessageRepo) CountMatches(ctx context.Context, roomIDs []string, term string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	term = strings.ToLower(term)
	result := make(map[string]int)
	for _, roomID := range roomIDs {
		for _, msg := range r.messages[roomID] {
			if strings.Contains(strings.ToLower(msg.Text), term) {
				result[roomID]++
			}
		}
	}
	return result, nil
}

func (r *fakeMessageRepo) MarkDelivered(ctx context.Context, roomID, receiverID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stamped int64
	now := time.Now()
	for _, msg := range r.messages[roomID] {
		if msg.ReceiverID != receiverID || msg.DeliveredAt != nil {
			continue
		}
		at := now
		if at.Before(msg.CreatedAt) {
			at = msg.CreatedAt
		}
		msg.DeliveredAt = &at
		stamped++
	}
	return stamped, nil
}

func (r *fakeMessageRepo) MarkSeen(ctx context.Context, roomID, receiverID string, stampRead bool) (int64, error) {
	if !stampRead {
		return r.MarkDelivered(ctx, roomID, receiverID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stamped int64
	now := time.Now()
	for _, msg := range r.messages[roomID] {
		if msg.ReceiverID != receiverID || msg.ReadAt != nil {
			continue
		}
		if msg.DeliveredAt == nil {
			at := now
			if at.Before(msg.CreatedAt) {
				at = msg.CreatedAt
			}
			msg.DeliveredAt = &at
		}
		at := now
		if at.Before(*msg.DeliveredAt) {
			at = *msg.DeliveredAt
		}
		msg.ReadAt = &at
		stamped++
	}
	return stamped, nil
}

// byRoom — снимок сообщений комнаты.
func (r *fakeMessageRepo) byRoom(roomID string) []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.Message, 0, len(r.messages[roomID]))
	for _, msg := range r.messages[roomID] {
		cp := *msg
		result = append(result, &cp)
	}
	return result
}

type fakePresenceRepo struct {
	mu      sync.Mutex
	records map[string]*domain.PresenceRecord
	writes  int
}

func newFakePresenceRepo() *fakePresenceRepo {
	return &fakePresenceRepo{records: make(map[string]*domain.PresenceRecord)}
}

func (r *fakePresenceRepo) SetOnline(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[userID] = &domain.PresenceRecord{UserID: userID, Online: true, LastSeen: at}
	r.writes++
	return nil
}

func (r *fakePresenceRepo) SetOffline(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[userID] = &domain.PresenceRecord{UserID: userID, Online: false, LastSeen: at}
	r.writes++
	return nil
}

func (r *fakePresenceRepo) Get(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[userID]; ok {
		cp := *record
		return &cp, nil
	}
	return &domain.PresenceRecord{UserID: userID}, nil
}

func (r *fakePresenceRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type fakeTypingRepo struct {
	mu    sync.Mutex
	marks map[string]map[string]time.Time
}

func newFakeTypingRepo() *fakeTypingRepo {
	return &fakeTypingRepo{marks: make(map[string]map[string]time.Time)}
}

func (r *fakeTypingRepo) Set(ctx context.Context, roomID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks[roomID] == nil {
		r.marks[roomID] = make(map[string]time.Time)
	}
	r.marks[roomID][userID] = at
	return nil
}

func (r *fakeTypingRepo) Clear(ctx context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.marks[roomID], userID)
	return nil
}

func (r *fakeTypingRepo) Active(ctx context.Context, roomID string, now time.Time, window time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []string
	for userID, at := range r.marks[roomID] {
		if now.Sub(at) < window {
			active = append(active, userID)
		}
	}
	sort.Strings(active)
	return active, nil
}

type fakeChecker struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{blocked: make(map[string]bool)}
}

func (c *fakeChecker) block(a, b string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[domain.RoomKey(a, b)] = true
}

func (c *fakeChecker) CanInteract(ctx context.Context, userA, userB string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.blocked[domain.RoomKey(userA, userB)], nil
}

// mapStore — долговременный ярус кэша в памяти.
type mapStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string]string)}
}

func (s *mapStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[key]; ok {
		return v, nil
	}
	return "", cache.ErrMiss
}

func (s *mapStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *mapStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// fixture — полный граф сервисов на фейках.
type fixture struct {
	rooms    *fakeRoomRepo
	messages *fakeMessageRepo
	presence *fakePresenceRepo
	typing   *fakeTypingRepo
	checker  *fakeChecker
	broker   *stream.Broker
	cache    *cache.TwoTier
	cfg      *config.Config

	roomSvc     RoomService
	messageSvc  MessageService
	receiptSvc  ReceiptService
	presenceSvc PresenceService
	typingSvc   TypingService
}

func testConfig() *config.Config {
	return &config.Config{
		Chat: config.ChatConfig{
			TypingWindow:       3 * time.Second,
			OnlineWindow:       60 * time.Second,
			HeartbeatDebounce:  time.Second,
			CacheTTL:           time.Minute,
			DurableCacheTTL:    time.Hour,
			PageSize:           50,
			MaxMessageLength:   4000,
			FetchRetryAttempts: 1,
			FetchRetryBackoff:  time.Millisecond,
		},
	}
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		rooms:    newFakeRoomRepo(),
		presence: newFakePresenceRepo(),
		typing:   newFakeTypingRepo(),
		checker:  newFakeChecker(),
		broker:   stream.NewBroker(),
		cfg:      testConfig(),
	}
	f.messages = newFakeMessageRepo(f.rooms)

	log := logger.New("error")
	f.cache = cache.New(newMapStore(), cache.Options{
		MemoryTTL:     f.cfg.Chat.CacheTTL,
		DurableTTL:    f.cfg.Chat.DurableCacheTTL,
		RetryAttempts: f.cfg.Chat.FetchRetryAttempts,
		RetryBackoff:  f.cfg.Chat.FetchRetryBackoff,
	}, log)

	f.roomSvc = NewRoomService(f.rooms, f.cache, f.broker, f.cfg, log)
	f.typingSvc = NewTypingService(f.typing, f.rooms, f.broker, f.cfg, log)
	f.messageSvc = NewMessageService(f.messages, f.rooms, f.typingSvc, f.cache, f.broker, f.checker, f.cfg, log)
	f.receiptSvc = NewReceiptService(f.messages, f.rooms, f.cache, f.broker, f.cfg, log)
	f.presenceSvc = NewPresenceService(f.presence, f.broker, f.cfg, log)

	return f
}

// seedRoom создает комнату в нужном состоянии, минуя сервисный слой.
func (f *fixture) seedRoom(initiator, counterpart, state string, visible bool) *domain.Room {
	room := &domain.Room{
		ID:            domain.RoomKey(initiator, counterpart),
		InitiatorID:   initiator,
		CounterpartID: counterpart,
	}
	f.rooms.Ensure(context.Background(), room)
	f.rooms.apply(room.ID, func(r *domain.Room) {
		r.RequestState = state
		r.VisibleToCounterpart = visible
	})
	got, _ := f.rooms.GetByID(context.Background(), room.ID)
	return got
}
