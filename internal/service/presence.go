package service

import (
	"context"
	"sync"
	"time"

	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	"chat_backend/internal/repository"
	"chat_backend/internal/stream"
	"chat_backend/pkg/logger"
)

// PresenceView — производное состояние присутствия: "действительно онлайн"
// требует и флага, и свежего heartbeat.
type PresenceView struct {
	UserID        string    `json:"user_id"`
	Online        bool      `json:"online"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
	LastSeenLabel string    `json:"last_seen_label"`
}

type PresenceService interface {
	// Heartbeat вызывается при активности и по интервалу; записи чаще
	// одного раза в секунду гасятся на сервере.
	Heartbeat(ctx context.Context, userID string) error
	// Disconnect — best-effort: упавший клиент его не вызовет, поэтому
	// EffectiveOnline дополнительно требует свежести.
	Disconnect(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (*PresenceView, error)
	// Observe — push-подписка; effectiveOnline перевычисляется на каждом
	// изменении записи и по таймеру (переход через окно событий не порождает).
	Observe(ctx context.Context, userID string) (<-chan PresenceView, func())
}

type presenceService struct {
	presence repository.PresenceRepository
	broker   *stream.Broker
	cfg      *config.Config
	log      logger.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

func NewPresenceService(
	presence repository.PresenceRepository,
	broker *stream.Broker,
	cfg *config.Config,
	log logger.Logger,
) PresenceService {
	return &presenceService{
		presence:  presence,
		broker:    broker,
		cfg:       cfg,
		log:       log,
		lastWrite: make(map[string]time.Time),
	}
}

// debounceSweepThreshold — размер карты debounce, при котором протухшие
// записи вычищаются. Упавший клиент Disconnect не вызовет, без уборки его
// запись висела бы вечно.
const debounceSweepThreshold = 1024

// shouldWrite гасит слишком частые heartbeat одной сессии.
func (s *presenceService) shouldWrite(userID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastWrite[userID]; ok && now.Sub(last) < s.cfg.Chat.HeartbeatDebounce {
		return false
	}

	// Запись старше окна на решение уже не влияет — при разросшейся карте
	// такие можно снести.
	if len(s.lastWrite) >= debounceSweepThreshold {
		for id, last := range s.lastWrite {
			if now.Sub(last) >= s.cfg.Chat.HeartbeatDebounce {
				delete(s.lastWrite, id)
			}
		}
	}

	s.lastWrite[userID] = now
	return true
}

func (s *presenceService) Heartbeat(ctx context.Context, userID string) error {
	now := time.Now()
	if !s.shouldWrite(userID, now) {
		return nil
	}

	if err := s.presence.SetOnline(ctx, userID, now); err != nil {
		return err
	}

	s.publish(userID, true, now)
	return nil
}

func (s *presenceService) Disconnect(ctx context.Context, userID string) error {
	now := time.Now()

	s.mu.Lock()
	delete(s.lastWrite, userID)
	s.mu.Unlock()

	if err := s.presence.SetOffline(ctx, userID, now); err != nil {
		// Присутствие некритично: фиксируем и продолжаем.
		s.log.Warn("Failed to record disconnect", "error", err, "user_id", userID)
		return err
	}

	s.publish(userID, false, now)
	return nil
}

func (s *presenceService) Get(ctx context.Context, userID string) (*PresenceView, error) {
	record, err := s.presence.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := s.view(record, time.Now())
	return &view, nil
}

func (s *presenceService) Observe(ctx context.Context, userID string) (<-chan PresenceView, func()) {
	out := make(chan PresenceView, 1)
	sub := s.broker.Subscribe(stream.PresenceTopic(userID))

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

		// Таймер ловит чистый переход "онлайн -> оффлайн" по истечении
		// окна, когда новых записей нет.
		ticker := time.NewTicker(s.cfg.Chat.OnlineWindow / 6)
		defer ticker.Stop()

		var last *PresenceView
		emit := func() {
			record, err := s.presence.Get(ctx, userID)
			if err != nil {
				return
			}
			view := s.view(record, time.Now())
			if last != nil && last.Online == view.Online && last.LastSeenLabel == view.LastSeenLabel {
				return
			}
			last = &view
			select {
			case out <- view:
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
			case _, ok := <-sub.Events():
				if !ok {
					return
				}
				emit()
			case <-ticker.C:
				emit()
			}
		}
	}()

	return out, cancel
}

func (s *presenceService) view(record *domain.PresenceRecord, now time.Time) PresenceView {
	online := record.EffectiveOnline(now, s.cfg.Chat.OnlineWindow)
	return PresenceView{
		UserID:        record.UserID,
		Online:        online,
		LastSeen:      record.LastSeen,
		LastSeenLabel: domain.FormatLastSeen(record.LastSeen, online, now),
	}
}

func (s *presenceService) publish(userID string, online bool, at time.Time) {
	s.broker.Publish(stream.PresenceTopic(userID), stream.Event{
		Type: stream.EventPresence,
		Payload: map[string]any{
			"user_id":   userID,
			"online":    online,
			"last_seen": at,
		},
	})
}
