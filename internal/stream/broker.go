package stream

import (
	"sync"
)

// Event — единица публикации в шине. Payload сериализуется на границе
// транспорта (websocket), внутри процесса передается как есть.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventReceipt     = "receipt"
	EventRoomUpdated = "room_updated"
	EventPresence    = "presence"
)

// RoomTopic — события внутри комнаты: сообщения, набор текста, отметки.
func RoomTopic(roomID string) string { return "room:" + roomID }

// UserTopic — события списка комнат и счетчиков конкретного пользователя.
func UserTopic(userID string) string { return "user:" + userID }

// PresenceTopic — изменения присутствия пользователя.
func PresenceTopic(userID string) string { return "presence:" + userID }

const subscriberBuffer = 16

// Subscription — отменяемая подписка на один топик. Закрытие одной подписки
// не затрагивает остальных подписчиков топика.
type Subscription struct {
	topic  string
	ch     chan Event
	broker *Broker
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
		close(s.ch)
	})
}

// Broker — внутрипроцессная шина публикации/подписки по топикам.
// Публикация никогда не блокируется: медленному подписчику вытесняется
// самое старое событие из буфера.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan Event, subscriberBuffer),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}

	return sub
}

func (b *Broker) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Буфер полон: вытесняем старое событие, свежее важнее.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Subscribers возвращает количество подписчиков топика.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}
