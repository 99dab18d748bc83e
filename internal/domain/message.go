package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message — сообщение в комнате. После записи неизменяемо, кроме двух
// отметок доставки, которые ставит только сессия получателя и только вперед.
type Message struct {
	ID          uuid.UUID  `json:"id"`
	RoomID      string     `json:"room_id"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
)

// Status вычисляется из отметок, отдельно не хранится.
func (m *Message) Status() string {
	switch {
	case m.ReadAt != nil:
		return StatusSeen
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// ClampReceipts выравнивает отметки так, чтобы всегда выполнялось
// readAt >= deliveredAt >= createdAt. Нарушение порядка — ошибка программы,
// храниться оно не должно.
func (m *Message) ClampReceipts() {
	if m.DeliveredAt != nil && m.DeliveredAt.Before(m.CreatedAt) {
		t := m.CreatedAt
		m.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		if m.DeliveredAt == nil {
			t := *m.ReadAt
			if t.Before(m.CreatedAt) {
				t = m.CreatedAt
			}
			m.DeliveredAt = &t
		}
		if m.ReadAt.Before(*m.DeliveredAt) {
			t := *m.DeliveredAt
			m.ReadAt = &t
		}
	}
}

// Cursor — позиция keyset-пагинации по (created_at, id) возрастанию.
// Дозапись новых сообщений не переупорядочивает уже выданные страницы.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}
