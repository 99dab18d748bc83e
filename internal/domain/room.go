package domain

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Room — комната переписки двух пользователей. Идентификатор детерминирован:
// отсортированная пара участников, соединенная через "_", поэтому на одну
// неупорядоченную пару приходится не более одной комнаты.
type Room struct {
	ID                   string         `json:"id"`
	InitiatorID          string         `json:"initiator_id"`
	CounterpartID        string         `json:"counterpart_id"`
	VisibleToCounterpart bool           `json:"visible_to_counterpart"`
	RequestState         string         `json:"request_state"`
	Unread               map[string]int `json:"unread_count"`
	LastMessage          *Message       `json:"last_message,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

const (
	RequestStatePending  = "pending"
	RequestStateAccepted = "accepted"
	RequestStateRejected = "rejected"
)

const (
	RoleInitiator   = "initiator"
	RoleCounterpart = "counterpart"
)

const roomKeySeparator = "_"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// RoomKey возвращает канонический идентификатор комнаты для пары участников.
// Результат не зависит от порядка аргументов.
func RoomKey(a, b string) string {
	participants := []string{a, b}
	sort.Strings(participants)
	return strings.Join(participants, roomKeySeparator)
}

// ValidUserID отсекает пустые и содержащие разделитель идентификаторы
// до любых побочных эффектов.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, roomKeySeparator) && userIDPattern.MatchString(id)
}

func (r *Room) HasParticipant(userID string) bool {
	return userID == r.InitiatorID || userID == r.CounterpartID
}

// OtherParticipant возвращает собеседника для данного участника.
func (r *Room) OtherParticipant(userID string) string {
	if userID == r.InitiatorID {
		return r.CounterpartID
	}
	return r.InitiatorID
}

// RoleOf возвращает роль пользователя в комнате.
func (r *Room) RoleOf(userID string) string {
	if userID == r.InitiatorID {
		return RoleInitiator
	}
	return RoleCounterpart
}

// UnreadFor возвращает счетчик непрочитанных для пользователя.
func (r *Room) UnreadFor(userID string) int {
	if r.Unread == nil {
		return 0
	}
	return r.Unread[userID]
}

// SortRooms сортирует по updated_at убыванию; при равенстве — по id
// возрастанию, чтобы порядок был детерминированным.
func SortRooms(rooms []*Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})
}
