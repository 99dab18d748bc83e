package cache

import (
	"context"
	"time"
)

// Store — долговременный ярус кэша. Переживает рестарт процесса и служит
// для мгновенной первой отрисовки до прихода авторитетных данных.
// Значения хранятся строками (JSON), чтобы не связывать ярус с сериализацией.
type Store interface {
	// Get возвращает ErrMiss при отсутствии ключа; ошибка не-ErrMiss —
	// проблема транспорта или сервера.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// ErrMiss — типизированный промах кэша, отличимый от ошибок транспорта.
var ErrMiss = errMiss{}

type errMiss struct{}

func (errMiss) Error() string { return "cache: miss" }

// MessagesKey — ключ кэша списка сообщений комнаты.
func MessagesKey(roomID string) string { return "messages:" + roomID }

// RoomsKey — ключ кэша списка комнат пользователя в роли.
func RoomsKey(userID, role string) string { return "rooms:" + userID + ":" + role }
