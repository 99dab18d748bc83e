package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"chat_backend/pkg/logger"
)

type Repositories struct {
	Room     RoomRepository
	Message  MessageRepository
	Presence PresenceRepository
	Typing   TypingRepository
}

func NewRepositories(db *pgxpool.Pool, rdb *redis.Client, log logger.Logger) *Repositories {
	return &Repositories{
		Room:     NewRoomRepository(db, log),
		Message:  NewMessageRepository(db, log),
		Presence: NewPresenceRepository(rdb, log),
		Typing:   NewTypingRepository(rdb, log),
	}
}
