package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat_backend/pkg/logger"
)

const typingKeyPrefix = "typing:room:%s"

// TypingRepository хранит отметки набора текста. Фоновой чистки нет:
// актуальность определяется только временем записи при чтении. TTL ключа —
// лишь уборка мусора в Redis, на корректность он не влияет.
type TypingRepository interface {
	Set(ctx context.Context, roomID, userID string, at time.Time) error
	Clear(ctx context.Context, roomID, userID string) error
	// Active возвращает пользователей с отметкой свежее окна, отсортированных
	// для детерминированного сравнения.
	Active(ctx context.Context, roomID string, now time.Time, window time.Duration) ([]string, error)
}

type typingRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewTypingRepository(rdb *redis.Client, log logger.Logger) TypingRepository {
	return &typingRepository{rdb: rdb, log: log}
}

func (r *typingRepository) key(roomID string) string {
	return fmt.Sprintf(typingKeyPrefix, roomID)
}

func (r *typingRepository) Set(ctx context.Context, roomID, userID string, at time.Time) error {
	key := r.key(roomID)

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key, userID, at.UnixMilli())
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to set typing state", "error", err, "room_id", roomID, "user_id", userID)
		return fmt.Errorf("set typing: %w", err)
	}

	return nil
}

func (r *typingRepository) Clear(ctx context.Context, roomID, userID string) error {
	if err := r.rdb.HDel(ctx, r.key(roomID), userID).Err(); err != nil {
		r.log.Error("Failed to clear typing state", "error", err, "room_id", roomID, "user_id", userID)
		return fmt.Errorf("clear typing: %w", err)
	}

	return nil
}

func (r *typingRepository) Active(ctx context.Context, roomID string, now time.Time, window time.Duration) ([]string, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(roomID)).Result()
	if err != nil {
		r.log.Error("Failed to read typing state", "error", err, "room_id", roomID)
		return nil, fmt.Errorf("read typing: %w", err)
	}

	var active []string
	for userID, raw := range fields {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(ms)) < window {
			active = append(active, userID)
		}
	}

	sort.Strings(active)
	return active, nil
}
