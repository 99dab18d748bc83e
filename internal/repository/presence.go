package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat_backend/internal/domain"
	"chat_backend/pkg/logger"
)

const (
	presenceKeyPrefix = "presence:user:%s"

	// Запись присутствия живет неделю — дальше пользователь в любом
	// случае попадает в "last seen long time ago".
	presenceTTL = 7 * 24 * time.Hour
)

type PresenceRepository interface {
	SetOnline(ctx context.Context, userID string, at time.Time) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	Get(ctx context.Context, userID string) (*domain.PresenceRecord, error)
}

type presenceRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewPresenceRepository(rdb *redis.Client, log logger.Logger) PresenceRepository {
	return &presenceRepository{rdb: rdb, log: log}
}

func (r *presenceRepository) key(userID string) string {
	return fmt.Sprintf(presenceKeyPrefix, userID)
}

func (r *presenceRepository) set(ctx context.Context, userID string, online bool, at time.Time) error {
	key := r.key(userID)

	onlineVal := "0"
	if online {
		onlineVal = "1"
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key, "online", onlineVal, "last_seen_ms", at.UnixMilli())
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to write presence", "error", err, "user_id", userID)
		return fmt.Errorf("write presence: %w", err)
	}

	return nil
}

func (r *presenceRepository) SetOnline(ctx context.Context, userID string, at time.Time) error {
	return r.set(ctx, userID, true, at)
}

func (r *presenceRepository) SetOffline(ctx context.Context, userID string, at time.Time) error {
	return r.set(ctx, userID, false, at)
}

func (r *presenceRepository) Get(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		r.log.Error("Failed to read presence", "error", err, "user_id", userID)
		return nil, fmt.Errorf("read presence: %w", err)
	}

	record := &domain.PresenceRecord{UserID: userID}
	if len(fields) == 0 {
		// Записи нет — пользователь никогда не был в сети.
		return record, nil
	}

	record.Online = fields["online"] == "1"
	if ms, err := strconv.ParseInt(fields["last_seen_ms"], 10, 64); err == nil {
		record.LastSeen = time.UnixMilli(ms)
	}

	return record, nil
}
