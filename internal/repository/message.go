package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_backend/internal/domain"
	"chat_backend/pkg/logger"
)

type MessageRepository interface {
	// Append добавляет сообщение и в той же транзакции обновляет комнату:
	// last_message, updated_at, флаг видимости и атомарный инкремент
	// счетчика непрочитанных получателя.
	Append(ctx context.Context, msg *domain.Message, flipVisible bool) error
	// List возвращает сообщения по возрастанию (created_at, id) после курсора.
	List(ctx context.Context, roomID string, limit int, after *domain.Cursor) ([]*domain.Message, error)
	// CountMatches — количество совпадений подстроки по каждой комнате.
	CountMatches(ctx context.Context, roomIDs []string, term string) (map[string]int, error)
	// MarkDelivered ставит delivered_at всем сообщениям получателя без отметки.
	MarkDelivered(ctx context.Context, roomID, receiverID string) (int64, error)
	// MarkSeen ставит read_at (и delivered_at, если его не было).
	// При stampRead=false проставляется только delivered_at — получатель
	// отключил отметки о прочтении.
	MarkSeen(ctx context.Context, roomID, receiverID string, stampRead bool) (int64, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) Append(ctx context.Context, msg *domain.Message, flipVisible bool) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		r.log.Error("Failed to begin append tx", "error", err)
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// clock_timestamp() монотонно растет внутри транзакции и дает
	// тотальный порядок сообщений комнаты.
	insertQuery := `
		INSERT INTO messages (id, room_id, sender_id, receiver_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp())
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		msg.ID, msg.RoomID, msg.SenderID, msg.ReceiverID, msg.Text,
	).Scan(&msg.CreatedAt)
	if err != nil {
		r.log.Error("Failed to insert message", "error", err, "room_id", msg.RoomID)
		return fmt.Errorf("insert message: %w", err)
	}

	// Видимость монотонна: OR, сброса нет.
	roomQuery := `
		UPDATE rooms
		SET last_message_id = $2,
		    last_message_sender_id = $3,
		    last_message_text = $4,
		    last_message_at = $5,
		    visible_to_counterpart = visible_to_counterpart OR $6,
		    updated_at = GREATEST(updated_at, $5)
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, roomQuery,
		msg.RoomID, msg.ID, msg.SenderID, msg.Text, msg.CreatedAt, flipVisible,
	); err != nil {
		r.log.Error("Failed to update room on append", "error", err, "room_id", msg.RoomID)
		return fmt.Errorf("update room: %w", err)
	}

	// Атомарный инкремент на стороне БД: параллельные отправители
	// не теряют друг друга.
	unreadQuery := `
		INSERT INTO room_unread (room_id, user_id, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (room_id, user_id) DO UPDATE SET count = room_unread.count + 1
	`
	if _, err := tx.Exec(ctx, unreadQuery, msg.RoomID, msg.ReceiverID); err != nil {
		r.log.Error("Failed to increment unread", "error", err, "room_id", msg.RoomID)
		return fmt.Errorf("increment unread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit append tx", "error", err)
		return fmt.Errorf("commit append: %w", err)
	}

	return nil
}

const messageColumns = `id, room_id, sender_id, receiver_id, text, created_at, delivered_at, read_at`

func (r *messageRepository) List(ctx context.Context, roomID string, limit int, after *domain.Cursor) ([]*domain.Message, error) {
	var rows pgx.Rows
	var err error

	if after != nil {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE room_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
		`
		rows, err = r.db.Query(ctx, query, roomID, after.CreatedAt, after.ID, limit)
	} else {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE room_id = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`
		rows, err = r.db.Query(ctx, query, roomID, limit)
	}
	if err != nil {
		r.log.Error("Failed to list messages", "error", err, "room_id", roomID)
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg := &domain.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.RoomID, &msg.SenderID, &msg.ReceiverID,
			&msg.Text, &msg.CreatedAt, &msg.DeliveredAt, &msg.ReadAt,
		); err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (r *messageRepository) CountMatches(ctx context.Context, roomIDs []string, term string) (map[string]int, error) {
	results := make(map[string]int)
	if len(roomIDs) == 0 || strings.TrimSpace(term) == "" {
		return results, nil
	}

	query := `
		SELECT room_id, COUNT(*)
		FROM messages
		WHERE room_id = ANY($1) AND text ILIKE '%' || $2 || '%'
		GROUP BY room_id
	`

	rows, err := r.db.Query(ctx, query, roomIDs, escapeLike(term))
	if err != nil {
		r.log.Error("Failed to search messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var roomID string
		var count int
		if err := rows.Scan(&roomID, &count); err != nil {
			return nil, err
		}
		results[roomID] = count
	}

	return results, rows.Err()
}

func (r *messageRepository) MarkDelivered(ctx context.Context, roomID, receiverID string) (int64, error) {
	// GREATEST зажимает отметку: deliveredAt никогда не раньше createdAt.
	query := `
		UPDATE messages
		SET delivered_at = GREATEST(clock_timestamp(), created_at)
		WHERE room_id = $1 AND receiver_id = $2 AND delivered_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, roomID, receiverID)
	if err != nil {
		r.log.Error("Failed to mark delivered", "error", err, "room_id", roomID)
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (r *messageRepository) MarkSeen(ctx context.Context, roomID, receiverID string, stampRead bool) (int64, error) {
	var query string
	if stampRead {
		query = `
			UPDATE messages
			SET delivered_at = COALESCE(delivered_at, GREATEST(clock_timestamp(), created_at)),
			    read_at = GREATEST(clock_timestamp(), COALESCE(delivered_at, created_at))
			WHERE room_id = $1 AND receiver_id = $2 AND read_at IS NULL
		`
	} else {
		// Отметки о прочтении выключены получателем: фиксируем только доставку.
		query = `
			UPDATE messages
			SET delivered_at = GREATEST(clock_timestamp(), created_at)
			WHERE room_id = $1 AND receiver_id = $2 AND delivered_at IS NULL
		`
	}

	tag, err := r.db.Exec(ctx, query, roomID, receiverID)
	if err != nil {
		r.log.Error("Failed to mark seen", "error", err, "room_id", roomID)
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// escapeLike экранирует спецсимволы шаблона ILIKE в пользовательском запросе.
func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(strings.TrimSpace(term))
}
