package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_backend/internal/domain"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

type RoomRepository interface {
	// Ensure создает комнату, если её нет. Повторный вызов — no-op.
	// Возвращает true, если комната была создана этим вызовом.
	Ensure(ctx context.Context, room *domain.Room) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	ListByParticipant(ctx context.Context, userID string) ([]*domain.Room, error)
	// SetRequestState переводит состояние запроса из from в to.
	// Возвращает false, если комната уже не в состоянии from.
	SetRequestState(ctx context.Context, roomID, from, to string) (bool, error)
	// ReopenIfRejected возвращает отклоненную комнату в pending —
	// повторный запрос инициатора по той же паре участников.
	ReopenIfRejected(ctx context.Context, roomID string) (bool, error)
	ResetUnread(ctx context.Context, roomID, userID string) error
}

type roomRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewRoomRepository(db *pgxpool.Pool, log logger.Logger) RoomRepository {
	return &roomRepository{db: db, log: log}
}

func (r *roomRepository) Ensure(ctx context.Context, room *domain.Room) (bool, error) {
	query := `
		INSERT INTO rooms (id, initiator_id, counterpart_id, visible_to_counterpart, request_state, created_at, updated_at)
		VALUES ($1, $2, $3, false, $4, now(), now())
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query, room.ID, room.InitiatorID, room.CounterpartID, domain.RequestStatePending)
	if err != nil {
		r.log.Error("Failed to ensure room", "error", err, "room_id", room.ID)
		return false, fmt.Errorf("ensure room: %w", err)
	}

	created := tag.RowsAffected() > 0
	if created {
		// Нулевые счетчики непрочитанных для обоих участников.
		unreadQuery := `
			INSERT INTO room_unread (room_id, user_id, count)
			VALUES ($1, $2, 0), ($1, $3, 0)
			ON CONFLICT (room_id, user_id) DO NOTHING
		`
		if _, err := r.db.Exec(ctx, unreadQuery, room.ID, room.InitiatorID, room.CounterpartID); err != nil {
			r.log.Error("Failed to init unread counters", "error", err, "room_id", room.ID)
			return false, fmt.Errorf("init unread counters: %w", err)
		}
	}

	return created, nil
}

const roomColumns = `
	id, initiator_id, counterpart_id, visible_to_counterpart, request_state,
	last_message_id, last_message_sender_id, last_message_text, last_message_at,
	created_at, updated_at
`

func (r *roomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`

	room, err := scanRoom(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRoomNotFound
		}
		r.log.Error("Failed to get room by ID", "error", err, "room_id", id)
		return nil, err
	}

	if err := r.attachUnread(ctx, []*domain.Room{room}); err != nil {
		return nil, err
	}

	return room, nil
}

func (r *roomRepository) ListByParticipant(ctx context.Context, userID string) ([]*domain.Room, error) {
	// Порядок: updated_at по убыванию, при равенстве id по возрастанию —
	// стабильная пагинация и воспроизводимые тесты.
	query := `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE initiator_id = $1 OR counterpart_id = $1
		ORDER BY updated_at DESC, id ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list rooms", "error", err, "user_id", userID)
		return nil, err
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			r.log.Error("Failed to scan room", "error", err)
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachUnread(ctx, rooms); err != nil {
		return nil, err
	}

	return rooms, nil
}

func (r *roomRepository) SetRequestState(ctx context.Context, roomID, from, to string) (bool, error) {
	query := `
		UPDATE rooms
		SET request_state = $3, updated_at = now()
		WHERE id = $1 AND request_state = $2
	`

	tag, err := r.db.Exec(ctx, query, roomID, from, to)
	if err != nil {
		r.log.Error("Failed to set request state", "error", err, "room_id", roomID, "to", to)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

func (r *roomRepository) ReopenIfRejected(ctx context.Context, roomID string) (bool, error) {
	return r.SetRequestState(ctx, roomID, domain.RequestStateRejected, domain.RequestStatePending)
}

func (r *roomRepository) ResetUnread(ctx context.Context, roomID, userID string) error {
	query := `
		INSERT INTO room_unread (room_id, user_id, count)
		VALUES ($1, $2, 0)
		ON CONFLICT (room_id, user_id) DO UPDATE SET count = 0
	`

	if _, err := r.db.Exec(ctx, query, roomID, userID); err != nil {
		r.log.Error("Failed to reset unread counter", "error", err, "room_id", roomID, "user_id", userID)
		return err
	}

	return nil
}

// attachUnread подтягивает счетчики непрочитанных одним запросом.
func (r *roomRepository) attachUnread(ctx context.Context, rooms []*domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}

	ids := make([]string, 0, len(rooms))
	byID := make(map[string]*domain.Room, len(rooms))
	for _, room := range rooms {
		ids = append(ids, room.ID)
		byID[room.ID] = room
		room.Unread = map[string]int{}
	}

	rows, err := r.db.Query(ctx, `SELECT room_id, user_id, count FROM room_unread WHERE room_id = ANY($1)`, ids)
	if err != nil {
		r.log.Error("Failed to load unread counters", "error", err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var roomID, userID string
		var count int
		if err := rows.Scan(&roomID, &userID, &count); err != nil {
			return err
		}
		if room, ok := byID[roomID]; ok {
			room.Unread[userID] = count
		}
	}

	return rows.Err()
}

func scanRoom(row pgx.Row) (*domain.Room, error) {
	room := &domain.Room{}
	var lastID *uuid.UUID
	var lastSender, lastText sql.NullString
	var lastAt sql.NullTime

	err := row.Scan(
		&room.ID, &room.InitiatorID, &room.CounterpartID, &room.VisibleToCounterpart, &room.RequestState,
		&lastID, &lastSender, &lastText, &lastAt,
		&room.CreatedAt, &room.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastID != nil && lastAt.Valid {
		msg := &domain.Message{
			ID:        *lastID,
			RoomID:    room.ID,
			SenderID:  lastSender.String,
			Text:      lastText.String,
			CreatedAt: lastAt.Time,
		}
		msg.ReceiverID = room.OtherParticipant(msg.SenderID)
		room.LastMessage = msg
	}

	return room, nil
}
