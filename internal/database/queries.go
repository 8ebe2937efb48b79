package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

func (db *PgChatRepository) RoomExists(ctx context.Context, roomId int) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)",
		roomId,
	).Scan(&exists)

	return exists, err
}

func (db *PgChatRepository) UserIdByUsername(ctx context.Context, username string) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = $1 LIMIT 1",
		username,
	)

	var id int
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	return id, nil
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, sender_id, content, timestamp) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, room_id, sender_id, content, timestamp",
		params.RoomId,
		params.SenderId,
		params.Content,
		params.Timestamp.UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.Content,
		&msg.Timestamp,
	)

	return msg, err
}

// RecentMessages returns up to limit of the newest messages in the room,
// oldest first.
func (db *PgChatRepository) RecentMessages(ctx context.Context, roomId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.timestamp FROM messages m "+
			"JOIN users u ON u.id = m.sender_id "+
			"WHERE m.room_id = $1 ORDER BY m.timestamp DESC, m.id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.SenderId, &msg.SenderUsername, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}
