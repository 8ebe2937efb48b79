package database

import (
	"context"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

type ChatRepository interface {
	Ping() error
	RoomExists(ctx context.Context, roomId int) (bool, error)
	UserIdByUsername(ctx context.Context, username string) (int, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	RecentMessages(ctx context.Context, roomId, limit int) ([]Message, error)
}
