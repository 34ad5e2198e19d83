// Package storage holds what chat backend stores have in common.
package storage

import (
	"context"
	"errors"

	"github.com/adwski/coursechat/backend/model"
)

var (
	ErrUserNotFound    = errors.New("user is not found")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrMessageNotFound = errors.New("message is not found")
)

// Store keeps users, rooms and messages. Message ids come from a single
// monotonically increasing sequence.
type Store interface {
	AddUser(ctx context.Context, token string, user model.User) error
	UserByToken(ctx context.Context, token string) (*model.User, error)

	CreateRoom(ctx context.Context, room model.Room) (*model.Room, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)

	AddMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	// ListMessages returns up to limit most recent messages, newest first.
	ListMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	GetMessage(ctx context.Context, messageID int64) (*model.Message, error)
	EditMessage(ctx context.Context, messageID int64, content string) (*model.Message, error)
}
