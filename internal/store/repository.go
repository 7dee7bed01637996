package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository is the durable document-store boundary. The in-memory room
// state owned by the collab server is authoritative while a room is
// live; the store is a checkpoint target, not a cache-through layer.
type Repository interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, params CreateUserParams) (UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserById(ctx context.Context, id string) (UserRecord, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (RoomRecord, error)
	LoadRoom(ctx context.Context, roomId string) (RoomRecord, error)
	SaveRoom(ctx context.Context, rec RoomRecord) error
	DeleteRoom(ctx context.Context, roomId string) error
	ListRooms(ctx context.Context, status string) ([]RoomRecord, error)
}
