package store

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) CreateUser(ctx context.Context, params CreateUserParams) (UserRecord, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(UserRecord), args.Error(1)
}
func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(UserRecord), args.Error(1)
}
func (m *MockRepository) GetUserById(ctx context.Context, id string) (UserRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(UserRecord), args.Error(1)
}
func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (RoomRecord, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(RoomRecord), args.Error(1)
}
func (m *MockRepository) LoadRoom(ctx context.Context, roomId string) (RoomRecord, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(RoomRecord), args.Error(1)
}
func (m *MockRepository) SaveRoom(ctx context.Context, rec RoomRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
func (m *MockRepository) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockRepository) ListRooms(ctx context.Context, status string) ([]RoomRecord, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]RoomRecord), args.Error(1)
}
