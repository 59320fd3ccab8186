package database

import (
	"github.com/stretchr/testify/mock"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRoomRepository) UpsertRoom(id string, doc []byte) error {
	args := m.Called(id, doc)
	return args.Error(0)
}
func (m *MockRoomRepository) DeleteRoom(id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockRoomRepository) ListRooms() ([]RoomDoc, error) {
	args := m.Called()
	return args.Get(0).([]RoomDoc), args.Error(1)
}
func (m *MockRoomRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
