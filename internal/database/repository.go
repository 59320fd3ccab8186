package database

type RoomRepository interface {
	Ping() error
	UpsertRoom(id string, doc []byte) error
	DeleteRoom(id string) error
	ListRooms() ([]RoomDoc, error)
	Close() error
}
