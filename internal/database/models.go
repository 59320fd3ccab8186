package database

import "time"

// RoomDoc is one persisted room subtree: the raw JSON document keyed by
// the room code. Rooms are the only persisted state.
type RoomDoc struct {
	ID        string
	Doc       []byte
	UpdatedAt time.Time
}
