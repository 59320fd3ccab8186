package database

import (
	"time"
)

func (db *PgRoomRepository) UpsertRoom(id string, doc []byte) error {
	_, err := db.conn.Exec(
		"INSERT INTO rooms (id, doc, updated_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at",
		id,
		doc,
		time.Now().UTC(),
	)
	return err
}

func (db *PgRoomRepository) DeleteRoom(id string) error {
	_, err := db.conn.Exec("DELETE FROM rooms WHERE id = $1", id)
	return err
}

func (db *PgRoomRepository) ListRooms() ([]RoomDoc, error) {
	rows, err := db.conn.Query("SELECT id, doc, updated_at FROM rooms ORDER BY updated_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []RoomDoc
	for rows.Next() {
		var d RoomDoc
		if err := rows.Scan(&d.ID, &d.Doc, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}

	return docs, rows.Err()
}
