package types

// Tree layout: one Room subtree per room id under a single root
// collection. These helpers are the only place paths are spelled out.

const RoomsRoot = "rooms"

func RoomPath(roomID string) string {
	return RoomsRoot + "/" + roomID
}

func UsersPath(roomID string) string {
	return RoomPath(roomID) + "/users"
}

func UserPath(roomID, userID string) string {
	return UsersPath(roomID) + "/" + userID
}

func JoinRequestsPath(roomID string) string {
	return RoomPath(roomID) + "/join_requests"
}

func JoinRequestPath(roomID, userID string) string {
	return JoinRequestsPath(roomID) + "/" + userID
}

func PlaybackPath(roomID string) string {
	return RoomPath(roomID) + "/playback"
}

func MessagesPath(roomID string) string {
	return RoomPath(roomID) + "/messages"
}

func SignalsPath(roomID string) string {
	return RoomPath(roomID) + "/signals"
}

func SignalPairPath(roomID, from, to string) string {
	return SignalsPath(roomID) + "/" + SignalPairKey(from, to)
}
