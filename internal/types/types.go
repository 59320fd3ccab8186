package types

import (
	"time"
)

// Identity is what the external identity provider hands us after a
// sign-in. Email may be empty for anonymous sessions.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name"`
}

// SystemAuthorID is the sentinel author id for system-generated chat
// messages (join/leave/call announcements).
const SystemAuthorID = "system"

type Room struct {
	ID           string                 `json:"id"`
	CreatorID    string                 `json:"creator_id"`
	MaxOccupancy int                    `json:"max_occupancy"`
	CreatedAt    time.Time              `json:"created_at"`
	Users        map[string]RoomUser    `json:"users,omitempty"`
	JoinRequests map[string]JoinRequest `json:"join_requests,omitempty"`
	Playback     PlaybackState          `json:"playback"`
}

// ApprovedCount returns the number of approved members, which is what
// capacity checks are made against.
func (r Room) ApprovedCount() int {
	var n int
	for _, u := range r.Users {
		if u.Approved {
			n++
		}
	}
	return n
}

type RoomUser struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Approved    bool      `json:"approved"`
	IsCreator   bool      `json:"is_creator"`
	JoinedAt    time.Time `json:"joined_at"`
}

type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "pending"
	JoinRequestApproved JoinRequestStatus = "approved"
	JoinRequestRejected JoinRequestStatus = "rejected"
)

type JoinRequest struct {
	UserID      string            `json:"user_id"`
	DisplayName string            `json:"display_name"`
	RequestedAt time.Time         `json:"requested_at"`
	Status      JoinRequestStatus `json:"status"`
}

// PlaybackState is the room's shared playback record. Convention-based
// single writer, last write wins; UpdatedBy lets receivers suppress
// their own echoes.
type PlaybackState struct {
	VideoRef        string    `json:"video_ref"`
	IsPlaying       bool      `json:"is_playing"`
	PositionSeconds float64   `json:"position_seconds"`
	LastUpdated     time.Time `json:"last_updated"`
	UpdatedBy       string    `json:"updated_by"`
}

type Message struct {
	ID          string    `json:"id,omitempty"`
	AuthorID    string    `json:"author_id"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body"`
	IsSystem    bool      `json:"is_system,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Signal is one handshake entry in a pair's signal log. Payload is an
// opaque blob (SDP or ICE candidate JSON); the relay never inspects it.
type Signal struct {
	Type      SignalType `json:"type"`
	Payload   []byte     `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
}

// SignalPairKey builds the map key for signals sent from one user to
// another.
func SignalPairKey(from, to string) string {
	return from + "_" + to
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
