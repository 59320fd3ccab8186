// Package call relays WebRTC handshakes through the room's shared
// signal log and manages the resulting peer mesh.
package call

// TrackKind distinguishes the two media directions a stream can carry.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// DeviceManager captures local media. Implementations sit on top of
// the host's capture stack; a denied permission surfaces as an error
// from GetUserMedia.
type DeviceManager interface {
	GetUserMedia() (MediaStream, error)
	GetDisplayMedia() (MediaStream, error)
}

// MediaStream is a bundle of local tracks from one capture source.
type MediaStream interface {
	AudioTracks() []LocalTrack
	VideoTracks() []LocalTrack
}

// LocalTrack is a captured track that can be muted or swapped into a
// sender.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteTrack is an inbound track surfaced to the UI layer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// Sender is the outbound slot a local track occupies on a peer
// connection. ReplaceTrack swaps the source without renegotiating.
type Sender interface {
	ReplaceTrack(track LocalTrack) error
}

// PeerConnection abstracts one leg of the mesh. The relay drives the
// offer/answer handshake through it and never touches media directly.
type PeerConnection interface {
	CreateOffer() ([]byte, error)
	CreateAnswer() ([]byte, error)
	SetLocalDescription(desc []byte) error
	SetRemoteDescription(desc []byte) error
	AddICECandidate(candidate []byte) error
	AddTrack(track LocalTrack) (Sender, error)
	OnICECandidate(fn func(candidate []byte))
	OnTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state PeerState))
	Close() error
}

// PeerState is the coarse connection state surfaced per peer.
type PeerState string

const (
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
)

// PeerConnectionFactory builds fresh peer connections. One per remote
// participant.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
