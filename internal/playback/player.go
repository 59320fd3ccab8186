// Package playback keeps every participant's local player converged on
// the room's shared playback record.
package playback

// PlayerState mirrors the embeddable player's coarse state.
type PlayerState string

const (
	StatePlaying PlayerState = "playing"
	StatePaused  PlayerState = "paused"
	StateEnded   PlayerState = "ended"
)

// Player is the control surface of the embeddable video player. The
// rendering side lives entirely outside this package.
type Player interface {
	Load(ref string) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	CurrentTime() (float64, error)
	State() (PlayerState, error)
}

// SyncStatus is the surfaced reconciliation state. Remote
// reconciliation failures land here, never as returned errors, so a
// bad pass cannot block future ones.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)
