package playback

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/watchparty/watchparty/internal/store"
	"github.com/watchparty/watchparty/internal/types"
)

const (
	// DefaultDriftTolerance is how far local playback may stray from the
	// shared position before a seek. Small drift is ignored on purpose:
	// correcting it causes visible stutter.
	DefaultDriftTolerance = 3.0

	// DefaultDebounce coalesces a burst of local player events into one
	// shared write.
	DefaultDebounce = 500 * time.Millisecond
)

type Synchronizer struct {
	store  store.Store
	player Player
	log    *log.Logger
	self   string

	driftTolerance float64
	debounce       time.Duration

	mu        sync.Mutex
	roomID    string
	sub       store.Subscription
	timer     *time.Timer
	pending   *pendingWrite
	loadedRef string

	onStatus func(SyncStatus)
}

type pendingWrite struct {
	isPlaying bool
	position  float64
}

func NewSynchronizer(s store.Store, p Player, logger *log.Logger, selfID string) *Synchronizer {
	return &Synchronizer{
		store:          s,
		player:         p,
		log:            logger,
		self:           selfID,
		driftTolerance: DefaultDriftTolerance,
		debounce:       DefaultDebounce,
	}
}

// OnStatus registers the sync-status observer.
func (s *Synchronizer) OnStatus(fn func(SyncStatus)) { s.onStatus = fn }

// Attach subscribes to the room's playback record.
func (s *Synchronizer) Attach(roomID string) error {
	s.mu.Lock()
	if s.roomID != "" {
		s.mu.Unlock()
		return types.ErrAlreadyInRoom
	}
	s.roomID = roomID
	s.mu.Unlock()

	sub, err := s.store.OnValue(types.PlaybackPath(roomID), s.handleRemoteState)
	if err != nil {
		s.mu.Lock()
		s.roomID = ""
		s.mu.Unlock()
		return fmt.Errorf("watch playback: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Detach cancels the playback listener and any pending debounced write.
func (s *Synchronizer) Detach() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.roomID = ""
	s.loadedRef = ""
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// SetVideo loads a new video locally and publishes the hard reset:
// paused at zero for everyone. Never a merge.
func (s *Synchronizer) SetVideo(ctx context.Context, videoRef string) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}

	if err := s.player.Load(videoRef); err != nil {
		return fmt.Errorf("%w: load %q: %v", types.ErrPlayerFailure, videoRef, err)
	}

	s.mu.Lock()
	s.loadedRef = videoRef
	s.cancelPendingLocked()
	s.mu.Unlock()

	state := types.PlaybackState{
		VideoRef:        videoRef,
		IsPlaying:       false,
		PositionSeconds: 0,
		LastUpdated:     types.Now(),
		UpdatedBy:       s.self,
	}
	if err := s.store.Write(ctx, types.PlaybackPath(roomID), state); err != nil {
		return fmt.Errorf("publish video change: %w", err)
	}
	return nil
}

// HandlePlayerEvent records a local play/pause/end and schedules the
// debounced publish. A newer event restarts the window, so a burst
// coalesces into one write.
func (s *Synchronizer) HandlePlayerEvent(state PlayerState, positionSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID == "" {
		return
	}

	s.pending = &pendingWrite{
		isPlaying: state == StatePlaying,
		position:  positionSeconds,
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.flush)
}

func (s *Synchronizer) flush() {
	s.mu.Lock()
	p := s.pending
	roomID := s.roomID
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if p == nil || roomID == "" {
		return
	}
	s.publish(context.Background(), roomID, p.isPlaying, p.position)
}

// ExplicitSync republishes the current local time and state
// immediately, skipping the debounce window. Manual drift recovery.
func (s *Synchronizer) ExplicitSync(ctx context.Context) error {
	s.mu.Lock()
	roomID := s.roomID
	s.cancelPendingLocked()
	s.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}

	pos, err := s.player.CurrentTime()
	if err != nil {
		return fmt.Errorf("%w: current time: %v", types.ErrPlayerFailure, err)
	}
	st, err := s.player.State()
	if err != nil {
		return fmt.Errorf("%w: player state: %v", types.ErrPlayerFailure, err)
	}

	s.publish(ctx, roomID, st == StatePlaying, pos)
	return nil
}

func (s *Synchronizer) cancelPendingLocked() {
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// publish updates the shared record's volatile fields, leaving the
// video reference to SetVideo.
func (s *Synchronizer) publish(ctx context.Context, roomID string, isPlaying bool, position float64) {
	err := s.store.Update(ctx, types.PlaybackPath(roomID), map[string]any{
		"is_playing":       isPlaying,
		"position_seconds": position,
		"last_updated":     types.Now(),
		"updated_by":       s.self,
	})
	if err != nil {
		s.log.Printf("publish playback state: %v", err)
		s.setStatus(StatusError)
	}
}

// handleRemoteState reconciles the local player against a shared-record
// change. The store does not filter self-authored updates, so echo
// suppression comes first; without it every write feeds back into
// another write.
func (s *Synchronizer) handleRemoteState(value any) {
	if value == nil {
		return
	}

	var state types.PlaybackState
	if err := store.Decode(value, &state); err != nil {
		s.log.Printf("decode playback state: %v", err)
		return
	}

	if state.UpdatedBy == s.self {
		return
	}

	s.mu.Lock()
	loadedRef := s.loadedRef
	s.mu.Unlock()

	// A changed video reference is a hard reset: load it and stop. The
	// new-video convention is paused at zero, so no seek or play belongs
	// in the same pass.
	if state.VideoRef != "" && state.VideoRef != loadedRef {
		s.setStatus(StatusSyncing)
		if err := s.player.Load(state.VideoRef); err != nil {
			s.log.Printf("load %q: %v", state.VideoRef, err)
			s.setStatus(StatusError)
			return
		}
		s.mu.Lock()
		s.loadedRef = state.VideoRef
		s.mu.Unlock()
		s.setStatus(StatusSynced)
		return
	}

	if loadedRef == "" {
		return
	}

	// Every pass that reaches the player settles in Synced or Error.
	s.setStatus(StatusSyncing)

	pos, err := s.player.CurrentTime()
	if err != nil {
		s.log.Printf("current time: %v", err)
		s.setStatus(StatusError)
		return
	}

	if drift := math.Abs(pos - state.PositionSeconds); drift > s.driftTolerance {
		if err := s.player.Seek(state.PositionSeconds); err != nil {
			s.log.Printf("seek to %.1fs: %v", state.PositionSeconds, err)
			s.setStatus(StatusError)
			return
		}
	}

	current, err := s.player.State()
	if err != nil {
		s.log.Printf("player state: %v", err)
		s.setStatus(StatusError)
		return
	}

	if state.IsPlaying && current != StatePlaying {
		err = s.player.Play()
	} else if !state.IsPlaying && current == StatePlaying {
		err = s.player.Pause()
	}
	if err != nil {
		s.log.Printf("reconcile play state: %v", err)
		s.setStatus(StatusError)
		return
	}

	s.setStatus(StatusSynced)
}

func (s *Synchronizer) setStatus(status SyncStatus) {
	if s.onStatus != nil {
		s.onStatus(status)
	}
}
