// Package session composes membership, playback sync, chat, and the
// call relay into the single facade a client embeds.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/watchparty/watchparty/internal/call"
	"github.com/watchparty/watchparty/internal/membership"
	"github.com/watchparty/watchparty/internal/playback"
	"github.com/watchparty/watchparty/internal/store"
	"github.com/watchparty/watchparty/internal/types"
)

// Coordinator wires the per-concern engines together and owns their
// lifecycle ordering. Everything runs against one store connection and
// one signed-in identity.
type Coordinator struct {
	store      store.Store
	log        *log.Logger
	self       types.Identity
	membership *membership.Controller
	sync       *playback.Synchronizer
	relay      *call.Relay

	mu          sync.Mutex
	roomID      string
	pendingJoin string
	members     []types.RoomUser
	messagesSub store.Subscription

	onMembers   func([]types.RoomUser)
	onResolved  func(types.JoinRequestStatus)
	onMessage   func(types.Message)
	onCallState func(active bool)
	onRoomEnded func()
}

func NewCoordinator(s store.Store, logger *log.Logger, self types.Identity,
	mayCreate membership.CreatorPredicate, player playback.Player,
	factory call.PeerConnectionFactory, devices call.DeviceManager) *Coordinator {

	c := &Coordinator{
		store:      s,
		log:        logger,
		self:       self,
		membership: membership.NewController(s, logger, self, mayCreate),
		sync:       playback.NewSynchronizer(s, player, logger, self.UserID),
		relay:      call.NewRelay(s, factory, devices, logger, self.UserID),
	}
	c.membership.OnMembers(c.handleMembers)
	c.membership.OnRequestResolved(c.handleRequestResolved)
	c.membership.OnRoomEnded(c.handleRoomEnded)
	return c
}

// Observer registration. Set these before joining a room; changing
// them mid-session races the store dispatcher.

func (c *Coordinator) OnMembers(fn func([]types.RoomUser)) { c.onMembers = fn }

func (c *Coordinator) OnPendingRequests(fn func([]types.JoinRequest)) {
	c.membership.OnJoinRequests(fn)
}

func (c *Coordinator) OnRequestResolved(fn func(types.JoinRequestStatus)) { c.onResolved = fn }

func (c *Coordinator) OnMessage(fn func(types.Message)) { c.onMessage = fn }

func (c *Coordinator) OnSyncStatus(fn func(playback.SyncStatus)) { c.sync.OnStatus(fn) }

func (c *Coordinator) OnRoomEnded(fn func()) { c.onRoomEnded = fn }

func (c *Coordinator) OnCallState(fn func(active bool)) { c.onCallState = fn }

func (c *Coordinator) OnRemoteTrack(fn func(peerID string, track call.RemoteTrack)) {
	c.relay.OnRemoteTrack(fn)
}

func (c *Coordinator) OnPeerState(fn func(peerID string, state call.PeerState)) {
	c.relay.OnPeerState(fn)
}

// CreateRoom creates and enters a room, returning its shareable code.
func (c *Coordinator) CreateRoom(ctx context.Context, maxOccupancy int) (string, error) {
	roomID, err := c.membership.CreateRoom(ctx, maxOccupancy)
	if err != nil {
		return "", err
	}
	if err := c.enterRoom(roomID); err != nil {
		return "", err
	}
	c.postSystemMessage(ctx, fmt.Sprintf("%s created the room", c.self.DisplayName))
	return roomID, nil
}

// JoinRoom files a join request. Entry happens when the creator
// approves; a prior approved membership enters immediately.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) (membership.JoinResult, error) {
	c.mu.Lock()
	c.pendingJoin = roomID
	c.mu.Unlock()

	result, err := c.membership.RequestJoin(ctx, roomID)
	if err != nil {
		c.mu.Lock()
		c.pendingJoin = ""
		c.mu.Unlock()
		return "", err
	}
	if result == membership.Rejoined {
		c.mu.Lock()
		c.pendingJoin = ""
		c.mu.Unlock()
		if err := c.enterRoom(roomID); err != nil {
			return "", err
		}
	}
	return result, nil
}

// handleRequestResolved fires when the creator decides our pending
// request. Approval completes the deferred room entry.
func (c *Coordinator) handleRequestResolved(status types.JoinRequestStatus) {
	c.mu.Lock()
	roomID := c.pendingJoin
	c.pendingJoin = ""
	c.mu.Unlock()

	if status == types.JoinRequestApproved && roomID != "" {
		if err := c.enterRoom(roomID); err != nil {
			c.log.Printf("enter room after approval: %v", err)
		} else {
			c.postSystemMessage(context.Background(),
				fmt.Sprintf("%s joined the room", c.self.DisplayName))
		}
	}

	if c.onResolved != nil {
		c.onResolved(status)
	}
}

// Decide approves or rejects a pending join request. Creator only.
func (c *Coordinator) Decide(ctx context.Context, applicantID string, approve bool) error {
	return c.membership.Decide(ctx, applicantID, approve)
}

// enterRoom attaches the playback and chat engines once membership is
// settled.
func (c *Coordinator) enterRoom(roomID string) error {
	c.mu.Lock()
	if c.roomID == roomID {
		c.mu.Unlock()
		return nil
	}
	if c.roomID != "" {
		c.mu.Unlock()
		return types.ErrAlreadyInRoom
	}
	c.roomID = roomID
	c.mu.Unlock()

	if err := c.sync.Attach(roomID); err != nil {
		return err
	}

	sub, err := c.store.OnChildAdded(types.MessagesPath(roomID), c.handleMessage)
	if err != nil {
		c.sync.Detach()
		return fmt.Errorf("watch messages: %w", err)
	}

	c.mu.Lock()
	c.messagesSub = sub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleMessage(key string, value any) {
	var msg types.Message
	if err := store.Decode(value, &msg); err != nil {
		c.log.Printf("decode message %s: %v", key, err)
		return
	}
	msg.ID = key
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// handleMembers fans the roster out to the user observer and tells the
// relay about departures while a call is running. Arrivals initiate
// toward us, so only departures need handling here.
func (c *Coordinator) handleMembers(members []types.RoomUser) {
	c.mu.Lock()
	previous := c.members
	c.members = members
	c.mu.Unlock()

	if c.relay.Active() {
		current := make(map[string]bool, len(members))
		for _, m := range members {
			current[m.UserID] = true
		}
		for _, m := range previous {
			if !current[m.UserID] {
				c.relay.HandlePeerLeft(context.Background(), m.UserID)
			}
		}
	}

	if c.onMembers != nil {
		c.onMembers(members)
	}
}

// SendMessage appends a chat message to the room log.
func (c *Coordinator) SendMessage(ctx context.Context, body string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}
	_, err := c.store.Append(ctx, types.MessagesPath(roomID), types.Message{
		AuthorID:    c.self.UserID,
		DisplayName: c.self.DisplayName,
		Body:        body,
		Timestamp:   types.Now(),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// postSystemMessage appends a system announcement. Failures are logged
// only; announcements never block the action that caused them.
func (c *Coordinator) postSystemMessage(ctx context.Context, body string) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return
	}
	_, err := c.store.Append(ctx, types.MessagesPath(roomID), types.Message{
		AuthorID:    types.SystemAuthorID,
		DisplayName: types.SystemAuthorID,
		Body:        body,
		IsSystem:    true,
		Timestamp:   types.Now(),
	})
	if err != nil {
		c.log.Printf("post system message: %v", err)
	}
}

// LoadVideo loads a new video and publishes the shared hard reset.
func (c *Coordinator) LoadVideo(ctx context.Context, videoRef string) error {
	return c.sync.SetVideo(ctx, videoRef)
}

// HandlePlayerEvent forwards a local player transition into the
// debounced publish path.
func (c *Coordinator) HandlePlayerEvent(state playback.PlayerState, positionSeconds float64) {
	c.sync.HandlePlayerEvent(state, positionSeconds)
}

// ExplicitSync republishes local playback immediately.
func (c *Coordinator) ExplicitSync(ctx context.Context) error {
	return c.sync.ExplicitSync(ctx)
}

// StartCall joins (or starts) the room call, initiating toward every
// current member.
func (c *Coordinator) StartCall(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	peers := make([]string, 0, len(c.members))
	for _, m := range c.members {
		if m.UserID != c.self.UserID {
			peers = append(peers, m.UserID)
		}
	}
	c.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}

	if err := c.relay.Start(ctx, roomID, peers); err != nil {
		return err
	}
	if c.onCallState != nil {
		c.onCallState(true)
	}
	c.postSystemMessage(ctx, fmt.Sprintf("%s joined the call", c.self.DisplayName))
	return nil
}

// EndCall leaves the call and clears this side's signal logs.
func (c *Coordinator) EndCall(ctx context.Context) {
	if !c.relay.Active() {
		return
	}
	c.relay.Stop(ctx)
	if c.onCallState != nil {
		c.onCallState(false)
	}
	c.postSystemMessage(ctx, fmt.Sprintf("%s left the call", c.self.DisplayName))
}

func (c *Coordinator) ToggleMic() bool    { return c.relay.ToggleMic() }
func (c *Coordinator) ToggleCamera() bool { return c.relay.ToggleCamera() }

func (c *Coordinator) ToggleScreenShare() (bool, error) {
	return c.relay.ToggleScreenShare()
}

// LeaveRoom tears down the session in dependency order: call first, so
// signal logs are cleared while the store is still attached, then
// playback and chat listeners, then the membership record.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.EndCall(ctx)
	c.postSystemMessage(ctx, fmt.Sprintf("%s left the room", c.self.DisplayName))
	c.detach()
	return c.membership.Leave(ctx, c.self.UserID)
}

// DeleteRoom ends the room for everyone. Creator only. The local
// session is torn down only once the authorization check passes, so a
// refused delete leaves the caller's membership fully usable.
func (c *Coordinator) DeleteRoom(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}
	if !c.membership.IsCreator() {
		return fmt.Errorf("%w: only the creator may delete the room", types.ErrUnauthorized)
	}

	c.EndCall(ctx)
	c.detach()
	return c.membership.DeleteRoom(ctx)
}

// Close releases everything without touching shared state beyond the
// call's own signal logs. Used on signout or connection loss.
func (c *Coordinator) Close(ctx context.Context) {
	c.EndCall(ctx)
	c.detach()
	c.membership.Detach()
}

// handleRoomEnded reacts to the room subtree vanishing under us.
func (c *Coordinator) handleRoomEnded() {
	c.EndCall(context.Background())
	c.detach()
	if c.onRoomEnded != nil {
		c.onRoomEnded()
	}
}

func (c *Coordinator) detach() {
	c.sync.Detach()

	c.mu.Lock()
	sub := c.messagesSub
	c.messagesSub = nil
	c.roomID = ""
	c.members = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}
