// Package membership implements the room lifecycle and access-control
// state machine: creation, join-request approval, capacity enforcement,
// leave and delete.
package membership

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/watchparty/watchparty/internal/store"
	"github.com/watchparty/watchparty/internal/types"
)

// CreatorPredicate answers whether an identity may create rooms. The
// policy itself lives with the identity provider.
type CreatorPredicate func(types.Identity) bool

func AllowAll(types.Identity) bool { return true }

type JoinResult string

const (
	// Rejoined means the caller already held an approved membership and
	// re-entered without a new request.
	Rejoined JoinResult = "rejoined"
	// PendingApproval means a join request was filed and awaits the
	// creator's decision.
	PendingApproval JoinResult = "pending_approval"
)

const (
	roomCodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodePrefix    = "ROOM-"
	roomCodeLength    = 6
	createMaxAttempts = 5
)

type Controller struct {
	store     store.Store
	log       *log.Logger
	self      types.Identity
	mayCreate CreatorPredicate

	mu           sync.Mutex
	roomID       string
	creatorID    string
	maxOccupancy int
	subs         []store.Subscription
	requestSub   store.Subscription

	onMembers   func([]types.RoomUser)
	onRequests  func([]types.JoinRequest)
	onResolved  func(types.JoinRequestStatus)
	onRoomEnded func()
}

func NewController(s store.Store, logger *log.Logger, self types.Identity, mayCreate CreatorPredicate) *Controller {
	if mayCreate == nil {
		mayCreate = AllowAll
	}
	return &Controller{
		store:     s,
		log:       logger,
		self:      self,
		mayCreate: mayCreate,
	}
}

// Observers. Set before the first create/join; callbacks arrive on the
// store's dispatch goroutine.

func (c *Controller) OnMembers(fn func([]types.RoomUser)) { c.onMembers = fn }

func (c *Controller) OnJoinRequests(fn func([]types.JoinRequest)) { c.onRequests = fn }

// OnRequestResolved fires when the caller's own pending join request is
// decided.
func (c *Controller) OnRequestResolved(fn func(types.JoinRequestStatus)) { c.onResolved = fn }

// OnRoomEnded fires when the room subtree disappears underneath us:
// the terminal "room ended" state, not an error.
func (c *Controller) OnRoomEnded(fn func()) { c.onRoomEnded = fn }

func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) IsCreator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID != "" && c.creatorID == c.self.UserID
}

// CreateRoom writes a fresh room with the caller as its sole approved,
// creator member and attaches to it.
func (c *Controller) CreateRoom(ctx context.Context, maxOccupancy int) (string, error) {
	if c.self.UserID == "" {
		return "", types.ErrAuthRequired
	}
	if !c.mayCreate(c.self) {
		return "", fmt.Errorf("%w: not allowed to create rooms", types.ErrUnauthorized)
	}
	if maxOccupancy < 2 {
		return "", fmt.Errorf("max occupancy must be at least 2, got %d", maxOccupancy)
	}
	if c.RoomID() != "" {
		return "", types.ErrAlreadyInRoom
	}

	roomID, err := c.sampleRoomCode(ctx)
	if err != nil {
		return "", err
	}

	now := types.Now()
	room := types.Room{
		ID:           roomID,
		CreatorID:    c.self.UserID,
		MaxOccupancy: maxOccupancy,
		CreatedAt:    now,
		Users: map[string]types.RoomUser{
			c.self.UserID: {
				UserID:      c.self.UserID,
				DisplayName: c.self.DisplayName,
				Approved:    true,
				IsCreator:   true,
				JoinedAt:    now,
			},
		},
		Playback: types.PlaybackState{LastUpdated: now, UpdatedBy: c.self.UserID},
	}

	if err := c.store.Write(ctx, types.RoomPath(roomID), room); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	if err := c.attach(roomID, room.CreatorID, room.MaxOccupancy); err != nil {
		return "", err
	}
	return roomID, nil
}

// sampleRoomCode draws codes until one is unused. The code space is
// large enough that collisions mean something is wrong.
func (c *Controller) sampleRoomCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < createMaxAttempts; attempt++ {
		code := newRoomCode()
		existing, err := c.store.Read(ctx, types.RoomPath(code))
		if err != nil {
			return "", fmt.Errorf("check room code: %w", err)
		}
		if existing == nil {
			return code, nil
		}
		c.log.Printf("room code %q already taken, retrying", code)
	}
	return "", fmt.Errorf("could not find a free room code after %d attempts", createMaxAttempts)
}

func newRoomCode() string {
	b := make([]byte, roomCodeLength)
	for i := range b {
		b[i] = roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))]
	}
	return roomCodePrefix + string(b)
}

// RequestJoin files a join request, or short-circuits to Rejoined when
// the caller already holds an approved membership. Capacity is checked
// here, at request time only; a full room never records the request.
func (c *Controller) RequestJoin(ctx context.Context, roomID string) (JoinResult, error) {
	if c.self.UserID == "" {
		return "", types.ErrAuthRequired
	}
	if c.RoomID() != "" {
		return "", types.ErrAlreadyInRoom
	}

	raw, err := c.store.Read(ctx, types.RoomPath(roomID))
	if err != nil {
		return "", fmt.Errorf("read room: %w", err)
	}
	if raw == nil {
		return "", types.ErrRoomNotFound
	}

	var room types.Room
	if err := store.Decode(raw, &room); err != nil {
		return "", fmt.Errorf("decode room: %w", err)
	}

	if u, ok := room.Users[c.self.UserID]; ok && u.Approved {
		if err := c.attach(roomID, room.CreatorID, room.MaxOccupancy); err != nil {
			return "", err
		}
		return Rejoined, nil
	}

	if room.ApprovedCount() >= room.MaxOccupancy {
		return "", types.ErrRoomFull
	}

	req := types.JoinRequest{
		UserID:      c.self.UserID,
		DisplayName: c.self.DisplayName,
		RequestedAt: types.Now(),
		Status:      types.JoinRequestPending,
	}
	if err := c.store.Write(ctx, types.JoinRequestPath(roomID, c.self.UserID), req); err != nil {
		return "", fmt.Errorf("write join request: %w", err)
	}

	if err := c.watchOwnRequest(roomID, room.CreatorID, room.MaxOccupancy); err != nil {
		return "", err
	}
	return PendingApproval, nil
}

// watchOwnRequest listens for the creator's decision on the caller's
// pending request.
func (c *Controller) watchOwnRequest(roomID, creatorID string, maxOccupancy int) error {
	sub, err := c.store.OnValue(types.JoinRequestPath(roomID, c.self.UserID), func(value any) {
		if value == nil {
			// The request (or the whole room) vanished before a decision.
			// Terminal for the caller, same as a rejection.
			c.stopRequestWatch()
			if c.onResolved != nil {
				c.onResolved(types.JoinRequestRejected)
			}
			return
		}
		var req types.JoinRequest
		if err := store.Decode(value, &req); err != nil {
			c.log.Printf("decode own join request: %v", err)
			return
		}

		switch req.Status {
		case types.JoinRequestApproved:
			c.stopRequestWatch()
			if err := c.attach(roomID, creatorID, maxOccupancy); err != nil {
				c.log.Printf("attach after approval: %v", err)
				return
			}
			if c.onResolved != nil {
				c.onResolved(types.JoinRequestApproved)
			}
		case types.JoinRequestRejected:
			// Terminal for this request; a fresh RequestJoin is allowed.
			c.stopRequestWatch()
			if c.onResolved != nil {
				c.onResolved(types.JoinRequestRejected)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("watch join request: %w", err)
	}

	c.mu.Lock()
	c.requestSub = sub
	c.mu.Unlock()
	return nil
}

func (c *Controller) stopRequestWatch() {
	c.mu.Lock()
	sub := c.requestSub
	c.requestSub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// Decide settles a pending join request. Creator only. Approval couples
// the RoomUser insert with the status flip; if the flip fails the
// inserted user is rolled back so neither half outlives the attempt.
// Capacity is deliberately not re-checked here (request-time policy).
func (c *Controller) Decide(ctx context.Context, applicantID string, approve bool) error {
	c.mu.Lock()
	roomID := c.roomID
	creatorID := c.creatorID
	c.mu.Unlock()

	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}
	if c.self.UserID != creatorID {
		return fmt.Errorf("%w: only the creator decides join requests", types.ErrUnauthorized)
	}

	reqPath := types.JoinRequestPath(roomID, applicantID)
	raw, err := c.store.Read(ctx, reqPath)
	if err != nil {
		return fmt.Errorf("read join request: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("no join request from %q", applicantID)
	}

	var req types.JoinRequest
	if err := store.Decode(raw, &req); err != nil {
		return fmt.Errorf("decode join request: %w", err)
	}
	if req.Status != types.JoinRequestPending {
		return fmt.Errorf("join request from %q already %s", applicantID, req.Status)
	}

	if !approve {
		return c.store.Update(ctx, reqPath, map[string]any{
			"status": types.JoinRequestRejected,
		})
	}

	user := types.RoomUser{
		UserID:      applicantID,
		DisplayName: req.DisplayName,
		Approved:    true,
		JoinedAt:    types.Now(),
	}
	if err := c.store.Write(ctx, types.UserPath(roomID, applicantID), user); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	if err := c.store.Update(ctx, reqPath, map[string]any{
		"status": types.JoinRequestApproved,
	}); err != nil {
		// Roll back the half-applied approval.
		if rbErr := c.store.Remove(ctx, types.UserPath(roomID, applicantID)); rbErr != nil {
			c.log.Printf("rollback member %q: %v", applicantID, rbErr)
		}
		return fmt.Errorf("approve join request: %w", err)
	}
	return nil
}

// Leave removes the given member. Call teardown is the coordinator's
// job and must happen before this.
func (c *Controller) Leave(ctx context.Context, userID string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}

	if err := c.store.Remove(ctx, types.UserPath(roomID, userID)); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	if userID == c.self.UserID {
		c.Detach()
	}
	return nil
}

// DeleteRoom removes the whole room subtree. Creator only. Other
// subscribers observe the disappearance and resolve to room-ended.
func (c *Controller) DeleteRoom(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	creatorID := c.creatorID
	c.mu.Unlock()

	if roomID == "" {
		return fmt.Errorf("%w: no active room", types.ErrRoomNotFound)
	}
	if c.self.UserID != creatorID {
		return fmt.Errorf("%w: only the creator may delete the room", types.ErrUnauthorized)
	}

	if err := c.store.Remove(ctx, types.RoomPath(roomID)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	c.Detach()
	return nil
}

// attach subscribes to the room's membership state. Idempotent per room.
func (c *Controller) attach(roomID, creatorID string, maxOccupancy int) error {
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
	c.creatorID = creatorID
	c.maxOccupancy = maxOccupancy
	c.mu.Unlock()

	rootSub, err := c.store.OnValue(types.RoomPath(roomID), func(value any) {
		if value != nil {
			return
		}
		// Room subtree vanished: terminal state for everyone still here.
		c.Detach()
		if c.onRoomEnded != nil {
			c.onRoomEnded()
		}
	})
	if err != nil {
		return fmt.Errorf("watch room: %w", err)
	}

	usersSub, err := c.store.OnValue(types.UsersPath(roomID), func(value any) {
		if c.onMembers == nil {
			return
		}
		c.onMembers(decodeMembers(c.log, value))
	})
	if err != nil {
		rootSub.Cancel()
		return fmt.Errorf("watch members: %w", err)
	}

	requestsSub, err := c.store.OnValue(types.JoinRequestsPath(roomID), func(value any) {
		if c.onRequests == nil {
			return
		}
		c.onRequests(decodePendingRequests(c.log, value))
	})
	if err != nil {
		rootSub.Cancel()
		usersSub.Cancel()
		return fmt.Errorf("watch join requests: %w", err)
	}

	c.mu.Lock()
	c.subs = []store.Subscription{rootSub, usersSub, requestsSub}
	c.mu.Unlock()
	return nil
}

// Detach cancels every room listener and clears the active room. Safe
// to call repeatedly and from inside a store callback.
func (c *Controller) Detach() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.roomID = ""
	c.creatorID = ""
	c.maxOccupancy = 0
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	c.stopRequestWatch()
}

func decodeMembers(logger *log.Logger, value any) []types.RoomUser {
	if value == nil {
		return nil
	}
	var users map[string]types.RoomUser
	if err := store.Decode(value, &users); err != nil {
		logger.Printf("decode members: %v", err)
		return nil
	}

	members := make([]types.RoomUser, 0, len(users))
	for _, u := range users {
		members = append(members, u)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

func decodePendingRequests(logger *log.Logger, value any) []types.JoinRequest {
	if value == nil {
		return nil
	}
	var reqs map[string]types.JoinRequest
	if err := store.Decode(value, &reqs); err != nil {
		logger.Printf("decode join requests: %v", err)
		return nil
	}

	pending := make([]types.JoinRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Status == types.JoinRequestPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].RequestedAt.Equal(pending[j].RequestedAt) {
			return pending[i].UserID < pending[j].UserID
		}
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending
}
