package call

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/watchparty/watchparty/internal/store"
	"github.com/watchparty/watchparty/internal/types"
)

// Relay runs one participant's side of the room call: it captures
// local media, relays offer/answer/candidate entries through the
// shared signal log, and maintains one peer connection per remote
// participant.
type Relay struct {
	store   store.Store
	factory PeerConnectionFactory
	devices DeviceManager
	log     *log.Logger
	self    string

	mu           sync.Mutex
	roomID       string
	camStream    MediaStream
	micTrack     LocalTrack
	camTrack     LocalTrack
	screenStream MediaStream
	screenTrack  LocalTrack
	sessions     map[string]*peerSession
	queued       map[string][][]byte
	pairSubs     map[string]store.Subscription
	// authored records every peer this side has signaled toward. It
	// outlives dropped sessions so Stop can clear stale pair logs that
	// would otherwise replay into a peer's next call.
	authored   map[string]bool
	signalsSub store.Subscription

	onRemoteTrack func(peerID string, track RemoteTrack)
	onPeerState   func(peerID string, state PeerState)
}

// peerSession is one leg of the mesh.
type peerSession struct {
	peer        string
	pc          PeerConnection
	audioSender Sender
	videoSender Sender
	remoteSet   bool
}

func NewRelay(s store.Store, factory PeerConnectionFactory, devices DeviceManager, logger *log.Logger, selfID string) *Relay {
	return &Relay{
		store:    s,
		factory:  factory,
		devices:  devices,
		log:      logger,
		self:     selfID,
		sessions: make(map[string]*peerSession),
		queued:   make(map[string][][]byte),
		pairSubs: make(map[string]store.Subscription),
		authored: make(map[string]bool),
	}
}

// OnRemoteTrack registers the inbound-track observer.
func (r *Relay) OnRemoteTrack(fn func(peerID string, track RemoteTrack)) { r.onRemoteTrack = fn }

// OnPeerState registers the per-peer connection state observer.
func (r *Relay) OnPeerState(fn func(peerID string, state PeerState)) { r.onPeerState = fn }

// Active reports whether a call is running.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID != ""
}

// Start captures local media and joins the mesh, initiating toward
// every peer already in the room. A capture denial aborts the whole
// start: joining a call without media is not a degraded mode here.
func (r *Relay) Start(ctx context.Context, roomID string, peerIDs []string) error {
	r.mu.Lock()
	if r.roomID != "" {
		r.mu.Unlock()
		return fmt.Errorf("call already active in room %s", r.roomID)
	}
	r.mu.Unlock()

	stream, err := r.devices.GetUserMedia()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDeviceAccessDenied, err)
	}

	var mic, cam LocalTrack
	if tracks := stream.AudioTracks(); len(tracks) > 0 {
		mic = tracks[0]
	}
	if tracks := stream.VideoTracks(); len(tracks) > 0 {
		cam = tracks[0]
	}

	r.mu.Lock()
	r.roomID = roomID
	r.camStream = stream
	r.micTrack = mic
	r.camTrack = cam
	r.mu.Unlock()

	// Watch for pair keys addressed to us. Each one carries the signal
	// log of a single remote sender.
	sub, err := r.store.OnChildAdded(types.SignalsPath(roomID), r.handlePairKey)
	if err != nil {
		r.teardown(ctx)
		return fmt.Errorf("watch signals: %w", err)
	}
	r.mu.Lock()
	r.signalsSub = sub
	r.mu.Unlock()

	for _, peer := range peerIDs {
		if peer == r.self {
			continue
		}
		if err := r.initiate(ctx, peer); err != nil {
			r.log.Printf("initiate toward %s: %v", peer, err)
			r.dropSession(peer)
		}
	}
	return nil
}

// handlePairKey reacts to a new signal pair appearing under the room.
// Only pairs addressed to this participant get a log subscription.
func (r *Relay) handlePairKey(key string, _ any) {
	suffix := "_" + r.self
	if !strings.HasSuffix(key, suffix) {
		return
	}
	from := strings.TrimSuffix(key, suffix)
	if from == "" || from == r.self {
		return
	}

	r.mu.Lock()
	roomID := r.roomID
	if roomID == "" {
		r.mu.Unlock()
		return
	}
	if _, ok := r.pairSubs[from]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	sub, err := r.store.OnChildAdded(types.SignalPairPath(roomID, from, r.self), func(_ string, value any) {
		r.handleSignal(from, value)
	})
	if err != nil {
		r.log.Printf("watch signals from %s: %v", from, err)
		return
	}

	r.mu.Lock()
	if r.roomID == "" {
		r.mu.Unlock()
		sub.Cancel()
		return
	}
	r.pairSubs[from] = sub
	r.mu.Unlock()
}

// initiate opens the session toward a peer and sends the offer. The
// side already in the room waits; the newcomer initiates, so both
// sides never offer at once.
func (r *Relay) initiate(ctx context.Context, peer string) error {
	session, err := r.newSession(peer)
	if err != nil {
		return err
	}

	offer, err := session.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := session.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return r.sendSignal(ctx, peer, types.SignalTypeOffer, offer)
}

func (r *Relay) newSession(peer string) (*peerSession, error) {
	pc, err := r.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	session := &peerSession{peer: peer, pc: pc}

	r.mu.Lock()
	mic, cam := r.micTrack, r.camTrack
	video := cam
	if r.screenTrack != nil {
		video = r.screenTrack
	}
	r.mu.Unlock()

	if mic != nil {
		sender, err := pc.AddTrack(mic)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		session.audioSender = sender
	}
	if video != nil {
		sender, err := pc.AddTrack(video)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
		session.videoSender = sender
	}

	pc.OnICECandidate(func(candidate []byte) {
		if candidate == nil {
			return
		}
		if err := r.sendSignal(context.Background(), peer, types.SignalTypeCandidate, candidate); err != nil {
			r.log.Printf("send candidate to %s: %v", peer, err)
		}
	})
	pc.OnTrack(func(track RemoteTrack) {
		if r.onRemoteTrack != nil {
			r.onRemoteTrack(peer, track)
		}
	})
	pc.OnConnectionStateChange(func(state PeerState) {
		if r.onPeerState != nil {
			r.onPeerState(peer, state)
		}
		if state == PeerStateFailed {
			r.log.Printf("peer connection to %s failed", peer)
			r.dropSession(peer)
		}
	})

	r.mu.Lock()
	r.sessions[peer] = session
	r.mu.Unlock()
	return session, nil
}

// handleSignal applies one entry from a remote sender's log. A failure
// tears down that session only; the rest of the mesh keeps running.
func (r *Relay) handleSignal(from string, value any) {
	var sig types.Signal
	if err := store.Decode(value, &sig); err != nil {
		r.log.Printf("decode signal from %s: %v", from, err)
		return
	}

	if err := r.applySignal(from, sig); err != nil {
		r.log.Printf("apply %s from %s: %v", sig.Type, from, err)
		r.dropSession(from)
	}
}

func (r *Relay) applySignal(from string, sig types.Signal) error {
	r.mu.Lock()
	session := r.sessions[from]
	r.mu.Unlock()

	switch sig.Type {
	case types.SignalTypeOffer:
		if session == nil {
			var err error
			session, err = r.newSession(from)
			if err != nil {
				return err
			}
		}
		if err := session.pc.SetRemoteDescription(sig.Payload); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		r.markRemoteSet(session)
		answer, err := session.pc.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := session.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return r.sendSignal(context.Background(), from, types.SignalTypeAnswer, answer)

	case types.SignalTypeAnswer:
		if session == nil {
			return fmt.Errorf("answer without session")
		}
		if err := session.pc.SetRemoteDescription(sig.Payload); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		r.markRemoteSet(session)
		return nil

	case types.SignalTypeCandidate:
		if r.queueCandidate(from, sig.Payload) {
			return nil
		}
		r.mu.Lock()
		session = r.sessions[from]
		r.mu.Unlock()
		if session == nil {
			return nil
		}
		return session.pc.AddICECandidate(sig.Payload)

	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

// markRemoteSet flips the session live and drains candidates that
// arrived before the remote description. Applying them early is an
// error on every WebRTC stack, hence the queue.
func (r *Relay) markRemoteSet(session *peerSession) {
	r.mu.Lock()
	session.remoteSet = true
	queued := r.queued[session.peer]
	delete(r.queued, session.peer)
	r.mu.Unlock()

	for _, candidate := range queued {
		if err := session.pc.AddICECandidate(candidate); err != nil {
			r.log.Printf("apply queued candidate from %s: %v", session.peer, err)
		}
	}
}

// queueCandidate holds a candidate back while the peer's session is
// missing or its remote description is still pending. Reports whether
// the candidate was queued.
func (r *Relay) queueCandidate(from string, candidate []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessions[from]
	if session != nil && session.remoteSet {
		return false
	}
	r.queued[from] = append(r.queued[from], candidate)
	return true
}

func (r *Relay) sendSignal(ctx context.Context, to string, kind types.SignalType, payload []byte) error {
	r.mu.Lock()
	roomID := r.roomID
	r.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("no active call")
	}

	_, err := r.store.Append(ctx, types.SignalPairPath(roomID, r.self, to), types.Signal{
		Type:      kind,
		Payload:   payload,
		Timestamp: types.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: append signal: %v", types.ErrTransportFailure, err)
	}

	r.mu.Lock()
	r.authored[to] = true
	r.mu.Unlock()
	return nil
}

// HandlePeerLeft tears down the session for a departed participant and
// clears the signals this side authored toward them.
func (r *Relay) HandlePeerLeft(ctx context.Context, peerID string) {
	r.mu.Lock()
	roomID := r.roomID
	delete(r.authored, peerID)
	r.mu.Unlock()

	r.dropSession(peerID)
	if roomID != "" {
		if err := r.store.Remove(ctx, types.SignalPairPath(roomID, r.self, peerID)); err != nil {
			r.log.Printf("clear signals toward %s: %v", peerID, err)
		}
	}
}

func (r *Relay) dropSession(peer string) {
	r.mu.Lock()
	session := r.sessions[peer]
	delete(r.sessions, peer)
	delete(r.queued, peer)
	sub := r.pairSubs[peer]
	delete(r.pairSubs, peer)
	r.mu.Unlock()

	if session != nil {
		session.pc.Close()
	}
	if sub != nil {
		sub.Cancel()
	}
}

// ToggleMic flips the microphone track and reports the new enabled
// state. Muting keeps the track in every session, so unmuting needs no
// renegotiation.
func (r *Relay) ToggleMic() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.micTrack == nil {
		return false
	}
	enabled := !r.micTrack.Enabled()
	r.micTrack.SetEnabled(enabled)
	return enabled
}

// ToggleCamera flips the camera track and reports the new enabled
// state.
func (r *Relay) ToggleCamera() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.camTrack == nil {
		return false
	}
	enabled := !r.camTrack.Enabled()
	r.camTrack.SetEnabled(enabled)
	return enabled
}

// ToggleScreenShare swaps the outbound video source between screen
// capture and the camera via ReplaceTrack, so no handshake is redone.
// Returns whether screen sharing is now on.
func (r *Relay) ToggleScreenShare() (bool, error) {
	r.mu.Lock()
	sharing := r.screenTrack != nil
	r.mu.Unlock()

	if sharing {
		r.mu.Lock()
		screen := r.screenTrack
		cam := r.camTrack
		r.screenTrack = nil
		r.screenStream = nil
		r.mu.Unlock()

		if screen != nil {
			screen.Stop()
		}
		r.replaceVideoSource(cam)
		return false, nil
	}

	stream, err := r.devices.GetDisplayMedia()
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrDeviceAccessDenied, err)
	}
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return false, fmt.Errorf("%w: display capture produced no video track", types.ErrDeviceAccessDenied)
	}

	r.mu.Lock()
	r.screenStream = stream
	r.screenTrack = tracks[0]
	r.mu.Unlock()

	r.replaceVideoSource(tracks[0])
	return true, nil
}

// replaceVideoSource swaps the video sender on every live session. A
// per-session failure is logged and skipped; the other legs keep the
// new source.
func (r *Relay) replaceVideoSource(track LocalTrack) {
	r.mu.Lock()
	sessions := make([]*peerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		if session.videoSender == nil {
			continue
		}
		if err := session.videoSender.ReplaceTrack(track); err != nil {
			r.log.Printf("replace video track toward %s: %v", session.peer, err)
		}
	}
}

// Stop leaves the call: closes every session, stops local capture, and
// removes the signal logs this side authored.
func (r *Relay) Stop(ctx context.Context) {
	r.teardown(ctx)
}

func (r *Relay) teardown(ctx context.Context) {
	r.mu.Lock()
	roomID := r.roomID
	r.roomID = ""
	sessions := r.sessions
	r.sessions = make(map[string]*peerSession)
	r.queued = make(map[string][][]byte)
	pairSubs := r.pairSubs
	r.pairSubs = make(map[string]store.Subscription)
	authored := r.authored
	r.authored = make(map[string]bool)
	signalsSub := r.signalsSub
	r.signalsSub = nil
	mic, cam, screen := r.micTrack, r.camTrack, r.screenTrack
	r.micTrack, r.camTrack, r.screenTrack = nil, nil, nil
	r.camStream, r.screenStream = nil, nil
	r.mu.Unlock()

	if signalsSub != nil {
		signalsSub.Cancel()
	}
	for _, sub := range pairSubs {
		sub.Cancel()
	}
	for _, session := range sessions {
		session.pc.Close()
	}
	// Authored logs are cleared by peer, not by session: a session
	// dropped mid-call still left signals behind, and replaying them
	// into the peer's next call would wreck its handshake.
	if roomID != "" {
		for peer := range authored {
			if err := r.store.Remove(ctx, types.SignalPairPath(roomID, r.self, peer)); err != nil {
				r.log.Printf("clear signals toward %s: %v", peer, err)
			}
		}
	}
	for _, track := range []LocalTrack{mic, cam, screen} {
		if track != nil {
			track.Stop()
		}
	}
}
