package call

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// WebRTCFactory builds pion-backed peer connections. Signal payloads
// are the JSON encodings of pion's SessionDescription and
// ICECandidateInit, so both ends of a pair stay wire-compatible.
type WebRTCFactory struct {
	config webrtc.Configuration
}

func NewWebRTCFactory(iceServers []string) *WebRTCFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &WebRTCFactory{config: cfg}
}

func (f *WebRTCFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer() ([]byte, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

func (p *pionPeerConnection) CreateAnswer() ([]byte, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

func (p *pionPeerConnection) SetLocalDescription(raw []byte) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(raw []byte) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(raw []byte) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) AddTrack(track LocalTrack) (Sender, error) {
	st, ok := track.(*SampleTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not a sample track", track.ID())
	}
	sender, err := p.pc.AddTrack(st.track)
	if err != nil {
		return nil, err
	}
	// Draining RTCP keeps pion's interceptor pipeline running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionSender{sender: sender}, nil
}

func (p *pionPeerConnection) OnICECandidate(fn func(candidate []byte)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(raw)
	})
}

func (p *pionPeerConnection) OnTrack(fn func(track RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionRemoteTrack{track: t})
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(state PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(peerStateFromPion(s))
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

func peerStateFromPion(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return PeerStateConnected
	case webrtc.PeerConnectionStateFailed:
		return PeerStateFailed
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return PeerStateDisconnected
	default:
		return PeerStateConnecting
	}
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(track LocalTrack) error {
	st, ok := track.(*SampleTrack)
	if !ok {
		return fmt.Errorf("track %s is not a sample track", track.ID())
	}
	return s.sender.ReplaceTrack(st.track)
}

// SampleTrack is a writable local track fed by a capture pipeline. A
// disabled track swallows samples instead of leaving the sender, which
// is what lets mute toggle without renegotiation.
type SampleTrack struct {
	track    *webrtc.TrackLocalStaticSample
	kind     TrackKind
	disabled atomic.Bool
	stopped  atomic.Bool
}

func NewAudioSampleTrack(id, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{track: track, kind: TrackKindAudio}, nil
}

func NewVideoSampleTrack(id, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{track: track, kind: TrackKindVideo}, nil
}

func (t *SampleTrack) ID() string      { return t.track.ID() }
func (t *SampleTrack) Kind() TrackKind { return t.kind }

func (t *SampleTrack) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }
func (t *SampleTrack) Enabled() bool           { return !t.disabled.Load() }
func (t *SampleTrack) Stop()                   { t.stopped.Store(true) }

// WriteSample pushes one captured sample. Disabled and stopped tracks
// drop it silently.
func (t *SampleTrack) WriteSample(data []byte, duration time.Duration) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if t.disabled.Load() {
		return nil
	}
	return t.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string { return t.track.ID() }

func (t *pionRemoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return TrackKindAudio
	}
	return TrackKindVideo
}
