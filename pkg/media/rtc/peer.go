package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrClosed is returned by operations on a closed [Peer].
var ErrClosed = errors.New("rtc: peer closed")

// Candidate is a trickled ICE candidate as exchanged over signaling.
type Candidate = webrtc.ICECandidateInit

// Peer wraps a pion PeerConnection with remote-candidate buffering, sample
// tracks and metrics sampling.
type Peer struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []Candidate
	closed    bool
	stats     statsSampler
}

// NewPeer creates a PeerConnection from api.
func NewPeer(api *webrtc.API, servers []ICEServer) (*Peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(servers)})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	return &Peer{pc: pc}, nil
}

// PeerConnection returns the underlying pion connection.
func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// OnLocalCandidate registers fn for every locally gathered ICE candidate.
func (p *Peer) OnLocalCandidate(fn func(Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnRemoteTrack registers fn for every incoming remote track.
func (p *Peer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { fn(t) })
}

// OnStateChange registers fn for connection state transitions.
func (p *Peer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// OnNegotiationNeeded registers fn for renegotiation requests.
func (p *Peer) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

// CreateOffer creates and applies a local offer and returns its SDP.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateOfferGathered is like CreateOffer but waits for ICE gathering to
// finish, for signaling paths without trickle ICE (WHIP/WHEP).
func (p *Peer) CreateOfferGathered(ctx context.Context) (string, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if _, err := p.CreateOffer(ctx); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

// AcceptOffer applies a remote offer and returns the local answer SDP.
func (p *Peer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local answer: %w", err)
	}
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer to a previously created offer.
func (p *Peer) AcceptAnswer(sdp string) error {
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("rtc: set remote %s: %w", desc.Type, err)
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			slog.Warn("rtc: apply buffered candidate", "err", err)
		}
	}
	return nil
}

// AddCandidate applies a remote ICE candidate, buffering it until the
// remote description is known.
func (p *Peer) AddCandidate(c Candidate) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("rtc: add candidate: %w", err)
	}
	return nil
}

// SampleTrack is a local track fed by writing encoded samples.
type SampleTrack struct {
	Local  *webrtc.TrackLocalStaticSample
	Sender *webrtc.RTPSender
}

// NewLocalSample returns an Opus (audio) or VP8 (video) track that is not
// yet bound to any peer connection.
func NewLocalSample(kind webrtc.RTPCodecType, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		kind.String()+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("rtc: new %s track: %w", kind, err)
	}
	return local, nil
}

// AddSampleTrack adds a local Opus (audio) or VP8 (video) track.
func (p *Peer) AddSampleTrack(kind webrtc.RTPCodecType, streamID string) (*SampleTrack, error) {
	local, err := NewLocalSample(kind, streamID)
	if err != nil {
		return nil, err
	}
	return p.Publish(local)
}

// Publish starts sending an existing local track.
func (p *Peer) Publish(local *webrtc.TrackLocalStaticSample) (*SampleTrack, error) {
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("rtc: add %s track: %w", local.Kind(), err)
	}
	go drainRTCP(sender)
	return &SampleTrack{Local: local, Sender: sender}, nil
}

// RemoveSampleTrack stops sending t.
func (p *Peer) RemoveSampleTrack(t *SampleTrack) error {
	if t == nil {
		return nil
	}
	if err := p.pc.RemoveTrack(t.Sender); err != nil {
		return fmt.Errorf("rtc: remove track: %w", err)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) run.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// Metrics samples connection statistics.
func (p *Peer) Metrics() *media.Metrics {
	report := p.pc.GetStats()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.sample(report)
}

// Close tears down the peer connection. Subsequent calls are no-ops.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("rtc: close peer: %w", err)
	}
	return nil
}
