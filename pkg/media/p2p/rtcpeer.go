package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// RTCPeerConfig configures peers created by [NewRTCPeerFactory].
type RTCPeerConfig struct {
	API        *webrtc.API
	ICEServers []rtc.ICEServer
	Devices    device.Source
	Encoder    rtc.EncoderFactory

	// Profile is the camera send profile. Screen frames are sent with the
	// same profile.
	Profile device.Profile
}

// NewRTCPeerFactory returns a [PeerFactory] backed by pion peer
// connections.
func NewRTCPeerFactory(cfg RTCPeerConfig) (PeerFactory, error) {
	if cfg.Devices == nil {
		return nil, errors.New("p2p: Devices must not be nil")
	}
	if cfg.API == nil {
		api, err := rtc.NewAPI(rtc.Options{})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	if cfg.Encoder == nil {
		cfg.Encoder = rtc.NewVP8Encoder
	}
	if cfg.Profile == (device.Profile{}) {
		cfg.Profile = device.DefaultProfile
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = rtc.DefaultICEServers
	}
	return func() (Peer, error) {
		p, err := rtc.NewPeer(cfg.API, cfg.ICEServers)
		if err != nil {
			return nil, err
		}
		return &rtcPeer{cfg: cfg, peer: p, stream: uuid.NewString()}, nil
	}, nil
}

type rtcPeer struct {
	cfg    RTCPeerConfig
	peer   *rtc.Peer
	stream string
}

var _ Peer = (*rtcPeer)(nil)

func (p *rtcPeer) OpenMicrophone(ctx context.Context, deviceID string) (LocalTrack, error) {
	pcm, err := p.cfg.Devices.OpenAudio(ctx, device.Constraints{
		DeviceID:   deviceID,
		SampleRate: device.SampleRate,
		Channels:   device.Channels,
	})
	if err != nil {
		return nil, err
	}
	c, err := rtc.NewAudioCapture(pcm, p.stream)
	if err != nil {
		return nil, err
	}
	return p.send(c)
}

func (p *rtcPeer) OpenCamera(ctx context.Context, deviceID string) (LocalTrack, error) {
	prof := p.cfg.Profile
	frames, err := p.cfg.Devices.OpenVideo(ctx, device.Constraints{
		DeviceID:  deviceID,
		Width:     prof.Width,
		Height:    prof.Height,
		FrameRate: prof.FrameRate,
	})
	if err != nil {
		return nil, err
	}
	c, err := rtc.NewVideoCapture(frames, media.TrackVideo, p.stream, prof, p.cfg.Encoder)
	if err != nil {
		return nil, err
	}
	return p.send(c)
}

func (p *rtcPeer) send(c *rtc.Capture) (LocalTrack, error) {
	if _, err := p.peer.Publish(c.Sample); err != nil {
		c.Close()
		return nil, err
	}
	return &captureTrack{c: c}, nil
}

func (p *rtcPeer) OpenScreen(ctx context.Context) (media.FrameSource, error) {
	prof := p.cfg.Profile
	return p.cfg.Devices.OpenScreen(ctx, device.Constraints{
		Width:     prof.Width,
		Height:    prof.Height,
		FrameRate: prof.FrameRate,
	})
}

func (p *rtcPeer) CreateOffer(ctx context.Context) (string, error) { return p.peer.CreateOffer(ctx) }

func (p *rtcPeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	return p.peer.AcceptOffer(ctx, sdp)
}

func (p *rtcPeer) AcceptAnswer(sdp string) error { return p.peer.AcceptAnswer(sdp) }

func (p *rtcPeer) AddCandidate(c signal.Candidate) error {
	return p.peer.AddCandidate(rtc.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *rtcPeer) OnCandidate(fn func(signal.Candidate)) {
	p.peer.OnLocalCandidate(func(c rtc.Candidate) {
		fn(signal.Candidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		})
	})
}

func (p *rtcPeer) OnTrack(fn func(RemoteTrack)) {
	p.peer.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		fn(&playerTrack{raw: t, player: rtc.NewRemotePlayer(t)})
	})
}

func (p *rtcPeer) OnState(fn func(PeerState)) {
	p.peer.OnStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(PeerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(PeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(PeerClosed)
		}
	})
}

func (p *rtcPeer) Stats() *media.Metrics { return p.peer.Metrics() }
func (p *rtcPeer) Close() error          { return p.peer.Close() }

// captureTrack adapts an [rtc.Capture] to [LocalTrack].
type captureTrack struct {
	c *rtc.Capture
}

func (t *captureTrack) ID() string              { return t.c.ID() }
func (t *captureTrack) StreamID() string        { return t.c.Sample.StreamID() }
func (t *captureTrack) Type() media.TrackType   { return t.c.Type }
func (t *captureTrack) Label() string           { return t.c.Label }
func (t *captureTrack) SetEnabled(v bool)       { t.c.SetEnabled(v) }
func (t *captureTrack) Enabled() bool           { return t.c.Enabled() }
func (t *captureTrack) SetTap(fn func([]int16)) { t.c.SetTap(fn) }
func (t *captureTrack) OnEnded(fn func())       { t.c.OnEnded(fn) }
func (t *captureTrack) Close()                  { t.c.Close() }

func (t *captureTrack) Camera() media.FrameSource {
	if sw := t.c.Switch(); sw != nil {
		return sw.Primary()
	}
	return nil
}

func (t *captureTrack) Route(src media.FrameSource) {
	if sw := t.c.Switch(); sw != nil {
		sw.Set(src)
	}
}

// playerTrack is a received track drained by an [rtc.RemotePlayer].
type playerTrack struct {
	raw    *webrtc.TrackRemote
	player *rtc.RemotePlayer

	mu  sync.Mutex
	dec *rtc.OpusDecoder
}

func (t *playerTrack) ID() string            { return t.raw.ID() }
func (t *playerTrack) StreamID() string      { return t.raw.StreamID() }
func (t *playerTrack) Type() media.TrackType { return t.player.Type() }
func (t *playerTrack) Done() <-chan struct{} { return t.player.Done() }

// Stop drops the tap. Reading ends when the peer connection closes.
func (t *playerTrack) Stop() {
	t.player.SetPayloadTap(nil)
	t.player.Stop()
}

// SetPCMTap decodes the track's Opus payloads and hands the PCM to fn. A
// nil fn removes the tap.
func (t *playerTrack) SetPCMTap(fn func([]int16)) error {
	if t.Type() != media.TrackAudio {
		return fmt.Errorf("p2p: pcm tap on %s track: %w", t.Type(), media.ErrUnsupported)
	}
	if fn == nil {
		t.player.SetPayloadTap(nil)
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dec == nil {
		dec, err := rtc.NewOpusDecoder()
		if err != nil {
			return err
		}
		t.dec = dec
	}
	dec := t.dec
	t.player.SetPayloadTap(func(pkt []byte) {
		pcm, err := dec.Decode(pkt)
		if err != nil {
			return
		}
		fn(pcm)
	})
	return nil
}
