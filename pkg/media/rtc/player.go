package rtc

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
)

// PacketSink is implemented by surfaces that render RTP packets, e.g. a
// recorder or a decoder pipeline.
type PacketSink interface {
	WriteRTP(kind media.TrackType, pkt *rtp.Packet) error
}

// RemotePlayer is the [media.Player] of a received track. It reads the
// track for its whole lifetime so interceptors keep running, and forwards
// packets to the surface it plays into when that surface is a
// [PacketSink].
type RemotePlayer struct {
	track *webrtc.TrackRemote
	typ   media.TrackType

	mu      sync.Mutex
	surface media.Surface
	sink    PacketSink
	tap     func([]byte)

	done chan struct{}
}

// NewRemotePlayer starts reading t.
func NewRemotePlayer(t *webrtc.TrackRemote) *RemotePlayer {
	typ := media.TrackAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		typ = media.TrackVideo
	}
	p := &RemotePlayer{track: t, typ: typ, done: make(chan struct{})}
	go p.read()
	return p
}

// Track returns the underlying remote track.
func (p *RemotePlayer) Track() *webrtc.TrackRemote { return p.track }

// Type reports whether the track carries audio or video.
func (p *RemotePlayer) Type() media.TrackType { return p.typ }

// Play implements [media.Player].
func (p *RemotePlayer) Play(s media.Surface) error {
	if s == nil {
		return errors.New("rtc: play into nil surface")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = s
	p.sink, _ = s.(PacketSink)
	return nil
}

// Stop implements [media.Player]. Reading continues until the track ends.
func (p *RemotePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = nil
	p.sink = nil
}

// Surface returns the surface currently played into, or nil.
func (p *RemotePlayer) Surface() media.Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surface
}

// SetPayloadTap registers fn for the payload of every received packet,
// e.g. Opus frames for transcription. A nil fn removes it.
func (p *RemotePlayer) SetPayloadTap(fn func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = fn
}

// Done is closed once the remote track ends.
func (p *RemotePlayer) Done() <-chan struct{} { return p.done }

func (p *RemotePlayer) read() {
	defer close(p.done)
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("rtc: remote track read ended", "track", p.track.ID(), "err", err)
			}
			return
		}
		p.mu.Lock()
		sink, tap := p.sink, p.tap
		p.mu.Unlock()
		if sink != nil {
			if err := sink.WriteRTP(p.typ, pkt); err != nil {
				slog.Debug("rtc: surface rejected packet", "track", p.track.ID(), "err", err)
			}
		}
		if tap != nil && len(pkt.Payload) > 0 {
			tap(pkt.Payload)
		}
	}
}
