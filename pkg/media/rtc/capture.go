package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
)

// Capture is a running local capture encoding into a sample track that can
// be published on any number of peers over its lifetime.
type Capture struct {
	Sample *webrtc.TrackLocalStaticSample
	Type   media.TrackType
	Label  string

	audio *AudioPump
	video *VideoPump

	mu     sync.Mutex
	onEnd  []func()
	ended  bool
	closed bool
}

// NewAudioCapture starts encoding src as Opus.
func NewAudioCapture(src device.PCMSource, streamID string) (*Capture, error) {
	sample, err := NewLocalSample(webrtc.RTPCodecTypeAudio, streamID)
	if err != nil {
		return nil, err
	}
	pump, err := NewAudioPump(src, sample)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	c := &Capture{Sample: sample, Type: media.TrackAudio, Label: src.ID(), audio: pump}
	pump.Start()
	return c, nil
}

// NewVideoCapture starts encoding src as VP8. typ is [media.TrackVideo] or
// [media.TrackScreen]. Sources implementing [device.EndNotifier] end the
// capture when they end.
func NewVideoCapture(src media.FrameSource, typ media.TrackType, streamID string, p device.Profile, enc EncoderFactory) (*Capture, error) {
	sample, err := NewLocalSample(webrtc.RTPCodecTypeVideo, streamID)
	if err != nil {
		return nil, err
	}
	pump, err := NewVideoPump(NewSourceSwitch(src), sample, p, enc)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	c := &Capture{Sample: sample, Type: typ, Label: src.ID(), video: pump}
	if n, ok := src.(device.EndNotifier); ok {
		n.OnEnded(c.markEnded)
	}
	pump.Start()
	return c, nil
}

// ID returns the sample track id.
func (c *Capture) ID() string { return c.Sample.ID() }

// SetEnabled mutes or unmutes the capture without releasing the device.
func (c *Capture) SetEnabled(v bool) {
	if c.audio != nil {
		c.audio.SetEnabled(v)
		return
	}
	c.video.SetEnabled(v)
}

// Enabled reports whether media is being sent.
func (c *Capture) Enabled() bool {
	if c.audio != nil {
		return c.audio.Enabled()
	}
	return c.video.Enabled()
}

// Switch returns the frame switch of a video capture, or nil for audio.
func (c *Capture) Switch() *SourceSwitch {
	if c.video == nil {
		return nil
	}
	return c.video.Source()
}

// SetTap forwards captured PCM to fn. It is a no-op on video captures.
func (c *Capture) SetTap(fn func([]int16)) {
	if c.audio != nil {
		c.audio.SetTap(fn)
	}
}

// OnEnded registers fn to run once when the source ends on its own.
func (c *Capture) OnEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = append(c.onEnd, fn)
}

func (c *Capture) markEnded() {
	c.mu.Lock()
	if c.ended || c.closed {
		c.mu.Unlock()
		return
	}
	c.ended = true
	fns := c.onEnd
	c.mu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

// Close stops the pump and releases the device. Only the first call has an
// effect.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if c.audio != nil {
		c.audio.Stop()
		return
	}
	c.video.Stop()
}

// Preview is the self-view [media.Player] of a local capture. Playing
// records the surface; frames are rendered by whoever owns the surface.
type Preview struct {
	mu      sync.Mutex
	surface media.Surface
}

// Play implements [media.Player].
func (p *Preview) Play(s media.Surface) error {
	if s == nil {
		return fmt.Errorf("rtc: play into nil surface")
	}
	p.mu.Lock()
	p.surface = s
	p.mu.Unlock()
	return nil
}

// Stop implements [media.Player].
func (p *Preview) Stop() {
	p.mu.Lock()
	p.surface = nil
	p.mu.Unlock()
}

// Surface returns the surface currently played into, or nil.
func (p *Preview) Surface() media.Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surface
}
