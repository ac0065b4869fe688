package rtc

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/circlecall/pkg/media/device"
)

// SampleWriter receives encoded samples. *webrtc.TrackLocalStaticSample
// implements it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// AudioPump encodes microphone PCM as Opus into a sample track.
type AudioPump struct {
	src device.PCMSource
	dst SampleWriter
	enc *opusEncoder

	enabled atomic.Bool
	tap     atomic.Pointer[func([]int16)]

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAudioPump returns a pump reading src and writing to dst. Call Start to
// begin pumping.
func NewAudioPump(src device.PCMSource, dst SampleWriter) (*AudioPump, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	p := &AudioPump{src: src, dst: dst, enc: enc, stop: make(chan struct{})}
	p.enabled.Store(true)
	return p, nil
}

// SetEnabled mutes (false) or unmutes (true) outgoing audio. Capture keeps
// running while muted.
func (p *AudioPump) SetEnabled(v bool) { p.enabled.Store(v) }

// Enabled reports whether audio is being sent.
func (p *AudioPump) Enabled() bool { return p.enabled.Load() }

// SetTap registers fn to receive every captured frame while enabled, e.g.
// for transcription. A nil fn removes the tap.
func (p *AudioPump) SetTap(fn func([]int16)) {
	if fn == nil {
		p.tap.Store(nil)
		return
	}
	p.tap.Store(&fn)
}

// Start begins pumping on a new goroutine.
func (p *AudioPump) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *AudioPump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		pcm, err := p.src.ReadPCM()
		if err != nil {
			if !errors.Is(err, device.ErrEnded) {
				slog.Warn("rtc: audio capture failed", "source", p.src.ID(), "err", err)
			}
			return
		}
		if !p.enabled.Load() {
			continue
		}
		if fn := p.tap.Load(); fn != nil {
			(*fn)(pcm)
		}
		pkt, err := p.enc.encode(pcm)
		if err != nil {
			slog.Warn("rtc: audio encode failed", "err", err)
			continue
		}
		if err := p.dst.WriteSample(media.Sample{Data: pkt, Duration: device.FrameDuration * time.Millisecond}); err != nil {
			slog.Debug("rtc: audio write failed", "err", err)
		}
	}
}

// Stop ends pumping and closes the capture source. Only the first call has
// an effect.
func (p *AudioPump) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if err := p.src.Close(); err != nil {
			slog.Debug("rtc: close audio source", "err", err)
		}
		p.wg.Wait()
	})
}

// VideoPump encodes frames from a [SourceSwitch] into a sample track.
type VideoPump struct {
	src     *SourceSwitch
	dst     SampleWriter
	enc     VideoEncoder
	profile device.Profile

	enabled atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewVideoPump returns a pump encoding src with an encoder built by newEnc.
func NewVideoPump(src *SourceSwitch, dst SampleWriter, p device.Profile, newEnc EncoderFactory) (*VideoPump, error) {
	enc, err := newEnc(src, p)
	if err != nil {
		return nil, err
	}
	vp := &VideoPump{src: src, dst: dst, enc: enc, profile: p, stop: make(chan struct{})}
	vp.enabled.Store(true)
	return vp, nil
}

// Source returns the switch frames are read from.
func (p *VideoPump) Source() *SourceSwitch { return p.src }

// SetEnabled pauses (false) or resumes (true) sending video.
func (p *VideoPump) SetEnabled(v bool) { p.enabled.Store(v) }

// Enabled reports whether video is being sent.
func (p *VideoPump) Enabled() bool { return p.enabled.Load() }

// Start begins pumping on a new goroutine.
func (p *VideoPump) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *VideoPump) run() {
	defer p.wg.Done()
	fps := p.profile.FrameRate
	if fps <= 0 {
		fps = 30
	}
	frame := time.Second / time.Duration(fps)
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		data, release, err := p.enc.Read()
		if err != nil {
			if !errors.Is(err, device.ErrEnded) {
				slog.Warn("rtc: video encode failed", "source", p.src.ID(), "err", err)
			}
			return
		}
		if p.enabled.Load() {
			if err := p.dst.WriteSample(media.Sample{Data: data, Duration: frame}); err != nil {
				slog.Debug("rtc: video write failed", "err", err)
			}
		}
		release()
	}
}

// Stop ends pumping, closes the encoder and the primary capture source.
func (p *VideoPump) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if err := p.src.Close(); err != nil {
			slog.Debug("rtc: close video source", "err", err)
		}
		if err := p.enc.Close(); err != nil {
			slog.Debug("rtc: close video encoder", "err", err)
		}
		p.wg.Wait()
	})
}
