//go:build linux

package device

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/MrWong99/circlecall/pkg/media"
)

// System captures from real devices through pion/mediadevices (V4L2 camera,
// malgo microphone, X11 screen).
type System struct{}

var _ Source = System{}

// Enumerate implements [Source].
func (System) Enumerate(context.Context) ([]Info, error) {
	var out []Info
	seen := map[Kind]bool{}
	for _, d := range mediadevices.EnumerateDevices() {
		var k Kind
		switch d.Kind {
		case mediadevices.VideoInput:
			k = KindVideoInput
		case mediadevices.AudioInput:
			k = KindAudioInput
		default:
			continue
		}
		out = append(out, Info{ID: d.DeviceID, Kind: k, Label: d.Label, Default: !seen[k]})
		seen[k] = true
	}
	return out, nil
}

// OpenVideo implements [Source].
func (System) OpenVideo(_ context.Context, c Constraints) (media.FrameSource, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes with broken frames.
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: open camera: %w: %v", media.ErrDevice, err)
	}
	return newVideoTrackSource(stream.GetVideoTracks())
}

// OpenScreen implements [Source].
func (System) OpenScreen(_ context.Context, c Constraints) (media.FrameSource, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: open screen: %w: %v", media.ErrDevice, err)
	}
	return newVideoTrackSource(stream.GetVideoTracks())
}

// OpenAudio implements [Source].
func (System) OpenAudio(_ context.Context, c Constraints) (PCMSource, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
			mc.SampleRate = prop.Int(SampleRate)
			mc.ChannelCount = prop.Int(Channels)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: open microphone: %w: %v", media.ErrDevice, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("device: open microphone: %w", ErrNoDevice)
	}
	at, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		tracks[0].Close()
		return nil, fmt.Errorf("device: unexpected audio track type %T", tracks[0])
	}
	return &pcmTrack{track: at, r: at.NewReader(false)}, nil
}

type videoTrackSource struct {
	track *mediadevices.VideoTrack

	readMu sync.Mutex
	r      video.Reader

	mu      sync.Mutex
	onEnded []func()
}

func newVideoTrackSource(tracks []mediadevices.Track) (*videoTrackSource, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("device: %w", ErrNoDevice)
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		tracks[0].Close()
		return nil, fmt.Errorf("device: unexpected video track type %T", tracks[0])
	}
	s := &videoTrackSource{track: vt, r: vt.NewReader(false)}
	vt.OnEnded(func(err error) {
		if err != nil {
			slog.Info("device: capture ended", "track", vt.ID(), "err", err)
		}
		s.mu.Lock()
		fns := s.onEnded
		s.onEnded = nil
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
	return s, nil
}

func (s *videoTrackSource) ID() string { return s.track.ID() }

func (s *videoTrackSource) Read() (image.Image, func(), error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	img, release, err := s.r.Read()
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", ErrEnded, err)
	}
	return img, release, nil
}

func (s *videoTrackSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

func (s *videoTrackSource) Close() error { return s.track.Close() }

// pcmTrack re-chunks microphone audio into fixed 20 ms frames.
type pcmTrack struct {
	track *mediadevices.AudioTrack
	r     audio.Reader
	buf   []int16
}

func (p *pcmTrack) ID() string { return p.track.ID() }

func (p *pcmTrack) ReadPCM() ([]int16, error) {
	want := FrameSamples * Channels
	for len(p.buf) < want {
		chunk, release, err := p.r.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEnded, err)
		}
		p.buf = appendSamples(p.buf, chunk)
		release()
	}
	out := make([]int16, want)
	copy(out, p.buf)
	p.buf = p.buf[want:]
	return out, nil
}

func (p *pcmTrack) Close() error { return p.track.Close() }

func appendSamples(dst []int16, chunk wave.Audio) []int16 {
	if c, ok := chunk.(*wave.Int16Interleaved); ok {
		return append(dst, c.Data...)
	}
	info := chunk.ChunkInfo()
	for i := range info.Len {
		// Mix down to mono.
		var sum int64
		for ch := range info.Channels {
			sum += chunk.At(i, ch).Int()
		}
		v := sum / int64(max(info.Channels, 1)) >> 16
		dst = append(dst, int16(v))
	}
	return dst
}
