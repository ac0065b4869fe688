package device

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

// Synthetic is a [Source] producing test-pattern video and a sine tone.
// It backs headless participants and tests.
type Synthetic struct {
	// Paced makes reads block for one frame interval, like a real device.
	Paced bool

	// DenyAudio and DenyVideo simulate a refused capture permission.
	DenyAudio bool
	DenyVideo bool

	mu      sync.Mutex
	devices []Info
	screens []*pattern
	opened  int
}

var _ Source = (*Synthetic)(nil)

// NewSynthetic returns a synthetic source with one camera and one microphone.
func NewSynthetic() *Synthetic {
	return &Synthetic{devices: []Info{
		{ID: "synthetic-cam", Kind: KindVideoInput, Label: "Test Pattern", Default: true},
		{ID: "synthetic-mic", Kind: KindAudioInput, Label: "Sine 440 Hz", Default: true},
	}}
}

// SetDevices replaces the device list returned by Enumerate.
func (s *Synthetic) SetDevices(list []Info) {
	s.mu.Lock()
	s.devices = list
	s.mu.Unlock()
}

// Enumerate implements [Source].
func (s *Synthetic) Enumerate(context.Context) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

// OpenAudio implements [Source].
func (s *Synthetic) OpenAudio(_ context.Context, c Constraints) (PCMSource, error) {
	if s.DenyAudio {
		return nil, fmt.Errorf("device: microphone permission denied: %w", media.ErrDevice)
	}
	return &tone{id: s.nextID("mic"), freq: 440, paced: s.Paced}, nil
}

// OpenVideo implements [Source].
func (s *Synthetic) OpenVideo(_ context.Context, c Constraints) (media.FrameSource, error) {
	if s.DenyVideo {
		return nil, fmt.Errorf("device: camera permission denied: %w", media.ErrDevice)
	}
	return newPattern(s.nextID("cam"), c, s.Paced, false), nil
}

// OpenScreen implements [Source].
func (s *Synthetic) OpenScreen(_ context.Context, c Constraints) (media.FrameSource, error) {
	if c.Width == 0 {
		c.Width, c.Height = 1280, 720
	}
	p := newPattern(s.nextID("screen"), c, s.Paced, true)
	s.mu.Lock()
	s.screens = append(s.screens, p)
	s.mu.Unlock()
	return p, nil
}

// EndScreens ends every open screen capture as if the user had stopped
// sharing through the operating system.
func (s *Synthetic) EndScreens() {
	s.mu.Lock()
	screens := s.screens
	s.screens = nil
	s.mu.Unlock()
	for _, p := range screens {
		p.end()
	}
}

func (s *Synthetic) nextID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return fmt.Sprintf("%s-%d", prefix, s.opened)
}

type pattern struct {
	id     string
	w, h   int
	period time.Duration
	paced  bool
	screen bool

	mu      sync.Mutex
	frame   int
	last    time.Time
	done    bool
	onEnded []func()
}

func newPattern(id string, c Constraints, paced, screen bool) *pattern {
	if c.Width == 0 || c.Height == 0 {
		c.Width, c.Height = DefaultProfile.Width, DefaultProfile.Height
	}
	if c.FrameRate == 0 {
		c.FrameRate = DefaultProfile.FrameRate
	}
	return &pattern{
		id:     id,
		w:      c.Width,
		h:      c.Height,
		period: time.Second / time.Duration(c.FrameRate),
		paced:  paced,
		screen: screen,
	}
}

func (p *pattern) ID() string { return p.id }

func (p *pattern) Read() (image.Image, func(), error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil, func() {}, ErrEnded
	}
	wait := time.Duration(0)
	if p.paced && !p.last.IsZero() {
		wait = p.period - time.Since(p.last)
	}
	p.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil, func() {}, ErrEnded
	}
	p.last = time.Now()
	p.frame++
	return p.render(), func() {}, nil
}

// render draws eight vertical colour bars scrolling one pixel per frame.
func (p *pattern) render() image.Image {
	bars := [...]color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {16, 16, 16, 255},
	}
	if p.screen {
		bars[0], bars[7] = bars[7], bars[0]
	}
	img := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	bw := max(p.w/len(bars), 1)
	for y := range p.h {
		for x := range p.w {
			c := bars[((x+p.frame)/bw)%len(bars)]
			i := img.PixOffset(x, y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
		}
	}
	return img
}

func (p *pattern) OnEnded(fn func()) {
	p.mu.Lock()
	p.onEnded = append(p.onEnded, fn)
	p.mu.Unlock()
}

func (p *pattern) end() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	fns := p.onEnded
	p.onEnded = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close stops the source without running OnEnded callbacks.
func (p *pattern) Close() error {
	p.mu.Lock()
	p.done = true
	p.onEnded = nil
	p.mu.Unlock()
	return nil
}

type tone struct {
	id    string
	freq  float64
	paced bool

	mu     sync.Mutex
	phase  float64
	last   time.Time
	closed bool
}

func (t *tone) ID() string { return t.id }

func (t *tone) ReadPCM() ([]int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrEnded
	}
	if t.paced && !t.last.IsZero() {
		if wait := FrameDuration*time.Millisecond - time.Since(t.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	t.last = time.Now()

	buf := make([]int16, FrameSamples*Channels)
	step := 2 * math.Pi * t.freq / SampleRate
	for i := range FrameSamples {
		v := int16(math.Sin(t.phase) * 0.2 * math.MaxInt16)
		for ch := range Channels {
			buf[i*Channels+ch] = v
		}
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return buf, nil
}

func (t *tone) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
