// Package mock provides in-memory mock implementations of the [media.Provider],
// [media.BlurExtension] and [media.FrameSource] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	p := &mock.Provider{JoinResult: "user-1"}
//	p.Tracks = media.LocalTracks{Audio: media.NewStreamTrack("a", media.TrackAudio, nil)}
//	id, err := p.Join(ctx, media.JoinConfig{RoomID: "room-1"})
//	p.Emit(media.Event{Type: media.EventConnected})
package mock

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of [media.Provider].
// Set the exported Result fields before use; inspect the Call* fields after.
type Provider struct {
	mu sync.Mutex
	em media.Emitter

	// KindResult is returned by [Provider.Kind]. Defaults to mesh-sfu.
	KindResult media.Kind

	// JoinResult and JoinError are returned by [Provider.Join].
	JoinResult string
	JoinError  error

	// JoinGate, when non-nil, blocks Join until it is closed or the
	// context ends.
	JoinGate chan struct{}

	// LeaveError is returned by [Provider.Leave].
	LeaveError error

	// LeaveGate, when non-nil, blocks Leave until it is closed.
	LeaveGate chan struct{}

	ToggleError      error
	ScreenShareError error

	// Tracks is returned by [Provider.LocalTracks]. Toggle calls update the
	// enabled flag of the matching track.
	Tracks media.LocalTracks

	MetricsResult    *media.Metrics
	TranscriptResult []media.TranscriptEntry
	StateResult      media.AdapterState

	JoinCalls           []media.JoinConfig
	LeaveCalls          int
	ToggleAudioCalls    []bool
	ToggleVideoCalls    []bool
	ScreenShareStarts   int
	ScreenShareStops    int
	TranscriptionLangs  []string
	SwitchDeviceCalls   []string
	SubscribeCallCount  int
	UnsubscribeCallback int
}

var _ media.Provider = (*Provider)(nil)
var _ media.DeviceSwitcher = (*Provider)(nil)

// Kind implements [media.Provider].
func (p *Provider) Kind() media.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.KindResult == "" {
		return media.KindMeshSFU
	}
	return p.KindResult
}

// Join implements [media.Provider].
func (p *Provider) Join(ctx context.Context, cfg media.JoinConfig) (string, error) {
	p.mu.Lock()
	p.JoinCalls = append(p.JoinCalls, cfg)
	gate := p.JoinGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.JoinResult, p.JoinError
}

// Leave implements [media.Provider]. Stops every local track.
func (p *Provider) Leave(ctx context.Context) error {
	p.mu.Lock()
	p.LeaveCalls++
	gate := p.LeaveGate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	tracks := p.Tracks
	err := p.LeaveError
	p.mu.Unlock()
	for _, t := range []*media.Track{tracks.Audio, tracks.Video, tracks.Screen} {
		if t != nil {
			t.Stop()
		}
	}
	return err
}

// ToggleAudio implements [media.Provider].
func (p *Provider) ToggleAudio(_ context.Context, enabled bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ToggleAudioCalls = append(p.ToggleAudioCalls, enabled)
	if p.ToggleError != nil {
		return !enabled, p.ToggleError
	}
	if p.Tracks.Audio != nil {
		p.Tracks.Audio.SetEnabled(enabled)
	}
	return enabled, nil
}

// ToggleVideo implements [media.Provider].
func (p *Provider) ToggleVideo(_ context.Context, enabled bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ToggleVideoCalls = append(p.ToggleVideoCalls, enabled)
	if p.ToggleError != nil {
		return !enabled, p.ToggleError
	}
	if p.Tracks.Video != nil {
		p.Tracks.Video.SetEnabled(enabled)
	}
	return enabled, nil
}

// StartScreenShare implements [media.Provider].
func (p *Provider) StartScreenShare(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScreenShareStarts++
	return p.ScreenShareError
}

// StopScreenShare implements [media.Provider].
func (p *Provider) StopScreenShare(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScreenShareStops++
	return nil
}

// EnableTranscription implements [media.Provider].
func (p *Provider) EnableTranscription(lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscriptionLangs = append(p.TranscriptionLangs, lang)
}

// LocalTracks implements [media.Provider].
func (p *Provider) LocalTracks() media.LocalTracks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Tracks
}

// CallMetrics implements [media.Provider].
func (p *Provider) CallMetrics() *media.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MetricsResult
}

// Transcript implements [media.Provider].
func (p *Provider) Transcript() []media.TranscriptEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TranscriptResult
}

// State implements [media.Provider].
func (p *Provider) State() media.AdapterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StateResult
}

// Subscribe implements [media.Provider].
func (p *Provider) Subscribe(fn func(media.Event)) func() {
	p.mu.Lock()
	p.SubscribeCallCount++
	p.mu.Unlock()
	off := p.em.Subscribe(fn)
	return func() {
		p.mu.Lock()
		p.UnsubscribeCallback++
		p.mu.Unlock()
		off()
	}
}

// SwitchDevice implements [media.DeviceSwitcher].
func (p *Provider) SwitchDevice(_ context.Context, typ media.TrackType, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SwitchDeviceCalls = append(p.SwitchDeviceCalls, string(typ)+":"+deviceID)
	return nil
}

// Emit delivers ev to every subscriber. Use it to simulate adapter events.
func (p *Provider) Emit(ev media.Event) { p.em.Emit(ev) }

// ─── BlurExtension ────────────────────────────────────────────────────────────

// BlurExtension is a mock implementation of [media.BlurExtension].
type BlurExtension struct {
	mu      sync.Mutex
	enabled bool

	PipeError   error
	EnableError error

	PipeCalls    []*media.Track
	UnpipeCalls  int
	EnableCalls  []int
	DisableCalls int
}

var _ media.BlurExtension = (*BlurExtension)(nil)

// Pipe implements [media.BlurExtension].
func (b *BlurExtension) Pipe(_ context.Context, t *media.Track) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PipeCalls = append(b.PipeCalls, t)
	return b.PipeError
}

// Unpipe implements [media.BlurExtension].
func (b *BlurExtension) Unpipe(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.UnpipeCalls++
	b.enabled = false
	return nil
}

// Enable implements [media.BlurExtension].
func (b *BlurExtension) Enable(_ context.Context, strength int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.EnableCalls = append(b.EnableCalls, strength)
	if b.EnableError != nil {
		return b.EnableError
	}
	b.enabled = true
	return nil
}

// Disable implements [media.BlurExtension].
func (b *BlurExtension) Disable(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DisableCalls++
	b.enabled = false
	return nil
}

// Enabled implements [media.BlurExtension].
func (b *BlurExtension) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// ─── Blur-capable providers ───────────────────────────────────────────────────

// NativeProvider is a [Provider] whose backend blurs natively.
type NativeProvider struct {
	Provider

	bmu sync.Mutex

	// Extension is returned by [NativeProvider.BlurExtension].
	Extension      *BlurExtension
	ExtensionError error
	ExtensionCalls int
}

var _ media.NativeBlurrer = (*NativeProvider)(nil)

// BlurExtension implements [media.NativeBlurrer].
func (p *NativeProvider) BlurExtension(context.Context) (media.BlurExtension, error) {
	p.bmu.Lock()
	defer p.bmu.Unlock()
	p.ExtensionCalls++
	if p.ExtensionError != nil {
		return nil, p.ExtensionError
	}
	return p.Extension, nil
}

// TargetProvider is a [Provider] that exposes its camera for compositing.
type TargetProvider struct {
	Provider

	bmu sync.Mutex

	Camera       media.FrameSource
	CameraError  error
	ReplaceError error

	// Replacements records every ReplaceVideoSource argument in order.
	Replacements []media.FrameSource
}

var _ media.BlurTarget = (*TargetProvider)(nil)

// CameraSource implements [media.BlurTarget].
func (p *TargetProvider) CameraSource() (media.FrameSource, error) {
	p.bmu.Lock()
	defer p.bmu.Unlock()
	if p.CameraError != nil {
		return nil, p.CameraError
	}
	return p.Camera, nil
}

// ReplaceVideoSource implements [media.BlurTarget].
func (p *TargetProvider) ReplaceVideoSource(src media.FrameSource) error {
	p.bmu.Lock()
	defer p.bmu.Unlock()
	p.Replacements = append(p.Replacements, src)
	return p.ReplaceError
}

// Published returns the source most recently passed to ReplaceVideoSource.
func (p *TargetProvider) Published() (media.FrameSource, int) {
	p.bmu.Lock()
	defer p.bmu.Unlock()
	if len(p.Replacements) == 0 {
		return nil, 0
	}
	return p.Replacements[len(p.Replacements)-1], len(p.Replacements)
}

// ─── FrameSource ──────────────────────────────────────────────────────────────

// FrameSource is a mock [media.FrameSource] producing solid frames of a fixed
// size, or copies of Image when it is set. Reads block for Delay.
type FrameSource struct {
	mu sync.Mutex

	SourceID string
	Width    int
	Height   int
	Fill     color.Color
	Image    image.Image
	Delay    time.Duration

	// ReadError, when set, is returned by every Read.
	ReadError error

	ReadCount  int
	CloseCount int
}

var _ media.FrameSource = (*FrameSource)(nil)

// ID implements [media.FrameSource].
func (f *FrameSource) ID() string { return f.SourceID }

// Read implements [media.FrameSource].
func (f *FrameSource) Read() (image.Image, func(), error) {
	f.mu.Lock()
	delay := f.Delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadCount++
	if f.ReadError != nil {
		return nil, func() {}, f.ReadError
	}
	if f.Image != nil {
		img := image.NewRGBA(f.Image.Bounds())
		draw.Draw(img, img.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)
		return img, func() {}, nil
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	fill := f.Fill
	if fill == nil {
		fill = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	}
	for y := range f.Height {
		for x := range f.Width {
			img.Set(x, y, fill)
		}
	}
	return img, func() {}, nil
}

// Close implements [media.FrameSource].
func (f *FrameSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCount++
	return nil
}

// Reads returns the number of Read calls so far.
func (f *FrameSource) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReadCount
}

// Closes returns the number of Close calls so far.
func (f *FrameSource) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CloseCount
}

// JoinCount returns the number of Join calls so far.
func (p *Provider) JoinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.JoinCalls)
}

// LeaveCount returns the number of Leave calls so far.
func (p *Provider) LeaveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LeaveCalls
}
