// Package blur runs the background-blur pipeline for the local camera.
//
// A [Manager] picks a strategy from the active provider: backends that
// implement [media.NativeBlurrer] blur the track themselves, everything else
// that implements [media.BlurTarget] gets a [Compositor] whose output
// replaces the published camera. Blur failures never affect the call; the
// manager logs them and falls back to disabled.
package blur

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/MrWong99/circlecall/internal/observe"
	"github.com/MrWong99/circlecall/pkg/media"
)

// State is the blur pipeline state.
type State string

const (
	StateDisabled State = "disabled"
	StateEnabling State = "enabling"
	StateEnabled  State = "enabled"
)

// Strategy names how blur is applied.
type Strategy string

const (
	StrategyNone      Strategy = ""
	StrategyNative    Strategy = "native"
	StrategyComposite Strategy = "composite"
)

// Option configures a [Manager].
type Option func(*Manager)

// WithSegmenterFactory sets how compositing pipelines get their segmenter.
// Defaults to [NewAdaptiveSegmenter].
func WithSegmenterFactory(f SegmenterFactory) Option {
	return func(m *Manager) { m.newSegmenter = f }
}

// WithBlurStrength sets the strength (1..100) for both strategies.
func WithBlurStrength(s int) Option {
	return func(m *Manager) { m.strength = clampStrength(s) }
}

// WithCaptureSupport controls whether composited output is published or
// only shown in the local preview.
func WithCaptureSupport(ok bool) Option {
	return func(m *Manager) { m.capture = ok }
}

// WithManagerMetrics sets the metrics sink for compositing pipelines.
func WithManagerMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithStateHook registers fn to run after every state change.
func WithStateHook(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager owns at most one blur pipeline. It is scoped to one session
// manager; [Manager.Close] releases everything at session end.
type Manager struct {
	newSegmenter SegmenterFactory
	strength     int
	capture      bool
	metrics      *observe.Metrics
	onState      func(State)

	// op serialises Enable, Disable and Close.
	op sync.Mutex

	mu       sync.Mutex
	state    State
	strategy Strategy

	// native
	ext   media.BlurExtension
	piped *media.Track

	// composite
	comp   *Compositor
	target media.BlurTarget
	camera media.FrameSource
}

// NewManager returns a disabled manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		newSegmenter: NewAdaptiveSegmenter,
		strength:     DefaultStrength,
		capture:      true,
		state:        StateDisabled,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Strategy returns the strategy of the current or last pipeline.
func (m *Manager) Strategy() Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	fn := m.onState
	m.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// Enable turns blur on for p's local video track. Enabling while enabled
// re-activates the existing pipeline. Errors wrap [media.ErrPipeline] and
// leave the manager disabled.
func (m *Manager) Enable(ctx context.Context, p media.Provider) error {
	m.op.Lock()
	defer m.op.Unlock()

	video := p.LocalTracks().Video
	if video == nil || video.Stopped() {
		return fmt.Errorf("blur: %w: no local video track", media.ErrPipeline)
	}

	prev := m.State()
	m.setState(StateEnabling)

	var err error
	if nb, ok := p.(media.NativeBlurrer); ok {
		err = m.enableNative(ctx, nb, video)
	} else if bt, ok := p.(media.BlurTarget); ok {
		if prev == StateEnabled && m.comp != nil && m.target == bt {
			m.setState(StateEnabled)
			return nil
		}
		err = m.enableComposite(ctx, bt)
	} else {
		err = fmt.Errorf("blur: %w: %w", media.ErrPipeline, media.ErrUnsupported)
	}
	if err != nil {
		slog.Warn("blur: enable failed", "transport", p.Kind(), "err", err)
		m.setState(StateDisabled)
		return err
	}
	m.setState(StateEnabled)
	return nil
}

func (m *Manager) enableNative(ctx context.Context, nb media.NativeBlurrer, video *media.Track) error {
	if m.ext == nil {
		ext, err := nb.BlurExtension(ctx)
		if err != nil {
			return fmt.Errorf("blur: %w: load extension: %w", media.ErrPipeline, err)
		}
		m.ext = ext
	}
	if m.piped != video {
		if m.piped != nil {
			if err := m.ext.Unpipe(ctx); err != nil {
				slog.Debug("blur: unpipe stale track", "track", m.piped.ID, "err", err)
			}
			m.piped = nil
		}
		if err := m.ext.Pipe(ctx, video); err != nil {
			return fmt.Errorf("blur: %w: pipe: %w", media.ErrPipeline, err)
		}
		m.piped = video
	}
	if err := m.ext.Enable(ctx, m.strength); err != nil {
		return fmt.Errorf("blur: %w: enable: %w", media.ErrPipeline, err)
	}
	m.mu.Lock()
	m.strategy = StrategyNative
	m.mu.Unlock()
	return nil
}

func (m *Manager) enableComposite(ctx context.Context, bt media.BlurTarget) error {
	if m.comp != nil {
		m.teardownComposite()
	}
	cam, err := bt.CameraSource()
	if err != nil {
		return fmt.Errorf("blur: %w: camera: %w", media.ErrPipeline, err)
	}
	seg, err := m.newSegmenter()
	if err != nil {
		return fmt.Errorf("blur: %w: segmenter: %w", media.ErrPipeline, err)
	}

	opts := []CompositorOption{WithStrength(m.strength)}
	if !m.capture {
		opts = append(opts, WithoutCapture())
	}
	if m.metrics != nil {
		opts = append(opts, WithMetrics(m.metrics))
	}
	comp := NewCompositor(cam, seg, opts...)
	// The pipeline outlives the Enable call.
	comp.Start(context.WithoutCancel(ctx))

	out, err := comp.Capture()
	switch {
	case err == nil:
		if err := bt.ReplaceVideoSource(out); err != nil {
			_ = comp.Stop()
			return fmt.Errorf("blur: %w: publish: %w", media.ErrPipeline, err)
		}
	default:
		slog.Info("blur: capture unavailable, blurring local preview only", "err", err)
	}

	m.comp, m.target, m.camera = comp, bt, cam
	m.mu.Lock()
	m.strategy = StrategyComposite
	m.mu.Unlock()
	return nil
}

// Disable turns blur off. Native pipelines stay piped so a later Enable is
// cheap; compositing pipelines are torn down and the camera is restored.
func (m *Manager) Disable(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	var err error
	if m.ext != nil && m.ext.Enabled() {
		if derr := m.ext.Disable(ctx); derr != nil {
			err = fmt.Errorf("blur: %w: disable: %w", media.ErrPipeline, derr)
		}
	}
	if m.comp != nil {
		m.teardownComposite()
	}
	m.setState(StateDisabled)
	return err
}

// teardownComposite stops the render loop, releases the segmenter and
// derived capture, then hands the camera back to the publisher.
func (m *Manager) teardownComposite() {
	if err := m.comp.Stop(); err != nil {
		slog.Debug("blur: close segmenter", "err", err)
	}
	if err := m.target.ReplaceVideoSource(nil); err != nil {
		slog.Warn("blur: restore camera", "err", err)
	}
	m.comp, m.target = nil, nil
}

// Toggle flips blur and returns the resulting state.
func (m *Manager) Toggle(ctx context.Context, p media.Provider) (State, error) {
	if m.State() == StateEnabled {
		return StateDisabled, m.Disable(ctx)
	}
	if err := m.Enable(ctx, p); err != nil {
		return StateDisabled, err
	}
	return StateEnabled, nil
}

// Preview returns the latest composited frame for self-view, or nil when no
// compositing pipeline runs.
func (m *Manager) Preview() image.Image {
	m.op.Lock()
	comp := m.comp
	m.op.Unlock()
	if comp == nil {
		return nil
	}
	if f := comp.Frame(); f != nil {
		return f
	}
	return nil
}

// Camera returns the camera source last used for compositing.
func (m *Manager) Camera() media.FrameSource {
	m.op.Lock()
	defer m.op.Unlock()
	return m.camera
}

// Close tears everything down at session end, including unpiping native
// processors.
func (m *Manager) Close(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	var err error
	if m.comp != nil {
		m.teardownComposite()
	}
	if m.ext != nil {
		if m.piped != nil {
			if uerr := m.ext.Unpipe(ctx); uerr != nil {
				err = fmt.Errorf("blur: unpipe: %w", uerr)
			}
		}
		m.ext, m.piped = nil, nil
	}
	m.camera = nil
	m.setState(StateDisabled)
	m.mu.Lock()
	m.strategy = StrategyNone
	m.mu.Unlock()
	return err
}
