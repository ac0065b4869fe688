package blur

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrNotPiped is returned by [Extension.Enable] before a track was piped.
var ErrNotPiped = errors.New("blur: no track piped")

// Switch is a replaceable frame source feeding a publisher, such as
// rtc.SourceSwitch.
type Switch interface {
	Primary() media.FrameSource
	Set(src media.FrameSource)
}

// Extension is a [media.BlurExtension] for clients that publish through a
// [Switch]. Enabling runs a [Compositor] on the switch's primary source and
// routes its output to the publisher; disabling routes the camera back.
type Extension struct {
	resolve func(*media.Track) (Switch, error)
	newSeg  SegmenterFactory

	mu      sync.Mutex
	sw      Switch
	comp    *Compositor
	enabled bool
}

var _ media.BlurExtension = (*Extension)(nil)

// NewExtension returns an extension that finds a track's switch with
// resolve. A nil newSeg selects [NewAdaptiveSegmenter].
func NewExtension(resolve func(*media.Track) (Switch, error), newSeg SegmenterFactory) *Extension {
	if newSeg == nil {
		newSeg = NewAdaptiveSegmenter
	}
	return &Extension{resolve: resolve, newSeg: newSeg}
}

// Pipe implements [media.BlurExtension].
func (e *Extension) Pipe(_ context.Context, track *media.Track) error {
	sw, err := e.resolve(track)
	if err != nil {
		return fmt.Errorf("blur: pipe %s: %w", track.ID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sw == sw {
		return nil
	}
	e.stopLocked()
	e.sw = sw
	return nil
}

// Unpipe implements [media.BlurExtension].
func (e *Extension) Unpipe(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.sw = nil
	return nil
}

// Enable implements [media.BlurExtension].
func (e *Extension) Enable(ctx context.Context, strength int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sw == nil {
		return ErrNotPiped
	}
	if e.enabled {
		return nil
	}
	seg, err := e.newSeg()
	if err != nil {
		return fmt.Errorf("blur: load segmenter: %w", err)
	}
	comp := NewCompositor(e.sw.Primary(), seg, WithStrength(strength))
	out, err := comp.Capture()
	if err != nil {
		_ = seg.Close()
		return err
	}
	comp.Start(context.WithoutCancel(ctx))
	e.sw.Set(out)
	e.comp = comp
	e.enabled = true
	return nil
}

// Disable implements [media.BlurExtension].
func (e *Extension) Disable(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	return nil
}

// Enabled implements [media.BlurExtension].
func (e *Extension) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *Extension) stopLocked() {
	if !e.enabled {
		return
	}
	e.sw.Set(nil)
	if err := e.comp.Stop(); err != nil {
		slog.Warn("blur: close segmenter", "err", err)
	}
	e.comp = nil
	e.enabled = false
}
