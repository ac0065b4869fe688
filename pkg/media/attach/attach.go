// Package attach binds track handles to visual surfaces.
//
// Three media object models hide behind one entry point: mesh-sfu tracks
// render themselves through a [media.Player], alt-sfu tracks bind to a media
// element nested inside the surface, and peer-to-peer tracks are raw streams
// assigned directly as the surface's source with deferred playback.
//
// Local camera video is always mirrored; everything else never is.
package attach

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrKindMismatch is returned when a track is attached with an adapter kind
// other than the one that created it.
var ErrKindMismatch = errors.New("attach: track kind does not match adapter kind")

// ErrNoPayload is returned when a track carries no payload for its kind.
var ErrNoPayload = errors.New("attach: track has no payload")

// Surface is a container a track renders into.
type Surface interface {
	media.Surface

	SetMirrored(mirrored bool)
	Mirrored() bool

	// Media returns the surface's own media element. Raw streams are
	// assigned to it directly.
	Media() media.Element

	// Child returns the nested media element for typ, or nil.
	Child(typ media.TrackType) media.Element
	AddChild(typ media.TrackType) media.Element
	RemoveChild(typ media.TrackType)
}

const (
	defaultPlayDelay  = 50 * time.Millisecond
	defaultRetryDelay = 300 * time.Millisecond
)

// Option configures an [Attacher].
type Option func(*Attacher)

// WithPlayDelay sets how long raw-stream playback is deferred after the
// source is assigned.
func WithPlayDelay(d time.Duration) Option {
	return func(a *Attacher) { a.playDelay = d }
}

// WithRetryDelay sets how long to wait before the single playback retry for
// raw streams that are still paused.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Attacher) { a.retryDelay = d }
}

// Attacher attaches and detaches tracks. The zero value is not usable; use
// [New]. An Attacher is safe for concurrent use.
type Attacher struct {
	playDelay  time.Duration
	retryDelay time.Duration

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingPlay // surface ID → deferred play
	slots   map[slot]media.TrackType
}

// slot identifies a nested element bound to a track on a surface.
type slot struct {
	surface string
	track   string
}

// New returns an Attacher.
func New(opts ...Option) *Attacher {
	a := &Attacher{
		playDelay:  defaultPlayDelay,
		retryDelay: defaultRetryDelay,
		pending:    make(map[string]*pendingPlay),
		slots:      make(map[slot]media.TrackType),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Attach binds track to surface. kind is the active adapter kind and typ the
// element slot the caller renders into, e.g. a screen share shown in the
// video slot. Mirroring follows the track's own type, not typ.
func (a *Attacher) Attach(track *media.Track, s Surface, kind media.Kind, typ media.TrackType) error {
	if track == nil || s == nil {
		return fmt.Errorf("attach: nil track or surface")
	}
	if track.Kind != kind {
		return fmt.Errorf("%w: track %s is %s, adapter is %s", ErrKindMismatch, track.ID, track.Kind, kind)
	}
	if typ == "" {
		typ = track.Type
	}

	s.SetMirrored(track.Local && track.Type == media.TrackVideo)

	switch kind {
	case media.KindMeshSFU:
		if track.Player == nil {
			return fmt.Errorf("%w: %s", ErrNoPayload, track.ID)
		}
		if err := track.Player.Play(s); err != nil {
			return fmt.Errorf("attach: play %s: %w", track.ID, err)
		}
	case media.KindAltSFU:
		if track.Attachable == nil {
			return fmt.Errorf("%w: %s", ErrNoPayload, track.ID)
		}
		el := s.Child(typ)
		if el == nil {
			el = s.AddChild(typ)
		}
		if err := track.Attachable.Attach(el); err != nil {
			s.RemoveChild(typ)
			return fmt.Errorf("attach: bind %s: %w", track.ID, err)
		}
		a.mu.Lock()
		a.slots[slot{s.ID(), track.ID}] = typ
		a.mu.Unlock()
	case media.KindP2P:
		if track.Stream == nil {
			return fmt.Errorf("%w: %s", ErrNoPayload, track.ID)
		}
		el := s.Media()
		el.SetSource(track.Stream)
		a.schedulePlay(s.ID(), el, track.Stream)
	default:
		return fmt.Errorf("attach: unknown adapter kind %q", kind)
	}
	return nil
}

// Detach unbinds track from surface, leaving no media source behind.
func (a *Attacher) Detach(track *media.Track, s Surface, kind media.Kind) error {
	if track == nil || s == nil {
		return nil
	}
	if track.Kind != kind {
		return fmt.Errorf("%w: track %s is %s, adapter is %s", ErrKindMismatch, track.ID, track.Kind, kind)
	}

	switch kind {
	case media.KindMeshSFU:
		if track.Player != nil {
			track.Player.Stop()
		}
	case media.KindAltSFU:
		key := slot{s.ID(), track.ID}
		a.mu.Lock()
		typ, ok := a.slots[key]
		delete(a.slots, key)
		a.mu.Unlock()
		if !ok {
			typ = track.Type
		}
		if el := s.Child(typ); el != nil {
			if track.Attachable != nil {
				track.Attachable.Detach(el)
			}
			s.RemoveChild(typ)
		}
	case media.KindP2P:
		a.cancelPlay(s.ID())
		el := s.Media()
		if el.Source() == track.Stream {
			el.Pause()
			el.SetSource(nil)
		}
	}
	s.SetMirrored(false)
	return nil
}

// schedulePlay starts playback after playDelay and retries once after
// retryDelay if the element is still paused. A later attach or detach on the
// same surface supersedes the pending attempt.
func (a *Attacher) schedulePlay(surfaceID string, el media.Element, src *media.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.pending[surfaceID]; ok {
		p.timer.Stop()
	}
	a.gen++
	gen := a.gen
	p := &pendingPlay{gen: gen}
	p.timer = time.AfterFunc(a.playDelay, func() {
		if !a.current(surfaceID, gen) || el.Source() != src {
			return
		}
		if err := el.Play(); err != nil {
			slog.Debug("attach: deferred play failed", "surface", surfaceID, "err", err)
		}
		if !el.Paused() {
			a.finish(surfaceID, gen)
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.pending[surfaceID]; !ok || cur.gen != gen {
			return
		}
		a.pending[surfaceID].timer = time.AfterFunc(a.retryDelay, func() {
			defer a.finish(surfaceID, gen)
			if !a.current(surfaceID, gen) || el.Source() != src || !el.Paused() {
				return
			}
			if err := el.Play(); err != nil {
				slog.Warn("attach: playback retry failed", "surface", surfaceID, "err", err)
			}
		})
	})
	a.pending[surfaceID] = p
}

type pendingPlay struct {
	gen   uint64
	timer *time.Timer
}

func (a *Attacher) current(surfaceID string, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[surfaceID]
	return ok && p.gen == gen
}

func (a *Attacher) finish(surfaceID string, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[surfaceID]; ok && p.gen == gen {
		delete(a.pending, surfaceID)
	}
}

func (a *Attacher) cancelPlay(surfaceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[surfaceID]; ok {
		p.timer.Stop()
		delete(a.pending, surfaceID)
	}
}
