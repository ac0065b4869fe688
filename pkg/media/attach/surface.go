package attach

import (
	"errors"
	"sync"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrAutoplayBlocked is returned by [Element.Play] while autoplay is blocked.
var ErrAutoplayBlocked = errors.New("attach: playback not allowed")

// MemSurface is an in-memory [Surface] for headless clients and tests.
type MemSurface struct {
	id string

	mu       sync.Mutex
	mirrored bool
	media    *Element
	children map[media.TrackType]*Element
}

var _ Surface = (*MemSurface)(nil)

// NewSurface returns an empty surface.
func NewSurface(id string) *MemSurface {
	return &MemSurface{
		id:       id,
		media:    &Element{kind: media.TrackVideo},
		children: make(map[media.TrackType]*Element),
	}
}

func (s *MemSurface) ID() string { return s.id }

func (s *MemSurface) SetMirrored(m bool) {
	s.mu.Lock()
	s.mirrored = m
	s.mu.Unlock()
}

func (s *MemSurface) Mirrored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirrored
}

func (s *MemSurface) Media() media.Element { return s.media }

// MediaElement returns the concrete element behind [MemSurface.Media].
func (s *MemSurface) MediaElement() *Element { return s.media }

func (s *MemSurface) Child(typ media.TrackType) media.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.children[typ]; ok {
		return el
	}
	return nil
}

func (s *MemSurface) AddChild(typ media.TrackType) media.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := &Element{kind: typ}
	s.children[typ] = el
	return el
}

func (s *MemSurface) RemoveChild(typ media.TrackType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, typ)
}

// Children returns the number of nested elements.
func (s *MemSurface) Children() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Element is an in-memory [media.Element].
type Element struct {
	kind media.TrackType

	mu        sync.Mutex
	src       *media.Stream
	playing   bool
	blocked   int // remaining Play calls that fail
	playCalls int
	bound     any
}

var _ media.Element = (*Element)(nil)

func (e *Element) Kind() media.TrackType { return e.kind }

func (e *Element) SetSource(s *media.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.src = s
	if s == nil {
		e.playing = false
	}
}

func (e *Element) Source() *media.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

func (e *Element) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playCalls++
	if e.blocked > 0 {
		e.blocked--
		return ErrAutoplayBlocked
	}
	if e.src == nil && e.bound == nil {
		return errors.New("attach: no source")
	}
	e.playing = true
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
}

func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.playing
}

// BlockPlay makes the next n Play calls fail as if autoplay were blocked.
func (e *Element) BlockPlay(n int) {
	e.mu.Lock()
	e.blocked = n
	e.mu.Unlock()
}

// PlayCalls returns how many times Play was called.
func (e *Element) PlayCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playCalls
}

// Bind records v as the element's transport-level sink. Stream-like track
// implementations call it from their Attach.
func (e *Element) Bind(v any) {
	e.mu.Lock()
	e.bound = v
	e.mu.Unlock()
}

// Bound returns the value recorded by Bind.
func (e *Element) Bound() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bound
}
