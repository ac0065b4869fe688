package media

import (
	"image"
	"sync"
	"sync/atomic"
)

// TrackType classifies a track's content.
type TrackType string

const (
	TrackAudio  TrackType = "audio"
	TrackVideo  TrackType = "video"
	TrackScreen TrackType = "screen"
)

// Surface is a visual target tracks are rendered into. The concrete
// implementation is supplied by the caller (media/attach ships an in-memory
// one).
type Surface interface {
	ID() string
}

// Player is the payload of mesh-sfu tracks: the handle renders itself into a
// surface.
type Player interface {
	Play(s Surface) error
	Stop()
}

// Element is a media element nested inside a surface.
type Element interface {
	Kind() TrackType
	// SetSource assigns a raw stream; nil clears it.
	SetSource(s *Stream)
	Source() *Stream
	Play() error
	Pause()
	Paused() bool
}

// Attachable is the payload of alt-sfu tracks: the handle binds to a media
// element the caller provides.
type Attachable interface {
	Attach(el Element) error
	Detach(el Element)
}

// RawTrack is the minimal identity of a transport-level track.
type RawTrack interface {
	ID() string
	StreamID() string
}

// Stream is the payload of peer-to-peer tracks: a raw stream assigned
// directly to a media element.
type Stream struct {
	ID    string
	Audio RawTrack
	Video RawTrack
}

// FrameSource yields raw video frames. The release func returned by Read
// must be called once the frame is no longer used.
type FrameSource interface {
	ID() string
	Read() (img image.Image, release func(), err error)
	Close() error
}

// Track is an opaque, adapter-specific handle to a live audio or video stream.
//
// Exactly one of the payload fields is set, selected by Kind: Player for
// [KindMeshSFU], Attachable for [KindAltSFU], Stream for [KindP2P]. Callers
// pass tracks to media/attach instead of inspecting the payload.
type Track struct {
	ID    string
	Kind  Kind
	Type  TrackType
	Local bool

	// ParticipantID is empty for local tracks.
	ParticipantID string

	Player     Player
	Attachable Attachable
	Stream     *Stream

	// Label is the capturing device label for local tracks.
	Label string

	enabled atomic.Bool

	mu      sync.Mutex
	stopped bool
	onStop  func()
	onEnd   []func()
	ended   bool
}

// NewPlayerTrack returns a mesh-sfu track.
func NewPlayerTrack(id string, typ TrackType, p Player) *Track {
	t := &Track{ID: id, Kind: KindMeshSFU, Type: typ, Player: p}
	t.enabled.Store(true)
	return t
}

// NewAttachableTrack returns an alt-sfu track.
func NewAttachableTrack(id string, typ TrackType, a Attachable) *Track {
	t := &Track{ID: id, Kind: KindAltSFU, Type: typ, Attachable: a}
	t.enabled.Store(true)
	return t
}

// NewStreamTrack returns a peer-to-peer track.
func NewStreamTrack(id string, typ TrackType, s *Stream) *Track {
	t := &Track{ID: id, Kind: KindP2P, Type: typ, Stream: s}
	t.enabled.Store(true)
	return t
}

// Enabled reports whether the track is currently sending (local) or
// receiving (remote) media.
func (t *Track) Enabled() bool {
	if t == nil {
		return false
	}
	return t.enabled.Load()
}

// SetEnabled updates the enabled flag.
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// OnStop sets the release hook run by the first call to Stop.
func (t *Track) OnStop(fn func()) {
	t.mu.Lock()
	t.onStop = fn
	t.mu.Unlock()
}

// Stop releases the underlying capture or subscription. Only the first call
// has an effect.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fn := t.onStop
	t.mu.Unlock()
	t.enabled.Store(false)
	if fn != nil {
		fn()
	}
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers fn to run when the source ends on its own, e.g. when the
// user stops a screen capture through an operating-system control.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnd = append(t.onEnd, fn)
	t.mu.Unlock()
}

// MarkEnded signals that the source ended. Registered OnEnded callbacks run
// once, on the calling goroutine.
func (t *Track) MarkEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnd
	t.onEnd = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
