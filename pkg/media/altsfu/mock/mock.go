// Package mock provides a scriptable [altsfu.Room] for adapter tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/altsfu"
)

// Room is a mock [altsfu.Room]. Exported error fields script failures;
// the recorded fields capture calls.
type Room struct {
	mu      sync.Mutex
	handler func(altsfu.RoomEvent)
	state   altsfu.ConnectionState
	seq     int

	// ConnectErrors is consumed one entry per Connect call.
	ConnectErrors []error

	// CreateErrors fails CreateLocalTrack for a source.
	CreateErrors map[altsfu.TrackSource]error
	PublishError error

	StatsResult      *media.Metrics
	TranscriptionErr error
	Processor        media.BlurExtension

	Identities     []string
	Disconnects    int
	Published      []string
	Unpublished    []string
	Created        []*LocalTrack
	Transcriptions []string
}

var _ altsfu.Room = (*Room)(nil)

// ConnectionState implements [altsfu.Room].
func (r *Room) ConnectionState() altsfu.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return altsfu.StateDisconnected
	}
	return r.state
}

// Connect implements [altsfu.Room].
func (r *Room) Connect(_ context.Context, opts altsfu.ConnectOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Identities = append(r.Identities, opts.Identity)
	if len(r.ConnectErrors) > 0 {
		err := r.ConnectErrors[0]
		r.ConnectErrors = r.ConnectErrors[1:]
		if err != nil {
			return "", err
		}
	}
	r.state = altsfu.StateConnected
	return opts.Identity, nil
}

// Disconnect implements [altsfu.Room].
func (r *Room) Disconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Disconnects++
	r.state = altsfu.StateDisconnected
	return nil
}

// CreateLocalTrack implements [altsfu.Room].
func (r *Room) CreateLocalTrack(_ context.Context, src altsfu.TrackSource, opts altsfu.CaptureOptions) (altsfu.LocalTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.CreateErrors[src]; err != nil {
		return nil, err
	}
	r.seq++
	t := &LocalTrack{id: fmt.Sprintf("%s-%d", src, r.seq), source: src, label: opts.DeviceID}
	r.Created = append(r.Created, t)
	return t, nil
}

// PublishTrack implements [altsfu.Room].
func (r *Room) PublishTrack(_ context.Context, t altsfu.LocalTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PublishError != nil {
		return r.PublishError
	}
	r.Published = append(r.Published, t.ID())
	return nil
}

// UnpublishTrack implements [altsfu.Room].
func (r *Room) UnpublishTrack(_ context.Context, t altsfu.LocalTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Unpublished = append(r.Unpublished, t.ID())
	return nil
}

// OnEvent implements [altsfu.Room].
func (r *Room) OnEvent(fn func(altsfu.RoomEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
}

// Fire delivers ev to the handler synchronously.
func (r *Room) Fire(ev altsfu.RoomEvent) {
	r.mu.Lock()
	fn := r.handler
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Stats implements [altsfu.Room].
func (r *Room) Stats() *media.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StatsResult
}

// SetTranscription implements [altsfu.Room].
func (r *Room) SetTranscription(_ context.Context, lang string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transcriptions = append(r.Transcriptions, lang)
	return r.TranscriptionErr
}

// BackgroundProcessor implements [altsfu.Room].
func (r *Room) BackgroundProcessor(context.Context) (media.BlurExtension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Processor == nil {
		return nil, media.ErrUnsupported
	}
	return r.Processor, nil
}

// Calls returns copies of the publish and unpublish records.
func (r *Room) Calls() (published, unpublished []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Published...), append([]string(nil), r.Unpublished...)
}

// Track returns the i-th created local track.
func (r *Room) Track(i int) *LocalTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Created[i]
}

// LocalTrack is a mock [altsfu.LocalTrack].
type LocalTrack struct {
	mu      sync.Mutex
	id      string
	source  altsfu.TrackSource
	label   string
	muted   bool
	stops   int
	onEnded []func()
	bound   []media.Element
}

// ID implements [altsfu.LocalTrack].
func (t *LocalTrack) ID() string { return t.id }

// Source implements [altsfu.LocalTrack].
func (t *LocalTrack) Source() altsfu.TrackSource { return t.source }

// Label implements [altsfu.LocalTrack].
func (t *LocalTrack) Label() string { return t.label }

// SetMuted implements [altsfu.LocalTrack].
func (t *LocalTrack) SetMuted(_ context.Context, muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
	return nil
}

// Muted implements [altsfu.LocalTrack].
func (t *LocalTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// OnEnded implements [altsfu.LocalTrack].
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// End runs the ended callbacks synchronously.
func (t *LocalTrack) End() {
	t.mu.Lock()
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Stop implements [altsfu.LocalTrack].
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

// Stops returns the number of Stop calls.
func (t *LocalTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Attach implements [media.Attachable].
func (t *LocalTrack) Attach(el media.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bound = append(t.bound, el)
	return nil
}

// Detach implements [media.Attachable].
func (t *LocalTrack) Detach(el media.Element) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range t.bound {
		if b == el {
			t.bound = append(t.bound[:i], t.bound[i+1:]...)
			return
		}
	}
}

// RemoteTrack is a mock [altsfu.RemoteTrack].
type RemoteTrack struct {
	TrackSID    string
	TrackSource altsfu.TrackSource

	mu       sync.Mutex
	stops    int
	attached int
}

// SID implements [altsfu.RemoteTrack].
func (t *RemoteTrack) SID() string { return t.TrackSID }

// Source implements [altsfu.RemoteTrack].
func (t *RemoteTrack) Source() altsfu.TrackSource { return t.TrackSource }

// Stop implements [altsfu.RemoteTrack].
func (t *RemoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

// Stops returns the number of Stop calls.
func (t *RemoteTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Attach implements [media.Attachable].
func (t *RemoteTrack) Attach(media.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached++
	return nil
}

// Detach implements [media.Attachable].
func (t *RemoteTrack) Detach(media.Element) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached--
}

// Attached returns the number of elements the track is bound to.
func (t *RemoteTrack) Attached() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}
