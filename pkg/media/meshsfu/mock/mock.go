// Package mock provides a scriptable [meshsfu.Client] for adapter tests.
//
// Join results are consumed in order from JoinErrors, so a test can script a
// uid collision followed by success. Remote activity is injected with
// [Client.Fire], which calls the adapter's event handler exactly as the
// vendor SDK would.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/meshsfu"
)

// Client is a mock [meshsfu.Client].
type Client struct {
	mu      sync.Mutex
	handler func(meshsfu.Event)

	// State is returned by ConnectionState. Tests may change it while a
	// Join is waiting.
	State meshsfu.ConnectionState

	// JoinErrors is consumed one entry per Join call; once exhausted Join
	// succeeds and echoes the requested uid.
	JoinErrors []error

	MicError    error
	CameraError error
	ScreenError error

	// ScreenAudio makes CreateScreenTrack return a system-audio track when
	// requested.
	ScreenAudio bool

	PublishError   error
	SubscribeError map[meshsfu.MediaType]error

	// PublishHook, when set, runs after every successful Publish with the
	// published tracks and without the client lock held.
	PublishHook func(tracks ...meshsfu.LocalTrack)

	// SubscribeGate, when set, blocks Subscribe until it is closed.
	SubscribeGate chan struct{}

	StatsResult         *media.Metrics
	TranscriptionError  error
	Extension           media.BlurExtension
	StartTranscriptions []string

	JoinUIDs      []string
	LeaveCalls    int
	Published     []string
	Unpublished   []string
	Subscriptions []string
	Tracks        []*LocalTrack
}

var _ meshsfu.Client = (*Client)(nil)

// ConnectionState implements [meshsfu.Client].
func (c *Client) ConnectionState() meshsfu.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State == "" {
		return meshsfu.StateDisconnected
	}
	return c.State
}

// SetState changes the reported connection state.
func (c *Client) SetState(s meshsfu.ConnectionState) {
	c.mu.Lock()
	c.State = s
	c.mu.Unlock()
}

// Join implements [meshsfu.Client].
func (c *Client) Join(_ context.Context, _, _, uid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.JoinUIDs = append(c.JoinUIDs, uid)
	if len(c.JoinErrors) > 0 {
		err := c.JoinErrors[0]
		c.JoinErrors = c.JoinErrors[1:]
		if err != nil {
			return "", err
		}
	}
	c.State = meshsfu.StateConnected
	return uid, nil
}

// Leave implements [meshsfu.Client].
func (c *Client) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LeaveCalls++
	c.State = meshsfu.StateDisconnected
	return nil
}

// CreateMicrophoneTrack implements [meshsfu.Client].
func (c *Client) CreateMicrophoneTrack(_ context.Context, deviceID string) (meshsfu.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MicError != nil {
		return nil, c.MicError
	}
	return c.newTrack("mic", media.TrackAudio, deviceID), nil
}

// CreateCameraTrack implements [meshsfu.Client].
func (c *Client) CreateCameraTrack(_ context.Context, deviceID string, _ meshsfu.TrackProfile) (meshsfu.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CameraError != nil {
		return nil, c.CameraError
	}
	return c.newTrack("cam", media.TrackVideo, deviceID), nil
}

// CreateScreenTrack implements [meshsfu.Client].
func (c *Client) CreateScreenTrack(_ context.Context, withAudio bool) (meshsfu.LocalTrack, meshsfu.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ScreenError != nil {
		return nil, nil, c.ScreenError
	}
	video := c.newTrack("screen", media.TrackVideo, "screen")
	var audio meshsfu.LocalTrack
	if withAudio && c.ScreenAudio {
		audio = c.newTrack("screen-audio", media.TrackAudio, "system")
	}
	return video, audio, nil
}

func (c *Client) newTrack(prefix string, typ media.TrackType, label string) *LocalTrack {
	t := &LocalTrack{id: fmt.Sprintf("%s-%d", prefix, len(c.Tracks)), typ: typ, label: label, enabled: true}
	c.Tracks = append(c.Tracks, t)
	return t
}

// Publish implements [meshsfu.Client].
func (c *Client) Publish(_ context.Context, tracks ...meshsfu.LocalTrack) error {
	c.mu.Lock()
	if c.PublishError != nil {
		c.mu.Unlock()
		return c.PublishError
	}
	for _, t := range tracks {
		c.Published = append(c.Published, t.ID())
	}
	hook := c.PublishHook
	c.mu.Unlock()
	if hook != nil {
		hook(tracks...)
	}
	return nil
}

// Unpublish implements [meshsfu.Client].
func (c *Client) Unpublish(_ context.Context, tracks ...meshsfu.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		c.Unpublished = append(c.Unpublished, t.ID())
	}
	return nil
}

// Subscribe implements [meshsfu.Client].
func (c *Client) Subscribe(ctx context.Context, uid string, mt meshsfu.MediaType) (media.Player, error) {
	c.mu.Lock()
	gate := c.SubscribeGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Subscriptions = append(c.Subscriptions, uid+"/"+string(mt))
	if err := c.SubscribeError[mt]; err != nil {
		return nil, err
	}
	return &Player{}, nil
}

// Unsubscribe implements [meshsfu.Client].
func (c *Client) Unsubscribe(context.Context, string, meshsfu.MediaType) error { return nil }

// OnEvent implements [meshsfu.Client].
func (c *Client) OnEvent(fn func(meshsfu.Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Fire delivers ev to the registered handler.
func (c *Client) Fire(ev meshsfu.Event) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Stats implements [meshsfu.Client].
func (c *Client) Stats() *media.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StatsResult
}

// StartTranscription implements [meshsfu.Client].
func (c *Client) StartTranscription(_ context.Context, lang string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartTranscriptions = append(c.StartTranscriptions, lang)
	return c.TranscriptionError
}

// StopTranscription implements [meshsfu.Client].
func (c *Client) StopTranscription(context.Context) error { return nil }

// BlurExtension implements [meshsfu.Client].
func (c *Client) BlurExtension(context.Context) (media.BlurExtension, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Extension == nil {
		return nil, media.ErrUnsupported
	}
	return c.Extension, nil
}

// Snapshot returns copies of the recorded publish, unpublish and subscribe
// calls.
func (c *Client) Snapshot() (published, unpublished, subscriptions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Published...),
		append([]string(nil), c.Unpublished...),
		append([]string(nil), c.Subscriptions...)
}

// LocalTrack is a mock [meshsfu.LocalTrack].
type LocalTrack struct {
	mu      sync.Mutex
	id      string
	typ     media.TrackType
	label   string
	enabled bool
	closes  int
	onEnded []func()
}

// ID implements [meshsfu.LocalTrack].
func (t *LocalTrack) ID() string { return t.id }

// Type implements [meshsfu.LocalTrack].
func (t *LocalTrack) Type() media.TrackType { return t.typ }

// Label implements [meshsfu.LocalTrack].
func (t *LocalTrack) Label() string { return t.label }

// Play implements [media.Player].
func (t *LocalTrack) Play(media.Surface) error { return nil }

// Stop implements [media.Player].
func (t *LocalTrack) Stop() {}

// SetEnabled implements [meshsfu.LocalTrack].
func (t *LocalTrack) SetEnabled(_ context.Context, v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
	return nil
}

// Enabled implements [meshsfu.LocalTrack].
func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// OnEnded implements [meshsfu.LocalTrack].
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// End simulates the source ending on its own.
func (t *LocalTrack) End() {
	t.mu.Lock()
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close implements [meshsfu.LocalTrack].
func (t *LocalTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
}

// Closes returns the number of Close calls.
func (t *LocalTrack) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Player is a mock remote [media.Player].
type Player struct {
	mu      sync.Mutex
	surface media.Surface
	stops   int
}

// Play implements [media.Player].
func (p *Player) Play(s media.Surface) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = s
	return nil
}

// Stop implements [media.Player].
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = nil
	p.stops++
}

// Stops returns the number of Stop calls.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
