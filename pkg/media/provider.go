// Package media defines the contract every call transport implements and the
// types that flow across it.
//
// The primary abstractions are:
//
//   - [Provider] — one transport backend (mesh-sfu, alt-sfu or peer-to-peer)
//     driven through a uniform join/leave/toggle surface.
//   - [Event] — the canonical event stream every Provider emits, so callers
//     never branch on which backend is active.
//   - [Track] — an opaque handle to a live audio/video stream whose concrete
//     payload is selected by the adapter [Kind].
//
// Adapters live in sub-packages (media/meshsfu, media/altsfu, media/p2p).
// Binding tracks to visual surfaces is handled by media/attach, and background
// blur by media/blur.
package media

import (
	"context"
	"time"
)

// Kind identifies a transport backend.
type Kind string

const (
	// KindMeshSFU is the group-calling SFU backend (up to ~17 participants).
	KindMeshSFU Kind = "mesh-sfu"

	// KindAltSFU is the alternate SFU backend.
	KindAltSFU Kind = "alt-sfu"

	// KindP2P is the signaling-driven two-party backend.
	KindP2P Kind = "peer-to-peer"
)

// Valid reports whether k names a known backend.
func (k Kind) Valid() bool {
	switch k {
	case KindMeshSFU, KindAltSFU, KindP2P:
		return true
	}
	return false
}

// Status is the connection status of a call session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Active reports whether a join is underway or established.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusReconnecting
}

// JoinConfig carries everything an adapter needs to enter a room.
type JoinConfig struct {
	// RoomID is the channel, room or match identifier.
	RoomID string

	// UserID is the requested local identity. Adapters may perturb it on
	// identity collisions; the identity actually used is returned by Join.
	UserID string

	// DisplayName is announced to other participants where supported.
	DisplayName string

	// Token authorises the join against the backend, when required.
	Token string

	// PeerID is the remote party for peer-to-peer calls.
	PeerID string

	// Initiator marks the peer-to-peer side that places the call.
	Initiator bool

	// Audio and Video select whether local tracks are published on join.
	Audio bool
	Video bool
}

// LocalTracks is the set of local tracks currently owned by a session.
// Any field may be nil.
type LocalTracks struct {
	Audio  *Track
	Video  *Track
	Screen *Track
}

// Metrics is a point-in-time quality snapshot of the call.
type Metrics struct {
	RoundTrip       time.Duration
	PacketLoss      float64 // fraction 0..1
	SendBitrate     int64   // bits per second
	ReceiveBitrate  int64   // bits per second
	FrameWidth      int
	FrameHeight     int
	FramesPerSecond float64
	UpdatedAt       time.Time
}

// TranscriptEntry is one recognised utterance.
type TranscriptEntry struct {
	ParticipantID string
	Text          string
	Final         bool
	Language      string
	At            time.Time
}

// AdapterState is a snapshot of an adapter's internal state.
type AdapterState struct {
	Status        Status
	RoomID        string
	LocalID       string
	Participants  []*Participant
	ScreenSharing bool
	Transcribing  bool
}

// Provider is the contract every transport adapter implements.
//
// All methods must be safe for concurrent use. Methods that may suspend at
// network or device boundaries take a context.
type Provider interface {
	// Kind reports the backend this adapter drives.
	Kind() Kind

	// Join enters the room described by cfg, publishes local tracks and
	// returns the identity actually assigned.
	Join(ctx context.Context, cfg JoinConfig) (string, error)

	// Leave releases local tracks and disconnects. Calling Leave on an
	// adapter that is not connected returns nil.
	Leave(ctx context.Context) error

	// ToggleAudio sets the local microphone enabled state and returns the
	// resulting state.
	ToggleAudio(ctx context.Context, enabled bool) (bool, error)

	// ToggleVideo sets the local camera enabled state and returns the
	// resulting state.
	ToggleVideo(ctx context.Context, enabled bool) (bool, error)

	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error

	// EnableTranscription starts live transcription in lang. Failures are
	// logged; transcription never aborts a call.
	EnableTranscription(lang string)

	LocalTracks() LocalTracks

	// CallMetrics returns the most recent metrics, or nil before the first
	// sample.
	CallMetrics() *Metrics

	Transcript() []TranscriptEntry
	State() AdapterState

	// Subscribe registers fn for every canonical event and returns a
	// function that removes the registration.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// NativeBlurrer is implemented by adapters whose backend can blur the local
// video track itself.
type NativeBlurrer interface {
	BlurExtension(ctx context.Context) (BlurExtension, error)
}

// BlurExtension is a backend-provided background processor.
type BlurExtension interface {
	// Pipe routes track through the processor.
	Pipe(ctx context.Context, track *Track) error
	// Unpipe removes the processor from the track pipeline.
	Unpipe(ctx context.Context) error
	Enable(ctx context.Context, strength int) error
	Disable(ctx context.Context) error
	Enabled() bool
}

// DeviceSwitcher is implemented by adapters that can replace a local track
// with one captured from a different device.
type DeviceSwitcher interface {
	SwitchDevice(ctx context.Context, typ TrackType, deviceID string) error
}

// BlurTarget is implemented by adapters without native blur support. It
// exposes the untouched camera source so a compositor can read from it and
// lets the compositor's output replace what is published.
type BlurTarget interface {
	CameraSource() (FrameSource, error)

	// ReplaceVideoSource publishes src in place of the camera. A nil src
	// restores the original camera source.
	ReplaceVideoSource(src FrameSource) error
}
