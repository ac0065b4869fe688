// Package meshsfu adapts the group-calling SFU client to [media.Provider].
//
// The backend is reached through [Client], a narrow contract over the
// vendor SDK surface the adapter relies on: a connection state machine,
// explicit publish/subscribe of local and remote tracks, user-info signals
// for mute changes, volume indications, native transcription and a native
// virtual-background extension. [RTCClient] implements it on pion/webrtc
// with a JSON-RPC signaling socket.
package meshsfu

import (
	"context"
	"errors"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ConnectionState is the vendor client's connection state.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "DISCONNECTED"
	StateConnecting    ConnectionState = "CONNECTING"
	StateConnected     ConnectionState = "CONNECTED"
	StateReconnecting  ConnectionState = "RECONNECTING"
	StateDisconnecting ConnectionState = "DISCONNECTING"
)

// ErrUIDConflict is returned by [Client.Join] when another session holds the
// requested uid in the channel.
var ErrUIDConflict = errors.New("meshsfu: uid conflict")

// MediaType selects the audio or video half of a remote user's media.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// TrackProfile bounds a camera track's encoding.
type TrackProfile struct {
	Width      int
	Height     int
	FrameRate  int
	MinBitrate int // kbps
	MaxBitrate int // kbps
}

// GroupProfile keeps per-participant bandwidth low enough for calls with
// many participants.
var GroupProfile = TrackProfile{Width: 640, Height: 360, FrameRate: 15, MinBitrate: 200, MaxBitrate: 500}

// LocalTrack is a local capture owned by the client. Play and Stop render
// the self-view.
type LocalTrack interface {
	media.Player
	ID() string
	Type() media.TrackType
	Label() string
	SetEnabled(ctx context.Context, enabled bool) error
	Enabled() bool

	// OnEnded registers fn for the source ending on its own, e.g. through
	// the operating system's stop-sharing control.
	OnEnded(fn func())

	// Close releases the capture device.
	Close()
}

// Info values carried by [EventUserInfoUpdated].
const (
	InfoMuteAudio   = "mute-audio"
	InfoUnmuteAudio = "unmute-audio"
	InfoMuteVideo   = "mute-video"
	InfoUnmuteVideo = "unmute-video"
)

// EventType names a client event.
type EventType string

const (
	EventUserJoined       EventType = "user-joined"
	EventUserLeft         EventType = "user-left"
	EventUserPublished    EventType = "user-published"
	EventUserUnpublished  EventType = "user-unpublished"
	EventUserInfoUpdated  EventType = "user-info-updated"
	EventVolumeIndicator  EventType = "volume-indicator"
	EventConnectionChange EventType = "connection-state-change"
	EventException        EventType = "exception"
	EventTranscript       EventType = "transcript"
)

// Volume is one entry of a volume indication. Level ranges 0..100.
type Volume struct {
	UID   string `json:"uid"`
	Level int    `json:"level"`
}

// Event is a notification from the client. Only the fields relevant to Type
// are set.
type Event struct {
	Type      EventType
	UID       string
	Name      string
	MediaType MediaType
	Info      string
	Volumes   []Volume
	State     ConnectionState
	PrevState ConnectionState
	Reason    string
	Text      string
	Final     bool
	Err       error
}

// Client is the vendor SDK surface driven by [Adapter].
type Client interface {
	ConnectionState() ConnectionState

	// Join enters channel and returns the uid assigned to the local user.
	Join(ctx context.Context, channel, token, uid string) (string, error)
	Leave(ctx context.Context) error

	CreateMicrophoneTrack(ctx context.Context, deviceID string) (LocalTrack, error)
	CreateCameraTrack(ctx context.Context, deviceID string, p TrackProfile) (LocalTrack, error)

	// CreateScreenTrack captures the screen. audio is nil unless withAudio
	// is set and the platform can capture system audio.
	CreateScreenTrack(ctx context.Context, withAudio bool) (video, audio LocalTrack, err error)

	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error

	// Subscribe starts receiving one media type of a remote user.
	Subscribe(ctx context.Context, uid string, mt MediaType) (media.Player, error)
	Unsubscribe(ctx context.Context, uid string, mt MediaType) error

	// OnEvent sets the event handler. It must not block.
	OnEvent(fn func(Event))

	// Stats returns the latest call statistics, or nil.
	Stats() *media.Metrics

	StartTranscription(ctx context.Context, lang string) error
	StopTranscription(ctx context.Context) error

	// BlurExtension returns the client's virtual-background processor.
	BlurExtension(ctx context.Context) (media.BlurExtension, error)
}
