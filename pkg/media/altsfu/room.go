// Package altsfu implements the alternate SFU transport.
//
// The backend is driven through [Room], a room-centric SDK contract: remote
// tracks are subscribed automatically and arrive through track-subscribed
// events as [media.Attachable] handles that bind to media elements. [New]
// adapts a Room to [media.Provider]; [NewRTCRoom] is a Room on pion/webrtc.
package altsfu

import (
	"context"
	"errors"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrDuplicateIdentity is returned by [Room.Connect] when another
// participant already holds the requested identity.
var ErrDuplicateIdentity = errors.New("altsfu: duplicate identity")

// ConnectionState is the room connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// TrackSource says what a track captures.
type TrackSource string

const (
	SourceMicrophone  TrackSource = "microphone"
	SourceCamera      TrackSource = "camera"
	SourceScreenShare TrackSource = "screen_share"
	SourceScreenAudio TrackSource = "screen_share_audio"
)

// TrackType maps a source to the canonical track type.
func (s TrackSource) TrackType() media.TrackType {
	switch s {
	case SourceMicrophone, SourceScreenAudio:
		return media.TrackAudio
	case SourceScreenShare:
		return media.TrackScreen
	default:
		return media.TrackVideo
	}
}

// ConnectOptions identifies the local participant.
type ConnectOptions struct {
	Room     string
	Identity string
	Name     string
	Token    string
}

// CaptureOptions configures a local capture.
type CaptureOptions struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate int
	// MaxBitrate in kbps. Zero leaves the encoder default.
	MaxBitrate int
}

// LocalTrack is a capture owned by the local participant.
type LocalTrack interface {
	media.Attachable
	ID() string
	Source() TrackSource
	Label() string
	SetMuted(ctx context.Context, muted bool) error
	Muted() bool
	// OnEnded registers fn for when capture stops on its own.
	OnEnded(fn func())
	Stop()
}

// RemoteTrack is a subscribed track of a remote participant.
type RemoteTrack interface {
	media.Attachable
	SID() string
	Source() TrackSource
	// Stop releases the subscription's local resources.
	Stop()
}

// ParticipantInfo describes a remote participant.
type ParticipantInfo struct {
	Identity string
	Name     string
}

// RoomEventType names a room event.
type RoomEventType string

const (
	RoomParticipantConnected    RoomEventType = "participant-connected"
	RoomParticipantDisconnected RoomEventType = "participant-disconnected"
	RoomTrackSubscribed         RoomEventType = "track-subscribed"
	RoomTrackUnsubscribed       RoomEventType = "track-unsubscribed"
	RoomTrackSubscriptionFailed RoomEventType = "track-subscription-failed"
	RoomTrackMuted              RoomEventType = "track-muted"
	RoomTrackUnmuted            RoomEventType = "track-unmuted"
	RoomActiveSpeakersChanged   RoomEventType = "active-speakers-changed"
	RoomConnectionStateChanged  RoomEventType = "connection-state-changed"
	RoomTranscriptionReceived   RoomEventType = "transcription-received"
)

// Segment is one transcription result.
type Segment struct {
	Text     string
	Final    bool
	Language string
}

// RoomEvent is delivered to the handler registered with [Room.OnEvent].
// Only the fields relevant to Type are set.
type RoomEvent struct {
	Type        RoomEventType
	Participant ParticipantInfo
	Track       RemoteTrack
	Source      TrackSource
	Speakers    []string
	State       ConnectionState
	Segment     *Segment
	Err         error
}

// Room is the alternate SFU SDK surface used by [Adapter].
type Room interface {
	ConnectionState() ConnectionState

	// Connect joins the room and returns the identity actually assigned.
	Connect(ctx context.Context, opts ConnectOptions) (string, error)
	Disconnect(ctx context.Context) error

	CreateLocalTrack(ctx context.Context, src TrackSource, opts CaptureOptions) (LocalTrack, error)
	PublishTrack(ctx context.Context, t LocalTrack) error
	UnpublishTrack(ctx context.Context, t LocalTrack) error

	// OnEvent sets the single event handler. It is called on the room's
	// own goroutine and must not block.
	OnEvent(fn func(RoomEvent))

	Stats() *media.Metrics

	// SetTranscription asks the server to transcribe the room in lang. An
	// empty lang stops transcription.
	SetTranscription(ctx context.Context, lang string) error

	// BackgroundProcessor returns the room's video processor, or
	// [media.ErrUnsupported].
	BackgroundProcessor(ctx context.Context) (media.BlurExtension, error)
}
