// Package p2p implements [media.Provider] as a two-party call negotiated over
// the signaling relay.
//
// Call control (initiate, accept, reject, end) is separate from session
// negotiation (offer, answer, ICE candidates). The adapter's own call state
// is authoritative: a signaling reconnect re-registers the user but never
// resumes a call that ended locally, and signaling errors are reported
// without tearing down media that is already flowing.
package p2p

import (
	"context"
	"encoding/json"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// Signaler is the signaling surface the adapter needs. [*signal.Client]
// satisfies it.
type Signaler interface {
	UserID() string
	State() signal.State
	Connect(ctx context.Context) error
	On(event string, fn func(json.RawMessage)) (unsubscribe func())
	OnState(fn func(signal.State))
	OnError(fn func(error))
	InitiateCall(ctx context.Context, peer string) error
	AcceptCall(ctx context.Context, peer string) error
	RejectCall(ctx context.Context, peer, reason string) error
	EndCall(ctx context.Context, peer string) error
	SendOffer(ctx context.Context, peer, sdp string) error
	SendAnswer(ctx context.Context, peer, sdp string) error
	SendCandidate(ctx context.Context, peer string, c signal.Candidate) error
}

var _ Signaler = (*signal.Client)(nil)

// PeerState is the transport state of a [Peer].
type PeerState string

const (
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// Peer is one media connection to the remote party. Local tracks opened
// through it are sent on the connection; they must be opened before the
// first offer or answer is created.
type Peer interface {
	OpenMicrophone(ctx context.Context, deviceID string) (LocalTrack, error)
	OpenCamera(ctx context.Context, deviceID string) (LocalTrack, error)

	// OpenScreen returns a screen capture. It is routed into the camera's
	// sender rather than negotiated as a new track.
	OpenScreen(ctx context.Context) (media.FrameSource, error)

	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddCandidate(c signal.Candidate) error

	OnCandidate(fn func(signal.Candidate))
	OnTrack(fn func(RemoteTrack))
	OnState(fn func(PeerState))

	Stats() *media.Metrics
	Close() error
}

// PeerFactory creates a fresh [Peer] for each call.
type PeerFactory func() (Peer, error)

// LocalTrack is a capture sent on a [Peer].
type LocalTrack interface {
	media.RawTrack
	Type() media.TrackType
	Label() string
	SetEnabled(v bool)
	Enabled() bool

	// Camera returns the untouched camera source of a video track, or nil.
	Camera() media.FrameSource

	// Route sends frames from src instead of the camera. A nil src restores
	// the camera.
	Route(src media.FrameSource)

	// SetTap forwards captured PCM of an audio track to fn.
	SetTap(fn func([]int16))

	OnEnded(fn func())
	Close()
}

// RemoteTrack is a track received from the remote party.
type RemoteTrack interface {
	media.RawTrack
	Type() media.TrackType

	// SetPCMTap forwards decoded PCM of an audio track to fn.
	SetPCMTap(fn func([]int16)) error

	Done() <-chan struct{}
	Stop()
}
