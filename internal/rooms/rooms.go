// Package rooms resolves room ids to the data a call needs and records the
// lifecycle of each room for later recaps.
package rooms

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ErrNotFound is returned when no room matches the requested id and kind.
var ErrNotFound = errors.New("rooms: room not found")

// RoomData is what a participant needs to join a room.
type RoomData struct {
	ID   string
	Kind media.Kind
	Name string

	// MatchID groups the two parties of a peer-to-peer call on the relay.
	MatchID string

	// Token authorises joins against the SFU backends. Empty for
	// peer-to-peer rooms.
	Token string

	// Participants lists the user ids invited to the room.
	Participants []string

	CreatedAt time.Time

	// StartedAt and EndedAt are zero until the room starts or ends.
	StartedAt time.Time
	EndedAt   time.Time
}

// Active reports whether the room has started and not yet ended.
func (r RoomData) Active() bool { return !r.StartedAt.IsZero() && r.EndedAt.IsZero() }

// Recap summarises a finished room.
type Recap struct {
	RoomID       string
	Kind         media.Kind
	Name         string
	Participants []string
	StartedAt    time.Time
	EndedAt      time.Time

	// Transcript holds the final transcript entries in utterance order.
	Transcript []media.TranscriptEntry
}

// Duration is how long the room ran, or zero for rooms that never started
// or have not ended.
func (r Recap) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Resolver looks rooms up and records their lifecycle.
type Resolver interface {
	// FetchRoom returns the room with roomID, which must be of kind. It
	// returns [ErrNotFound] when there is none.
	FetchRoom(ctx context.Context, kind media.Kind, roomID string) (RoomData, error)

	// StartRoom marks the room started. Starting a started room keeps the
	// original start time.
	StartRoom(ctx context.Context, roomID string) error

	// EndRoom marks the room ended and stores the final transcript entries.
	EndRoom(ctx context.Context, roomID string, transcript []media.TranscriptEntry) error

	// RecapData returns the recap of the room with roomID.
	RecapData(ctx context.Context, roomID string) (Recap, error)
}
