// Package mock provides an in-memory [rooms.Resolver] for tests.
//
// Rooms live in the Rooms map. The resolver records every call and returns
// the configured errors when they are set.
//
//	r := &mock.Resolver{Rooms: map[string]rooms.RoomData{
//	    "standup": {ID: "standup", Kind: media.KindMeshSFU},
//	}}
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/circlecall/internal/rooms"
	"github.com/MrWong99/circlecall/pkg/media"
)

// Resolver is a mock implementation of [rooms.Resolver].
type Resolver struct {
	mu sync.Mutex

	// Rooms maps room ids to their data.
	Rooms map[string]rooms.RoomData

	// Transcripts holds the entries stored by EndRoom, keyed by room id.
	Transcripts map[string][]media.TranscriptEntry

	// FetchError, StartError and EndError, when set, are returned by the
	// matching methods.
	FetchError error
	StartError error
	EndError   error

	FetchCalls []string
	StartCalls []string
	EndCalls   []string
}

var _ rooms.Resolver = (*Resolver)(nil)

// FetchRoom implements [rooms.Resolver].
func (r *Resolver) FetchRoom(_ context.Context, kind media.Kind, roomID string) (rooms.RoomData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FetchCalls = append(r.FetchCalls, roomID)
	if r.FetchError != nil {
		return rooms.RoomData{}, r.FetchError
	}
	room, ok := r.Rooms[roomID]
	if !ok || room.Kind != kind {
		return rooms.RoomData{}, fmt.Errorf("%w: %s room %q", rooms.ErrNotFound, kind, roomID)
	}
	room.Participants = slices.Clone(room.Participants)
	return room, nil
}

// StartRoom implements [rooms.Resolver].
func (r *Resolver) StartRoom(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, roomID)
	if r.StartError != nil {
		return r.StartError
	}
	room, ok := r.Rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", rooms.ErrNotFound, roomID)
	}
	if room.StartedAt.IsZero() {
		room.StartedAt = time.Now()
	}
	room.EndedAt = time.Time{}
	r.Rooms[roomID] = room
	return nil
}

// EndRoom implements [rooms.Resolver].
func (r *Resolver) EndRoom(_ context.Context, roomID string, transcript []media.TranscriptEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndCalls = append(r.EndCalls, roomID)
	if r.EndError != nil {
		return r.EndError
	}
	room, ok := r.Rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", rooms.ErrNotFound, roomID)
	}
	room.EndedAt = time.Now()
	r.Rooms[roomID] = room
	if r.Transcripts == nil {
		r.Transcripts = map[string][]media.TranscriptEntry{}
	}
	for _, e := range transcript {
		if e.Final {
			r.Transcripts[roomID] = append(r.Transcripts[roomID], e)
		}
	}
	return nil
}

// RecapData implements [rooms.Resolver].
func (r *Resolver) RecapData(_ context.Context, roomID string) (rooms.Recap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.Rooms[roomID]
	if !ok {
		return rooms.Recap{}, fmt.Errorf("%w: %q", rooms.ErrNotFound, roomID)
	}
	return rooms.Recap{
		RoomID:       room.ID,
		Kind:         room.Kind,
		Name:         room.Name,
		Participants: slices.Clone(room.Participants),
		StartedAt:    room.StartedAt,
		EndedAt:      room.EndedAt,
		Transcript:   slices.Clone(r.Transcripts[roomID]),
	}, nil
}
