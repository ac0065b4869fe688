package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/circlecall/internal/resilience"
	"github.com/MrWong99/circlecall/internal/rooms"
)

type matchResponse struct {
	MatchID      string   `json:"match_id"`
	Participants []string `json:"participants"`
}

// handleMatch lists the users registered on the relay for a match.
func (a *App) handleMatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("match")
	ps := a.hub.Participants(id)
	if ps == nil {
		ps = []string{}
	}
	writeJSON(w, http.StatusOK, matchResponse{MatchID: id, Participants: ps})
}

type transcriptLine struct {
	ParticipantID string    `json:"participant_id"`
	Text          string    `json:"text"`
	Language      string    `json:"language,omitempty"`
	At            time.Time `json:"at"`
}

type recapResponse struct {
	RoomID          string           `json:"room_id"`
	Kind            string           `json:"kind"`
	Name            string           `json:"name"`
	Participants    []string         `json:"participants"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	Transcript      []transcriptLine `json:"transcript"`
}

func (a *App) handleRecap(w http.ResponseWriter, r *http.Request) {
	rc, err := a.rooms.RecapData(r.Context(), r.PathValue("room"))
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, resilience.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		slog.Error("recap lookup failed", "room_id", r.PathValue("room"), "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := recapResponse{
		RoomID:          rc.RoomID,
		Kind:            string(rc.Kind),
		Name:            rc.Name,
		Participants:    rc.Participants,
		StartedAt:       timePtr(rc.StartedAt),
		EndedAt:         timePtr(rc.EndedAt),
		DurationSeconds: rc.Duration().Seconds(),
		Transcript:      make([]transcriptLine, 0, len(rc.Transcript)),
	}
	if resp.Participants == nil {
		resp.Participants = []string{}
	}
	for _, e := range rc.Transcript {
		resp.Transcript = append(resp.Transcript, transcriptLine{
			ParticipantID: e.ParticipantID,
			Text:          e.Text,
			Language:      e.Language,
			At:            e.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
