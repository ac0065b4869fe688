package altsfu

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

// handle applies a room event. Remote tracks arrive subscribed, so the
// participant entry is updated in the same step the track becomes usable.
func (a *Adapter) handle(ev RoomEvent) {
	a.mu.Lock()
	inCall := a.inCall
	a.mu.Unlock()
	if !inCall {
		if ev.Track != nil {
			ev.Track.Stop()
		}
		return
	}

	switch ev.Type {
	case RoomParticipantConnected:
		a.participantConnected(ev.Participant)
	case RoomParticipantDisconnected:
		a.participantDisconnected(ev.Participant.Identity)
	case RoomTrackSubscribed:
		a.trackSubscribed(ev.Participant, ev.Track)
	case RoomTrackUnsubscribed:
		a.trackUnsubscribed(ev.Participant.Identity, ev.Source)
	case RoomTrackSubscriptionFailed:
		slog.Warn("altsfu: subscription failed", "identity", ev.Participant.Identity, "source", ev.Source, "err", ev.Err)
	case RoomTrackMuted, RoomTrackUnmuted:
		a.trackMuted(ev.Participant.Identity, ev.Source, ev.Type == RoomTrackMuted)
	case RoomActiveSpeakersChanged:
		a.speakersChanged(ev.Speakers)
	case RoomConnectionStateChanged:
		a.connectionChanged(ev.State, ev.Err)
	case RoomTranscriptionReceived:
		a.transcribed(ev.Participant.Identity, ev.Segment)
	}
}

func (a *Adapter) participantConnected(info ParticipantInfo) {
	a.mu.Lock()
	if _, ok := a.participants[info.Identity]; ok || info.Identity == a.identity {
		a.mu.Unlock()
		return
	}
	p := &media.Participant{ID: info.Identity, Name: info.Name}
	a.participants[info.Identity] = p
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventParticipantJoined, Participant: p})
}

func (a *Adapter) participantDisconnected(identity string) {
	a.mu.Lock()
	p, ok := a.participants[identity]
	delete(a.participants, identity)
	a.mu.Unlock()
	if !ok {
		return
	}
	releaseRemote(p)
	a.em.Emit(media.Event{Type: media.EventParticipantLeft, Participant: p})
}

func (a *Adapter) trackSubscribed(info ParticipantInfo, rt RemoteTrack) {
	if rt == nil {
		return
	}
	typ := rt.Source().TrackType()
	if typ == media.TrackScreen {
		typ = media.TrackVideo
	}
	track := media.NewAttachableTrack(rt.SID(), typ, rt)
	track.ParticipantID = info.Identity
	track.OnStop(rt.Stop)

	a.mu.Lock()
	prev, known := a.participants[info.Identity]
	var replaced *media.Track
	next := prev.With(func(p *media.Participant) {
		p.ID = info.Identity
		if p.Name == "" {
			p.Name = info.Name
		}
		if typ == media.TrackAudio {
			replaced, p.Audio, p.AudioEnabled = p.Audio, track, true
		} else {
			replaced, p.Video, p.VideoEnabled = p.Video, track, true
		}
	})
	a.participants[info.Identity] = next
	a.mu.Unlock()

	if replaced != nil {
		replaced.Stop()
	}
	if !known {
		a.em.Emit(media.Event{Type: media.EventParticipantJoined, Participant: next})
	}
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: track, Participant: next})
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: next})
}

func (a *Adapter) trackUnsubscribed(identity string, src TrackSource) {
	audio := src.TrackType() == media.TrackAudio
	a.mu.Lock()
	prev, ok := a.participants[identity]
	if !ok {
		a.mu.Unlock()
		return
	}
	var old *media.Track
	next := prev.With(func(p *media.Participant) {
		if audio {
			old, p.Audio, p.AudioEnabled = p.Audio, nil, false
		} else {
			old, p.Video, p.VideoEnabled = p.Video, nil, false
		}
	})
	a.participants[identity] = next
	a.mu.Unlock()
	if old == nil {
		return
	}
	old.Stop()
	a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: old, Participant: next})
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: next})
}

func (a *Adapter) trackMuted(identity string, src TrackSource, muted bool) {
	audio := src.TrackType() == media.TrackAudio
	a.mu.Lock()
	prev, ok := a.participants[identity]
	if !ok {
		a.mu.Unlock()
		return
	}
	next := prev.With(func(p *media.Participant) {
		if audio {
			p.AudioEnabled = !muted
			if muted {
				p.Speaking = false
			}
		} else {
			p.VideoEnabled = !muted
		}
	})
	a.participants[identity] = next
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: next})
}

func (a *Adapter) speakersChanged(speakers []string) {
	active := make(map[string]bool, len(speakers))
	for _, id := range speakers {
		active[id] = true
	}
	var changed []*media.Participant
	a.mu.Lock()
	for id, p := range a.participants {
		speaking := active[id] && p.AudioEnabled
		if speaking == p.Speaking {
			continue
		}
		next := p.With(func(p *media.Participant) { p.Speaking = speaking })
		a.participants[id] = next
		changed = append(changed, next)
	}
	a.mu.Unlock()
	for _, p := range changed {
		a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: p})
	}
}

func (a *Adapter) connectionChanged(state ConnectionState, cause error) {
	a.mu.Lock()
	var emit media.EventType
	switch {
	case state == StateReconnecting && a.status == media.StatusConnected:
		a.status = media.StatusReconnecting
		emit = media.EventReconnecting
	case state == StateConnected && a.status == media.StatusReconnecting:
		a.status = media.StatusConnected
		emit = media.EventConnected
	case state == StateDisconnected && (a.status == media.StatusConnected || a.status == media.StatusReconnecting):
		a.status = media.StatusDisconnected
		emit = media.EventDisconnected
	}
	a.mu.Unlock()
	if emit == "" {
		return
	}
	slog.Info("altsfu: connection state changed", "state", state, "err", cause)
	ev := media.Event{Type: emit}
	if emit == media.EventDisconnected && cause != nil {
		ev.Err = fmt.Errorf("altsfu: room closed: %w: %w", media.ErrConnection, cause)
	}
	a.em.Emit(ev)
}

func (a *Adapter) transcribed(identity string, seg *Segment) {
	if seg == nil || seg.Text == "" {
		return
	}
	a.mu.Lock()
	lang := seg.Language
	if lang == "" {
		lang = a.language
	}
	entry := media.TranscriptEntry{
		ParticipantID: identity,
		Text:          seg.Text,
		Final:         seg.Final,
		Language:      lang,
		At:            time.Now(),
	}
	if seg.Final {
		a.transcript = append(a.transcript, entry)
	}
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventTranscript, Transcript: &entry})
}
