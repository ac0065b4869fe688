package meshsfu

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

// startLoop starts the event and metrics goroutines for one call.
func (a *Adapter) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	q := make(chan Event, eventQueueSize)

	a.mu.Lock()
	a.queue = q
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx, q)
	if a.metricsInterval > 0 {
		a.wg.Add(1)
		go a.sampleMetrics(ctx)
	}
}

func (a *Adapter) stopLoop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.queue = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// enqueue is the client's event handler. Events arriving outside a call are
// dropped.
func (a *Adapter) enqueue(ev Event) {
	a.mu.Lock()
	q := a.queue
	a.mu.Unlock()
	if q == nil {
		slog.Debug("meshsfu: event outside a call dropped", "type", ev.Type, "uid", ev.UID)
		return
	}
	select {
	case q <- ev:
	default:
		slog.Warn("meshsfu: event queue full, dropping event", "type", ev.Type, "uid", ev.UID)
	}
}

func (a *Adapter) run(ctx context.Context, q <-chan Event) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			a.handle(ctx, ev)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventUserJoined:
		a.userJoined(ev.UID, ev.Name)
	case EventUserLeft:
		a.userLeft(ev.UID)
	case EventUserPublished:
		a.userPublished(ctx, ev.UID, ev.MediaType)
	case EventUserUnpublished:
		a.userUnpublished(ev.UID, ev.MediaType)
	case EventUserInfoUpdated:
		a.userInfoUpdated(ev.UID, ev.Info)
	case EventVolumeIndicator:
		a.volumes(ev.Volumes)
	case EventConnectionChange:
		a.connectionChanged(ev.State, ev.Reason)
	case EventException:
		a.em.Emit(media.Event{Type: media.EventConnectionError, Err: fmt.Errorf("meshsfu: %w: %w", media.ErrConnection, ev.Err)})
	case EventTranscript:
		a.transcribed(ev.UID, ev.Text, ev.Final)
	default:
		slog.Debug("meshsfu: unhandled client event", "type", ev.Type)
	}
}

func (a *Adapter) userJoined(uid, name string) {
	a.mu.Lock()
	if _, ok := a.participants[uid]; ok || uid == a.localID {
		a.mu.Unlock()
		return
	}
	p := &media.Participant{ID: uid, Name: name}
	a.participants[uid] = p
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventParticipantJoined, Participant: p})
}

func (a *Adapter) userLeft(uid string) {
	a.mu.Lock()
	p, ok := a.participants[uid]
	delete(a.participants, uid)
	a.mu.Unlock()
	if !ok {
		return
	}
	stopRemote(p)
	a.em.Emit(media.Event{Type: media.EventParticipantLeft, Participant: p})
}

// userPublished subscribes first and only then records the track, so
// observers never see a handle that cannot play yet.
func (a *Adapter) userPublished(ctx context.Context, uid string, mt MediaType) {
	player, err := a.client.Subscribe(ctx, uid, mt)
	if err != nil {
		slog.Warn("meshsfu: subscribe failed", "uid", uid, "media", mt, "err", err)
		return
	}
	typ := media.TrackAudio
	if mt == MediaVideo {
		typ = media.TrackVideo
	}
	track := media.NewPlayerTrack(uid+"-"+string(mt), typ, player)
	track.ParticipantID = uid
	track.OnStop(player.Stop)

	a.mu.Lock()
	prev, known := a.participants[uid]
	var old *media.Track
	next := prev.With(func(p *media.Participant) {
		p.ID = uid
		if typ == media.TrackAudio {
			old, p.Audio, p.AudioEnabled = p.Audio, track, true
		} else {
			old, p.Video, p.VideoEnabled = p.Video, track, true
		}
	})
	a.participants[uid] = next
	a.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if !known {
		a.em.Emit(media.Event{Type: media.EventParticipantJoined, Participant: next})
	}
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: track, Participant: next})
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: next})
}

func (a *Adapter) userUnpublished(uid string, mt MediaType) {
	a.mu.Lock()
	prev, ok := a.participants[uid]
	if !ok {
		a.mu.Unlock()
		return
	}
	var old *media.Track
	next := prev.With(func(p *media.Participant) {
		if mt == MediaAudio {
			old, p.Audio, p.AudioEnabled = p.Audio, nil, false
		} else {
			old, p.Video, p.VideoEnabled = p.Video, nil, false
		}
	})
	a.participants[uid] = next
	a.mu.Unlock()

	if old == nil {
		return
	}
	old.Stop()
	a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: old, Participant: next})
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: next})
}

// userInfoUpdated applies a mute change by replacing the participant.
func (a *Adapter) userInfoUpdated(uid, info string) {
	var apply func(*media.Participant)
	switch info {
	case InfoMuteAudio:
		apply = func(p *media.Participant) {
			p.AudioEnabled = false
			p.Speaking = false
		}
	case InfoUnmuteAudio:
		apply = func(p *media.Participant) { p.AudioEnabled = true }
	case InfoMuteVideo:
		apply = func(p *media.Participant) { p.VideoEnabled = false }
	case InfoUnmuteVideo:
		apply = func(p *media.Participant) { p.VideoEnabled = true }
	default:
		slog.Debug("meshsfu: ignoring user info", "uid", uid, "info", info)
		return
	}
	a.mu.Lock()
	prev, ok := a.participants[uid]
	if !ok {
		a.mu.Unlock()
		return
	}
	next := prev.With(apply)
	a.participants[uid] = next
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: next})
}

func (a *Adapter) volumes(vs []Volume) {
	levels := make(map[string]int, len(vs))
	for _, v := range vs {
		levels[v.UID] = v.Level
	}
	var changed []*media.Participant
	a.mu.Lock()
	for uid, p := range a.participants {
		speaking := levels[uid] > a.speakingLevel && p.AudioEnabled
		if speaking == p.Speaking {
			continue
		}
		next := p.With(func(p *media.Participant) { p.Speaking = speaking })
		a.participants[uid] = next
		changed = append(changed, next)
	}
	a.mu.Unlock()
	for _, p := range changed {
		a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: p})
	}
}

func (a *Adapter) connectionChanged(state ConnectionState, reason string) {
	a.mu.Lock()
	cur := a.status
	var emit media.EventType
	switch state {
	case StateReconnecting:
		if cur == media.StatusConnected {
			a.status = media.StatusReconnecting
			emit = media.EventReconnecting
		}
	case StateConnected:
		if cur == media.StatusReconnecting {
			a.status = media.StatusConnected
			emit = media.EventConnected
		}
	case StateDisconnected:
		if cur == media.StatusConnected || cur == media.StatusReconnecting {
			a.status = media.StatusDisconnected
			emit = media.EventDisconnected
		}
	}
	a.mu.Unlock()
	if emit == "" {
		return
	}
	slog.Info("meshsfu: connection state changed", "state", state, "reason", reason)
	ev := media.Event{Type: emit}
	if emit == media.EventDisconnected && reason != "" {
		ev.Err = fmt.Errorf("meshsfu: disconnected: %s: %w", reason, media.ErrConnection)
	}
	a.em.Emit(ev)
}

func (a *Adapter) transcribed(uid, text string, final bool) {
	if text == "" {
		return
	}
	a.mu.Lock()
	entry := media.TranscriptEntry{
		ParticipantID: uid,
		Text:          text,
		Final:         final,
		Language:      a.language,
		At:            time.Now(),
	}
	if final {
		a.transcript = append(a.transcript, entry)
	}
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventTranscript, Transcript: &entry})
}

func (a *Adapter) sampleMetrics(ctx context.Context) {
	defer a.wg.Done()
	tick := time.NewTicker(a.metricsInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		m := a.client.Stats()
		if m == nil {
			continue
		}
		a.mu.Lock()
		a.metrics = m
		a.mu.Unlock()
		a.em.Emit(media.Event{Type: media.EventMetricsUpdated, Metrics: m})
	}
}
