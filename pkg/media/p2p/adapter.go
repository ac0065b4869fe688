package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
	"github.com/MrWong99/circlecall/pkg/signal"
	"github.com/MrWong99/circlecall/pkg/transcribe"
)

// ErrRejected is returned by Join when the remote party rejects or ends the
// call before it is established.
var ErrRejected = errors.New("p2p: call rejected")

var (
	_ media.Provider   = (*Adapter)(nil)
	_ media.BlurTarget = (*Adapter)(nil)
)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithDevices selects the microphone and camera.
func WithDevices(micID, cameraID string) Option {
	return func(a *Adapter) {
		a.micID = micID
		a.cameraID = cameraID
	}
}

// WithCallTimeout bounds each wait during call setup: the callee's accept,
// the caller's ring, the offer and the answer.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.callTimeout = d }
}

// WithMetricsInterval sets the stats sampling interval; zero disables it.
func WithMetricsInterval(d time.Duration) Option {
	return func(a *Adapter) { a.metricsInterval = d }
}

// WithTranscriber enables client-side transcription of both parties.
func WithTranscriber(p transcribe.Provider) Option {
	return func(a *Adapter) { a.transcriber = p }
}

// Adapter implements [media.Provider] for a two-party call.
type Adapter struct {
	sig     Signaler
	newPeer PeerFactory
	em      media.Emitter

	micID           string
	cameraID        string
	callTimeout     time.Duration
	metricsInterval time.Duration
	transcriber     transcribe.Provider

	op sync.Mutex

	mu          sync.Mutex
	status      media.Status
	inCall      bool
	roomID      string
	peerID      string
	peer        Peer
	remote      *media.Participant
	remoteAudio RemoteTrack
	audio       *local
	video       *local
	screen      *media.Track
	override    media.FrameSource
	collector   *transcribe.Collector
	language    string
	transcript  []media.TranscriptEntry
	metrics     *media.Metrics
	stopMetrics context.CancelFunc
	metricsDone chan struct{}

	box     inbox
	changed chan struct{}
}

type local struct {
	track  LocalTrack
	handle *media.Track
}

// New returns an adapter negotiating over sig. A fresh peer is created
// through newPeer for every call.
func New(sig Signaler, newPeer PeerFactory, opts ...Option) *Adapter {
	a := &Adapter{
		sig:             sig,
		newPeer:         newPeer,
		callTimeout:     30 * time.Second,
		metricsInterval: 2 * time.Second,
		status:          media.StatusIdle,
		box:             newInbox(),
		changed:         make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.listen()
	return a
}

// Kind implements [media.Provider].
func (a *Adapter) Kind() media.Kind { return media.KindP2P }

// Join implements [media.Provider]. The initiator places the call and sends
// the offer; the other side accepts a call that has rung or is about to
// ring and answers the offer.
func (a *Adapter) Join(ctx context.Context, cfg media.JoinConfig) (string, error) {
	a.op.Lock()
	defer a.op.Unlock()

	if cfg.PeerID == "" {
		return "", errors.New("p2p: join requires a peer id")
	}
	a.mu.Lock()
	if a.status.Active() {
		a.mu.Unlock()
		return a.sig.UserID(), nil
	}
	stale := a.inCall
	a.mu.Unlock()
	if stale {
		if err := a.teardown(ctx, false); err != nil {
			slog.Warn("p2p: release dropped call", "err", err)
		}
	}

	a.mu.Lock()
	a.status = media.StatusConnecting
	a.inCall = true
	a.roomID = cfg.RoomID
	a.peerID = cfg.PeerID
	if cfg.Initiator {
		a.box.forget(cfg.PeerID)
	} else {
		delete(a.box.refused, cfg.PeerID)
		delete(a.box.answers, cfg.PeerID)
	}
	a.mu.Unlock()

	if a.sig.State() == signal.StateDisconnected {
		if err := a.sig.Connect(ctx); err != nil {
			return "", a.failJoin(ctx, fmt.Errorf("p2p: signaling: %w: %w", media.ErrConnection, err), false)
		}
	}
	peer, err := a.newPeer()
	if err != nil {
		return "", a.failJoin(ctx, fmt.Errorf("p2p: create peer: %w: %w", media.ErrConnection, err), false)
	}
	peer.OnCandidate(func(c signal.Candidate) {
		if err := a.sig.SendCandidate(context.Background(), cfg.PeerID, c); err != nil {
			slog.Debug("p2p: send candidate", "peer", cfg.PeerID, "err", err)
		}
	})
	peer.OnTrack(a.trackArrived)
	peer.OnState(a.peerState)
	a.mu.Lock()
	a.peer = peer
	a.mu.Unlock()

	if cfg.Audio {
		t, err := peer.OpenMicrophone(ctx, a.micID)
		if err != nil {
			return "", a.failJoin(ctx, fmt.Errorf("p2p: open microphone: %w: %w", media.ErrDevice, err), false)
		}
		a.mu.Lock()
		a.audio = wrap(t)
		a.mu.Unlock()
	}
	if cfg.Video {
		t, err := peer.OpenCamera(ctx, a.cameraID)
		if err != nil {
			return "", a.failJoin(ctx, fmt.Errorf("p2p: open camera: %w: %w", media.ErrDevice, err), false)
		}
		a.mu.Lock()
		a.video = wrap(t)
		a.mu.Unlock()
	}

	wait, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	if cfg.Initiator {
		err = a.placeCall(wait, peer, cfg.PeerID)
	} else {
		err = a.answerCall(wait, peer, cfg.PeerID)
	}
	if err != nil {
		return "", a.failJoin(ctx, err, cfg.Initiator && !errors.Is(err, ErrRejected))
	}

	a.mu.Lock()
	a.status = media.StatusConnected
	joined := a.remote == nil
	if joined {
		a.remote = &media.Participant{ID: cfg.PeerID, Name: cfg.PeerID}
	}
	remote := a.remote
	var published []*media.Track
	for _, l := range []*local{a.audio, a.video} {
		if l != nil {
			published = append(published, l.handle)
		}
	}
	a.mu.Unlock()
	a.startMetrics()

	slog.Info("p2p: call established", "peer", cfg.PeerID, "initiator", cfg.Initiator)
	a.em.Emit(media.Event{Type: media.EventConnected})
	for _, h := range published {
		a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: h})
	}
	if joined {
		a.em.Emit(media.Event{Type: media.EventParticipantJoined, Participant: remote})
	}
	return a.sig.UserID(), nil
}

func wrap(t LocalTrack) *local {
	s := &media.Stream{ID: t.StreamID()}
	if t.Type() == media.TrackAudio {
		s.Audio = t
	} else {
		s.Video = t
	}
	h := media.NewStreamTrack(t.ID(), t.Type(), s)
	h.Local = true
	h.Label = t.Label()
	h.OnStop(t.Close)
	t.OnEnded(h.MarkEnded)
	return &local{track: t, handle: h}
}

func (a *Adapter) placeCall(ctx context.Context, peer Peer, to string) error {
	if err := a.sig.InitiateCall(ctx, to); err != nil {
		return fmt.Errorf("p2p: initiate call: %w: %w", media.ErrConnection, err)
	}
	if err := a.await(ctx, to, "call acceptance", func() bool { return a.box.accepted[to] }); err != nil {
		return err
	}
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("p2p: create offer: %w: %w", media.ErrConnection, err)
	}
	if err := a.sig.SendOffer(ctx, to, offer); err != nil {
		return fmt.Errorf("p2p: send offer: %w: %w", media.ErrConnection, err)
	}
	var answer string
	err = a.await(ctx, to, "answer", func() bool {
		sdp, ok := a.box.answers[to]
		if ok {
			answer = sdp
			delete(a.box.answers, to)
		}
		return ok
	})
	if err != nil {
		return err
	}
	if err := peer.AcceptAnswer(answer); err != nil {
		return fmt.Errorf("p2p: apply answer: %w: %w", media.ErrConnection, err)
	}
	return nil
}

func (a *Adapter) answerCall(ctx context.Context, peer Peer, from string) error {
	err := a.await(ctx, from, "incoming call", func() bool {
		if !a.box.ringing[from] {
			return false
		}
		delete(a.box.ringing, from)
		delete(a.box.offers, from)
		return true
	})
	if err != nil {
		return err
	}
	if err := a.sig.AcceptCall(ctx, from); err != nil {
		return fmt.Errorf("p2p: accept call: %w: %w", media.ErrConnection, err)
	}
	var offer string
	err = a.await(ctx, from, "offer", func() bool {
		sdp, ok := a.box.offers[from]
		if ok {
			offer = sdp
			delete(a.box.offers, from)
		}
		return ok
	})
	if err != nil {
		return err
	}
	answer, err := peer.AcceptOffer(ctx, offer)
	if err != nil {
		return fmt.Errorf("p2p: apply offer: %w: %w", media.ErrConnection, err)
	}
	if err := a.sig.SendAnswer(ctx, from, answer); err != nil {
		return fmt.Errorf("p2p: send answer: %w: %w", media.ErrConnection, err)
	}
	return nil
}

// await blocks until ready reports true, the call is refused or ctx ends.
// ready runs with a.mu held.
func (a *Adapter) await(ctx context.Context, peer, what string, ready func() bool) error {
	for {
		a.mu.Lock()
		ok := ready()
		reason, refused := a.box.refused[peer]
		ch := a.changed
		a.mu.Unlock()
		switch {
		case ok:
			return nil
		case refused:
			return fmt.Errorf("p2p: %s refused the call (%s): %w: %w", peer, reason, ErrRejected, media.ErrConnection)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("p2p: waiting for %s from %s: %w: %w", what, peer, media.ErrConnection, ctx.Err())
		}
	}
}

// wakeLocked releases every [Adapter.await]. Callers hold a.mu.
func (a *Adapter) wakeLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *Adapter) failJoin(ctx context.Context, err error, hangUp bool) error {
	a.mu.Lock()
	peerID := a.peerID
	a.mu.Unlock()
	if hangUp {
		if eerr := a.sig.EndCall(context.WithoutCancel(ctx), peerID); eerr != nil {
			slog.Debug("p2p: end call after failed join", "err", eerr)
		}
	}
	a.release()
	a.mu.Lock()
	a.status = media.StatusIdle
	a.roomID = ""
	a.peerID = ""
	a.mu.Unlock()
	slog.Warn("p2p: join failed", "peer", peerID, "err", err)
	a.em.Emit(media.Event{Type: media.EventConnectionError, Err: err})
	return err
}

// release drops every resource of the current call and reports what it
// held. The status is left to the caller.
func (a *Adapter) release() (remote *media.Participant) {
	a.mu.Lock()
	a.inCall = false
	peer := a.peer
	remote = a.remote
	locals := []*local{a.audio, a.video}
	screen := a.screen
	coll := a.collector
	a.peer, a.remote, a.remoteAudio = nil, nil, nil
	a.audio, a.video, a.screen, a.override = nil, nil, nil, nil
	a.collector, a.language = nil, ""
	a.metrics = nil
	a.box.forget(a.peerID)
	a.mu.Unlock()

	if coll != nil {
		if err := coll.Close(); err != nil {
			slog.Debug("p2p: close transcription", "err", err)
		}
	}
	if screen != nil {
		screen.Stop()
	}
	for _, l := range locals {
		if l != nil {
			l.handle.Stop()
		}
	}
	if remote != nil {
		for _, t := range []*media.Track{remote.Audio, remote.Video} {
			if t != nil {
				t.Stop()
			}
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			slog.Debug("p2p: close peer", "err", err)
		}
	}
	return remote
}

// Leave implements [media.Provider]. The remote party is told the call
// ended.
func (a *Adapter) Leave(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()
	return a.teardown(ctx, true)
}

func (a *Adapter) teardown(ctx context.Context, hangUp bool) error {
	a.mu.Lock()
	if !a.inCall {
		a.mu.Unlock()
		return nil
	}
	peerID := a.peerID
	a.mu.Unlock()

	a.stopMetricsLoop()
	var err error
	if hangUp {
		if eerr := a.sig.EndCall(ctx, peerID); eerr != nil {
			err = fmt.Errorf("p2p: end call: %w", eerr)
		}
	}
	remote := a.release()
	a.mu.Lock()
	a.status = media.StatusDisconnected
	a.peerID = ""
	a.mu.Unlock()

	slog.Info("p2p: call ended", "peer", peerID, "local", hangUp)
	if remote != nil {
		a.em.Emit(media.Event{Type: media.EventParticipantLeft, Participant: remote})
	}
	a.em.Emit(media.Event{Type: media.EventDisconnected})
	return err
}

// Close ends any call and closes the signaling connection when the
// signaler supports it. The signaling connection otherwise outlives calls.
func (a *Adapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Leave(ctx)
	if c, ok := a.sig.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("p2p: close signaling: %w", cerr))
		}
	}
	return err
}

// endedRemotely tears down the call with peer after the remote party hung
// up.
func (a *Adapter) endedRemotely(peer string) {
	a.op.Lock()
	defer a.op.Unlock()
	a.mu.Lock()
	current := a.inCall && a.peerID == peer
	a.mu.Unlock()
	if !current {
		return
	}
	if err := a.teardown(context.Background(), false); err != nil {
		slog.Warn("p2p: release ended call", "err", err)
	}
}

func (a *Adapter) peerState(s PeerState) {
	a.mu.Lock()
	if !a.inCall || a.status == media.StatusConnecting {
		a.mu.Unlock()
		return
	}
	var ev media.Event
	switch {
	case s == PeerDisconnected && a.status == media.StatusConnected:
		a.status = media.StatusReconnecting
		ev = media.Event{Type: media.EventReconnecting}
	case s == PeerConnected && a.status == media.StatusReconnecting:
		a.status = media.StatusConnected
		ev = media.Event{Type: media.EventConnected}
	case s == PeerFailed && a.status.Active():
		a.status = media.StatusDisconnected
		ev = media.Event{Type: media.EventDisconnected, Err: fmt.Errorf("p2p: peer connection failed: %w", media.ErrConnection)}
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	slog.Info("p2p: peer state", "state", s)
	a.em.Emit(ev)
}

// trackArrived adds a received track to the remote participant.
func (a *Adapter) trackArrived(rt RemoteTrack) {
	a.mu.Lock()
	if !a.inCall {
		a.mu.Unlock()
		rt.Stop()
		return
	}
	s := &media.Stream{ID: rt.StreamID()}
	audio := rt.Type() == media.TrackAudio
	if audio {
		s.Audio = rt
	} else {
		s.Video = rt
	}
	h := media.NewStreamTrack(rt.ID(), rt.Type(), s)
	h.ParticipantID = a.peerID
	h.OnStop(rt.Stop)

	joined := a.remote == nil
	var replaced *media.Track
	a.remote = a.remote.With(func(p *media.Participant) {
		if joined {
			p.ID, p.Name = a.peerID, a.peerID
		}
		if audio {
			replaced, p.Audio, p.AudioEnabled = p.Audio, h, true
		} else {
			replaced, p.Video, p.VideoEnabled = p.Video, h, true
		}
	})
	p := a.remote
	var coll *transcribe.Collector
	if audio {
		a.remoteAudio = rt
		coll = a.collector
	}
	a.mu.Unlock()

	if replaced != nil {
		replaced.Stop()
	}
	if coll != nil {
		a.tapRemote(coll, p.ID, rt)
	}
	typ := media.EventParticipantUpdated
	if joined {
		typ = media.EventParticipantJoined
	}
	a.em.Emit(media.Event{Type: typ, Participant: p})
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: h})
	go a.watchRemote(rt, h)
}

// watchRemote drops h from the participant once its track ends.
func (a *Adapter) watchRemote(rt RemoteTrack, h *media.Track) {
	<-rt.Done()
	h.MarkEnded()
	a.mu.Lock()
	if a.remote == nil || (a.remote.Audio != h && a.remote.Video != h) {
		a.mu.Unlock()
		return
	}
	a.remote = a.remote.With(func(p *media.Participant) {
		if p.Audio == h {
			p.Audio, p.AudioEnabled, p.Speaking = nil, false, false
		} else {
			p.Video, p.VideoEnabled = nil, false
		}
	})
	if a.remoteAudio == rt {
		a.remoteAudio = nil
	}
	p := a.remote
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: h})
	a.em.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: p})
}

// ToggleAudio implements [media.Provider].
func (a *Adapter) ToggleAudio(_ context.Context, enabled bool) (bool, error) {
	a.mu.Lock()
	l := a.audio
	a.mu.Unlock()
	return toggle(l, enabled)
}

// ToggleVideo implements [media.Provider].
func (a *Adapter) ToggleVideo(_ context.Context, enabled bool) (bool, error) {
	a.mu.Lock()
	l := a.video
	a.mu.Unlock()
	return toggle(l, enabled)
}

func toggle(l *local, enabled bool) (bool, error) {
	if l == nil {
		return false, media.ErrNotConnected
	}
	l.track.SetEnabled(enabled)
	l.handle.SetEnabled(enabled)
	return enabled, nil
}

// StartScreenShare implements [media.Provider]. The screen is sent through
// the camera's sender, so the remote side needs no renegotiation.
func (a *Adapter) StartScreenShare(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	if a.status != media.StatusConnected {
		a.mu.Unlock()
		return media.ErrNotConnected
	}
	if a.screen != nil {
		a.mu.Unlock()
		return nil
	}
	video, peer := a.video, a.peer
	a.mu.Unlock()
	if video == nil {
		return fmt.Errorf("p2p: screen share needs a camera sender: %w", media.ErrUnsupported)
	}

	src, err := peer.OpenScreen(ctx)
	if err != nil {
		return fmt.Errorf("p2p: open screen: %w: %w", media.ErrDevice, err)
	}
	h := media.NewStreamTrack(src.ID(), media.TrackScreen, &media.Stream{ID: video.track.StreamID(), Video: video.track})
	h.Local = true
	h.OnStop(func() {
		if err := src.Close(); err != nil {
			slog.Debug("p2p: close screen capture", "err", err)
		}
	})

	a.mu.Lock()
	a.screen = h
	a.mu.Unlock()
	video.track.Route(src)
	if n, ok := src.(device.EndNotifier); ok {
		n.OnEnded(func() {
			slog.Info("p2p: screen share ended by the system")
			a.endScreenShare(h)
		})
	}
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: h})
	return nil
}

// StopScreenShare implements [media.Provider].
func (a *Adapter) StopScreenShare(context.Context) error {
	a.endScreenShare(nil)
	return nil
}

// endScreenShare stops the active share, or only h when set, and routes
// the camera or the blur output back into the sender.
func (a *Adapter) endScreenShare(h *media.Track) {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	screen := a.screen
	if screen == nil || (h != nil && screen != h) {
		a.mu.Unlock()
		return
	}
	a.screen = nil
	video, override := a.video, a.override
	a.mu.Unlock()

	if video != nil {
		video.track.Route(override)
	}
	screen.Stop()
	a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: screen})
}

// CameraSource implements [media.BlurTarget].
func (a *Adapter) CameraSource() (media.FrameSource, error) {
	a.mu.Lock()
	video := a.video
	a.mu.Unlock()
	if video == nil {
		return nil, media.ErrNotConnected
	}
	cam := video.track.Camera()
	if cam == nil {
		return nil, fmt.Errorf("p2p: camera source: %w", media.ErrUnsupported)
	}
	return cam, nil
}

// ReplaceVideoSource implements [media.BlurTarget]. While the screen is
// shared the replacement takes effect once sharing stops.
func (a *Adapter) ReplaceVideoSource(src media.FrameSource) error {
	a.mu.Lock()
	video := a.video
	if video == nil {
		a.mu.Unlock()
		return media.ErrNotConnected
	}
	a.override = src
	sharing := a.screen != nil
	a.mu.Unlock()
	if !sharing {
		video.track.Route(src)
	}
	return nil
}

// EnableTranscription implements [media.Provider]. Both parties are
// transcribed locally when a transcriber is configured.
func (a *Adapter) EnableTranscription(lang string) {
	if a.transcriber == nil {
		slog.Warn("p2p: transcription requested without a transcriber", "lang", lang)
		return
	}
	a.mu.Lock()
	if a.status != media.StatusConnected {
		a.mu.Unlock()
		slog.Warn("p2p: transcription requested while not connected", "lang", lang)
		return
	}
	coll := transcribe.NewCollector(a.transcriber, transcribe.StreamConfig{
		SampleRate: device.SampleRate,
		Channels:   device.Channels,
		Language:   lang,
	}, func(speaker string, t transcribe.Transcript) { a.transcribed(lang, speaker, t) })
	prev := a.collector
	a.collector, a.language = coll, lang
	audio, remoteAudio := a.audio, a.remoteAudio
	self := a.sig.UserID()
	peerID := a.peerID
	a.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			slog.Debug("p2p: close previous transcription", "err", err)
		}
	}
	if audio != nil {
		audio.track.SetTap(func(pcm []int16) {
			if err := coll.Feed(context.Background(), self, rtc.PCMBytes(pcm)); err != nil && !errors.Is(err, transcribe.ErrCollectorClosed) {
				slog.Debug("p2p: feed local audio", "err", err)
			}
		})
	}
	if remoteAudio != nil {
		a.tapRemote(coll, peerID, remoteAudio)
	}
	slog.Info("p2p: transcription enabled", "lang", lang)
}

func (a *Adapter) tapRemote(coll *transcribe.Collector, speaker string, rt RemoteTrack) {
	err := rt.SetPCMTap(func(pcm []int16) {
		if err := coll.Feed(context.Background(), speaker, rtc.PCMBytes(pcm)); err != nil && !errors.Is(err, transcribe.ErrCollectorClosed) {
			slog.Debug("p2p: feed remote audio", "err", err)
		}
	})
	if err != nil {
		slog.Warn("p2p: tap remote audio", "err", err)
	}
}

func (a *Adapter) transcribed(lang, speaker string, t transcribe.Transcript) {
	entry := media.TranscriptEntry{
		ParticipantID: speaker,
		Text:          t.Text,
		Final:         t.Final,
		Language:      lang,
		At:            time.Now(),
	}
	a.mu.Lock()
	if !a.inCall || a.language != lang {
		a.mu.Unlock()
		return
	}
	if entry.Final {
		a.transcript = append(a.transcript, entry)
	}
	a.mu.Unlock()
	a.em.Emit(media.Event{Type: media.EventTranscript, Transcript: &entry})
}

// LocalTracks implements [media.Provider].
func (a *Adapter) LocalTracks() media.LocalTracks {
	a.mu.Lock()
	defer a.mu.Unlock()
	var lt media.LocalTracks
	if a.audio != nil {
		lt.Audio = a.audio.handle
	}
	if a.video != nil {
		lt.Video = a.video.handle
	}
	lt.Screen = a.screen
	return lt
}

// CallMetrics implements [media.Provider].
func (a *Adapter) CallMetrics() *media.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Transcript implements [media.Provider].
func (a *Adapter) Transcript() []media.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.transcript)
}

// State implements [media.Provider].
func (a *Adapter) State() media.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := media.AdapterState{
		Status:        a.status,
		RoomID:        a.roomID,
		ScreenSharing: a.screen != nil,
		Transcribing:  a.language != "",
	}
	if a.inCall {
		st.LocalID = a.sig.UserID()
	}
	if a.remote != nil {
		st.Participants = []*media.Participant{a.remote}
	}
	return st
}

// Subscribe implements [media.Provider].
func (a *Adapter) Subscribe(fn func(media.Event)) func() { return a.em.Subscribe(fn) }

func (a *Adapter) startMetrics() {
	if a.metricsInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.stopMetrics, a.metricsDone = cancel, done
	peer := a.peer
	a.mu.Unlock()

	go func() {
		defer close(done)
		tick := time.NewTicker(a.metricsInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			m := peer.Stats()
			if m == nil {
				continue
			}
			a.mu.Lock()
			a.metrics = m
			a.mu.Unlock()
			a.em.Emit(media.Event{Type: media.EventMetricsUpdated, Metrics: m})
		}
	}()
}

func (a *Adapter) stopMetricsLoop() {
	a.mu.Lock()
	cancel, done := a.stopMetrics, a.metricsDone
	a.stopMetrics, a.metricsDone = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
