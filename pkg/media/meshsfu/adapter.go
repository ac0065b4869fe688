package meshsfu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/circlecall/pkg/media"
)

// Default adapter parameters.
const (
	defaultUIDRetries      = 2
	defaultRetryBackoff    = 300 * time.Millisecond
	defaultDisconnectWait  = 3 * time.Second
	defaultSettleDelay     = 500 * time.Millisecond
	defaultMetricsInterval = 2 * time.Second
	defaultSpeakingLevel   = 5
	eventQueueSize         = 128
)

// Compile-time interface assertions.
var (
	_ media.Provider       = (*Adapter)(nil)
	_ media.NativeBlurrer  = (*Adapter)(nil)
	_ media.DeviceSwitcher = (*Adapter)(nil)
)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithUIDRetries sets how often a join is retried with a perturbed uid after
// [ErrUIDConflict], and the delay before the first retry. The delay grows
// linearly with each attempt.
func WithUIDRetries(n int, backoff time.Duration) Option {
	return func(a *Adapter) {
		a.uidRetries = n
		if backoff > 0 {
			a.retryBackoff = backoff
		}
	}
}

// WithDisconnectWait bounds how long Join waits for an in-progress
// disconnect and how long it lets the client settle afterwards.
func WithDisconnectWait(wait, settle time.Duration) Option {
	return func(a *Adapter) {
		a.disconnectWait = wait
		a.settleDelay = settle
	}
}

// WithProfile overrides the camera profile.
func WithProfile(p TrackProfile) Option {
	return func(a *Adapter) { a.profile = p }
}

// WithDevices selects the microphone and camera used on join.
func WithDevices(micID, cameraID string) Option {
	return func(a *Adapter) {
		a.micID = micID
		a.cameraID = cameraID
	}
}

// WithScreenAudio captures system audio alongside screen shares.
func WithScreenAudio(v bool) Option {
	return func(a *Adapter) { a.screenAudio = v }
}

// WithMetricsInterval sets how often call statistics are sampled. Zero
// disables sampling.
func WithMetricsInterval(d time.Duration) Option {
	return func(a *Adapter) { a.metricsInterval = d }
}

// WithSpeakingLevel sets the volume level (0..100) above which a
// participant counts as speaking.
func WithSpeakingLevel(level int) Option {
	return func(a *Adapter) { a.speakingLevel = level }
}

// Adapter implements [media.Provider] on a [Client].
//
// Client events are handled in arrival order on a single goroutine, so a
// participant entry is only updated after the subscribe it depends on has
// completed.
type Adapter struct {
	client Client
	em     media.Emitter

	uidRetries      int
	retryBackoff    time.Duration
	disconnectWait  time.Duration
	settleDelay     time.Duration
	profile         TrackProfile
	micID           string
	cameraID        string
	screenAudio     bool
	metricsInterval time.Duration
	speakingLevel   int

	// op serialises join, leave, screen share and device switches.
	op sync.Mutex

	mu           sync.Mutex
	status       media.Status
	inCall       bool
	roomID       string
	localID      string
	participants map[string]*media.Participant
	mic          *localTrack
	camera       *localTrack
	screen       *localTrack
	screenAudioT *localTrack
	transcribing bool
	language     string
	transcript   []media.TranscriptEntry
	metrics      *media.Metrics
	queue        chan Event
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// localTrack pairs a client track with the handle handed to callers.
type localTrack struct {
	client LocalTrack
	handle *media.Track
}

// New returns an adapter driving client.
func New(client Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:          client,
		uidRetries:      defaultUIDRetries,
		retryBackoff:    defaultRetryBackoff,
		disconnectWait:  defaultDisconnectWait,
		settleDelay:     defaultSettleDelay,
		profile:         GroupProfile,
		metricsInterval: defaultMetricsInterval,
		speakingLevel:   defaultSpeakingLevel,
		status:          media.StatusIdle,
		participants:    make(map[string]*media.Participant),
	}
	for _, o := range opts {
		o(a)
	}
	client.OnEvent(a.enqueue)
	return a
}

// Kind implements [media.Provider].
func (a *Adapter) Kind() media.Kind { return media.KindMeshSFU }

// Join implements [media.Provider]. Joining while a join is underway or
// established returns the current identity.
func (a *Adapter) Join(ctx context.Context, cfg media.JoinConfig) (string, error) {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	if a.status.Active() {
		id := a.localID
		a.mu.Unlock()
		return id, nil
	}
	stale := a.inCall
	a.mu.Unlock()
	if stale {
		// The backend dropped the previous call; release it first.
		if err := a.teardown(ctx); err != nil {
			slog.Warn("meshsfu: release dropped call", "err", err)
		}
	}

	a.mu.Lock()
	a.status = media.StatusConnecting
	a.roomID = cfg.RoomID
	a.mu.Unlock()

	if err := a.awaitDisconnect(ctx); err != nil {
		return "", a.failJoin(err)
	}

	a.startLoop()
	uid, err := a.joinWithRetry(ctx, cfg)
	if err != nil {
		a.stopLoop()
		return "", a.failJoin(err)
	}

	tracks, err := a.createTracks(ctx, cfg)
	if err != nil {
		a.abortJoin(ctx)
		return "", a.failJoin(err)
	}
	if err := a.publish(ctx, tracks); err != nil {
		for _, t := range tracks {
			t.handle.Stop()
		}
		a.abortJoin(ctx)
		return "", a.failJoin(fmt.Errorf("meshsfu: publish local tracks: %w: %w", media.ErrConnection, err))
	}

	a.mu.Lock()
	a.localID = uid
	a.status = media.StatusConnected
	a.inCall = true
	for _, t := range tracks {
		switch t.handle.Type {
		case media.TrackAudio:
			a.mic = t
		case media.TrackVideo:
			a.camera = t
		}
	}
	a.mu.Unlock()

	slog.Info("meshsfu: joined", "room", cfg.RoomID, "uid", uid, "tracks", len(tracks))
	a.em.Emit(media.Event{Type: media.EventConnected})
	for _, t := range tracks {
		a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: t.handle})
	}
	return uid, nil
}

// awaitDisconnect waits out a disconnect the client is still performing,
// then lets it settle before joining again.
func (a *Adapter) awaitDisconnect(ctx context.Context) error {
	if a.client.ConnectionState() != StateDisconnecting {
		return nil
	}
	slog.Debug("meshsfu: waiting for previous disconnect")
	deadline := time.NewTimer(a.disconnectWait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for a.client.ConnectionState() == StateDisconnecting {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			slog.Warn("meshsfu: client still disconnecting, joining anyway", "waited", a.disconnectWait)
			return nil
		case <-tick.C:
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.settleDelay):
		return nil
	}
}

func (a *Adapter) joinWithRetry(ctx context.Context, cfg media.JoinConfig) (string, error) {
	uid := cfg.UserID
	for attempt := 0; ; attempt++ {
		assigned, err := a.client.Join(ctx, cfg.RoomID, cfg.Token, uid)
		if err == nil {
			return assigned, nil
		}
		if !errors.Is(err, ErrUIDConflict) {
			return "", fmt.Errorf("meshsfu: join %s: %w: %w", cfg.RoomID, media.ErrConnection, err)
		}
		if attempt >= a.uidRetries {
			return "", fmt.Errorf("meshsfu: join %s as %s after %d attempts: %w", cfg.RoomID, uid, attempt+1, media.ErrIdentityCollision)
		}
		next := perturbUID(cfg.UserID)
		slog.Warn("meshsfu: uid in use, retrying", "uid", uid, "next", next, "attempt", attempt+1)
		uid = next
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// perturbUID derives a fresh uid from base so it still identifies the user
// in logs.
func perturbUID(base string) string {
	if base == "" {
		return uuid.NewString()[:8]
	}
	return base + "-" + uuid.NewString()[:4]
}

func (a *Adapter) createTracks(ctx context.Context, cfg media.JoinConfig) ([]*localTrack, error) {
	var out []*localTrack
	release := func() {
		for _, t := range out {
			t.handle.Stop()
		}
	}
	if cfg.Audio {
		mic, err := a.client.CreateMicrophoneTrack(ctx, a.micID)
		if err != nil {
			return nil, fmt.Errorf("meshsfu: microphone: %w: %w", media.ErrDevice, err)
		}
		out = append(out, a.wrapLocal(mic))
	}
	if cfg.Video {
		cam, err := a.client.CreateCameraTrack(ctx, a.cameraID, a.profile)
		if err != nil {
			release()
			return nil, fmt.Errorf("meshsfu: camera: %w: %w", media.ErrDevice, err)
		}
		out = append(out, a.wrapLocal(cam))
	}
	return out, nil
}

func (a *Adapter) wrapLocal(t LocalTrack) *localTrack {
	h := media.NewPlayerTrack(t.ID(), t.Type(), t)
	h.Local = true
	h.Label = t.Label()
	h.OnStop(t.Close)
	return &localTrack{client: t, handle: h}
}

func (a *Adapter) publish(ctx context.Context, tracks []*localTrack) error {
	if len(tracks) == 0 {
		return nil
	}
	cts := make([]LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		cts = append(cts, t.client)
	}
	return a.client.Publish(ctx, cts...)
}

// abortJoin leaves the channel after a failure that happened once the
// client had joined.
func (a *Adapter) abortJoin(ctx context.Context) {
	if err := a.client.Leave(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("meshsfu: leave after failed join", "err", err)
	}
	a.stopLoop()
}

func (a *Adapter) failJoin(err error) error {
	a.mu.Lock()
	a.status = media.StatusIdle
	a.roomID = ""
	a.mu.Unlock()
	slog.Warn("meshsfu: join failed", "err", err)
	a.em.Emit(media.Event{Type: media.EventConnectionError, Err: err})
	return err
}

// Leave implements [media.Provider].
func (a *Adapter) Leave(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()
	return a.teardown(ctx)
}

// teardown leaves the channel and releases every track. It is a no-op
// outside a call.
func (a *Adapter) teardown(ctx context.Context) error {
	a.mu.Lock()
	if !a.inCall {
		a.mu.Unlock()
		return nil
	}
	a.inCall = false
	transcribing := a.transcribing
	a.transcribing = false
	a.mu.Unlock()

	if transcribing {
		if err := a.client.StopTranscription(ctx); err != nil {
			slog.Warn("meshsfu: stop transcription", "err", err)
		}
	}
	leaveErr := a.client.Leave(ctx)
	a.stopLoop()

	a.mu.Lock()
	locals := []*localTrack{a.mic, a.camera, a.screen, a.screenAudioT}
	a.mic, a.camera, a.screen, a.screenAudioT = nil, nil, nil, nil
	remotes := a.participants
	a.participants = make(map[string]*media.Participant)
	a.status = media.StatusDisconnected
	a.localID = ""
	a.metrics = nil
	a.mu.Unlock()

	for _, t := range locals {
		if t != nil {
			t.handle.Stop()
		}
	}
	for _, p := range remotes {
		stopRemote(p)
	}
	a.em.Emit(media.Event{Type: media.EventDisconnected})
	if leaveErr != nil {
		return fmt.Errorf("meshsfu: leave: %w", leaveErr)
	}
	return nil
}

func stopRemote(p *media.Participant) {
	if p.Audio != nil {
		p.Audio.Stop()
	}
	if p.Video != nil {
		p.Video.Stop()
	}
}

// ToggleAudio implements [media.Provider].
func (a *Adapter) ToggleAudio(ctx context.Context, enabled bool) (bool, error) {
	a.mu.Lock()
	t := a.mic
	a.mu.Unlock()
	return toggle(ctx, t, enabled)
}

// ToggleVideo implements [media.Provider]. While screen sharing, the camera
// state is recorded and applied when the camera is republished.
func (a *Adapter) ToggleVideo(ctx context.Context, enabled bool) (bool, error) {
	a.mu.Lock()
	t := a.camera
	a.mu.Unlock()
	return toggle(ctx, t, enabled)
}

func toggle(ctx context.Context, t *localTrack, enabled bool) (bool, error) {
	if t == nil {
		return false, media.ErrNotConnected
	}
	if err := t.client.SetEnabled(ctx, enabled); err != nil {
		return t.client.Enabled(), fmt.Errorf("meshsfu: set %s enabled: %w", t.handle.Type, err)
	}
	t.handle.SetEnabled(enabled)
	return enabled, nil
}

// StartScreenShare implements [media.Provider]. The camera is unpublished
// and restored when sharing stops, including when the capture is ended
// through the operating system.
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
	cam := a.camera
	a.mu.Unlock()

	video, audio, err := a.client.CreateScreenTrack(ctx, a.screenAudio)
	if err != nil {
		return fmt.Errorf("meshsfu: screen capture: %w", err)
	}
	screen := a.wrapLocal(video)
	screen.handle.Type = media.TrackScreen
	pub := []LocalTrack{video}
	var sysAudio *localTrack
	if audio != nil {
		sysAudio = a.wrapLocal(audio)
		pub = append(pub, audio)
	}

	// The capture can end while it is being published. The handler only
	// stops the share once it is installed; an earlier end is picked up
	// below.
	var installed, ended atomic.Bool
	video.OnEnded(func() {
		ended.Store(true)
		if !installed.Load() {
			return
		}
		slog.Info("meshsfu: screen capture ended by the system")
		if err := a.stopScreenShare(context.Background(), screen); err != nil {
			slog.Warn("meshsfu: restore camera after screen share", "err", err)
		}
	})

	if cam != nil {
		if err := a.client.Unpublish(ctx, cam.client); err != nil {
			screen.handle.Stop()
			if sysAudio != nil {
				sysAudio.handle.Stop()
			}
			return fmt.Errorf("meshsfu: unpublish camera: %w", err)
		}
		a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: cam.handle})
	}
	if err := a.client.Publish(ctx, pub...); err != nil {
		screen.handle.Stop()
		if sysAudio != nil {
			sysAudio.handle.Stop()
		}
		a.republishCamera(ctx, cam)
		return fmt.Errorf("meshsfu: publish screen: %w", err)
	}

	a.mu.Lock()
	a.screen = screen
	a.screenAudioT = sysAudio
	a.mu.Unlock()
	installed.Store(true)
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: screen.handle})

	if ended.Load() {
		slog.Info("meshsfu: screen capture ended while publishing")
		return a.stopScreenShareLocked(ctx, screen)
	}
	return nil
}

// StopScreenShare implements [media.Provider].
func (a *Adapter) StopScreenShare(ctx context.Context) error {
	return a.stopScreenShare(ctx, nil)
}

// stopScreenShare ends the current share. When only is set, just that share
// is stopped, so a late ended signal cannot stop a newer one.
func (a *Adapter) stopScreenShare(ctx context.Context, only *localTrack) error {
	a.op.Lock()
	defer a.op.Unlock()
	return a.stopScreenShareLocked(ctx, only)
}

// stopScreenShareLocked is stopScreenShare with a.op already held.
func (a *Adapter) stopScreenShareLocked(ctx context.Context, only *localTrack) error {
	a.mu.Lock()
	screen, sysAudio, cam := a.screen, a.screenAudioT, a.camera
	if screen == nil || (only != nil && only != screen) {
		a.mu.Unlock()
		return nil
	}
	a.screen, a.screenAudioT = nil, nil
	a.mu.Unlock()

	pub := []LocalTrack{screen.client}
	if sysAudio != nil {
		pub = append(pub, sysAudio.client)
	}
	var errs []error
	if err := a.client.Unpublish(ctx, pub...); err != nil {
		errs = append(errs, fmt.Errorf("meshsfu: unpublish screen: %w", err))
	}
	screen.handle.Stop()
	if sysAudio != nil {
		sysAudio.handle.Stop()
	}
	a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: screen.handle})
	if err := a.republishCamera(ctx, cam); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Adapter) republishCamera(ctx context.Context, cam *localTrack) error {
	if cam == nil {
		return nil
	}
	if err := a.client.Publish(ctx, cam.client); err != nil {
		return fmt.Errorf("meshsfu: republish camera: %w", err)
	}
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: cam.handle})
	return nil
}

// SwitchDevice implements [media.DeviceSwitcher]. The old track is
// unpublished and closed before the new device is opened.
func (a *Adapter) SwitchDevice(ctx context.Context, typ media.TrackType, deviceID string) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	if a.status != media.StatusConnected {
		a.mu.Unlock()
		return media.ErrNotConnected
	}
	var old *localTrack
	switch typ {
	case media.TrackAudio:
		old = a.mic
		a.micID = deviceID
	case media.TrackVideo:
		old = a.camera
		a.cameraID = deviceID
	default:
		a.mu.Unlock()
		return fmt.Errorf("meshsfu: switch %s: %w", typ, media.ErrUnsupported)
	}
	sharing := a.screen != nil
	a.mu.Unlock()

	enabled := true
	published := !(typ == media.TrackVideo && sharing)
	if old != nil {
		enabled = old.handle.Enabled()
		if published {
			if err := a.client.Unpublish(ctx, old.client); err != nil {
				slog.Warn("meshsfu: unpublish before device switch", "type", typ, "err", err)
			}
			a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: old.handle})
		}
		old.handle.Stop()
	}

	var (
		lt  LocalTrack
		err error
	)
	if typ == media.TrackAudio {
		lt, err = a.client.CreateMicrophoneTrack(ctx, deviceID)
	} else {
		lt, err = a.client.CreateCameraTrack(ctx, deviceID, a.profile)
	}
	if err != nil {
		a.setLocal(typ, nil)
		return fmt.Errorf("meshsfu: open %s %q: %w: %w", typ, deviceID, media.ErrDevice, err)
	}
	next := a.wrapLocal(lt)
	if !enabled {
		if err := lt.SetEnabled(ctx, false); err != nil {
			slog.Warn("meshsfu: keep switched track muted", "err", err)
		}
		next.handle.SetEnabled(false)
	}
	if published {
		if err := a.client.Publish(ctx, lt); err != nil {
			next.handle.Stop()
			a.setLocal(typ, nil)
			return fmt.Errorf("meshsfu: publish switched %s: %w", typ, err)
		}
	}
	a.setLocal(typ, next)
	if published {
		a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: next.handle})
	}
	return nil
}

func (a *Adapter) setLocal(typ media.TrackType, t *localTrack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if typ == media.TrackAudio {
		a.mic = t
	} else {
		a.camera = t
	}
}

// EnableTranscription implements [media.Provider] with the client's native
// transcription.
func (a *Adapter) EnableTranscription(lang string) {
	a.mu.Lock()
	if a.status != media.StatusConnected {
		a.mu.Unlock()
		slog.Warn("meshsfu: transcription requested while not connected", "lang", lang)
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.StartTranscription(ctx, lang); err != nil {
		slog.Warn("meshsfu: start transcription", "lang", lang, "err", err)
		return
	}
	a.mu.Lock()
	a.transcribing = true
	a.language = lang
	a.mu.Unlock()
}

// BlurExtension implements [media.NativeBlurrer].
func (a *Adapter) BlurExtension(ctx context.Context) (media.BlurExtension, error) {
	ext, err := a.client.BlurExtension(ctx)
	if err != nil {
		return nil, fmt.Errorf("meshsfu: blur extension: %w", err)
	}
	return ext, nil
}

// LocalTracks implements [media.Provider].
func (a *Adapter) LocalTracks() media.LocalTracks {
	a.mu.Lock()
	defer a.mu.Unlock()
	var lt media.LocalTracks
	if a.mic != nil {
		lt.Audio = a.mic.handle
	}
	if a.camera != nil {
		lt.Video = a.camera.handle
	}
	if a.screen != nil {
		lt.Screen = a.screen.handle
	}
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
	ps := make([]*media.Participant, 0, len(a.participants))
	for _, p := range a.participants {
		ps = append(ps, p)
	}
	slices.SortFunc(ps, func(x, y *media.Participant) int { return strings.Compare(x.ID, y.ID) })
	return media.AdapterState{
		Status:        a.status,
		RoomID:        a.roomID,
		LocalID:       a.localID,
		Participants:  ps,
		ScreenSharing: a.screen != nil,
		Transcribing:  a.transcribing,
	}
}

// Subscribe implements [media.Provider].
func (a *Adapter) Subscribe(fn func(media.Event)) func() { return a.em.Subscribe(fn) }
