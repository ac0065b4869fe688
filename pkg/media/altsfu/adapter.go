package altsfu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/circlecall/pkg/media"
)

var (
	_ media.Provider       = (*Adapter)(nil)
	_ media.NativeBlurrer  = (*Adapter)(nil)
	_ media.DeviceSwitcher = (*Adapter)(nil)
)

// DefaultCapture is the camera capture used when none is configured.
var DefaultCapture = CaptureOptions{Width: 960, Height: 540, FrameRate: 24, MaxBitrate: 1200}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithIdentityRetries sets how often Connect is retried with a fresh
// identity after [ErrDuplicateIdentity].
func WithIdentityRetries(n int, backoff time.Duration) Option {
	return func(a *Adapter) {
		a.retries = n
		a.backoff = backoff
	}
}

// WithCapture overrides the camera capture options. The device id is kept
// from [WithDevices].
func WithCapture(c CaptureOptions) Option {
	return func(a *Adapter) { a.capture = c }
}

// WithDevices selects the microphone and camera.
func WithDevices(micID, cameraID string) Option {
	return func(a *Adapter) {
		a.micID = micID
		a.capture.DeviceID = cameraID
	}
}

// WithScreenAudio shares system audio with the screen.
func WithScreenAudio(v bool) Option {
	return func(a *Adapter) { a.screenAudio = v }
}

// WithMetricsInterval sets the stats sampling interval; zero disables it.
func WithMetricsInterval(d time.Duration) Option {
	return func(a *Adapter) { a.metricsInterval = d }
}

// Adapter implements [media.Provider] on a [Room].
type Adapter struct {
	room Room
	em   media.Emitter

	retries         int
	backoff         time.Duration
	capture         CaptureOptions
	micID           string
	screenAudio     bool
	metricsInterval time.Duration

	op sync.Mutex

	mu           sync.Mutex
	status       media.Status
	inCall       bool
	roomID       string
	identity     string
	participants map[string]*media.Participant
	local        map[TrackSource]*published
	language     string
	transcript   []media.TranscriptEntry
	metrics      *media.Metrics
	stopMetrics  context.CancelFunc
	metricsDone  chan struct{}
}

// published is a local track and its canonical handle.
type published struct {
	track  LocalTrack
	handle *media.Track
	live   bool
}

// New returns an adapter for room.
func New(room Room, opts ...Option) *Adapter {
	a := &Adapter{
		room:            room,
		retries:         2,
		backoff:         250 * time.Millisecond,
		capture:         DefaultCapture,
		metricsInterval: 2 * time.Second,
		status:          media.StatusIdle,
		participants:    make(map[string]*media.Participant),
		local:           make(map[TrackSource]*published),
	}
	for _, o := range opts {
		o(a)
	}
	room.OnEvent(a.handle)
	return a
}

// Kind implements [media.Provider].
func (a *Adapter) Kind() media.Kind { return media.KindAltSFU }

// Join implements [media.Provider].
func (a *Adapter) Join(ctx context.Context, cfg media.JoinConfig) (string, error) {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	if a.status.Active() {
		id := a.identity
		a.mu.Unlock()
		return id, nil
	}
	stale := a.inCall
	a.mu.Unlock()
	if stale {
		if err := a.teardown(ctx); err != nil {
			slog.Warn("altsfu: release dropped call", "err", err)
		}
	}

	a.mu.Lock()
	a.status = media.StatusConnecting
	a.roomID = cfg.RoomID
	a.inCall = true
	a.mu.Unlock()

	identity, err := a.connect(ctx, cfg)
	if err != nil {
		return "", a.failJoin(err)
	}
	a.mu.Lock()
	a.identity = identity
	a.mu.Unlock()

	var tracks []*published
	if cfg.Audio {
		p, err := a.openLocal(ctx, SourceMicrophone)
		if err != nil {
			a.disconnect(ctx)
			return "", a.failJoin(err)
		}
		tracks = append(tracks, p)
	}
	if cfg.Video {
		p, err := a.openLocal(ctx, SourceCamera)
		if err != nil {
			for _, t := range tracks {
				t.handle.Stop()
			}
			a.disconnect(ctx)
			return "", a.failJoin(err)
		}
		tracks = append(tracks, p)
	}
	for _, p := range tracks {
		if err := a.room.PublishTrack(ctx, p.track); err != nil {
			for _, t := range tracks {
				t.handle.Stop()
			}
			a.disconnect(ctx)
			return "", a.failJoin(fmt.Errorf("altsfu: publish %s: %w: %w", p.track.Source(), media.ErrConnection, err))
		}
		p.live = true
	}

	a.mu.Lock()
	for _, p := range tracks {
		a.local[p.track.Source()] = p
	}
	a.status = media.StatusConnected
	a.mu.Unlock()
	a.startMetrics()

	slog.Info("altsfu: joined", "room", cfg.RoomID, "identity", identity)
	a.em.Emit(media.Event{Type: media.EventConnected})
	for _, p := range tracks {
		a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: p.handle})
	}
	return identity, nil
}

func (a *Adapter) connect(ctx context.Context, cfg media.JoinConfig) (string, error) {
	opts := ConnectOptions{Room: cfg.RoomID, Identity: cfg.UserID, Name: cfg.DisplayName, Token: cfg.Token}
	for attempt := 0; ; attempt++ {
		identity, err := a.room.Connect(ctx, opts)
		switch {
		case err == nil:
			return identity, nil
		case !errors.Is(err, ErrDuplicateIdentity):
			return "", fmt.Errorf("altsfu: connect %s: %w: %w", cfg.RoomID, media.ErrConnection, err)
		case attempt >= a.retries:
			return "", fmt.Errorf("altsfu: connect %s as %s: %w", cfg.RoomID, opts.Identity, media.ErrIdentityCollision)
		}
		opts.Identity = cfg.UserID + "#" + uuid.NewString()[:6]
		slog.Warn("altsfu: identity taken, retrying", "identity", cfg.UserID, "next", opts.Identity)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.backoff << attempt):
		}
	}
}

func (a *Adapter) openLocal(ctx context.Context, src TrackSource) (*published, error) {
	opts := a.capture
	if src == SourceMicrophone {
		opts = CaptureOptions{DeviceID: a.micID}
	}
	t, err := a.room.CreateLocalTrack(ctx, src, opts)
	if err != nil {
		return nil, fmt.Errorf("altsfu: open %s: %w: %w", src, media.ErrDevice, err)
	}
	return a.wrap(t), nil
}

func (a *Adapter) wrap(t LocalTrack) *published {
	h := media.NewAttachableTrack(t.ID(), t.Source().TrackType(), t)
	h.Local = true
	h.Label = t.Label()
	h.OnStop(t.Stop)
	return &published{track: t, handle: h}
}

func (a *Adapter) disconnect(ctx context.Context) {
	if err := a.room.Disconnect(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("altsfu: disconnect after failed join", "err", err)
	}
}

func (a *Adapter) failJoin(err error) error {
	a.mu.Lock()
	a.status = media.StatusIdle
	a.inCall = false
	a.roomID = ""
	a.identity = ""
	a.mu.Unlock()
	slog.Warn("altsfu: join failed", "err", err)
	a.em.Emit(media.Event{Type: media.EventConnectionError, Err: err})
	return err
}

// Leave implements [media.Provider].
func (a *Adapter) Leave(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()
	return a.teardown(ctx)
}

func (a *Adapter) teardown(ctx context.Context) error {
	a.mu.Lock()
	if !a.inCall {
		a.mu.Unlock()
		return nil
	}
	a.inCall = false
	lang := a.language
	a.language = ""
	a.mu.Unlock()

	a.stopMetricsLoop()
	if lang != "" {
		if err := a.room.SetTranscription(ctx, ""); err != nil {
			slog.Debug("altsfu: stop transcription", "err", err)
		}
	}
	err := a.room.Disconnect(ctx)

	a.mu.Lock()
	locals := a.local
	remotes := a.participants
	a.local = make(map[TrackSource]*published)
	a.participants = make(map[string]*media.Participant)
	a.status = media.StatusDisconnected
	a.identity = ""
	a.metrics = nil
	a.mu.Unlock()

	for _, p := range locals {
		p.handle.Stop()
	}
	for _, p := range remotes {
		releaseRemote(p)
	}
	a.em.Emit(media.Event{Type: media.EventDisconnected})
	if err != nil {
		return fmt.Errorf("altsfu: disconnect: %w", err)
	}
	return nil
}

func releaseRemote(p *media.Participant) {
	for _, t := range []*media.Track{p.Audio, p.Video} {
		if t != nil {
			t.Stop()
		}
	}
}

// ToggleAudio implements [media.Provider].
func (a *Adapter) ToggleAudio(ctx context.Context, enabled bool) (bool, error) {
	return a.setMuted(ctx, SourceMicrophone, !enabled)
}

// ToggleVideo implements [media.Provider].
func (a *Adapter) ToggleVideo(ctx context.Context, enabled bool) (bool, error) {
	return a.setMuted(ctx, SourceCamera, !enabled)
}

func (a *Adapter) setMuted(ctx context.Context, src TrackSource, muted bool) (bool, error) {
	a.mu.Lock()
	p := a.local[src]
	a.mu.Unlock()
	if p == nil {
		return false, media.ErrNotConnected
	}
	if err := p.track.SetMuted(ctx, muted); err != nil {
		return !p.track.Muted(), fmt.Errorf("altsfu: mute %s: %w", src, err)
	}
	p.handle.SetEnabled(!muted)
	return !muted, nil
}

// StartScreenShare implements [media.Provider].
func (a *Adapter) StartScreenShare(ctx context.Context) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	if a.status != media.StatusConnected {
		a.mu.Unlock()
		return media.ErrNotConnected
	}
	if a.local[SourceScreenShare] != nil {
		a.mu.Unlock()
		return nil
	}
	cam := a.local[SourceCamera]
	a.mu.Unlock()

	screen, err := a.openLocal(ctx, SourceScreenShare)
	if err != nil {
		return err
	}
	shared := []*published{screen}
	if a.screenAudio {
		if p, err := a.openLocal(ctx, SourceScreenAudio); err != nil {
			slog.Info("altsfu: sharing screen without audio", "err", err)
		} else {
			shared = append(shared, p)
		}
	}

	if cam != nil && cam.live {
		if err := a.room.UnpublishTrack(ctx, cam.track); err != nil {
			stopAll(shared)
			return fmt.Errorf("altsfu: unpublish camera: %w", err)
		}
		cam.live = false
		a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: cam.handle})
	}
	for _, p := range shared {
		if err := a.room.PublishTrack(ctx, p.track); err != nil {
			for _, q := range shared {
				if q.live {
					_ = a.room.UnpublishTrack(ctx, q.track)
				}
			}
			stopAll(shared)
			if rerr := a.republish(ctx, cam); rerr != nil {
				slog.Warn("altsfu: restore camera", "err", rerr)
			}
			return fmt.Errorf("altsfu: publish %s: %w", p.track.Source(), err)
		}
		p.live = true
	}

	a.mu.Lock()
	for _, p := range shared {
		a.local[p.track.Source()] = p
	}
	a.mu.Unlock()

	screen.track.OnEnded(func() {
		slog.Info("altsfu: screen share ended by the system")
		if err := a.endScreenShare(context.Background(), screen); err != nil {
			slog.Warn("altsfu: end screen share", "err", err)
		}
	})
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: screen.handle})
	return nil
}

func stopAll(ps []*published) {
	for _, p := range ps {
		p.handle.Stop()
	}
}

// StopScreenShare implements [media.Provider].
func (a *Adapter) StopScreenShare(ctx context.Context) error {
	return a.endScreenShare(ctx, nil)
}

// endScreenShare stops the active share, or only the given one when set,
// and puts the camera back.
func (a *Adapter) endScreenShare(ctx context.Context, only *published) error {
	a.op.Lock()
	defer a.op.Unlock()

	a.mu.Lock()
	screen := a.local[SourceScreenShare]
	if screen == nil || (only != nil && screen != only) {
		a.mu.Unlock()
		return nil
	}
	shared := []*published{screen}
	if p := a.local[SourceScreenAudio]; p != nil {
		shared = append(shared, p)
	}
	delete(a.local, SourceScreenShare)
	delete(a.local, SourceScreenAudio)
	cam := a.local[SourceCamera]
	connected := a.status == media.StatusConnected
	a.mu.Unlock()

	var errs []error
	for _, p := range shared {
		if !connected || !p.live {
			continue
		}
		if err := a.room.UnpublishTrack(ctx, p.track); err != nil {
			errs = append(errs, fmt.Errorf("altsfu: unpublish %s: %w", p.track.Source(), err))
		}
	}
	stopAll(shared)
	a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: screen.handle})
	if connected {
		errs = append(errs, a.republish(ctx, cam))
	}
	return errors.Join(errs...)
}

func (a *Adapter) republish(ctx context.Context, cam *published) error {
	if cam == nil || cam.live {
		return nil
	}
	if err := a.room.PublishTrack(ctx, cam.track); err != nil {
		return fmt.Errorf("altsfu: republish camera: %w", err)
	}
	cam.live = true
	a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: cam.handle})
	return nil
}

// SwitchDevice implements [media.DeviceSwitcher].
func (a *Adapter) SwitchDevice(ctx context.Context, typ media.TrackType, deviceID string) error {
	a.op.Lock()
	defer a.op.Unlock()

	src := SourceMicrophone
	switch typ {
	case media.TrackAudio:
	case media.TrackVideo:
		src = SourceCamera
	default:
		return fmt.Errorf("altsfu: switch %s: %w", typ, media.ErrUnsupported)
	}

	a.mu.Lock()
	if a.status != media.StatusConnected {
		a.mu.Unlock()
		return media.ErrNotConnected
	}
	old := a.local[src]
	delete(a.local, src)
	if src == SourceMicrophone {
		a.micID = deviceID
	} else {
		a.capture.DeviceID = deviceID
	}
	sharing := a.local[SourceScreenShare] != nil
	a.mu.Unlock()

	muted := false
	if old != nil {
		muted = old.track.Muted()
		if old.live {
			if err := a.room.UnpublishTrack(ctx, old.track); err != nil {
				slog.Warn("altsfu: unpublish before switch", "source", src, "err", err)
			}
			a.em.Emit(media.Event{Type: media.EventTrackUnpublished, Track: old.handle})
		}
		old.handle.Stop()
	}

	next, err := a.openLocal(ctx, src)
	if err != nil {
		return err
	}
	if muted {
		if err := next.track.SetMuted(ctx, true); err != nil {
			slog.Warn("altsfu: keep switched track muted", "err", err)
		}
		next.handle.SetEnabled(false)
	}
	if src == SourceMicrophone || !sharing {
		if err := a.room.PublishTrack(ctx, next.track); err != nil {
			next.handle.Stop()
			return fmt.Errorf("altsfu: publish switched %s: %w", src, err)
		}
		next.live = true
	}
	a.mu.Lock()
	a.local[src] = next
	a.mu.Unlock()
	if next.live {
		a.em.Emit(media.Event{Type: media.EventTrackPublished, Track: next.handle})
	}
	return nil
}

// EnableTranscription implements [media.Provider] through server-side
// transcription.
func (a *Adapter) EnableTranscription(lang string) {
	a.mu.Lock()
	connected := a.status == media.StatusConnected
	a.mu.Unlock()
	if !connected {
		slog.Warn("altsfu: transcription requested while not connected", "lang", lang)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.room.SetTranscription(ctx, lang); err != nil {
		slog.Warn("altsfu: enable transcription", "lang", lang, "err", err)
		return
	}
	a.mu.Lock()
	a.language = lang
	a.mu.Unlock()
}

// BlurExtension implements [media.NativeBlurrer].
func (a *Adapter) BlurExtension(ctx context.Context) (media.BlurExtension, error) {
	ext, err := a.room.BackgroundProcessor(ctx)
	if err != nil {
		return nil, fmt.Errorf("altsfu: background processor: %w", err)
	}
	return ext, nil
}

// LocalTracks implements [media.Provider].
func (a *Adapter) LocalTracks() media.LocalTracks {
	a.mu.Lock()
	defer a.mu.Unlock()
	handle := func(src TrackSource) *media.Track {
		if p := a.local[src]; p != nil {
			return p.handle
		}
		return nil
	}
	return media.LocalTracks{
		Audio:  handle(SourceMicrophone),
		Video:  handle(SourceCamera),
		Screen: handle(SourceScreenShare),
	}
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
		LocalID:       a.identity,
		Participants:  ps,
		ScreenSharing: a.local[SourceScreenShare] != nil,
		Transcribing:  a.language != "",
	}
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
			m := a.room.Stats()
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
