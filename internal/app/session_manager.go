package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/internal/observe"
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/blur"
)

// ErrBusy is returned by Join while a Leave is still tearing the previous
// call down.
var ErrBusy = errors.New("app: session is leaving")

// ErrNoTransport is returned by call operations when the transport adapter
// could not be constructed. [SessionManager.Retry] attempts it again.
var ErrNoTransport = errors.New("app: no transport adapter")

// SessionState is a snapshot of the managed call, projected from the
// adapter's canonical events.
type SessionState struct {
	Kind    media.Kind
	RoomID  string
	LocalID string
	Status  media.Status

	// Participants maps remote participant ids to their latest snapshot.
	Participants map[string]*media.Participant

	LocalTracks   media.LocalTracks
	ScreenSharing bool
	Metrics       *media.Metrics
	Transcript    []media.TranscriptEntry
	Blur          blur.State

	// Err is the most recent error: a failed adapter construction, join or
	// connection error. It is cleared by the next successful join.
	Err error
}

// Participant returns the participant with id, or nil.
func (s SessionState) Participant(id string) *media.Participant { return s.Participants[id] }

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Kind selects the transport. It is fixed for the manager's lifetime.
	Kind     media.Kind
	Registry *config.Registry
	Deps     config.TransportDeps

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Blur configures the manager's blur pipeline.
	Blur []blur.Option
}

// SessionManager owns one call session on one transport adapter.
//
// The adapter is built once by NewSessionManager. Join and Leave are shared
// between concurrent callers. All exported methods are safe for concurrent
// use.
type SessionManager struct {
	kind    media.Kind
	reg     *config.Registry
	deps    config.TransportDeps
	metrics *observe.Metrics
	blur    *blur.Manager

	// flight deduplicates concurrent Join and Leave calls.
	flight singleflight.Group

	mu          sync.Mutex
	p           media.Provider
	unsubscribe func()
	state       SessionState
	leaving     bool
	joinedAt    time.Time
	nextWatch   int
	watchers    map[int]func(SessionState)
}

// NewSessionManager builds the transport adapter for cfg.Kind. A
// construction failure is not returned: it is kept in State().Err and
// [SessionManager.Retry] can attempt it again.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		kind:     cfg.Kind,
		reg:      cfg.Registry,
		deps:     cfg.Deps,
		metrics:  cfg.Metrics,
		watchers: make(map[int]func(SessionState)),
		state: SessionState{
			Kind:         cfg.Kind,
			Status:       media.StatusIdle,
			Participants: map[string]*media.Participant{},
			Blur:         blur.StateDisabled,
		},
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	opts := append([]blur.Option{
		blur.WithManagerMetrics(sm.metrics),
		blur.WithStateHook(sm.blurChanged),
	}, cfg.Blur...)
	sm.blur = blur.NewManager(opts...)

	if err := sm.build(); err != nil {
		slog.Warn("session: transport unavailable", "transport", cfg.Kind, "err", err)
	}
	return sm
}

func (sm *SessionManager) build() error {
	if sm.reg == nil {
		return sm.setBuildErr(fmt.Errorf("%w: no registry", ErrNoTransport))
	}
	p, err := sm.reg.Create(sm.kind, sm.deps)
	if err != nil {
		return sm.setBuildErr(fmt.Errorf("%w: %w", ErrNoTransport, err))
	}
	unsub := p.Subscribe(sm.handle)

	sm.mu.Lock()
	sm.p = p
	sm.unsubscribe = unsub
	sm.state.Err = nil
	sm.mu.Unlock()
	slog.Info("session: transport ready", "transport", sm.kind)
	return nil
}

func (sm *SessionManager) setBuildErr(err error) error {
	sm.mu.Lock()
	sm.state.Err = err
	sm.mu.Unlock()
	sm.notify()
	return err
}

// Retry builds the transport adapter again after a failed construction.
// It is a no-op when an adapter exists.
func (sm *SessionManager) Retry() error {
	sm.mu.Lock()
	ok := sm.p != nil
	sm.mu.Unlock()
	if ok {
		return nil
	}
	_, err, _ := sm.flight.Do("build", func() (any, error) {
		sm.mu.Lock()
		ok := sm.p != nil
		sm.mu.Unlock()
		if ok {
			return nil, nil
		}
		return nil, sm.build()
	})
	return err
}

// Provider returns the transport adapter, or nil if construction failed.
func (sm *SessionManager) Provider() media.Provider {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.p
}

func (sm *SessionManager) provider() (media.Provider, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.p == nil {
		if sm.state.Err != nil {
			return nil, sm.state.Err
		}
		return nil, ErrNoTransport
	}
	return sm.p, nil
}

// Join enters the room described by cfg and returns the identity used.
// Joining while connecting or connected is a no-op that returns the
// current identity. Concurrent callers share one attempt.
func (sm *SessionManager) Join(ctx context.Context, cfg media.JoinConfig) (string, error) {
	p, err := sm.provider()
	if err != nil {
		return "", err
	}

	sm.mu.Lock()
	if sm.leaving {
		sm.mu.Unlock()
		return "", ErrBusy
	}
	if st := sm.state.Status; st == media.StatusConnecting || st == media.StatusConnected {
		id := sm.state.LocalID
		sm.mu.Unlock()
		if st == media.StatusConnecting {
			return sm.awaitJoin(ctx, cfg, p)
		}
		return id, nil
	}
	sm.mu.Unlock()
	return sm.awaitJoin(ctx, cfg, p)
}

func (sm *SessionManager) awaitJoin(ctx context.Context, cfg media.JoinConfig, p media.Provider) (string, error) {
	// The attempt belongs to every waiter, so the first caller's cancellation
	// must not abort it.
	joinCtx := context.WithoutCancel(ctx)
	ch := sm.flight.DoChan("join", func() (any, error) {
		return sm.join(joinCtx, cfg, p)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (sm *SessionManager) join(ctx context.Context, cfg media.JoinConfig, p media.Provider) (string, error) {
	ctx, span := observe.StartSpan(ctx, "session.join", trace.WithAttributes(
		attribute.String("transport", string(sm.kind)),
		attribute.String("room_id", cfg.RoomID),
	))
	defer span.End()
	log := observe.Logger(ctx)

	sm.mu.Lock()
	if sm.state.Status == media.StatusConnected {
		id := sm.state.LocalID
		sm.mu.Unlock()
		return id, nil
	}
	sm.state.Status = media.StatusConnecting
	sm.state.RoomID = cfg.RoomID
	sm.state.Err = nil
	sm.mu.Unlock()
	sm.notify()

	start := time.Now()
	id, err := p.Join(ctx, cfg)
	if err != nil {
		sm.metrics.RecordJoin(ctx, string(sm.kind), "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")
		log.Warn("session: join failed", "room_id", cfg.RoomID, "transport", sm.kind, "fatal", media.IsCallFatal(err), "err", err)

		sm.mu.Lock()
		sm.state.Status = media.StatusIdle
		sm.state.RoomID = ""
		sm.state.Err = err
		sm.mu.Unlock()
		sm.notify()
		return "", err
	}
	sm.metrics.RecordJoin(ctx, string(sm.kind), "ok", time.Since(start))
	sm.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(attribute.String("local_id", id))

	st := p.State()
	sm.mu.Lock()
	sm.state.LocalID = id
	sm.state.Status = media.StatusConnected
	if st.Status.Active() {
		sm.state.Status = st.Status
	}
	sm.state.LocalTracks = p.LocalTracks()
	for _, part := range st.Participants {
		if _, known := sm.state.Participants[part.ID]; !known {
			sm.metrics.ActiveParticipants.Add(ctx, 1)
		}
		sm.state.Participants[part.ID] = part
	}
	sm.joinedAt = time.Now()
	sm.mu.Unlock()
	sm.notify()

	log.Info("session: joined", "room_id", cfg.RoomID, "transport", sm.kind, "local_id", id, "took", time.Since(start))
	return id, nil
}

// Leave tears the call down: the blur pipeline first, then the adapter's
// tracks and connection. Concurrent callers share one teardown; leaving an
// idle session returns nil.
func (sm *SessionManager) Leave(ctx context.Context) error {
	p, err := sm.provider()
	if err != nil {
		return nil
	}
	leaveCtx := context.WithoutCancel(ctx)
	ch := sm.flight.DoChan("leave", func() (any, error) {
		return nil, sm.leave(leaveCtx, p)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sm *SessionManager) leave(ctx context.Context, p media.Provider) error {
	ctx, span := observe.StartSpan(ctx, "session.leave", trace.WithAttributes(
		attribute.String("transport", string(sm.kind)),
	))
	defer span.End()

	sm.mu.Lock()
	sm.leaving = true
	joined := !sm.joinedAt.IsZero()
	room := sm.state.RoomID
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		sm.leaving = false
		sm.mu.Unlock()
	}()

	var errs []error
	if err := sm.blur.Close(ctx); err != nil {
		slog.Warn("session: release blur", "err", err)
	}
	if err := p.Leave(ctx); err != nil {
		span.RecordError(err)
		errs = append(errs, fmt.Errorf("app: leave: %w", err))
	}

	sm.mu.Lock()
	left := len(sm.state.Participants)
	sm.state.Status = media.StatusIdle
	sm.state.RoomID = ""
	sm.state.LocalID = ""
	sm.state.Participants = map[string]*media.Participant{}
	sm.state.LocalTracks = media.LocalTracks{}
	sm.state.ScreenSharing = false
	sm.state.Metrics = nil
	sm.state.Transcript = nil
	sm.state.Err = nil
	sm.joinedAt = time.Time{}
	sm.mu.Unlock()
	sm.notify()

	if joined {
		sm.metrics.ActiveSessions.Add(ctx, -1)
		if left > 0 {
			sm.metrics.ActiveParticipants.Add(ctx, int64(-left))
		}
		slog.Info("session: left", "room_id", room, "transport", sm.kind)
	}
	return errors.Join(errs...)
}

// Close leaves the call, detaches from the adapter and closes it when it
// holds connections beyond a call. The manager cannot be used afterwards.
func (sm *SessionManager) Close(ctx context.Context) error {
	err := sm.Leave(ctx)
	sm.mu.Lock()
	p := sm.p
	unsub := sm.unsubscribe
	sm.unsubscribe = nil
	sm.watchers = map[int]func(SessionState){}
	sm.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if c, ok := p.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("app: close transport: %w", cerr))
		}
	}
	return err
}

// ToggleAudio inverts the microphone's enabled state and returns the new
// state.
func (sm *SessionManager) ToggleAudio(ctx context.Context) (bool, error) {
	return sm.toggle(ctx, media.TrackAudio)
}

// ToggleVideo inverts the camera's enabled state and returns the new state.
func (sm *SessionManager) ToggleVideo(ctx context.Context) (bool, error) {
	return sm.toggle(ctx, media.TrackVideo)
}

func (sm *SessionManager) toggle(ctx context.Context, typ media.TrackType) (bool, error) {
	p, err := sm.provider()
	if err != nil {
		return false, err
	}
	lt := p.LocalTracks()
	t, set := lt.Audio, p.ToggleAudio
	if typ == media.TrackVideo {
		t, set = lt.Video, p.ToggleVideo
	}
	if t == nil {
		return false, fmt.Errorf("app: toggle %s: %w", typ, media.ErrNotConnected)
	}
	enabled, err := set(ctx, !t.Enabled())
	if err != nil {
		return t.Enabled(), err
	}
	sm.refreshLocal(p)
	return enabled, nil
}

// StartScreenShare shares the screen. Failures never end the call.
func (sm *SessionManager) StartScreenShare(ctx context.Context) error {
	p, err := sm.provider()
	if err != nil {
		return err
	}
	if err := p.StartScreenShare(ctx); err != nil {
		slog.Warn("session: screen share failed", "transport", sm.kind, "err", err)
		return err
	}
	sm.refreshLocal(p)
	return nil
}

// StopScreenShare stops sharing and restores the camera.
func (sm *SessionManager) StopScreenShare(ctx context.Context) error {
	p, err := sm.provider()
	if err != nil {
		return err
	}
	if err := p.StopScreenShare(ctx); err != nil {
		return err
	}
	sm.refreshLocal(p)
	return nil
}

// EnableTranscription starts live transcription in lang.
func (sm *SessionManager) EnableTranscription(lang string) error {
	p, err := sm.provider()
	if err != nil {
		return err
	}
	p.EnableTranscription(lang)
	return nil
}

// SwitchDevice replaces the local audio or video track with one captured
// from deviceID. It returns [media.ErrUnsupported] for transports that
// cannot switch devices mid-call.
func (sm *SessionManager) SwitchDevice(ctx context.Context, typ media.TrackType, deviceID string) error {
	p, err := sm.provider()
	if err != nil {
		return err
	}
	ds, ok := p.(media.DeviceSwitcher)
	if !ok {
		return fmt.Errorf("app: switch %s device on %s: %w", typ, sm.kind, media.ErrUnsupported)
	}
	if err := ds.SwitchDevice(ctx, typ, deviceID); err != nil {
		return err
	}
	sm.refreshLocal(p)
	// A new camera track needs the blur pipeline re-attached.
	if typ == media.TrackVideo && sm.blur.State() == blur.StateEnabled {
		if err := sm.blur.Enable(ctx, p); err != nil {
			slog.Warn("session: re-apply blur after device switch", "err", err)
		}
	}
	slog.Info("session: device switched", "type", typ, "device_id", deviceID)
	return nil
}

// ToggleBlur flips background blur on the local camera and returns the
// resulting state. Blur failures leave the call untouched.
func (sm *SessionManager) ToggleBlur(ctx context.Context) (blur.State, error) {
	p, err := sm.provider()
	if err != nil {
		return blur.StateDisabled, err
	}
	return sm.blur.Toggle(ctx, p)
}

// BlurPreview returns the latest blurred self-view frame, or nil.
func (sm *SessionManager) BlurPreview() image.Image { return sm.blur.Preview() }

// State returns a snapshot of the session.
func (sm *SessionManager) State() SessionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshotLocked()
}

func (sm *SessionManager) snapshotLocked() SessionState {
	s := sm.state
	s.Participants = maps.Clone(sm.state.Participants)
	s.Transcript = slices.Clone(sm.state.Transcript)
	return s
}

// Watch registers fn to receive a snapshot after every state change and
// returns a function that removes it. fn runs on the goroutine that caused
// the change and must not block.
func (sm *SessionManager) Watch(fn func(SessionState)) func() {
	sm.mu.Lock()
	id := sm.nextWatch
	sm.nextWatch++
	sm.watchers[id] = fn
	sm.mu.Unlock()
	return func() {
		sm.mu.Lock()
		delete(sm.watchers, id)
		sm.mu.Unlock()
	}
}

func (sm *SessionManager) notify() {
	sm.mu.Lock()
	s := sm.snapshotLocked()
	ids := slices.Sorted(maps.Keys(sm.watchers))
	fns := make([]func(SessionState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, sm.watchers[id])
	}
	sm.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (sm *SessionManager) refreshLocal(p media.Provider) {
	lt := p.LocalTracks()
	st := p.State()
	sm.mu.Lock()
	sm.state.LocalTracks = lt
	sm.state.ScreenSharing = st.ScreenSharing
	sm.mu.Unlock()
	sm.notify()
}

func (sm *SessionManager) blurChanged(s blur.State) {
	sm.mu.Lock()
	sm.state.Blur = s
	sm.mu.Unlock()
	sm.notify()
}

// handle projects one adapter event into the session state.
func (sm *SessionManager) handle(ev media.Event) {
	ctx := context.Background()
	sm.mu.Lock()
	p := sm.p
	switch ev.Type {
	case media.EventConnected:
		if sm.state.Status == media.StatusReconnecting {
			sm.metrics.RecordReconnect(ctx, string(sm.kind), "recovered")
		}
		if sm.state.Status.Active() {
			sm.state.Status = media.StatusConnected
		}
	case media.EventReconnecting:
		sm.state.Status = media.StatusReconnecting
		sm.metrics.RecordReconnect(ctx, string(sm.kind), "started")
	case media.EventDisconnected:
		if sm.state.Status.Active() {
			sm.state.Status = media.StatusDisconnected
		}
		if ev.Err != nil {
			sm.state.Err = ev.Err
			sm.metrics.RecordTransportError(ctx, string(sm.kind), errorKind(ev.Err))
		}
		if n := len(sm.state.Participants); n > 0 && !sm.joinedAt.IsZero() {
			sm.metrics.ActiveParticipants.Add(ctx, int64(-n))
		}
		sm.state.Participants = map[string]*media.Participant{}
	case media.EventConnectionError:
		sm.state.Err = ev.Err
		sm.metrics.RecordTransportError(ctx, string(sm.kind), errorKind(ev.Err))
	case media.EventParticipantJoined, media.EventParticipantUpdated:
		if ev.Participant != nil {
			if _, known := sm.state.Participants[ev.Participant.ID]; !known {
				sm.metrics.ActiveParticipants.Add(ctx, 1)
			}
			sm.state.Participants[ev.Participant.ID] = ev.Participant
		}
	case media.EventParticipantLeft:
		if ev.Participant != nil {
			if _, known := sm.state.Participants[ev.Participant.ID]; known {
				sm.metrics.ActiveParticipants.Add(ctx, -1)
				delete(sm.state.Participants, ev.Participant.ID)
			}
		}
	case media.EventTrackPublished, media.EventTrackUnpublished:
		if ev.Track == nil || !ev.Track.Local {
			sm.mu.Unlock()
			return
		}
	case media.EventMetricsUpdated:
		sm.state.Metrics = ev.Metrics
	case media.EventTranscript:
		if ev.Transcript == nil || !ev.Transcript.Final {
			sm.mu.Unlock()
			return
		}
		sm.state.Transcript = append(sm.state.Transcript, *ev.Transcript)
	}
	sm.mu.Unlock()

	if ev.Type == media.EventTrackPublished || ev.Type == media.EventTrackUnpublished {
		if p != nil {
			sm.refreshLocal(p)
		}
		return
	}
	sm.notify()
}

// errorKind classifies err for the transport error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, media.ErrIdentityCollision):
		return "identity"
	case errors.Is(err, media.ErrDevice):
		return "device"
	case errors.Is(err, media.ErrConnection):
		return "connection"
	case errors.Is(err, media.ErrPipeline):
		return "pipeline"
	}
	return "other"
}
