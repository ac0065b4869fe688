package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/circlecall/internal/app"
	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/internal/observe"
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/blur"
	"github.com/MrWong99/circlecall/pkg/media/mock"
)

var room = media.JoinConfig{RoomID: "room-1", UserID: "alice", Audio: true, Video: true}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func gauge(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// newManager returns a SessionManager whose registry hands out p.
func newManager(t *testing.T, p media.Provider) *app.SessionManager {
	t.Helper()
	m, _ := testMetrics(t)
	reg := config.NewRegistry()
	reg.Register(p.Kind(), func(config.TransportDeps) (media.Provider, error) { return p, nil })
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Kind:     p.Kind(),
		Registry: reg,
		Metrics:  m,
	})
	t.Cleanup(func() { _ = sm.Close(context.Background()) })
	return sm
}

func localTracks() media.LocalTracks {
	a := media.NewStreamTrack("mic", media.TrackAudio, nil)
	a.Local = true
	a.SetEnabled(true)
	v := media.NewStreamTrack("cam", media.TrackVideo, nil)
	v.Local = true
	v.SetEnabled(true)
	return media.LocalTracks{Audio: a, Video: v}
}

func TestSessionManager_JoinLeave(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice", Tracks: localTracks()}
	sm := newManager(t, p)

	id, err := sm.Join(context.Background(), room)
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if id != "alice" {
		t.Errorf("Join() id = %q, want alice", id)
	}
	st := sm.State()
	if st.Status != media.StatusConnected || st.RoomID != "room-1" || st.LocalID != "alice" {
		t.Errorf("state after join = %+v", st)
	}
	if st.LocalTracks.Audio == nil || st.LocalTracks.Video == nil {
		t.Error("local tracks not projected")
	}

	if err := sm.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	st = sm.State()
	if st.Status != media.StatusIdle || st.RoomID != "" {
		t.Errorf("state after leave = %+v", st)
	}
	if p.LeaveCount() != 1 {
		t.Errorf("adapter Leave calls = %d, want 1", p.LeaveCount())
	}
	if !p.Tracks.Audio.Stopped() || !p.Tracks.Video.Stopped() {
		t.Error("local tracks should be stopped after leave")
	}
}

func TestSessionManager_JoinIsNoOpWhenConnected(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice"}
	sm := newManager(t, p)
	ctx := context.Background()

	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatalf("first Join() error: %v", err)
	}
	id, err := sm.Join(ctx, room)
	if err != nil {
		t.Fatalf("second Join() error: %v", err)
	}
	if id != "alice" {
		t.Errorf("second Join() id = %q", id)
	}
	if n := p.JoinCount(); n != 1 {
		t.Errorf("adapter Join calls = %d, want 1", n)
	}
}

func TestSessionManager_ConcurrentJoinsShareOneAttempt(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	p := &mock.Provider{JoinResult: "alice", JoinGate: gate}
	sm := newManager(t, p)

	const callers = 5
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = sm.Join(context.Background(), room)
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.JoinCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the remaining callers time to pile onto the in-flight attempt.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil || ids[i] != "alice" {
			t.Errorf("caller %d: id=%q err=%v", i, ids[i], errs[i])
		}
	}
	if n := p.JoinCount(); n != 1 {
		t.Errorf("adapter Join calls = %d, want 1", n)
	}
}

func TestSessionManager_JoinDuringLeaveIsBusy(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	p := &mock.Provider{JoinResult: "alice"}
	sm := newManager(t, p)
	ctx := context.Background()

	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	p.LeaveGate = gate

	done := make(chan error, 1)
	go func() { done <- sm.Leave(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.LeaveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := sm.Join(ctx, room); !errors.Is(err, app.ErrBusy) {
		t.Errorf("Join() during Leave error = %v, want ErrBusy", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Leave() error: %v", err)
	}

	if _, err := sm.Join(ctx, room); err != nil {
		t.Errorf("Join() after Leave error: %v", err)
	}
}

func TestSessionManager_ConcurrentLeavesShareOneTeardown(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	leaveErr := errors.New("signaling gone")
	p := &mock.Provider{JoinResult: "alice", LeaveError: leaveErr}
	sm := newManager(t, p)
	ctx := context.Background()

	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	p.LeaveGate = gate

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sm.Leave(ctx)
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.LeaveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the remaining callers time to pile onto the in-flight teardown.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		if !errors.Is(errs[i], leaveErr) {
			t.Errorf("caller %d: Leave() error = %v, want %v", i, errs[i], leaveErr)
		}
		if errs[i] != errs[0] {
			t.Errorf("caller %d got %v, caller 0 got %v", i, errs[i], errs[0])
		}
	}
	if n := p.LeaveCount(); n != 1 {
		t.Errorf("adapter Leave calls = %d, want 1", n)
	}
	if st := sm.State().Status; st != media.StatusIdle {
		t.Errorf("status after leave = %q, want idle", st)
	}
}

func TestSessionManager_LeaveClearsTranscriptAndError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice"}
	sm := newManager(t, p)
	ctx := context.Background()

	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	p.Emit(media.Event{Type: media.EventTranscript, Transcript: &media.TranscriptEntry{ParticipantID: "bob", Text: "bye", Final: true}})
	p.Emit(media.Event{Type: media.EventConnectionError, Err: media.ErrConnection})
	st := sm.State()
	if len(st.Transcript) != 1 || st.Err == nil {
		t.Fatalf("state before leave = %+v, want a transcript entry and an error", st)
	}

	if err := sm.Leave(ctx); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	st = sm.State()
	if len(st.Transcript) != 0 {
		t.Errorf("transcript after leave = %+v, want empty", st.Transcript)
	}
	if st.Err != nil {
		t.Errorf("error after leave = %v, want nil", st.Err)
	}
}

func TestSessionManager_JoinFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinError: media.ErrIdentityCollision}
	sm := newManager(t, p)

	_, err := sm.Join(context.Background(), room)
	if !errors.Is(err, media.ErrIdentityCollision) {
		t.Fatalf("Join() error = %v, want ErrIdentityCollision", err)
	}
	st := sm.State()
	if st.Status != media.StatusIdle {
		t.Errorf("status = %q, want idle", st.Status)
	}
	if !errors.Is(st.Err, media.ErrIdentityCollision) {
		t.Errorf("state Err = %v", st.Err)
	}
}

func TestSessionManager_ConstructionFailureAndRetry(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	reg := config.NewRegistry()
	p := &mock.Provider{KindResult: media.KindAltSFU, JoinResult: "alice"}
	var fail sync.Mutex
	broken := true
	reg.Register(media.KindAltSFU, func(config.TransportDeps) (media.Provider, error) {
		fail.Lock()
		defer fail.Unlock()
		if broken {
			return nil, errors.New("no camera permission")
		}
		return p, nil
	})

	sm := app.NewSessionManager(app.SessionManagerConfig{Kind: media.KindAltSFU, Registry: reg, Metrics: m})
	if err := sm.State().Err; !errors.Is(err, app.ErrNoTransport) {
		t.Fatalf("state Err = %v, want ErrNoTransport", err)
	}
	if _, err := sm.Join(context.Background(), room); !errors.Is(err, app.ErrNoTransport) {
		t.Errorf("Join() error = %v, want ErrNoTransport", err)
	}

	fail.Lock()
	broken = false
	fail.Unlock()
	if err := sm.Retry(); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if sm.State().Err != nil {
		t.Errorf("state Err after retry = %v", sm.State().Err)
	}
	if sm.Provider() != p {
		t.Error("Provider() should return the rebuilt adapter")
	}
	if _, err := sm.Join(context.Background(), room); err != nil {
		t.Errorf("Join() after retry error: %v", err)
	}
}

func TestSessionManager_ToggleInvertsTrackState(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice", Tracks: localTracks()}
	sm := newManager(t, p)
	ctx := context.Background()
	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatal(err)
	}

	on, err := sm.ToggleAudio(ctx)
	if err != nil || on {
		t.Fatalf("ToggleAudio() = %v, %v; want false, nil", on, err)
	}
	on, err = sm.ToggleAudio(ctx)
	if err != nil || !on {
		t.Fatalf("second ToggleAudio() = %v, %v; want true, nil", on, err)
	}
	if on, err := sm.ToggleVideo(ctx); err != nil || on {
		t.Fatalf("ToggleVideo() = %v, %v; want false, nil", on, err)
	}
	if got := p.ToggleAudioCalls; len(got) != 2 || got[0] || !got[1] {
		t.Errorf("ToggleAudio calls = %v", got)
	}
}

func TestSessionManager_ToggleWithoutTrack(t *testing.T) {
	t.Parallel()

	sm := newManager(t, &mock.Provider{})
	if _, err := sm.ToggleAudio(context.Background()); !errors.Is(err, media.ErrNotConnected) {
		t.Errorf("ToggleAudio() error = %v, want ErrNotConnected", err)
	}
}

func TestSessionManager_EventProjection(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice"}
	sm := newManager(t, p)
	if _, err := sm.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	bob := &media.Participant{ID: "bob", Name: "Bob"}
	p.Emit(media.Event{Type: media.EventParticipantJoined, Participant: bob})
	if sm.State().Participant("bob") == nil {
		t.Fatal("bob should be listed after participant-joined")
	}

	speaking := bob.With(func(p *media.Participant) { p.Speaking = true })
	p.Emit(media.Event{Type: media.EventParticipantUpdated, Participant: speaking})
	if got := sm.State().Participant("bob"); got == nil || !got.Speaking {
		t.Errorf("participant update not applied: %+v", got)
	}

	p.Emit(media.Event{Type: media.EventReconnecting})
	if st := sm.State().Status; st != media.StatusReconnecting {
		t.Errorf("status = %q, want reconnecting", st)
	}
	p.Emit(media.Event{Type: media.EventConnected})
	if st := sm.State().Status; st != media.StatusConnected {
		t.Errorf("status = %q, want connected", st)
	}

	p.Emit(media.Event{Type: media.EventMetricsUpdated, Metrics: &media.Metrics{RoundTrip: 40 * time.Millisecond}})
	if m := sm.State().Metrics; m == nil || m.RoundTrip != 40*time.Millisecond {
		t.Errorf("metrics = %+v", m)
	}

	p.Emit(media.Event{Type: media.EventTranscript, Transcript: &media.TranscriptEntry{ParticipantID: "bob", Text: "hel"}})
	p.Emit(media.Event{Type: media.EventTranscript, Transcript: &media.TranscriptEntry{ParticipantID: "bob", Text: "hello", Final: true}})
	if tr := sm.State().Transcript; len(tr) != 1 || tr[0].Text != "hello" {
		t.Errorf("transcript = %+v, want only the final entry", tr)
	}

	p.Emit(media.Event{Type: media.EventParticipantLeft, Participant: bob})
	if sm.State().Participant("bob") != nil {
		t.Error("bob should be gone after participant-left")
	}

	p.Emit(media.Event{Type: media.EventDisconnected, Err: media.ErrConnection})
	st := sm.State()
	if st.Status != media.StatusDisconnected || !errors.Is(st.Err, media.ErrConnection) {
		t.Errorf("state after disconnect = %+v", st)
	}
}

func TestSessionManager_WatchAndUnsubscribe(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice"}
	sm := newManager(t, p)

	var mu sync.Mutex
	var seen []media.Status
	stop := sm.Watch(func(s app.SessionState) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	if _, err := sm.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	stop()
	p.Emit(media.Event{Type: media.EventReconnecting})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != media.StatusConnecting || seen[len(seen)-1] != media.StatusConnected {
		t.Errorf("watched statuses = %v", seen)
	}
	for _, s := range seen {
		if s == media.StatusReconnecting {
			t.Error("watcher ran after unsubscribe")
		}
	}
}

func TestSessionManager_SwitchDevice(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice", Tracks: localTracks()}
	sm := newManager(t, p)
	if err := sm.SwitchDevice(context.Background(), media.TrackAudio, "usb-mic"); err != nil {
		t.Fatalf("SwitchDevice() error: %v", err)
	}
	if got := p.SwitchDeviceCalls; len(got) != 1 || got[0] != "audio:usb-mic" {
		t.Errorf("SwitchDevice calls = %v", got)
	}
}

// plainProvider hides the mock's optional capabilities.
type plainProvider struct{ media.Provider }

func TestSessionManager_SwitchDeviceUnsupported(t *testing.T) {
	t.Parallel()

	sm := newManager(t, plainProvider{&mock.Provider{KindResult: media.KindP2P}})
	err := sm.SwitchDevice(context.Background(), media.TrackVideo, "cam-1")
	if !errors.Is(err, media.ErrUnsupported) {
		t.Errorf("SwitchDevice() error = %v, want ErrUnsupported", err)
	}
}

func TestSessionManager_BlurLifecycle(t *testing.T) {
	t.Parallel()

	cam := &mock.FrameSource{SourceID: "cam", Width: 16, Height: 12}
	p := &mock.TargetProvider{Provider: mock.Provider{JoinResult: "alice", Tracks: localTracks()}, Camera: cam}
	sm := newManager(t, p)
	ctx := context.Background()
	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatal(err)
	}

	st, err := sm.ToggleBlur(ctx)
	if err != nil || st != blur.StateEnabled {
		t.Fatalf("ToggleBlur() = %q, %v", st, err)
	}
	if got := sm.State().Blur; got != blur.StateEnabled {
		t.Errorf("state Blur = %q, want enabled", got)
	}
	if src, _ := p.Published(); src == nil {
		t.Error("blurred source should be published")
	}

	if err := sm.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sm.State().Blur; got != blur.StateDisabled {
		t.Errorf("state Blur after leave = %q, want disabled", got)
	}
	if src, n := p.Published(); src != nil || n < 2 {
		t.Errorf("camera should be restored on leave, published=%v after %d replacements", src, n)
	}
}

func TestSessionManager_BlurFailureKeepsCall(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice", Tracks: localTracks()}
	sm := newManager(t, p)
	ctx := context.Background()
	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatal(err)
	}

	_, err := sm.ToggleBlur(ctx)
	if !errors.Is(err, media.ErrPipeline) {
		t.Fatalf("ToggleBlur() error = %v, want ErrPipeline", err)
	}
	if st := sm.State(); st.Status != media.StatusConnected || st.Blur != blur.StateDisabled {
		t.Errorf("state after blur failure = %+v", st)
	}
}

func TestSessionManager_ScreenShareAndTranscription(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{JoinResult: "alice"}
	sm := newManager(t, p)
	ctx := context.Background()

	if err := sm.StartScreenShare(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sm.StopScreenShare(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sm.EnableTranscription("de"); err != nil {
		t.Fatal(err)
	}
	if p.ScreenShareStarts != 1 || p.ScreenShareStops != 1 {
		t.Errorf("screen share calls = %d/%d", p.ScreenShareStarts, p.ScreenShareStops)
	}
	if len(p.TranscriptionLangs) != 1 || p.TranscriptionLangs[0] != "de" {
		t.Errorf("transcription langs = %v", p.TranscriptionLangs)
	}

	p.ScreenShareError = media.ErrDevice
	if err := sm.StartScreenShare(ctx); !errors.Is(err, media.ErrDevice) {
		t.Errorf("StartScreenShare() error = %v, want ErrDevice", err)
	}
}

func TestSessionManager_Gauges(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	p := &mock.Provider{JoinResult: "alice"}
	reg := config.NewRegistry()
	reg.Register(p.Kind(), func(config.TransportDeps) (media.Provider, error) { return p, nil })
	sm := app.NewSessionManager(app.SessionManagerConfig{Kind: p.Kind(), Registry: reg, Metrics: m})
	ctx := context.Background()

	if _, err := sm.Join(ctx, room); err != nil {
		t.Fatal(err)
	}
	p.Emit(media.Event{Type: media.EventParticipantJoined, Participant: &media.Participant{ID: "bob"}})
	p.Emit(media.Event{Type: media.EventParticipantJoined, Participant: &media.Participant{ID: "carol"}})

	if got := gauge(t, reader, "circlecall.active_sessions"); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
	if got := gauge(t, reader, "circlecall.active_participants"); got != 2 {
		t.Errorf("active_participants = %d, want 2", got)
	}

	if err := sm.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := gauge(t, reader, "circlecall.active_sessions"); got != 0 {
		t.Errorf("active_sessions after close = %d, want 0", got)
	}
	if got := gauge(t, reader, "circlecall.active_participants"); got != 0 {
		t.Errorf("active_participants after close = %d, want 0", got)
	}
}
