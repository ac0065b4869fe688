package meshsfu_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/meshsfu"
	"github.com/MrWong99/circlecall/pkg/media/meshsfu/mock"
)

type recorder struct {
	ch chan media.Event
}

func record(p media.Provider) *recorder {
	r := &recorder{ch: make(chan media.Event, 256)}
	p.Subscribe(func(ev media.Event) { r.ch <- ev })
	return r
}

// wait returns the first event of typ matching ok, skipping others.
func (r *recorder) wait(t *testing.T, typ media.EventType, ok func(media.Event) bool) media.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ && (ok == nil || ok(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return media.Event{}
		}
	}
}

func newAdapter(c *mock.Client, opts ...meshsfu.Option) *meshsfu.Adapter {
	base := []meshsfu.Option{
		meshsfu.WithUIDRetries(2, time.Millisecond),
		meshsfu.WithDisconnectWait(time.Second, 20*time.Millisecond),
		meshsfu.WithMetricsInterval(0),
	}
	return meshsfu.New(c, append(base, opts...)...)
}

func joinCfg() media.JoinConfig {
	return media.JoinConfig{RoomID: "circle-7", UserID: "alice", Audio: true, Video: true}
}

func TestJoin_RetriesUIDConflict(t *testing.T) {
	t.Parallel()
	c := &mock.Client{JoinErrors: []error{meshsfu.ErrUIDConflict}}
	a := newAdapter(c)

	uid, err := a.Join(context.Background(), joinCfg())
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if uid == "alice" || !strings.HasPrefix(uid, "alice-") {
		t.Errorf("uid = %q, want a perturbed alice uid", uid)
	}
	if len(c.JoinUIDs) != 2 || c.JoinUIDs[0] != "alice" {
		t.Errorf("join attempts = %v", c.JoinUIDs)
	}
	st := a.State()
	if st.Status != media.StatusConnected || st.LocalID != uid {
		t.Errorf("state = %+v", st)
	}
	pub, _, _ := c.Snapshot()
	if len(pub) != 2 {
		t.Errorf("published = %v, want mic and camera", pub)
	}
	lt := a.LocalTracks()
	if lt.Audio == nil || lt.Video == nil || !lt.Video.Local || lt.Video.Kind != media.KindMeshSFU {
		t.Errorf("local tracks = %+v", lt)
	}
}

func TestJoin_UIDConflictExhausted(t *testing.T) {
	t.Parallel()
	conflict := meshsfu.ErrUIDConflict
	c := &mock.Client{JoinErrors: []error{conflict, conflict, conflict}}
	a := newAdapter(c)
	rec := record(a)

	_, err := a.Join(context.Background(), joinCfg())
	if !errors.Is(err, media.ErrIdentityCollision) {
		t.Fatalf("err = %v, want ErrIdentityCollision", err)
	}
	if len(c.JoinUIDs) != 3 {
		t.Errorf("join attempts = %d, want 3", len(c.JoinUIDs))
	}
	if st := a.State(); st.Status != media.StatusIdle {
		t.Errorf("status = %s, want idle", st.Status)
	}
	rec.wait(t, media.EventConnectionError, nil)
}

func TestJoin_OtherErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	c := &mock.Client{JoinErrors: []error{errors.New("gateway timeout")}}
	a := newAdapter(c)

	_, err := a.Join(context.Background(), joinCfg())
	if !errors.Is(err, media.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if len(c.JoinUIDs) != 1 {
		t.Errorf("join attempts = %d, want 1", len(c.JoinUIDs))
	}
}

func TestJoin_DeviceFailureIsCallFatal(t *testing.T) {
	t.Parallel()
	c := &mock.Client{CameraError: errors.New("permission denied")}
	a := newAdapter(c)

	_, err := a.Join(context.Background(), joinCfg())
	if !errors.Is(err, media.ErrDevice) || !media.IsCallFatal(err) {
		t.Fatalf("err = %v, want call-fatal ErrDevice", err)
	}
	if c.LeaveCalls != 1 {
		t.Errorf("leave calls = %d, want 1", c.LeaveCalls)
	}
	if len(c.Tracks) != 1 || c.Tracks[0].Closes() != 1 {
		t.Errorf("microphone not released after camera failure")
	}
	if st := a.State(); st.Status != media.StatusIdle {
		t.Errorf("status = %s, want idle", st.Status)
	}
	if lt := a.LocalTracks(); lt.Audio != nil || lt.Video != nil {
		t.Errorf("local tracks left behind: %+v", lt)
	}
}

func TestJoin_WaitsOutDisconnect(t *testing.T) {
	t.Parallel()
	c := &mock.Client{State: meshsfu.StateDisconnecting}
	a := newAdapter(c)

	go func() {
		time.Sleep(100 * time.Millisecond)
		c.SetState(meshsfu.StateDisconnected)
	}()
	start := time.Now()
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 120*time.Millisecond {
		t.Errorf("joined after %v, want disconnect wait plus settle delay", d)
	}
}

func TestJoin_WhileConnectedIsNoOp(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	ctx := context.Background()

	first, _ := a.Join(ctx, joinCfg())
	second, err := a.Join(ctx, joinCfg())
	if err != nil || second != first {
		t.Errorf("second Join = %q, %v", second, err)
	}
	if len(c.JoinUIDs) != 1 {
		t.Errorf("client joins = %d, want 1", len(c.JoinUIDs))
	}
}

func TestLeave_ReleasesTracksOnce(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	ctx := context.Background()
	if _, err := a.Join(ctx, joinCfg()); err != nil {
		t.Fatal(err)
	}
	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaAudio})

	if err := a.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	for _, tr := range c.Tracks {
		if tr.Closes() != 1 {
			t.Errorf("track %s closed %d times, want 1", tr.ID(), tr.Closes())
		}
	}
	if c.LeaveCalls != 1 {
		t.Errorf("client leaves = %d, want 1", c.LeaveCalls)
	}
	if st := a.State(); st.Status != media.StatusDisconnected || len(st.Participants) != 0 {
		t.Errorf("state after leave = %+v", st)
	}
}

func TestRemote_SubscribeCompletesBeforeUpdate(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	c := &mock.Client{SubscribeGate: gate}
	a := newAdapter(c)
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}

	c.Fire(meshsfu.Event{Type: meshsfu.EventUserJoined, UID: "bob", Name: "Bob"})
	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaVideo})
	rec.wait(t, media.EventParticipantJoined, nil)

	time.Sleep(50 * time.Millisecond)
	if ps := a.State().Participants; len(ps) != 1 || ps[0].Video != nil {
		t.Fatalf("video visible before subscribe completed: %+v", ps)
	}

	close(gate)
	ev := rec.wait(t, media.EventParticipantUpdated, nil)
	if ev.Participant.Video == nil || !ev.Participant.VideoEnabled || ev.Participant.Name != "Bob" {
		t.Errorf("updated participant = %+v", ev.Participant)
	}
	if ev.Participant.Video.Kind != media.KindMeshSFU || ev.Participant.Video.Player == nil {
		t.Errorf("video track = %+v", ev.Participant.Video)
	}
}

func TestRemote_SubscribeFailureKeepsOtherMedia(t *testing.T) {
	t.Parallel()
	c := &mock.Client{SubscribeError: map[meshsfu.MediaType]error{meshsfu.MediaVideo: errors.New("no layer")}}
	a := newAdapter(c)
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}

	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaAudio})
	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaVideo})
	c.Fire(meshsfu.Event{Type: meshsfu.EventUserInfoUpdated, UID: "bob", Info: meshsfu.InfoUnmuteVideo})
	rec.wait(t, media.EventParticipantUpdated, func(ev media.Event) bool { return ev.Participant.VideoEnabled })

	ps := a.State().Participants
	if len(ps) != 1 || ps[0].Audio == nil || ps[0].Video != nil {
		t.Errorf("participant = %+v, want audio intact and no video", ps)
	}
}

func TestRemote_InfoUpdateReplacesParticipant(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}

	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaAudio})
	before := rec.wait(t, media.EventParticipantUpdated, nil).Participant

	c.Fire(meshsfu.Event{Type: meshsfu.EventUserInfoUpdated, UID: "bob", Info: meshsfu.InfoMuteAudio})
	after := rec.wait(t, media.EventParticipantUpdated, nil).Participant

	if after == before {
		t.Fatal("participant mutated in place, want a replacement")
	}
	if !before.AudioEnabled || after.AudioEnabled {
		t.Errorf("audio enabled before=%v after=%v", before.AudioEnabled, after.AudioEnabled)
	}
	if after.Audio != before.Audio {
		t.Error("mute must not drop the subscribed track")
	}
}

func TestRemote_VolumeDrivesSpeaking(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}
	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaAudio})
	rec.wait(t, media.EventParticipantUpdated, nil)

	c.Fire(meshsfu.Event{Type: meshsfu.EventVolumeIndicator, Volumes: []meshsfu.Volume{{UID: "bob", Level: 40}}})
	if ev := rec.wait(t, media.EventParticipantUpdated, nil); !ev.Participant.Speaking {
		t.Error("bob should be speaking")
	}
	c.Fire(meshsfu.Event{Type: meshsfu.EventVolumeIndicator, Volumes: []meshsfu.Volume{{UID: "bob", Level: 1}}})
	if ev := rec.wait(t, media.EventParticipantUpdated, nil); ev.Participant.Speaking {
		t.Error("bob should have stopped speaking")
	}
}

func TestRemote_UserLeftStopsTracks(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}
	c.Fire(meshsfu.Event{Type: meshsfu.EventUserPublished, UID: "bob", MediaType: meshsfu.MediaVideo})
	p := rec.wait(t, media.EventParticipantUpdated, nil).Participant

	c.Fire(meshsfu.Event{Type: meshsfu.EventUserLeft, UID: "bob"})
	rec.wait(t, media.EventParticipantLeft, nil)
	if !p.Video.Stopped() || p.Video.Player.(*mock.Player).Stops() != 1 {
		t.Error("remote video not stopped on user-left")
	}
	if len(a.State().Participants) != 0 {
		t.Error("participant still listed")
	}
}

func TestScreenShare_NativeEndRestoresCamera(t *testing.T) {
	t.Parallel()
	c := &mock.Client{ScreenAudio: true}
	a := newAdapter(c, meshsfu.WithScreenAudio(true))
	ctx := context.Background()
	if _, err := a.Join(ctx, joinCfg()); err != nil {
		t.Fatal(err)
	}
	cam := a.LocalTracks().Video

	if err := a.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	lt := a.LocalTracks()
	if lt.Screen == nil || lt.Screen.Type != media.TrackScreen || !a.State().ScreenSharing {
		t.Fatalf("screen track = %+v", lt.Screen)
	}
	_, unpub, _ := c.Snapshot()
	if len(unpub) != 1 || unpub[0] != cam.ID {
		t.Errorf("unpublished = %v, want camera", unpub)
	}

	var screen *mock.LocalTrack
	for _, tr := range c.Tracks {
		if tr.ID() == lt.Screen.ID {
			screen = tr
		}
	}
	// The mock runs ended callbacks synchronously.
	screen.End()

	if a.LocalTracks().Screen != nil || a.State().ScreenSharing {
		t.Error("screen share still active after native stop")
	}
	if screen.Closes() != 1 {
		t.Errorf("screen closed %d times", screen.Closes())
	}
	if cam.Stopped() {
		t.Error("camera must survive screen share")
	}
	pub, _, _ := c.Snapshot()
	if pub[len(pub)-1] != cam.ID {
		t.Errorf("last published = %v, want camera", pub)
	}
	if err := a.StopScreenShare(ctx); err != nil {
		t.Errorf("StopScreenShare after native end = %v", err)
	}
}

func TestScreenShare_EndWhilePublishingRestoresCamera(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	c.PublishHook = func(tracks ...meshsfu.LocalTrack) {
		for _, tr := range tracks {
			if lt, ok := tr.(*mock.LocalTrack); ok && lt.Label() == "screen" {
				lt.End()
			}
		}
	}
	a := newAdapter(c)
	ctx := context.Background()
	if _, err := a.Join(ctx, joinCfg()); err != nil {
		t.Fatal(err)
	}
	cam := a.LocalTracks().Video

	if err := a.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if a.LocalTracks().Screen != nil || a.State().ScreenSharing {
		t.Error("screen share still active after the capture ended during publish")
	}
	pub, _, _ := c.Snapshot()
	if len(pub) == 0 || pub[len(pub)-1] != cam.ID {
		t.Errorf("published = %v, want camera last", pub)
	}
	for _, tr := range c.Tracks {
		if tr.Label() == "screen" && tr.Closes() != 1 {
			t.Errorf("screen closed %d times, want 1", tr.Closes())
		}
	}
	if cam.Stopped() {
		t.Error("camera must survive screen share")
	}
}

func TestScreenShare_FailureKeepsCall(t *testing.T) {
	t.Parallel()
	c := &mock.Client{ScreenError: errors.New("user cancelled picker")}
	a := newAdapter(c)
	ctx := context.Background()
	if _, err := a.Join(ctx, joinCfg()); err != nil {
		t.Fatal(err)
	}
	err := a.StartScreenShare(ctx)
	if err == nil || media.IsCallFatal(err) {
		t.Errorf("err = %v, want non-fatal error", err)
	}
	if a.State().Status != media.StatusConnected {
		t.Error("call aborted by screen share failure")
	}
}

func TestToggle(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	ctx := context.Background()
	if _, err := a.ToggleAudio(ctx, false); !errors.Is(err, media.ErrNotConnected) {
		t.Errorf("toggle before join = %v", err)
	}
	if _, err := a.Join(ctx, joinCfg()); err != nil {
		t.Fatal(err)
	}
	got, err := a.ToggleAudio(ctx, false)
	if err != nil || got {
		t.Fatalf("ToggleAudio = %v, %v", got, err)
	}
	if a.LocalTracks().Audio.Enabled() || c.Tracks[0].Enabled() {
		t.Error("microphone still enabled")
	}
	if got, _ := a.ToggleVideo(ctx, false); got {
		t.Error("camera still enabled")
	}
}

func TestSwitchDevice_StopsOldTrackFirst(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	ctx := context.Background()
	if _, err := a.Join(ctx, joinCfg()); err != nil {
		t.Fatal(err)
	}
	old := a.LocalTracks().Audio
	_, _ = a.ToggleAudio(ctx, false)

	if err := a.SwitchDevice(ctx, media.TrackAudio, "usb-mic"); err != nil {
		t.Fatal(err)
	}
	next := a.LocalTracks().Audio
	if next == old || !old.Stopped() || next.Label != "usb-mic" {
		t.Errorf("switch old=%v next=%+v", old.Stopped(), next)
	}
	if next.Enabled() {
		t.Error("muted state lost across device switch")
	}
	_, unpub, _ := c.Snapshot()
	if len(unpub) != 1 || unpub[0] != old.ID {
		t.Errorf("unpublished = %v", unpub)
	}
}

func TestConnectionStateEvents(t *testing.T) {
	t.Parallel()
	c := &mock.Client{}
	a := newAdapter(c)
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}
	c.Fire(meshsfu.Event{Type: meshsfu.EventConnectionChange, State: meshsfu.StateReconnecting})
	rec.wait(t, media.EventReconnecting, nil)
	c.Fire(meshsfu.Event{Type: meshsfu.EventConnectionChange, State: meshsfu.StateConnected})
	rec.wait(t, media.EventConnected, nil)
	c.Fire(meshsfu.Event{Type: meshsfu.EventException, Err: errors.New("ice failed")})
	if ev := rec.wait(t, media.EventConnectionError, nil); !errors.Is(ev.Err, media.ErrConnection) {
		t.Errorf("err = %v", ev.Err)
	}
	if a.State().Status != media.StatusConnected {
		t.Error("exception must not change status")
	}
}

func TestTranscriptionAndMetrics(t *testing.T) {
	t.Parallel()
	c := &mock.Client{StatsResult: &media.Metrics{RoundTrip: 40 * time.Millisecond}}
	a := meshsfu.New(c, meshsfu.WithMetricsInterval(10*time.Millisecond))
	rec := record(a)
	if _, err := a.Join(context.Background(), joinCfg()); err != nil {
		t.Fatal(err)
	}
	a.EnableTranscription("de")
	if !a.State().Transcribing || len(c.StartTranscriptions) != 1 {
		t.Fatal("transcription not started")
	}
	c.Fire(meshsfu.Event{Type: meshsfu.EventTranscript, UID: "bob", Text: "hallo", Final: true})
	ev := rec.wait(t, media.EventTranscript, nil)
	if ev.Transcript.Language != "de" || ev.Transcript.ParticipantID != "bob" {
		t.Errorf("transcript = %+v", ev.Transcript)
	}
	if tr := a.Transcript(); len(tr) != 1 {
		t.Errorf("transcript entries = %d", len(tr))
	}
	rec.wait(t, media.EventMetricsUpdated, nil)
	if m := a.CallMetrics(); m == nil || m.RoundTrip != 40*time.Millisecond {
		t.Errorf("metrics = %+v", m)
	}
}

func TestBlurExtensionUnsupported(t *testing.T) {
	t.Parallel()
	a := newAdapter(&mock.Client{})
	if _, err := a.BlurExtension(context.Background()); !errors.Is(err, media.ErrUnsupported) {
		t.Errorf("err = %v", err)
	}
}
