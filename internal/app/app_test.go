package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/circlecall/internal/app"
	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/internal/rooms"
	roomsmock "github.com/MrWong99/circlecall/internal/rooms/mock"
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// checkedResolver adds a readiness check to the mock resolver.
type checkedResolver struct {
	*roomsmock.Resolver
	err error
}

func (r checkedResolver) Check(context.Context) error { return r.err }

type running struct {
	app    *app.App
	base   string
	cancel context.CancelFunc
	done   chan error
}

// startApp runs a relay on a loopback port until the test ends.
func startApp(t *testing.T, opts ...app.Option) *running {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m, _ := testMetrics(t)
	opts = append([]app.Option{app.WithListener(l), app.WithMetrics(m)}, opts...)

	a, err := app.New(context.Background(), &config.Config{}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: a, base: "http://" + a.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(r.base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (r *running) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(r.base, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// await reads frames until one with event arrives.
func await(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s", data)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestApp_HealthAndReadiness(t *testing.T) {
	t.Parallel()
	r := startApp(t, app.WithRooms(checkedResolver{Resolver: &roomsmock.Resolver{}}))

	if code := r.get(t, "/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	var ready readiness
	if code := r.get(t, "/readyz", &ready); code != http.StatusOK {
		t.Errorf("/readyz = %d", code)
	}
	if ready.Checks["signaling"] != "ok" || ready.Checks["rooms"] != "ok" {
		t.Errorf("checks = %v", ready.Checks)
	}
}

func TestApp_ReadinessFailsWithRoomsDown(t *testing.T) {
	t.Parallel()
	r := startApp(t, app.WithRooms(checkedResolver{
		Resolver: &roomsmock.Resolver{},
		err:      errors.New("connection refused"),
	}))

	var ready readiness
	if code := r.get(t, "/readyz", &ready); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", code)
	}
	if ready.Checks["rooms"] != "fail: connection refused" {
		t.Errorf("rooms check = %q", ready.Checks["rooms"])
	}
}

func TestApp_ReadinessWithoutRooms(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	var ready readiness
	r.get(t, "/readyz", &ready)
	if _, ok := ready.Checks["rooms"]; ok {
		t.Errorf("rooms check present without a resolver: %v", ready.Checks)
	}
	if code := r.get(t, "/rooms/standup/recap", nil); code != http.StatusNotFound {
		t.Errorf("recap route without resolver = %d, want 404", code)
	}
}

func TestApp_Recap(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	res := &roomsmock.Resolver{
		Rooms: map[string]rooms.RoomData{
			"standup": {
				ID:           "standup",
				Kind:         media.KindMeshSFU,
				Name:         "Daily",
				Participants: []string{"alice", "bob"},
				StartedAt:    start,
				EndedAt:      start.Add(10 * time.Minute),
			},
		},
		Transcripts: map[string][]media.TranscriptEntry{
			"standup": {{ParticipantID: "alice", Text: "morning", Final: true, Language: "en", At: start}},
		},
	}
	r := startApp(t, app.WithRooms(res))

	var body struct {
		RoomID          string  `json:"room_id"`
		Kind            string  `json:"kind"`
		DurationSeconds float64 `json:"duration_seconds"`
		Transcript      []struct {
			ParticipantID string `json:"participant_id"`
			Text          string `json:"text"`
		} `json:"transcript"`
	}
	if code := r.get(t, "/rooms/standup/recap", &body); code != http.StatusOK {
		t.Fatalf("recap = %d", code)
	}
	if body.RoomID != "standup" || body.Kind != "mesh-sfu" || body.DurationSeconds != 600 {
		t.Errorf("recap = %+v", body)
	}
	if len(body.Transcript) != 1 || body.Transcript[0].Text != "morning" {
		t.Errorf("transcript = %+v", body.Transcript)
	}

	if code := r.get(t, "/rooms/ghost/recap", nil); code != http.StatusNotFound {
		t.Errorf("unknown room = %d, want 404", code)
	}
}

func TestApp_MatchParticipants(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	ws := r.dial(t)
	b, _ := signal.Encode(signal.EventRegister, signal.Identity{UserID: "alice", MatchID: "m1"})
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
	await(t, ws, signal.EventJoined)

	var match struct {
		Participants []string `json:"participants"`
	}
	if code := r.get(t, "/matches/m1", &match); code != http.StatusOK {
		t.Fatalf("/matches/m1 = %d", code)
	}
	if len(match.Participants) != 1 || match.Participants[0] != "alice" {
		t.Errorf("participants = %v", match.Participants)
	}

	r.get(t, "/matches/empty", &match)
	if match.Participants == nil || len(match.Participants) != 0 {
		t.Errorf("empty match participants = %v, want []", match.Participants)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	resp, err := http.Get(r.base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Errorf("read body: %v", err)
	}
}

func TestApp_CancelDrainsClients(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	ws := r.dial(t)
	b, _ := signal.Encode(signal.EventRegister, signal.Identity{UserID: "alice", MatchID: "m1"})
	_ = ws.WriteMessage(websocket.TextMessage, b)
	await(t, ws, signal.EventJoined)

	r.cancel()
	var sd signal.Shutdown
	_ = json.Unmarshal(await(t, ws, signal.EventServerShutdown), &sd)
	if sd.Message == "" {
		t.Error("shutdown message is empty")
	}
	_ = ws.Close()

	select {
	case err := <-r.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
		r.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := r.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
	if _, err := http.Get(r.base + "/healthz"); err == nil {
		t.Error("server still answering after shutdown")
	}
}

func TestNew_ListenError(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: l.Addr().String()}}
	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("New() on a busy address should fail")
	}
}
