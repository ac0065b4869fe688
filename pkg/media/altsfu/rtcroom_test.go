package altsfu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/attach"
	"github.com/MrWong99/circlecall/pkg/media/device"
)

type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// roomServer replies to join and then plays back push frames.
func roomServer(t *testing.T, joinReply frame, push []frame) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m frame
			_ = json.Unmarshal(data, &m)
			if m.ID == "" {
				continue
			}
			reply := frame{ID: m.ID, Result: json.RawMessage(`{}`)}
			if m.Method == "join" {
				reply = joinReply
				reply.ID = m.ID
			}
			b, _ := json.Marshal(reply)
			_ = c.Write(ctx, websocket.MessageText, b)
			if m.Method != "join" {
				continue
			}
			for _, p := range push {
				b, _ := json.Marshal(p)
				_ = c.Write(ctx, websocket.MessageText, b)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRoom(t *testing.T, srv *httptest.Server) (*RTCRoom, chan RoomEvent) {
	t.Helper()
	r, err := NewRTCRoom(RTCRoomConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Devices: device.NewSynthetic()})
	if err != nil {
		t.Fatal(err)
	}
	evs := make(chan RoomEvent, 64)
	r.OnEvent(func(ev RoomEvent) { evs <- ev })
	return r, evs
}

func next(t *testing.T, evs chan RoomEvent, typ RoomEventType) RoomEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-evs:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return RoomEvent{}
		}
	}
}

func TestRTCRoom_ParticipantDiffs(t *testing.T) {
	t.Parallel()
	joinReply := frame{Result: json.RawMessage(`{"identity":"alice","participants":[{"identity":"bob","name":"Bob","state":"active","tracks":[{"sid":"TR_a","source":"microphone"}]}]}`)}
	push := []frame{
		{Method: "participant-update", Params: json.RawMessage(`{"participants":[{"identity":"bob","name":"Bob","state":"active","tracks":[{"sid":"TR_a","source":"microphone","muted":true}]}]}`)},
		{Method: "speakers-changed", Params: json.RawMessage(`{"speakers":["bob"]}`)},
		{Method: "transcription", Params: json.RawMessage(`{"identity":"bob","text":"moin","final":true,"language":"de"}`)},
		{Method: "participant-update", Params: json.RawMessage(`{"participants":[{"identity":"bob","state":"disconnected"}]}`)},
	}
	r, evs := newRoom(t, roomServer(t, joinReply, push))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := r.Connect(ctx, ConnectOptions{Room: "circle-3", Identity: "alice"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id != "alice" {
		t.Errorf("identity = %q", id)
	}
	if ev := next(t, evs, RoomParticipantConnected); ev.Participant.Name != "Bob" {
		t.Errorf("connected = %+v", ev.Participant)
	}
	if ev := next(t, evs, RoomTrackMuted); ev.Source != SourceMicrophone {
		t.Errorf("muted source = %s", ev.Source)
	}
	if ev := next(t, evs, RoomActiveSpeakersChanged); len(ev.Speakers) != 1 {
		t.Errorf("speakers = %v", ev.Speakers)
	}
	if ev := next(t, evs, RoomTranscriptionReceived); ev.Segment.Text != "moin" || ev.Participant.Name != "Bob" {
		t.Errorf("transcription = %+v / %+v", ev.Segment, ev.Participant)
	}
	next(t, evs, RoomParticipantDisconnected)

	if err := r.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if r.ConnectionState() != StateDisconnected {
		t.Errorf("state = %s", r.ConnectionState())
	}
	if err := r.SetTranscription(ctx, "de"); !errors.Is(err, media.ErrNotConnected) {
		t.Errorf("SetTranscription after disconnect: %v", err)
	}
}

func TestRTCRoom_DuplicateIdentity(t *testing.T) {
	t.Parallel()
	joinReply := frame{Error: json.RawMessage(`{"code":"DUPLICATE_IDENTITY","message":"alice is here"}`)}
	r, _ := newRoom(t, roomServer(t, joinReply, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Connect(ctx, ConnectOptions{Room: "circle-3", Identity: "alice"})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("err = %v, want ErrDuplicateIdentity", err)
	}
	if r.ConnectionState() != StateDisconnected {
		t.Errorf("state = %s", r.ConnectionState())
	}
}

func TestRTCRoom_ServerLeave(t *testing.T) {
	t.Parallel()
	push := []frame{{Method: "leave", Params: json.RawMessage(`{"reason":"room closed"}`)}}
	r, evs := newRoom(t, roomServer(t, frame{Result: json.RawMessage(`{"identity":"alice"}`)}, push))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.Connect(ctx, ConnectOptions{Room: "circle-3", Identity: "alice"}); err != nil {
		t.Fatal(err)
	}
	for {
		ev := next(t, evs, RoomConnectionStateChanged)
		if ev.State == StateDisconnected {
			if ev.Err == nil || !strings.Contains(ev.Err.Error(), "room closed") {
				t.Errorf("cause = %v", ev.Err)
			}
			return
		}
	}
}

func TestBinding_AttachDetach(t *testing.T) {
	t.Parallel()
	b := &binding{stream: &media.Stream{ID: "s1"}}
	surf := attach.NewSurface("tile")
	el := surf.AddChild(media.TrackVideo)

	if err := b.attach(el); err != nil {
		t.Fatal(err)
	}
	if el.Source() != b.stream || el.Paused() {
		t.Errorf("source = %v, paused = %v", el.Source(), el.Paused())
	}
	// Another stream took over the element; detaching must not clear it.
	other := &media.Stream{ID: "s2"}
	el.SetSource(other)
	b.detach(el)
	if el.Source() != other {
		t.Error("detach cleared a foreign source")
	}

	el.SetSource(nil)
	_ = b.attach(el)
	b.detachAll()
	if el.Source() != nil || !el.Paused() {
		t.Error("detachAll left the element playing")
	}
}
