package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeRelay is a minimal relay that records every envelope it receives and
// lets tests push frames, drop connections, or refuse new ones.
type fakeRelay struct {
	srv     *httptest.Server
	refuse  atomic.Bool
	accepts atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	recv  []Envelope
	got   chan Envelope
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{got: make(chan Envelope, 64)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		r.accepts.Add(1)
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			r.mu.Lock()
			r.recv = append(r.recv, env)
			r.mu.Unlock()
			r.got <- env
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *fakeRelay) push(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, b); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.CloseNow()
	}
	r.conns = nil
}

func (r *fakeRelay) expect(t *testing.T, event string) Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-r.got:
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", event)
			return Envelope{}
		}
	}
}

func TestConnect_Registers(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1")
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env := relay.expect(t, EventRegister)
	var id Identity
	if err := json.Unmarshal(env.Data, &id); err != nil {
		t.Fatal(err)
	}
	if id.UserID != "alice" || id.MatchID != "m1" {
		t.Errorf("identity = %+v", id)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	relay.refuse.Store(true)
	c := New(relay.url(), "alice", "m1")
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestConnect_WhileConnectedKeepsSocket(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1")
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	relay.expect(t, EventRegister)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := relay.accepts.Load(); n != 1 {
		t.Errorf("relay accepted %d sockets, want 1", n)
	}

	// The original socket still carries traffic.
	if err := c.Send(ctx, "ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	relay.expect(t, "ping")
}

func TestConnect_ConcurrentCallsShareOneDial(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1")
	t.Cleanup(func() { _ = c.Close() })

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: Connect: %v", i, err)
		}
	}
	if n := relay.accepts.Load(); n != 1 {
		t.Errorf("relay accepted %d sockets, want 1", n)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestSend_RoutesPayload(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1")
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	relay.expect(t, EventRegister)

	if err := c.SendOffer(context.Background(), "bob", "v=0"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	env := relay.expect(t, EventOffer)
	var o Offer
	if err := json.Unmarshal(env.Data, &o); err != nil {
		t.Fatal(err)
	}
	if o.To != "bob" || o.Offer.Type != "offer" || o.Offer.SDP != "v=0" {
		t.Errorf("offer = %+v", o)
	}
}

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()
	c := New("ws://127.0.0.1:1", "alice", "m1")
	err := c.InitiateCall(context.Background(), "bob")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestDispatch_HandlersAndTypedError(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1")
	t.Cleanup(func() { _ = c.Close() })

	incoming := make(chan CallControl, 1)
	off := c.On(EventIncomingCall, func(raw json.RawMessage) {
		var cc CallControl
		_ = json.Unmarshal(raw, &cc)
		incoming <- cc
	})
	defer off()
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	relay.expect(t, EventRegister)

	relay.push(t, EventIncomingCall, CallControl{Route: Route{From: "bob"}})
	select {
	case cc := <-incoming:
		if cc.From != "bob" {
			t.Errorf("from = %q, want bob", cc.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("incoming-call handler not called")
	}

	relay.push(t, EventError, Error{Type: ErrTypePeerUnavailable, Message: "bob is offline"})
	select {
	case err := <-errs:
		var se *Error
		if !errors.As(err, &se) || se.Type != ErrTypePeerUnavailable {
			t.Errorf("err = %v, want peer-unavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("typed error changed state to %s", got)
	}
}

func TestOn_Unsubscribe(t *testing.T) {
	t.Parallel()
	c := New("ws://unused", "alice", "m1")
	var calls atomic.Int32
	off := c.On(EventUserJoined, func(json.RawMessage) { calls.Add(1) })
	c.dispatch(Envelope{Event: EventUserJoined})
	off()
	c.dispatch(Envelope{Event: EventUserJoined})
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestReconnect_ReRegistersAfterDrop(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1", WithReconnect(3, 10*time.Millisecond, 20*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	relay.expect(t, EventRegister)

	relay.dropAll()
	relay.expect(t, EventRegister)

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if got := relay.accepts.Load(); got != 2 {
		t.Errorf("accepts = %d, want 2", got)
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1", WithReconnect(3, 5*time.Millisecond, 10*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	errs := make(chan error, 4)
	c.OnError(func(err error) { errs <- err })
	var states []State
	var mu sync.Mutex
	c.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	relay.expect(t, EventRegister)

	relay.refuse.Store(true)
	relay.dropAll()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Errorf("err = %v, want ErrReconnectExhausted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion not reported")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestBackground_HeartbeatAndForegroundReRegister(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1", WithHeartbeatInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	relay.expect(t, EventRegister)

	c.SetBackground(context.Background(), true)
	relay.expect(t, EventHeartbeat)

	c.SetBackground(context.Background(), false)
	relay.expect(t, EventRegister)
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := New(relay.url(), "alice", "m1")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect after Close = %v, want ErrNotConnected", err)
	}
}
