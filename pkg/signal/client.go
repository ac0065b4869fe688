package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"
)

// ErrReconnectExhausted is reported once the client gives up reconnecting.
var ErrReconnectExhausted = errors.New("signal: reconnect attempts exhausted")

// ErrNotConnected is returned by sends while no connection is open.
var ErrNotConnected = errors.New("signal: not connected")

// State is the signaling connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts       = 5
	defaultBackoff           = 1 * time.Second
	defaultMaxBackoff        = 8 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	writeTimeout             = 10 * time.Second
)

// Option configures a [Client].
type Option func(*Client)

// WithReconnect bounds reconnection: up to attempts tries, the delay
// starting at backoff and doubling up to maxBackoff.
func WithReconnect(attempts int, backoff, maxBackoff time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if backoff > 0 {
			c.backoff = backoff
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithHeartbeatInterval sets how often heartbeats are sent while the client
// is backgrounded.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// Client is a signaling connection keyed by (userId, matchId).
//
// The connection lifecycle is independent from any peer connection: a
// reconnect re-registers the identity but never resumes a call on its own.
// All methods are safe for concurrent use. Handlers run on the read
// goroutine and must not block.
type Client struct {
	url    string
	id     Identity
	header http.Header

	maxAttempts       int
	backoff           time.Duration
	maxBackoff        time.Duration
	heartbeatInterval time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	nextID     int
	handlers   map[string]map[int]func(json.RawMessage)
	stateFns   []func(State)
	errFns     []func(error)
	background bool
	hbStop     chan struct{}

	done         chan struct{}
	closeOnce    sync.Once
	disconnected chan struct{}
	monitorOnce  sync.Once
	connecting   singleflight.Group
}

// New returns a client for the relay at url. Call Connect to open it.
func New(url, userID, matchID string, opts ...Option) *Client {
	c := &Client{
		url:               url,
		id:                Identity{UserID: userID, MatchID: matchID},
		maxAttempts:       defaultMaxAttempts,
		backoff:           defaultBackoff,
		maxBackoff:        defaultMaxBackoff,
		heartbeatInterval: defaultHeartbeatInterval,
		state:             StateDisconnected,
		handlers:          make(map[string]map[int]func(json.RawMessage)),
		done:              make(chan struct{}),
		disconnected:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UserID returns the registered user id.
func (c *Client) UserID() string { return c.id.UserID }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers fn for server event and returns a function removing it.
func (c *Client) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnState registers fn for connection state changes.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
}

// OnError registers fn for server-reported [*Error] values and the terminal
// [ErrReconnectExhausted].
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.errFns = append(c.errFns, fn)
	c.mu.Unlock()
}

// Connect opens the channel and registers the identity. Later connection
// losses are retried in the background. It is a no-op while the channel is
// up or being re-established; concurrent calls share one dial.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	_, err, _ := c.connecting.Do("connect", func() (any, error) {
		switch c.State() {
		case StateConnected, StateReconnecting:
			return nil, nil
		}
		c.setState(StateConnecting)
		if err := c.dial(ctx); err != nil {
			c.setState(StateDisconnected)
			return nil, err
		}
		c.monitorOnce.Do(func() { go c.monitorLoop() })
		c.setState(StateConnected)
		return nil, nil
	})
	return err
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("signal: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.Send(ctx, EventRegister, c.id); err != nil {
		conn.CloseNow()
		return fmt.Errorf("signal: register: %w", err)
	}
	go c.readLoop(conn)
	return nil
}

// Send writes one event. It fails with [ErrNotConnected] while the channel
// is down; callers decide whether the message is worth retrying.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	b, err := Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("signal: send %s: %w", event, err)
	}
	return nil
}

// InitiateCall asks peer to accept a call.
func (c *Client) InitiateCall(ctx context.Context, peer string) error {
	return c.Send(ctx, EventInitiateCall, CallControl{Route: Route{To: peer}})
}

// AcceptCall accepts an incoming call from peer.
func (c *Client) AcceptCall(ctx context.Context, peer string) error {
	return c.Send(ctx, EventAcceptCall, CallControl{Route: Route{To: peer}})
}

// RejectCall declines an incoming call from peer.
func (c *Client) RejectCall(ctx context.Context, peer, reason string) error {
	return c.Send(ctx, EventRejectCall, CallControl{Route: Route{To: peer}, Reason: reason})
}

// EndCall ends the call with peer.
func (c *Client) EndCall(ctx context.Context, peer string) error {
	return c.Send(ctx, EventEndCall, CallControl{Route: Route{To: peer}})
}

// SendOffer relays an SDP offer to peer.
func (c *Client) SendOffer(ctx context.Context, peer, sdp string) error {
	return c.Send(ctx, EventOffer, Offer{Route: Route{To: peer}, Offer: Description{Type: "offer", SDP: sdp}})
}

// SendAnswer relays an SDP answer to peer.
func (c *Client) SendAnswer(ctx context.Context, peer, sdp string) error {
	return c.Send(ctx, EventAnswer, Answer{Route: Route{To: peer}, Answer: Description{Type: "answer", SDP: sdp}})
}

// SendCandidate relays an ICE candidate to peer.
func (c *Client) SendCandidate(ctx context.Context, peer string, cand Candidate) error {
	return c.Send(ctx, EventICECandidate, ICECandidate{Route: Route{To: peer}, Candidate: cand})
}

// SetBackground switches heartbeat mode. While backgrounded the client sends
// heartbeats so idle proxies keep the socket open; returning to the
// foreground re-registers.
func (c *Client) SetBackground(ctx context.Context, bg bool) {
	c.mu.Lock()
	if c.background == bg {
		c.mu.Unlock()
		return
	}
	c.background = bg
	if bg {
		c.hbStop = make(chan struct{})
		go c.heartbeatLoop(c.hbStop)
	} else if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()

	if !bg {
		c.Foreground(ctx)
	}
}

// Foreground re-registers the identity even if the socket looks open, since
// platforms may silently drop the server-side session while suspended.
// With no open socket a reconnect is triggered instead.
func (c *Client) Foreground(ctx context.Context) {
	if err := c.Send(ctx, EventRegister, c.id); err != nil {
		slog.Info("signal: re-register failed, reconnecting", "user_id", c.id.UserID, "err", err)
		c.notifyDisconnect()
	}
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	t := time.NewTicker(c.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.Send(context.Background(), EventHeartbeat, c.id); err != nil {
				slog.Debug("signal: heartbeat failed", "err", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			select {
			case <-c.done:
				return
			default:
			}
			if current {
				slog.Info("signal: connection lost", "user_id", c.id.UserID, "err", err)
				c.notifyDisconnect()
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("signal: malformed frame", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	if env.Event == EventError {
		var e Error
		if err := json.Unmarshal(env.Data, &e); err == nil {
			c.reportError(&e)
		}
	}
	if env.Event == EventServerShutdown {
		slog.Info("signal: server shutting down", "user_id", c.id.UserID)
	}

	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[env.Event]))
	for _, fn := range c.handlers[env.Event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env.Data)
	}
}

func (c *Client) notifyDisconnect() {
	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

func (c *Client) monitorLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.disconnected:
			c.attemptReconnect()
		}
	}
}

// attemptReconnect retries with exponential backoff up to maxAttempts and
// reports ErrReconnectExhausted when it gives up.
func (c *Client) attemptReconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.CloseNow()
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(StateReconnecting)

	delay := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		slog.Info("signal: reconnecting", "user_id", c.id.UserID, "attempt", attempt, "max_attempts", c.maxAttempts)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			// A drop noticed during the dial refers to the old socket.
			select {
			case <-c.disconnected:
			default:
			}
			c.setState(StateConnected)
			return
		}
		slog.Warn("signal: reconnect attempt failed", "attempt", attempt, "err", err)

		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}

	slog.Error("signal: giving up reconnecting", "user_id", c.id.UserID, "attempts", c.maxAttempts)
	c.setState(StateDisconnected)
	c.reportError(ErrReconnectExhausted)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := append([]func(State){}, c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.errFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Close shuts the channel down without reconnecting. Subsequent calls are
// no-ops.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		if c.hbStop != nil {
			close(c.hbStop)
			c.hbStop = nil
		}
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
		c.setState(StateDisconnected)
	})
	return nil
}
