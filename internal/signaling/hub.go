// Package signaling implements the relay server behind [signal.Client].
//
// A [Hub] keeps a directory of registered clients keyed by matchId and
// relays addressed events between them, stamping each with the sender as
// "from". It never inspects SDP or candidates. Unknown targets are reported
// back to the sender as a peer-unavailable error.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/circlecall/internal/observe"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// ErrClosed is returned by [Hub.Check] after [Hub.Shutdown].
var ErrClosed = errors.New("signaling: hub closed")

// Config tunes a [Hub]. Zero fields take the defaults below.
type Config struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	MaxPerMatch    int
	RateLimit      int
	RateInterval   time.Duration
	MaxMessageSize int64
}

const (
	defaultSendBuffer     = 32
	defaultWriteTimeout   = 5 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	defaultReapInterval   = 15 * time.Second
	defaultRateLimit      = 200
	defaultRateInterval   = 10 * time.Second
	defaultMaxMessageSize = 64 << 10
)

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	if c.RateLimit == 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateInterval <= 0 {
		c.RateInterval = defaultRateInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// relayed maps client events to what the addressed peer receives.
var relayed = map[string]string{
	signal.EventInitiateCall: signal.EventIncomingCall,
	signal.EventAcceptCall:   signal.EventCallAccepted,
	signal.EventRejectCall:   signal.EventCallRejected,
	signal.EventEndCall:      signal.EventCallEnded,
	signal.EventOffer:        signal.EventOffer,
	signal.EventAnswer:       signal.EventAnswer,
	signal.EventICECandidate: signal.EventICECandidate,
}

// Option configures a [Hub].
type Option func(*Hub)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub is the signaling directory and relay. It is an [http.Handler] that
// upgrades every request to a websocket.
type Hub struct {
	cfg      Config
	metrics  *observe.Metrics
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	pumps    sync.WaitGroup

	mu      sync.Mutex
	matches map[string]map[string]*conn
	conns   map[*conn]struct{}
	closed  bool
}

var _ http.Handler = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(cfg Config, opts ...Option) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		matches: make(map[string]map[string]*conn),
		conns:   make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request and runs the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("signaling: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := newConn(uuid.NewString(), ws, h.cfg.SendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.Debug("signaling: client connected", "conn_id", c.id, "remote", r.RemoteAddr)

	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		c.writePump(h.cfg.WriteTimeout)
	}()
	go func() {
		defer h.pumps.Done()
		c.readPump(h.cfg.MaxMessageSize, func(b []byte) { h.handle(c, b) })
		h.drop(c)
		c.close()
	}()
}

func (h *Hub) handle(c *conn, data []byte) {
	var env signal.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		h.sendError(c, signal.ErrTypeBadMessage, "malformed frame")
		return
	}
	ctx := context.Background()
	h.metrics.RecordSignalingMessage(ctx, env.Event)

	if !h.limiter.Allow(c.id) {
		h.sendError(c, signal.ErrTypeRateLimited, "too many messages")
		return
	}

	switch env.Event {
	case signal.EventRegister:
		h.register(c, env.Data)
	case signal.EventHeartbeat:
		// lastSeen was refreshed by the read pump.
	default:
		out, ok := relayed[env.Event]
		if !ok {
			h.sendError(c, signal.ErrTypeBadMessage, "unknown event "+env.Event)
			return
		}
		h.relay(c, out, env.Data)
	}
}

func (h *Hub) register(c *conn, data json.RawMessage) {
	var id signal.Identity
	if err := json.Unmarshal(data, &id); err != nil || id.UserID == "" || id.MatchID == "" {
		h.sendError(c, signal.ErrTypeBadMessage, "register needs userId and matchId")
		return
	}

	h.mu.Lock()
	if c.userID == id.UserID && c.matchID == id.MatchID {
		// Re-register after resume: the directory entry is already ours.
		peers := h.peersLocked(id.MatchID, id.UserID)
		h.mu.Unlock()
		h.send(c, signal.EventJoined, signal.Joined{MatchID: id.MatchID, Participants: peers})
		return
	}
	moved := c.userID != ""
	if moved {
		h.unregisterLocked(c)
	}

	match := h.matches[id.MatchID]
	prev := match[id.UserID]
	if prev == nil && h.cfg.MaxPerMatch > 0 && len(match) >= h.cfg.MaxPerMatch {
		h.mu.Unlock()
		if moved {
			h.metrics.SignalingConnections.Add(context.Background(), -1)
		}
		h.sendError(c, signal.ErrTypeMatchFull, fmt.Sprintf("match %s is full", id.MatchID))
		return
	}
	if match == nil {
		match = make(map[string]*conn)
		h.matches[id.MatchID] = match
	}
	match[id.UserID] = c
	c.userID, c.matchID = id.UserID, id.MatchID
	if prev != nil {
		prev.userID, prev.matchID = "", ""
	}
	peers := h.peersLocked(id.MatchID, id.UserID)
	others := h.othersLocked(id.MatchID, id.UserID)
	h.mu.Unlock()

	if moved {
		h.metrics.SignalingConnections.Add(context.Background(), -1)
	}
	if prev != nil {
		slog.Info("signaling: replacing stale connection", "match_id", id.MatchID, "user_id", id.UserID, "conn_id", prev.id)
		prev.close()
	} else {
		h.metrics.SignalingConnections.Add(context.Background(), 1)
	}

	slog.Info("signaling: registered", "match_id", id.MatchID, "user_id", id.UserID, "conn_id", c.id)
	h.send(c, signal.EventJoined, signal.Joined{MatchID: id.MatchID, Participants: peers})
	if prev == nil {
		for _, o := range others {
			h.send(o, signal.EventUserJoined, signal.UserEvent{UserID: id.UserID})
		}
	}
}

func (h *Hub) relay(c *conn, event string, data json.RawMessage) {
	h.mu.Lock()
	from, matchID := c.userID, c.matchID
	h.mu.Unlock()
	if from == "" {
		h.sendError(c, signal.ErrTypeNotRegistered, "register before sending "+event)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		h.sendError(c, signal.ErrTypeBadMessage, "payload must be an object")
		return
	}
	var to string
	if raw, ok := fields["to"]; ok {
		_ = json.Unmarshal(raw, &to)
	}
	if to == "" {
		h.sendError(c, signal.ErrTypeBadMessage, "missing target")
		return
	}

	h.mu.Lock()
	target := h.matches[matchID][to]
	h.mu.Unlock()
	if target == nil {
		h.sendError(c, signal.ErrTypePeerUnavailable, fmt.Sprintf("peer %s is not connected", to))
		return
	}

	fields["from"], _ = json.Marshal(from)
	h.send(target, event, fields)
}

// drop removes c from the directory after its socket is gone.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	userID, matchID := c.userID, c.matchID
	var others []*conn
	if userID != "" {
		h.unregisterLocked(c)
		others = h.othersLocked(matchID, userID)
	}
	h.mu.Unlock()
	h.limiter.Forget(c.id)

	if userID == "" {
		return
	}
	h.metrics.SignalingConnections.Add(context.Background(), -1)
	slog.Info("signaling: left", "match_id", matchID, "user_id", userID, "conn_id", c.id)
	for _, o := range others {
		h.send(o, signal.EventUserLeft, signal.UserEvent{UserID: userID})
	}
}

func (h *Hub) unregisterLocked(c *conn) {
	match := h.matches[c.matchID]
	if match[c.userID] == c {
		delete(match, c.userID)
		if len(match) == 0 {
			delete(h.matches, c.matchID)
		}
	}
	c.userID, c.matchID = "", ""
}

func (h *Hub) peersLocked(matchID, self string) []string {
	peers := make([]string, 0, len(h.matches[matchID]))
	for uid := range h.matches[matchID] {
		if uid != self {
			peers = append(peers, uid)
		}
	}
	slices.Sort(peers)
	return peers
}

func (h *Hub) othersLocked(matchID, self string) []*conn {
	var out []*conn
	for uid, o := range h.matches[matchID] {
		if uid != self {
			out = append(out, o)
		}
	}
	return out
}

func (h *Hub) send(c *conn, event string, payload any) {
	b, err := signal.Encode(event, payload)
	if err != nil {
		slog.Error("signaling: encode", "event", event, "err", err)
		return
	}
	if err := c.trySend(b); err != nil {
		slog.Warn("signaling: dropping frame", "event", event, "conn_id", c.id, "err", err)
		if errors.Is(err, ErrBackpressure) {
			h.metrics.RecordTransportError(context.Background(), "signaling", "backpressure")
		}
	}
}

func (h *Hub) sendError(c *conn, typ, msg string) {
	h.send(c, signal.EventError, signal.Error{Type: typ, Message: msg})
}

// Participants returns the registered user ids of matchID, sorted.
func (h *Hub) Participants(matchID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peersLocked(matchID, "")
}

// Connections returns the number of open sockets, registered or not.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Check reports whether the hub still accepts clients. It has the shape of
// a readiness checker.
func (h *Hub) Check(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return nil
}

// Run reaps connections that have been silent for longer than the idle
// timeout until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			h.reap(now)
		}
	}
}

func (h *Hub) reap(now time.Time) {
	h.mu.Lock()
	var idle []*conn
	for c := range h.conns {
		if c.idleSince(now) > h.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	h.mu.Unlock()
	for _, c := range idle {
		slog.Info("signaling: reaping idle connection", "conn_id", c.id)
		c.close()
	}
}

// Shutdown tells every client the server is going away, closes all sockets
// and waits for the pumps to exit or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context, message string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	slog.Info("signaling: shutting down", "connections", len(conns))
	for _, c := range conns {
		h.send(c, signal.EventServerShutdown, signal.Shutdown{Message: message})
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		return fmt.Errorf("signaling: shutdown: %w", ctx.Err())
	}
}
