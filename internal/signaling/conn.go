package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBackpressure is returned by [conn.trySend] when the peer is not
// draining its outbound queue.
var ErrBackpressure = errors.New("signaling: backpressure")

// errConnClosed is returned by [conn.trySend] after close.
var errConnClosed = errors.New("signaling: connection closed")

// conn is one websocket client of the relay.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	// userID and matchID are set on register and guarded by Hub.mu.
	userID  string
	matchID string

	lastSeen atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func newConn(id string, ws *websocket.Conn, buffer int) *conn {
	c := &conn{id: id, ws: ws, send: make(chan []byte, buffer)}
	c.touch(time.Now())
	return c
}

func (c *conn) touch(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

func (c *conn) idleSince(t time.Time) time.Duration {
	return t.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *conn) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// close stops accepting frames. The write pump flushes what is queued,
// sends a close frame and closes the socket.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *conn) writePump(writeTimeout time.Duration) {
	defer c.ws.Close()
	for data := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			slog.Debug("signaling: set write deadline", "conn_id", c.id, "err", err)
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("signaling: write failed", "conn_id", c.id, "err", err)
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (c *conn) readPump(maxSize int64, handle func([]byte)) {
	if maxSize > 0 {
		c.ws.SetReadLimit(maxSize)
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("signaling: read error", "conn_id", c.id, "err", err)
			}
			return
		}
		c.touch(time.Now())
		handle(data)
	}
}
